package events

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/lithammer/shortuuid/v3"
	"github.com/rs/zerolog"
)

// WatermillLogger routes watermill's logging through zerolog.
type WatermillLogger struct {
	logger zerolog.Logger
}

func NewWatermillLogger(logger zerolog.Logger) *WatermillLogger {
	return &WatermillLogger{logger: logger}
}

var _ watermill.LoggerAdapter = &WatermillLogger{}

func (w *WatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.logger.Error().Fields(map[string]interface{}(fields)).Err(err).Msg(msg)
}

// Info is logged at debug level, watermill reports every subscription at info.
func (w *WatermillLogger) Info(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *WatermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *WatermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.logger.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *WatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &WatermillLogger{logger: w.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}

// CorrelationIDKey is the message metadata key holding the exchange an event belongs to.
const CorrelationIDKey = "correlation_id"

// correlationID groups the events of one exchange. Events outside an exchange
// (loads, resets) get a generated id with a "gen_" prefix.
func correlationID(e Event) string {
	if id := e.Metadata().ExchangeID; id != "" {
		return id
	}
	return "gen_" + shortuuid.New()
}

func setCorrelationID(msg *message.Message, e Event) {
	if msg.Metadata.Get(CorrelationIDKey) != "" {
		return
	}
	msg.Metadata.Set(CorrelationIDKey, correlationID(e))
}
