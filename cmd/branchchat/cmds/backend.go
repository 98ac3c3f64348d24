package cmds

import (
	"time"

	"github.com/go-go-golems/branchchat/pkg/chat"
	"github.com/go-go-golems/branchchat/pkg/client"
	"github.com/go-go-golems/branchchat/pkg/provider/openai"
	"github.com/go-go-golems/branchchat/pkg/settings"
	"github.com/go-go-golems/branchchat/pkg/tokens"
	"github.com/go-go-golems/branchchat/pkg/transcript"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// LoadSettings reads the settings from the global viper instance.
func LoadSettings() (*settings.Settings, error) {
	return settings.Load(viper.GetViper())
}

func NewBackend(s *settings.Settings) (chat.Backend, error) {
	switch s.Backend {
	case settings.BackendServer:
		c, err := client.New(s.Server.BaseURL, s.URLPolicy(), client.WithAuthToken(s.Server.AuthToken))
		if err != nil {
			return nil, err
		}
		return c, nil
	case settings.BackendOpenAI:
		b, err := openai.New(s.OpenAI.APIKey, s.OpenAI.BaseURL, s.URLPolicy(), s.ConversationsDir())
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, errors.Errorf("unknown backend %q", s.Backend)
}

// Session bundles a controller with the helpers attached to its store.
type Session struct {
	Settings   *settings.Settings
	Controller *chat.Controller

	detach []func()
}

// NewSession builds the controller described by s. With autosave enabled, every
// finished exchange is written to the history directory.
func NewSession(s *settings.Settings) (*Session, error) {
	backend, err := NewBackend(s)
	if err != nil {
		return nil, err
	}

	options := []chat.ControllerOption{chat.WithModel(s.Model)}
	counter, err := tokens.NewCounter(s.Model, s.Encoding)
	if err != nil {
		log.Warn().Err(err).Msg("token counting disabled")
	} else {
		options = append(options, chat.WithTokenCounter(counter))
	}

	ret := &Session{
		Settings:   s,
		Controller: chat.NewController(backend, options...),
	}

	if s.Autosave.Enabled {
		saver, err := transcript.NewAutosaver(s.AutosaveDir(), s.Autosave.Format)
		if err != nil {
			return nil, err
		}
		ret.detach = append(ret.detach, saver.Attach(ret.Controller.Store()))
	}
	return ret, nil
}

// OnClose registers f to run when the session closes.
func (s *Session) OnClose(f func()) {
	s.detach = append(s.detach, f)
}

// Close stops the in-flight exchange, giving it a moment to record its end.
func (s *Session) Close() {
	if ex := s.Controller.Active(); ex != nil {
		ex.Cancel()
		select {
		case <-ex.Done():
		case <-time.After(2 * time.Second):
		}
	}
	for i := len(s.detach) - 1; i >= 0; i-- {
		s.detach[i]()
	}
	s.Controller.Close()
}
