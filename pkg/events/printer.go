package events

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

// PrinterFunc writes the assistant's streamed text to w as it arrives, followed
// by a line for the way the exchange ended. name, if set, is printed once before
// the first delta of each exchange.
func PrinterFunc(name string, w io.Writer) func(msg *message.Message) error {
	isFirst := true
	lastDelta := ""

	return func(msg *message.Message) error {
		defer msg.Ack()

		e, err := NewEventFromJson(msg.Payload)
		if err != nil {
			return err
		}

		switch p_ := e.(type) {
		case *EventExchangeStarted:
			isFirst = true
			lastDelta = ""

		case *EventPartial:
			if isFirst && name != "" {
				isFirst = false
				if _, err := fmt.Fprintf(w, "\n%s: \n", name); err != nil {
					return err
				}
			}
			lastDelta = p_.Delta
			if _, err := fmt.Fprintf(w, "%s", p_.Delta); err != nil {
				return err
			}

		case *EventCompleted:
			if !strings.HasSuffix(lastDelta, "\n") {
				if _, err := fmt.Fprintf(w, "\n"); err != nil {
					return err
				}
			}

		case *EventCancelled:
			if _, err := fmt.Fprintf(w, "\n[stopped]\n"); err != nil {
				return err
			}

		case *EventFailed:
			if _, err := fmt.Fprintf(w, "\n[%s] %s\n", p_.Kind, p_.ErrorString); err != nil {
				return err
			}
			if p_.RetryAfter > 0 {
				d := time.Duration(p_.RetryAfter * float64(time.Second))
				if _, err := fmt.Fprintf(w, "retry after %s\n", d); err != nil {
					return err
				}
			}

		case *EventLoaded:
			title := p_.Title
			if title == "" {
				title = "untitled"
			}
			if _, err := fmt.Fprintf(w, "[i] loaded %s (%s, %d messages)\n", p_.Metadata().ConversationID, title, p_.Messages); err != nil {
				return err
			}

		case *EventStatus, *EventReconciled:
		}

		return nil
	}
}
