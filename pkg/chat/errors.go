package chat

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-go-golems/branchchat/pkg/client"
)

var (
	ErrControllerNil   = errors.New("controller is nil")
	ErrBackendNil      = errors.New("controller has no backend")
	ErrExchangeActive  = errors.New("an exchange is already in flight")
	ErrEmptyContent    = errors.New("message content is empty")
	ErrNotEditable     = errors.New("only user messages can be edited")
	ErrMessageNotFound = errors.New("message not found")
	ErrNothingToRetry  = errors.New("last exchange did not fail")
	ErrExchangeNil     = errors.New("exchange is nil")
)

// ErrorKind is the user-facing category of a failed exchange.
type ErrorKind string

const (
	KindNetwork       ErrorKind = "network"
	KindAuth          ErrorKind = "auth"
	KindRateLimit     ErrorKind = "rateLimit"
	KindContextLength ErrorKind = "contextLength"
)

// Error is a classified exchange failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	// RetryAfter is set for rate limit errors when the backend said how long to wait.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s error", e.Kind)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether sending the same request again may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindRateLimit
}

var contextLengthCodes = []string{
	"context_length_exceeded",
	"context_length",
	"context_too_long",
	"request_too_large",
}

// Classify maps a transport or backend error onto the error taxonomy. Anything
// that is not a recognized backend status is a network error.
//
// Cancellation is not an error and must be checked before calling Classify.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	var se *client.StatusError
	if !errors.As(err, &se) {
		return &Error{Kind: KindNetwork, Err: err}
	}

	ret := &Error{Kind: KindNetwork, StatusCode: se.StatusCode, Err: err}
	switch {
	case se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden:
		ret.Kind = KindAuth
	case se.StatusCode == http.StatusTooManyRequests:
		ret.Kind = KindRateLimit
		ret.RetryAfter = se.RetryAfter
	case se.StatusCode == http.StatusRequestEntityTooLarge || isContextLengthCode(se.Code, se.Message):
		ret.Kind = KindContextLength
	}
	return ret
}

func isContextLengthCode(code, message string) bool {
	code = strings.ToLower(code)
	for _, c := range contextLengthCodes {
		if code == c {
			return true
		}
	}
	return strings.Contains(strings.ToLower(message), "maximum context length")
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind ErrorKind) bool {
	ce := Classify(err)
	return ce != nil && ce.Kind == kind
}
