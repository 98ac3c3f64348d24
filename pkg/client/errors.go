package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const maxErrorBody = 64 << 10

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Op         string
	StatusCode int
	// Code is the machine readable error code of the body, if any
	// (e.g. "context_length_exceeded").
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// errorBody covers both `{"error": "msg", "code": "..."}` and
// `{"error": {"message": "...", "code": "..."}}`.
type errorBody struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
	Code    string          `json:"code"`
}

type nestedError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Type    string `json:"type"`
}

func newStatusError(op string, resp *http.Response, now time.Time) *StatusError {
	ret := &StatusError{
		Op:         op,
		StatusCode: resp.StatusCode,
		RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), now),
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if len(body) == 0 {
		ret.Message = http.StatusText(resp.StatusCode)
		return ret
	}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		ret.Message = strings.TrimSpace(string(body))
		return ret
	}
	ret.Code = eb.Code
	ret.Message = eb.Message
	if len(eb.Error) > 0 {
		var s string
		var nested nestedError
		switch {
		case json.Unmarshal(eb.Error, &s) == nil:
			ret.Message = s
		case json.Unmarshal(eb.Error, &nested) == nil:
			ret.Message = nested.Message
			if nested.Code != "" {
				ret.Code = nested.Code
			} else if ret.Code == "" {
				ret.Code = nested.Type
			}
		}
	}
	return ret
}

// MaxRetryAfter caps the wait a server can ask for.
const MaxRetryAfter = 24 * time.Hour

// ParseRetryAfter reads a Retry-After header given either in seconds or as an
// HTTP date. Returns 0 if the header is missing or malformed, and at most
// MaxRetryAfter.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	var numErr *strconv.NumError
	if err == nil || (errors.As(err, &numErr) && numErr.Err == strconv.ErrRange) {
		// out of range values come back as the int64 bound with the matching sign
		if secs <= 0 {
			return 0
		}
		if secs > int64(MaxRetryAfter/time.Second) {
			return MaxRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			if d > MaxRetryAfter {
				return MaxRetryAfter
			}
			return d
		}
	}
	return 0
}
