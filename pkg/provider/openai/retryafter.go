package openai

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-go-golems/branchchat/pkg/client"
)

// go-openai's errors do not carry response headers, so the Retry-After of a
// failed request is recorded by the transport into the request's context.

type retryAfterKey struct{}

type retryAfterRecorder struct {
	mu    sync.Mutex
	value string
}

func withRetryAfterRecorder(ctx context.Context) (context.Context, *retryAfterRecorder) {
	rec := &retryAfterRecorder{}
	return context.WithValue(ctx, retryAfterKey{}, rec), rec
}

func (r *retryAfterRecorder) set(v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.value = v
}

func (r *retryAfterRecorder) Duration(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return client.ParseRetryAfter(r.value, now)
}

type retryAfterTransport struct {
	base http.RoundTripper
}

func (t *retryAfterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil || resp.StatusCode < http.StatusBadRequest {
		return resp, err
	}
	if rec, ok := req.Context().Value(retryAfterKey{}).(*retryAfterRecorder); ok {
		rec.set(resp.Header.Get("Retry-After"))
	}
	return resp, nil
}
