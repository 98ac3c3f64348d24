package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/branchchat/pkg/chat"
	"github.com/go-go-golems/branchchat/pkg/client"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	go_openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"
)

func seqIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func sseHandler(t *testing.T, chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req go_openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.True(t, req.Stream)
		require.Equal(t, "gpt-4o", req.Model)

		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			b, err := json.Marshal(go_openai.ChatCompletionStreamResponse{
				Choices: []go_openai.ChatCompletionStreamChoice{
					{Delta: go_openai.ChatCompletionStreamChoiceDelta{Content: c}},
				},
			})
			require.NoError(t, err)
			_, _ = fmt.Fprintf(w, "data: %s\n\n", b)
			w.(http.Flusher).Flush()
		}
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func newTestBackend(t *testing.T, h http.HandlerFunc) *Backend {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	b, err := New("sk-test", srv.URL+"/v1", client.LocalDevPolicy, t.TempDir(),
		WithIDGenerator(seqIDs()),
		WithClock(func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }),
	)
	require.NoError(t, err)
	return b
}

func TestCompleteStreamsAndPersists(t *testing.T) {
	b := newTestBackend(t, sseHandler(t, "Hel", "lo"))
	ctx := context.Background()

	id, err := b.CreateConversation(ctx, "greeting", "gpt-4o")
	require.NoError(t, err)
	require.Equal(t, "id-1", id)

	resp, err := b.Complete(ctx, &client.ChatRequest{
		ConversationID: id,
		Model:          "gpt-4o",
		Messages:       []client.ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	require.True(t, resp.IsStream())
	require.Equal(t, "id-2", resp.UserMessageID)
	require.Equal(t, "id-3", resp.AssistantMessageID)

	text, err := io.ReadAll(resp.Stream)
	require.NoError(t, err)
	require.Equal(t, "Hello", string(text))
	require.NoError(t, resp.Stream.Close())

	stored, err := b.LoadConversation(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "greeting", stored.Title)
	require.Len(t, stored.Messages, 2)
	require.Equal(t, "hi", stored.Messages[0].Content)
	require.Nil(t, stored.Messages[0].ParentMessageID)
	require.Equal(t, "Hello", stored.Messages[1].Content)
	require.Equal(t, "id-2", *stored.Messages[1].ParentMessageID)
}

func TestCompleteUnknownConversation(t *testing.T) {
	b := newTestBackend(t, sseHandler(t))
	_, err := b.Complete(context.Background(), &client.ChatRequest{
		ConversationID: "missing",
		Messages:       []client.ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.ErrorIs(t, err, ErrUnknownConversation)

	_, err = b.LoadConversation(context.Background(), "../escape")
	require.Error(t, err)
}

func TestCompleteMapsAPIErrors(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"This model's maximum context length is 8192 tokens","type":"invalid_request_error","code":"context_length_exceeded"}}`))
	})
	ctx := context.Background()
	id, err := b.CreateConversation(ctx, "t", "gpt-4o")
	require.NoError(t, err)

	_, err = b.Complete(ctx, &client.ChatRequest{
		ConversationID: id,
		Model:          "gpt-4o",
		Messages:       []client.ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)

	var se *client.StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusBadRequest, se.StatusCode)
	require.Equal(t, "context_length_exceeded", se.Code)
	require.True(t, chat.IsKind(err, chat.KindContextLength))
}

func TestCompleteKeepsRetryAfterOfRateLimit(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`))
	})
	ctx := context.Background()
	id, err := b.CreateConversation(ctx, "t", "gpt-4o")
	require.NoError(t, err)

	_, err = b.Complete(ctx, &client.ChatRequest{
		ConversationID: id,
		Model:          "gpt-4o",
		Messages:       []client.ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)

	var se *client.StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	require.Equal(t, 7*time.Second, se.RetryAfter)

	ce := chat.Classify(err)
	require.Equal(t, chat.KindRateLimit, ce.Kind)
	require.Equal(t, 7*time.Second, ce.RetryAfter)
}

func TestControllerReconcilesAgainstBackendIDs(t *testing.T) {
	b := newTestBackend(t, sseHandler(t, "Hi ", "there"))
	c := chat.NewController(b, chat.WithModel("gpt-4o"))
	defer c.Close()

	ex, err := c.Send(context.Background(), conversation.TextContent("hello"))
	require.NoError(t, err)
	status, err := ex.Wait()
	require.NoError(t, err)
	require.Equal(t, conversation.StatusCompleted, status)

	chain := c.Store().Chain()
	require.Equal(t, []conversation.NodeID{"id-2", "id-3"}, chain.IDs())
	require.Equal(t, "Hi there", chain[1].Content.Text)

	require.NoError(t, c.Load(context.Background(), "id-1"))
	require.Equal(t, []conversation.NodeID{"id-2", "id-3"}, c.Store().Chain().IDs())
}

func TestToOpenAIMessagesMultimodal(t *testing.T) {
	msgs := toOpenAIMessages([]client.ChatMessage{
		{Role: "user", Content: []client.ContentPart{
			{Type: "text", Text: "what is this?"},
			{Type: "image_url", ImageURL: &client.ImageURL{URL: "https://example.com/cat.png"}},
		}},
		{Role: "assistant", Content: "a cat"},
	})
	require.Len(t, msgs, 2)
	require.Len(t, msgs[0].MultiContent, 2)
	require.Equal(t, go_openai.ChatMessagePartTypeImageURL, msgs[0].MultiContent[1].Type)
	require.Equal(t, "https://example.com/cat.png", msgs[0].MultiContent[1].ImageURL.URL)
	require.Equal(t, "a cat", msgs[1].Content)
}
