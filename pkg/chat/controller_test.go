package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/branchchat/pkg/client"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	create   func(ctx context.Context, title, model string) (string, error)
	complete func(ctx context.Context, req *client.ChatRequest) (*client.ChatResponse, error)
	load     func(ctx context.Context, id string) (*client.StoredConversation, error)

	mu       sync.Mutex
	creates  int
	requests []*client.ChatRequest
}

func (b *fakeBackend) CreateConversation(ctx context.Context, title, model string) (string, error) {
	b.mu.Lock()
	b.creates++
	b.mu.Unlock()
	if b.create == nil {
		return "conv-1", nil
	}
	return b.create(ctx, title, model)
}

func (b *fakeBackend) Complete(ctx context.Context, req *client.ChatRequest) (*client.ChatResponse, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	return b.complete(ctx, req)
}

func (b *fakeBackend) LoadConversation(ctx context.Context, id string) (*client.StoredConversation, error) {
	return b.load(ctx, id)
}

func (b *fakeBackend) Requests() []*client.ChatRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*client.ChatRequest(nil), b.requests...)
}

// chunkStream hands out queued chunks and blocks for more until closed or cancelled.
type chunkStream struct {
	ctx    context.Context
	chunks chan string
}

func newChunkStream(ctx context.Context, chunks ...string) *chunkStream {
	s := &chunkStream{ctx: ctx, chunks: make(chan string, 16)}
	for _, c := range chunks {
		s.chunks <- c
	}
	return s
}

func (s *chunkStream) Read(p []byte) (int, error) {
	select {
	case c, ok := <-s.chunks:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, c), nil
	case <-s.ctx.Done():
		return 0, s.ctx.Err()
	}
}

func (s *chunkStream) Close() error { return nil }

func seqIDs() func() conversation.NodeID {
	var mu sync.Mutex
	n := 0
	return func() conversation.NodeID {
		mu.Lock()
		defer mu.Unlock()
		n++
		return conversation.NodeID(fmt.Sprintf("tmp-%d", n))
	}
}

func seqClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	cur := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(time.Second)
		return cur
	}
}

func newTestController(b Backend) *Controller {
	return NewController(b,
		WithModel("gpt-4o"),
		WithIDGenerator(seqIDs()),
		WithClock(seqClock(time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC))),
	)
}

// appendSignal fires once per streamed chunk applied to the store.
func appendSignal(c *Controller) <-chan string {
	ch := make(chan string, 16)
	c.Store().Subscribe(func(change conversation.Change) {
		if change.Mutation == "append_content" {
			ch <- change.Delta
		}
	})
	return ch
}

func waitFor(t *testing.T, ch <-chan string) string {
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	return ""
}

func TestSendStreamsIntoPlaceholder(t *testing.T) {
	b := &fakeBackend{
		complete: func(ctx context.Context, req *client.ChatRequest) (*client.ChatResponse, error) {
			s := newChunkStream(ctx, "Hel", "lo ", "world")
			close(s.chunks)
			return &client.ChatResponse{UserMessageID: "srv-u", Stream: s}, nil
		},
	}
	c := newTestController(b)

	ex, err := c.Send(context.Background(), conversation.TextContent("hi"))
	require.NoError(t, err)
	status, err := ex.Wait()
	require.NoError(t, err)
	require.Equal(t, conversation.StatusCompleted, status)

	chain := c.Store().Chain()
	require.Equal(t, []conversation.NodeID{"srv-u", "tmp-2"}, chain.IDs())
	require.Equal(t, "hi", chain[0].Content.Text)
	require.Equal(t, "Hello world", chain[1].Content.Text)
	require.Equal(t, conversation.NodeID("srv-u"), chain[1].ParentID)

	st := c.Store().Snapshot()
	require.Equal(t, conversation.StatusCompleted, st.Status)
	require.Equal(t, "conv-1", st.ConversationID)
	require.Nil(t, st.Err)
	require.Nil(t, c.Active())

	reqs := b.Requests()
	require.Len(t, reqs, 1)
	require.Nil(t, reqs[0].ParentMessageID)
	require.Empty(t, reqs[0].EditMessageID)
	require.Equal(t, "conv-1", reqs[0].ConversationID)
	require.Equal(t, "gpt-4o", reqs[0].Model)
	require.Len(t, reqs[0].Messages, 1)
	require.Equal(t, "hi", reqs[0].Messages[0].ContentText())
}

func TestCollidingServerIDsKeepTemporaryIDs(t *testing.T) {
	b := &fakeBackend{
		complete: func(ctx context.Context, req *client.ChatRequest) (*client.ChatResponse, error) {
			s := newChunkStream(ctx, "Hel")
			close(s.chunks)
			return &client.ChatResponse{UserMessageID: "srv-u", AssistantMessageID: "srv-u", Stream: s}, nil
		},
	}
	c := newTestController(b)
	var reconciled []conversation.IDPair
	c.Store().Subscribe(func(change conversation.Change) {
		reconciled = append(reconciled, change.Reconciled...)
	})

	ex, err := c.Send(context.Background(), conversation.TextContent("hi"))
	require.NoError(t, err)
	status, err := ex.Wait()
	require.NoError(t, err)
	require.Equal(t, conversation.StatusCompleted, status)

	chain := c.Store().Chain()
	require.Equal(t, []conversation.NodeID{"tmp-1", "tmp-2"}, chain.IDs())
	require.Equal(t, "hi", chain[0].Content.Text)
	require.Equal(t, conversation.RoleAssistant, chain[1].Role)
	require.Equal(t, "Hel", chain[1].Content.Text)
	require.Empty(t, reconciled)
}

func TestServerIDTakenByEarlierMessage(t *testing.T) {
	b := &fakeBackend{
		complete: func(ctx context.Context, req *client.ChatRequest) (*client.ChatResponse, error) {
			s := newChunkStream(ctx, "ok")
			close(s.chunks)
			return &client.ChatResponse{UserMessageID: "srv-u", AssistantMessageID: "srv-a", Stream: s}, nil
		},
	}
	c := newTestController(b)

	for i := 0; i < 2; i++ {
		ex, err := c.Send(context.Background(), conversation.TextContent("hi"))
		require.NoError(t, err)
		_, err = ex.Wait()
		require.NoError(t, err)
	}

	chain := c.Store().Chain()
	require.Equal(t, []conversation.NodeID{"srv-u", "srv-a", "tmp-3", "tmp-4"}, chain.IDs())
	require.Equal(t, "ok", chain[1].Content.Text)
	require.Equal(t, "ok", chain[3].Content.Text)
	require.Equal(t, conversation.NodeID("srv-a"), chain[2].ParentID)
}

func TestStatusSequence(t *testing.T) {
	b := &fakeBackend{
		complete: func(ctx context.Context, req *client.ChatRequest) (*client.ChatResponse, error) {
			s := newChunkStream(ctx, "ok")
			close(s.chunks)
			return &client.ChatResponse{UserMessageID: "srv-u", AssistantMessageID: "srv-a", Stream: s}, nil
		},
	}
	c := newTestController(b)

	var mu sync.Mutex
	var statuses []conversation.ExchangeStatus
	c.Store().Subscribe(func(change conversation.Change) {
		mu.Lock()
		defer mu.Unlock()
		if n := len(statuses); n == 0 || statuses[n-1] != change.Status {
			statuses = append(statuses, change.Status)
		}
	})

	ex, err := c.Send(context.Background(), conversation.TextContent("hi"))
	require.NoError(t, err)
	_, err = ex.Wait()
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []conversation.ExchangeStatus{
		conversation.StatusOptimisticInserted,
		conversation.StatusRequestSent,
		conversation.StatusReconcilingIDs,
		conversation.StatusStreaming,
		conversation.StatusCompleted,
	}, statuses)
	require.Equal(t, []conversation.NodeID{"srv-u", "srv-a"}, c.Store().Chain().IDs())
}

func TestSendIsSingleFlight(t *testing.T) {
	b := &fakeBackend{
		complete: func(ctx context.Context, req *client.ChatRequest) (*client.ChatResponse, error) {
			return &client.ChatResponse{Stream: newChunkStream(ctx)}, nil
		},
	}
	c := newTestController(b)

	ex, err := c.Send(context.Background(), conversation.TextContent("first"))
	require.NoError(t, err)

	_, err = c.Send(context.Background(), conversation.TextContent("second"))
	require.ErrorIs(t, err, ErrExchangeActive)
	_, err = c.Edit(context.Background(), ex.UserID, conversation.TextContent("edit"))
	require.ErrorIs(t, err, ErrExchangeActive)

	require.Equal(t, 2, c.Store().Snapshot().Tree.Len())

	c.Stop()
	status, err := ex.Wait()
	require.NoError(t, err)
	require.Equal(t, conversation.StatusCancelled, status)
	require.LessOrEqual(t, len(b.Requests()), 1)
	require.Equal(t, 1, b.creates)
}

func TestStopKeepsPartialContent(t *testing.T) {
	b := &fakeBackend{
		complete: func(ctx context.Context, req *client.ChatRequest) (*client.ChatResponse, error) {
			return &client.ChatResponse{UserMessageID: "srv-u", Stream: newChunkStream(ctx, "Hel")}, nil
		},
	}
	c := newTestController(b)
	appended := appendSignal(c)

	ex, err := c.Send(context.Background(), conversation.TextContent("hi"))
	require.NoError(t, err)
	require.Equal(t, "Hel", waitFor(t, appended))

	c.Stop()
	status, err := ex.Wait()
	require.NoError(t, err)
	require.Equal(t, conversation.StatusCancelled, status)

	st := c.Store().Snapshot()
	require.Equal(t, conversation.StatusCancelled, st.Status)
	require.Nil(t, st.Err)
	require.Equal(t, "Hel", c.Store().Chain()[1].Content.Text)
	require.Nil(t, c.Active())
}

func TestCallerContextDoesNotCancelExchange(t *testing.T) {
	release := make(chan struct{})
	b := &fakeBackend{
		complete: func(ctx context.Context, req *client.ChatRequest) (*client.ChatResponse, error) {
			<-release
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return &client.ChatResponse{Completion: &client.Completion{Content: "done"}}, nil
		},
	}
	c := newTestController(b)

	ctx, cancel := context.WithCancel(context.Background())
	ex, err := c.Send(ctx, conversation.TextContent("hi"))
	require.NoError(t, err)
	cancel()
	close(release)

	status, err := ex.Wait()
	require.NoError(t, err)
	require.Equal(t, conversation.StatusCompleted, status)
	require.Equal(t, "done", c.Store().Chain().Last().Content.Text)
}

func storedGreeting() *client.StoredConversation {
	root := "u1"
	return &client.StoredConversation{
		ID:    "conv-9",
		Title: "Greetings",
		Model: "gpt-4o-mini",
		Messages: []client.StoredMessage{
			{ID: "u1", Role: "user", Content: "hi", CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
			{ID: "a1", Role: "assistant", Content: "hello", ParentMessageID: &root, CreatedAt: time.Date(2024, 5, 1, 12, 0, 1, 0, time.UTC)},
		},
	}
}

func TestEditCreatesSiblingBranch(t *testing.T) {
	b := &fakeBackend{
		load: func(ctx context.Context, id string) (*client.StoredConversation, error) {
			require.Equal(t, "conv-9", id)
			return storedGreeting(), nil
		},
		complete: func(ctx context.Context, req *client.ChatRequest) (*client.ChatResponse, error) {
			return &client.ChatResponse{
				UserMessageID:      "u2",
				AssistantMessageID: "a2",
				Completion:         &client.Completion{Content: "hello again"},
			}, nil
		},
	}
	c := newTestController(b)
	require.NoError(t, c.Load(context.Background(), "conv-9"))
	require.Equal(t, []conversation.NodeID{"u1", "a1"}, c.Store().Chain().IDs())

	ex, err := c.Edit(context.Background(), "u1", conversation.TextContent("hi, edited"))
	require.NoError(t, err)
	status, err := ex.Wait()
	require.NoError(t, err)
	require.Equal(t, conversation.StatusCompleted, status)

	chain := c.Store().Chain()
	require.Equal(t, []conversation.NodeID{"u2", "a2"}, chain.IDs())
	require.Equal(t, "hello again", chain[1].Content.Text)

	st := c.Store().Snapshot()
	require.Equal(t, conversation.NodeID("u2"), st.Selections[conversation.RootForkKey])
	siblings, idx := conversation.SiblingsOf(st.Tree, "u2")
	require.Equal(t, []conversation.NodeID{"u1", "u2"}, conversation.Conversation(siblings).IDs())
	require.Equal(t, 1, idx)
	require.Equal(t, 0, b.creates)

	reqs := b.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, "u1", reqs[0].EditMessageID)
	require.Nil(t, reqs[0].ParentMessageID)
	require.Equal(t, "conv-9", reqs[0].ConversationID)
	require.Equal(t, "gpt-4o-mini", reqs[0].Model)
	require.Len(t, reqs[0].Messages, 1)
	require.Equal(t, "hi, edited", reqs[0].Messages[0].ContentText())

	id, err := c.SelectSibling("u2", -1)
	require.NoError(t, err)
	require.Equal(t, conversation.NodeID("u1"), id)
	chain = c.Store().Chain()
	require.Equal(t, []conversation.NodeID{"u1", "a1"}, chain.IDs())
	require.Equal(t, "hello", chain[1].Content.Text)
}

func TestEditOfLaterMessageKeepsHistory(t *testing.T) {
	b := &fakeBackend{
		load: func(ctx context.Context, id string) (*client.StoredConversation, error) {
			conv := storedGreeting()
			parent := "a1"
			conv.Messages = append(conv.Messages, client.StoredMessage{
				ID: "u3", Role: "user", Content: "tell me more", ParentMessageID: &parent,
				CreatedAt: time.Date(2024, 5, 1, 12, 0, 2, 0, time.UTC),
			})
			return conv, nil
		},
		complete: func(ctx context.Context, req *client.ChatRequest) (*client.ChatResponse, error) {
			return &client.ChatResponse{Completion: &client.Completion{Content: "more"}}, nil
		},
	}
	c := newTestController(b)
	require.NoError(t, c.Load(context.Background(), "conv-9"))

	ex, err := c.Edit(context.Background(), "u3", conversation.TextContent("tell me less"))
	require.NoError(t, err)
	_, err = ex.Wait()
	require.NoError(t, err)

	reqs := b.Requests()
	require.Equal(t, "a1", *reqs[0].ParentMessageID)
	require.Len(t, reqs[0].Messages, 3)
	require.Equal(t, []conversation.NodeID{"u1", "a1", ex.UserID, ex.AssistantID}, c.Store().Chain().IDs())
}

func TestEditRejectsInvalidTargets(t *testing.T) {
	b := &fakeBackend{
		load: func(ctx context.Context, id string) (*client.StoredConversation, error) {
			return storedGreeting(), nil
		},
	}
	c := newTestController(b)
	require.NoError(t, c.Load(context.Background(), "conv-9"))
	version := c.Store().Snapshot().Version

	_, err := c.Edit(context.Background(), "a1", conversation.TextContent("x"))
	require.ErrorIs(t, err, ErrNotEditable)
	_, err = c.Edit(context.Background(), "nope", conversation.TextContent("x"))
	require.ErrorIs(t, err, ErrMessageNotFound)
	_, err = c.Send(context.Background(), conversation.TextContent("   "))
	require.ErrorIs(t, err, ErrEmptyContent)

	require.Equal(t, version, c.Store().Snapshot().Version)
	require.Nil(t, c.Active())
}

func TestFailureIsClassifiedAndRetried(t *testing.T) {
	calls := 0
	b := &fakeBackend{
		complete: func(ctx context.Context, req *client.ChatRequest) (*client.ChatResponse, error) {
			calls++
			if calls == 1 {
				return nil, &client.StatusError{Op: "chat", StatusCode: 429, RetryAfter: 3 * time.Second}
			}
			return &client.ChatResponse{Completion: &client.Completion{Content: "finally"}}, nil
		},
	}
	c := newTestController(b)

	ex, err := c.Send(context.Background(), conversation.TextContent("hi"))
	require.NoError(t, err)
	status, err := ex.Wait()
	require.Equal(t, conversation.StatusFailed, status)

	var ce *Error
	require.True(t, errors.As(err, &ce))
	require.Equal(t, KindRateLimit, ce.Kind)
	require.Equal(t, 3*time.Second, ce.RetryAfter)
	require.True(t, ce.Retryable())

	st := c.Store().Snapshot()
	require.Equal(t, conversation.StatusFailed, st.Status)
	require.Equal(t, err, st.Err)
	placeholder, ok := st.Tree.Get(ex.AssistantID)
	require.True(t, ok)
	require.Empty(t, placeholder.Content.Text)

	retry, err := c.Retry(context.Background())
	require.NoError(t, err)
	status, err = retry.Wait()
	require.NoError(t, err)
	require.Equal(t, conversation.StatusCompleted, status)
	require.Equal(t, ex.UserID, retry.EditOf)

	chain := c.Store().Chain()
	require.Equal(t, []conversation.NodeID{retry.UserID, retry.AssistantID}, chain.IDs())
	require.Equal(t, "hi", chain[0].Content.Text)
	require.Nil(t, c.Store().Snapshot().Err)

	_, err = c.Retry(context.Background())
	require.ErrorIs(t, err, ErrNothingToRetry)
}

func TestCreateConversationFailure(t *testing.T) {
	b := &fakeBackend{
		create: func(ctx context.Context, title, model string) (string, error) {
			return "", &client.StatusError{Op: "create conversation", StatusCode: 401}
		},
	}
	c := newTestController(b)

	ex, err := c.Send(context.Background(), conversation.TextContent("hi"))
	require.NoError(t, err)
	status, err := ex.Wait()
	require.Equal(t, conversation.StatusFailed, status)
	require.True(t, IsKind(err, KindAuth))
	require.Empty(t, b.Requests())
	require.Nil(t, c.Active())
}

func TestConversationCreatedOnce(t *testing.T) {
	b := &fakeBackend{
		create: func(ctx context.Context, title, model string) (string, error) {
			require.Equal(t, "hi", title)
			require.Equal(t, "gpt-4o", model)
			return "conv-1", nil
		},
		complete: func(ctx context.Context, req *client.ChatRequest) (*client.ChatResponse, error) {
			return &client.ChatResponse{Completion: &client.Completion{Content: "answer"}}, nil
		},
	}
	c := newTestController(b)

	for _, text := range []string{"hi", "again"} {
		ex, err := c.Send(context.Background(), conversation.TextContent(text))
		require.NoError(t, err)
		_, err = ex.Wait()
		require.NoError(t, err)
	}

	require.Equal(t, 1, b.creates)
	reqs := b.Requests()
	require.Len(t, reqs, 2)
	require.Equal(t, "tmp-2", *reqs[1].ParentMessageID)
	require.Len(t, reqs[1].Messages, 3)
	require.Len(t, c.Store().Chain(), 4)
}

func TestResetDetachesExchange(t *testing.T) {
	var stream *chunkStream
	started := make(chan struct{})
	b := &fakeBackend{
		complete: func(ctx context.Context, req *client.ChatRequest) (*client.ChatResponse, error) {
			stream = newChunkStream(ctx)
			close(started)
			return &client.ChatResponse{Stream: stream}, nil
		},
	}
	c := newTestController(b)

	ex, err := c.Send(context.Background(), conversation.TextContent("hi"))
	require.NoError(t, err)
	<-started

	require.NoError(t, c.Reset())
	require.Nil(t, c.Active())

	stream.chunks <- "late"
	close(stream.chunks)
	status, err := ex.Wait()
	require.NoError(t, err)
	require.Equal(t, conversation.StatusCompleted, status)

	st := c.Store().Snapshot()
	require.Equal(t, 0, st.Tree.Len())
	require.Equal(t, conversation.StatusIdle, st.Status)
	require.Empty(t, st.ConversationID)
}

func TestStopWithoutExchange(t *testing.T) {
	c := newTestController(&fakeBackend{})
	c.Stop()
	c.Stop()
	require.Nil(t, c.Active())
}

func TestExchangeCancelIsIdempotent(t *testing.T) {
	cancelled := 0
	ex := newExchange("x", "u", "a", "")
	ex.setCancel(func() { cancelled++ })

	ex.Cancel()
	ex.Cancel()
	require.Equal(t, 2, cancelled)
	require.True(t, ex.IsRunning())

	ex.setResult(conversation.StatusCancelled, nil)
	ex.Cancel()
	require.Equal(t, 2, cancelled)
	require.False(t, ex.IsRunning())

	ex.setResult(conversation.StatusCompleted, nil)
	status, err := ex.Wait()
	require.NoError(t, err)
	require.Equal(t, conversation.StatusCancelled, status)

	var nilEx *Exchange
	nilEx.Cancel()
	require.False(t, nilEx.IsRunning())
}

func TestCancelBeforeDispatch(t *testing.T) {
	cancelled := false
	ex := newExchange("x", "u", "a", "")
	ex.Cancel()
	ex.setCancel(func() { cancelled = true })
	require.True(t, cancelled)
}

func TestTitleFrom(t *testing.T) {
	require.Equal(t, "hello", titleFrom("  hello  "))
	require.Equal(t, "first line", titleFrom("first line\nsecond line"))
	long := "abcdefghij abcdefghij abcdefghij abcdefghij abcdefghij abcdefghij"
	require.Equal(t, "abcdefghij abcdefghij abcdefghij abcdefghij abcdefghij"[:50]+"...", titleFrom(long))
}
