package cmds

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-go-golems/branchchat/pkg/chat"
	"github.com/go-go-golems/branchchat/pkg/client"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/render"
	"github.com/go-go-golems/branchchat/pkg/transcript"
	"github.com/stretchr/testify/require"
)

type echoBackend struct{}

func (echoBackend) CreateConversation(ctx context.Context, title, model string) (string, error) {
	return "conv-1", nil
}

func (echoBackend) Complete(ctx context.Context, req *client.ChatRequest) (*client.ChatResponse, error) {
	last := req.Messages[len(req.Messages)-1].ContentText()
	return &client.ChatResponse{Completion: &client.Completion{Content: "echo: " + last}}, nil
}

func (echoBackend) LoadConversation(ctx context.Context, id string) (*client.StoredConversation, error) {
	return nil, chat.ErrMessageNotFound
}

// hangingBackend streams one chunk and then blocks until the request is cancelled.
type hangingBackend struct {
	echoBackend
}

func (hangingBackend) Complete(ctx context.Context, req *client.ChatRequest) (*client.ChatResponse, error) {
	return &client.ChatResponse{Stream: &hangingStream{ctx: ctx, first: "thinking"}}, nil
}

type hangingStream struct {
	ctx   context.Context
	first string
}

func (s *hangingStream) Read(p []byte) (int, error) {
	if s.first != "" {
		n := copy(p, s.first)
		s.first = s.first[n:]
		return n, nil
	}
	<-s.ctx.Done()
	return 0, s.ctx.Err()
}

func (s *hangingStream) Close() error { return nil }

func newTestREPL() (*repl, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &repl{
		ctrl:     chat.NewController(echoBackend{}),
		out:      out,
		renderer: &render.Renderer{Concise: true},
	}, out
}

func send(t *testing.T, r *repl, line string) {
	quit, ex, err := r.handle(context.Background(), line)
	require.NoError(t, err)
	require.False(t, quit)
	if ex != nil {
		_, err = ex.Wait()
		require.NoError(t, err)
	}
}

func TestREPLSendEditAndNavigate(t *testing.T) {
	r, out := newTestREPL()
	defer r.ctrl.Close()

	send(t, r, "hi")
	send(t, r, "/edit 1 hello")
	chain := r.ctrl.Store().Chain()
	require.Equal(t, "hello", chain[0].Content.Text)
	require.Equal(t, "echo: hello", chain[1].Content.Text)

	out.Reset()
	send(t, r, "/prev 1")
	require.Contains(t, out.String(), "**user** (1/2): hi")
	require.Equal(t, "echo: hi", r.ctrl.Store().Chain()[1].Content.Text)

	out.Reset()
	send(t, r, "/tree")
	require.Equal(t, 4, strings.Count(out.String(), "\n"))

	send(t, r, "/new")
	require.Empty(t, r.ctrl.Store().Chain())
}

func TestREPLStopWhileStreaming(t *testing.T) {
	out := &bytes.Buffer{}
	r := &repl{
		ctrl:     chat.NewController(hangingBackend{}),
		out:      out,
		renderer: &render.Renderer{Concise: true},
	}
	defer r.ctrl.Close()

	streaming := make(chan struct{}, 1)
	r.ctrl.Store().Subscribe(func(ch conversation.Change) {
		if ch.Mutation == "append_content" {
			streaming <- struct{}{}
		}
	})

	pr, pw := io.Pipe()
	errc := make(chan error, 1)
	go func() { errc <- r.run(context.Background(), pr) }()

	write := func(line string) {
		_, err := io.WriteString(pw, line+"\n")
		require.NoError(t, err)
	}
	write("hi")
	<-streaming
	write("hello?")
	write("/stop")
	write("/quit")
	require.NoError(t, <-errc)
	_ = pw.Close()

	st := r.ctrl.Store().Snapshot()
	require.Equal(t, conversation.StatusCancelled, st.Status)
	chain := r.ctrl.Store().Chain()
	require.Len(t, chain, 2)
	require.Equal(t, "thinking", chain[1].Content.Text)
	require.Contains(t, out.String(), "an answer is streaming")
}

func TestREPLSave(t *testing.T) {
	r, _ := newTestREPL()
	defer r.ctrl.Close()

	send(t, r, "hi")
	path := filepath.Join(t.TempDir(), "conv.yaml")
	send(t, r, "/save "+path)

	tr, err := transcript.LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "conv-1", tr.ID)
	require.Len(t, tr.Messages, 2)
}

func TestREPLErrors(t *testing.T) {
	r, _ := newTestREPL()
	defer r.ctrl.Close()

	for _, line := range []string{"/edit 3 x", "/edit x", "/next 1", "/bogus", "/retry", "/load"} {
		_, ex, err := r.handle(context.Background(), line)
		require.Error(t, err, line)
		require.Nil(t, ex)
	}

	send(t, r, "hi")
	_, _, err := r.handle(context.Background(), "/edit 2 not a user message")
	require.ErrorIs(t, err, chat.ErrNotEditable)

	quit, _, err := r.handle(context.Background(), "/quit")
	require.NoError(t, err)
	require.True(t, quit)
	require.Equal(t, conversation.StatusCompleted, r.ctrl.Store().Status())
}

func TestParseIndexed(t *testing.T) {
	n, rest, err := parseIndexed(" 2  some text ")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, "some text", rest)

	_, _, err = parseIndexed("")
	require.Error(t, err)
}
