// Package openai talks to an OpenAI-compatible completion endpoint directly and
// keeps the conversations it serves as YAML transcripts in a local directory.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/branchchat/pkg/client"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/transcript"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

var ErrUnknownConversation = errors.New("unknown conversation")

// Backend serves the chat backend contract from an OpenAI-compatible API. It
// assigns its own message ids, so clients reconcile against them as they would
// against a conversation server.
type Backend struct {
	client *go_openai.Client
	dir    string
	newID  func() string
	now    func() time.Time

	// serializes transcript read-modify-write
	mu sync.Mutex
}

type Option func(*Backend)

func WithIDGenerator(newID func() string) Option {
	return func(b *Backend) {
		b.newID = newID
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		b.now = now
	}
}

// New creates a backend for the API at baseURL, storing conversations in dir.
func New(apiKey, baseURL string, policy client.URLPolicy, dir string, options ...Option) (*Backend, error) {
	config := go_openai.DefaultConfig(apiKey)
	if baseURL != "" {
		u, err := client.ParseBaseURL(baseURL, policy)
		if err != nil {
			return nil, err
		}
		config.BaseURL = u.String()
	}
	config.HTTPClient = &http.Client{Transport: &retryAfterTransport{base: http.DefaultTransport}}
	ret := &Backend{
		client: go_openai.NewClientWithConfig(config),
		dir:    dir,
		newID:  uuid.NewString,
		now:    time.Now,
	}
	for _, o := range options {
		o(ret)
	}
	return ret, nil
}

func (b *Backend) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", errors.Errorf("invalid conversation id %q", id)
	}
	return filepath.Join(b.dir, id+".yaml"), nil
}

func (b *Backend) CreateConversation(ctx context.Context, title, model string) (string, error) {
	id := b.newID()
	path, err := b.path(id)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t := &transcript.Transcript{
		Version: transcript.CurrentVersion,
		ID:      id,
		Title:   title,
		Model:   model,
		SavedAt: b.now(),
	}
	if err := transcript.SaveFile(path, t); err != nil {
		return "", err
	}
	log.Debug().Str("conversation_id", id).Str("path", path).Msg("created conversation")
	return id, nil
}

func (b *Backend) load(id string) (*transcript.Transcript, string, error) {
	path, err := b.path(id)
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, "", errors.Wrapf(ErrUnknownConversation, "%s", id)
	}
	t, err := transcript.LoadFile(path)
	if err != nil {
		return nil, "", err
	}
	return t, path, nil
}

func (b *Backend) LoadConversation(ctx context.Context, id string) (*client.StoredConversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, _, err := b.load(id)
	if err != nil {
		return nil, err
	}
	tree, err := t.Tree()
	if err != nil {
		return nil, errors.Wrapf(err, "conversation %s", id)
	}
	return client.StoredFromTree(t.ID, t.Title, t.Model, tree), nil
}

// Complete streams the answer to req. The user and assistant messages are
// persisted once the stream ends, with whatever text arrived before an error
// or cancellation.
func (b *Backend) Complete(ctx context.Context, req *client.ChatRequest) (*client.ChatResponse, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("no messages to complete")
	}
	b.mu.Lock()
	_, _, err := b.load(req.ConversationID)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	reqCtx, retryAfter := withRetryAfterRecorder(ctx)
	stream, err := b.client.CreateChatCompletionStream(reqCtx, go_openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.Messages),
		Stream:   true,
	})
	if err != nil {
		return nil, mapError(err, retryAfter.Duration(b.now()))
	}

	userMsg := &conversation.Message{
		ID:        conversation.NodeID(b.newID()),
		Role:      conversation.RoleUser,
		Content:   contentOf(req.Messages[len(req.Messages)-1]),
		CreatedAt: b.now(),
	}
	if req.ParentMessageID != nil {
		userMsg.ParentID = conversation.NodeID(*req.ParentMessageID)
	}
	assistantMsg := &conversation.Message{
		ID:        conversation.NodeID(b.newID()),
		ParentID:  userMsg.ID,
		Role:      conversation.RoleAssistant,
		CreatedAt: b.now(),
	}

	pr, pw := io.Pipe()
	go func() {
		defer stream.Close()
		var sb strings.Builder
		err := pump(stream, pw, &sb)
		assistantMsg.Content = conversation.TextContent(sb.String())
		if perr := b.persist(req.ConversationID, userMsg, assistantMsg); perr != nil {
			log.Warn().Err(perr).Str("conversation_id", req.ConversationID).Msg("could not persist exchange")
		}
		_ = pw.CloseWithError(err)
	}()

	return &client.ChatResponse{
		UserMessageID:      userMsg.ID.String(),
		AssistantMessageID: assistantMsg.ID.String(),
		Stream:             pr,
	}, nil
}

// pump copies the content deltas of stream into w until the stream ends. A nil
// return means the stream completed.
func pump(stream *go_openai.ChatCompletionStream, w io.Writer, sb *strings.Builder) error {
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return mapError(err, 0)
		}
		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		if _, err := io.WriteString(w, delta); err != nil {
			// reader closed
			return err
		}
	}
}

func (b *Backend) persist(conversationID string, msgs ...*conversation.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, path, err := b.load(conversationID)
	if err != nil {
		return err
	}
	t.Messages = append(t.Messages, msgs...)
	t.SavedAt = b.now()
	return transcript.SaveFile(path, t)
}

func contentOf(m client.ChatMessage) conversation.Content {
	ret := conversation.Content{Text: m.ContentText()}
	if parts, ok := m.Content.([]client.ContentPart); ok {
		for _, p := range parts {
			if p.ImageURL != nil {
				ret.Images = append(ret.Images, conversation.ImageRef{URL: p.ImageURL.URL})
			}
		}
	}
	return ret
}

func toOpenAIMessages(msgs []client.ChatMessage) []go_openai.ChatCompletionMessage {
	ret := make([]go_openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		parts, ok := m.Content.([]client.ContentPart)
		if !ok {
			ret = append(ret, go_openai.ChatCompletionMessage{Role: m.Role, Content: m.ContentText()})
			continue
		}
		multi := make([]go_openai.ChatMessagePart, 0, len(parts))
		for _, p := range parts {
			if p.ImageURL != nil {
				multi = append(multi, go_openai.ChatMessagePart{
					Type: go_openai.ChatMessagePartTypeImageURL,
					ImageURL: &go_openai.ChatMessageImageURL{
						URL:    p.ImageURL.URL,
						Detail: go_openai.ImageURLDetailAuto,
					},
				})
				continue
			}
			multi = append(multi, go_openai.ChatMessagePart{Type: go_openai.ChatMessagePartTypeText, Text: p.Text})
		}
		ret = append(ret, go_openai.ChatCompletionMessage{Role: m.Role, MultiContent: multi})
	}
	return ret
}

// mapError turns go-openai's errors into client.StatusError so they classify
// like errors from the conversation server.
func mapError(err error, retryAfter time.Duration) error {
	var apiErr *go_openai.APIError
	if errors.As(err, &apiErr) {
		code := ""
		if apiErr.Code != nil {
			code = fmt.Sprintf("%v", apiErr.Code)
		}
		return &client.StatusError{
			Op:         "chat",
			StatusCode: apiErr.HTTPStatusCode,
			Code:       code,
			Message:    apiErr.Message,
			RetryAfter: retryAfter,
		}
	}
	var reqErr *go_openai.RequestError
	if errors.As(err, &reqErr) {
		return &client.StatusError{
			Op:         "chat",
			StatusCode: reqErr.HTTPStatusCode,
			Message:    fmt.Sprintf("%v", reqErr.Err),
			RetryAfter: retryAfter,
		}
	}
	return err
}
