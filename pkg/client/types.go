package client

import (
	"io"
	"time"

	"github.com/go-go-golems/branchchat/pkg/conversation"
)

const (
	HeaderUserMessageID      = "X-User-Message-Id"
	HeaderAssistantMessageID = "X-Assistant-Message-Id"
)

// ChatMessage is a message as sent to the completion endpoint. Content is a plain
// string, or a list of ContentPart for multimodal user messages.
type ChatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

type CreateConversationRequest struct {
	Title string `json:"title"`
	Model string `json:"model"`
}

type CreateConversationResponse struct {
	ID string `json:"id"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Messages       []ChatMessage `json:"messages"`
	ConversationID string        `json:"conversationId"`
	Model          string        `json:"model"`
	// ParentMessageID is nil when the new user message is a root.
	ParentMessageID *string `json:"parentMessageId"`
	EditMessageID   string  `json:"editMessageId,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"promptTokens,omitempty"`
	CompletionTokens int `json:"completionTokens,omitempty"`
	TotalTokens      int `json:"totalTokens,omitempty"`
}

// Completion is a non-streamed answer.
type Completion struct {
	Content string `json:"content"`
	Usage   *Usage `json:"usage,omitempty"`
}

// ChatResponse carries the server ids of the exchange plus the answer, which is
// either a complete Completion or a Stream of raw UTF-8 text. The caller must close
// Stream.
type ChatResponse struct {
	UserMessageID      string
	AssistantMessageID string

	Completion *Completion
	Stream     io.ReadCloser
}

func (r *ChatResponse) IsStream() bool {
	return r != nil && r.Stream != nil
}

// StoredMessage is a message as persisted by the conversation store.
type StoredMessage struct {
	ID              string                  `json:"id"`
	Role            string                  `json:"role"`
	Content         string                  `json:"content"`
	Images          []conversation.ImageRef `json:"images,omitempty"`
	ParentMessageID *string                 `json:"parentMessageId"`
	CreatedAt       time.Time               `json:"createdAt"`
	Reasoning       string                  `json:"reasoning,omitempty"`
	TokenCount      int                     `json:"tokenCount,omitempty"`
}

type StoredConversation struct {
	ID       string          `json:"id"`
	Title    string          `json:"title"`
	Model    string          `json:"model"`
	Messages []StoredMessage `json:"messages"`
}

// Tree converts the persisted messages into a message tree.
func (c *StoredConversation) Tree() (*conversation.Tree, error) {
	msgs := make([]*conversation.Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		var parent conversation.NodeID
		if m.ParentMessageID != nil {
			parent = conversation.NodeID(*m.ParentMessageID)
		}
		msgs = append(msgs, &conversation.Message{
			ID:         conversation.NodeID(m.ID),
			ParentID:   parent,
			Role:       conversation.Role(m.Role),
			Content:    conversation.Content{Text: m.Content, Images: m.Images},
			CreatedAt:  m.CreatedAt,
			Reasoning:  m.Reasoning,
			TokenCount: m.TokenCount,
		})
	}
	return conversation.NewTreeFromMessages(msgs...)
}

// StoredFromTree is the inverse of StoredConversation.Tree.
func StoredFromTree(id, title, model string, tree *conversation.Tree) *StoredConversation {
	ret := &StoredConversation{ID: id, Title: title, Model: model}
	for _, m := range tree.Messages() {
		sm := StoredMessage{
			ID:         m.ID.String(),
			Role:       string(m.Role),
			Content:    m.Content.Text,
			Images:     m.Content.Images,
			CreatedAt:  m.CreatedAt,
			Reasoning:  m.Reasoning,
			TokenCount: m.TokenCount,
		}
		if !m.IsRoot() {
			parent := m.ParentID.String()
			sm.ParentMessageID = &parent
		}
		ret.Messages = append(ret.Messages, sm)
	}
	return ret
}

// ToChatMessages converts a chain into request messages.
func ToChatMessages(chain conversation.Conversation) []ChatMessage {
	ret := make([]ChatMessage, 0, len(chain))
	for _, m := range chain {
		ret = append(ret, ChatMessage{
			Role:    string(m.Role),
			Content: chatContent(m.Content),
		})
	}
	return ret
}

func chatContent(c conversation.Content) interface{} {
	if !c.IsMultimodal() {
		return c.Text
	}
	parts := make([]ContentPart, 0, len(c.Images)+1)
	if c.Text != "" {
		parts = append(parts, ContentPart{Type: "text", Text: c.Text})
	}
	for _, img := range c.Images {
		parts = append(parts, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: img.URL}})
	}
	return parts
}

// ContentText returns the text of a request message regardless of its shape.
func (m ChatMessage) ContentText() string {
	switch c := m.Content.(type) {
	case string:
		return c
	case []ContentPart:
		var ret string
		for _, p := range c {
			ret += p.Text
		}
		return ret
	case []interface{}:
		// decoded from JSON
		var ret string
		for _, p := range c {
			if part, ok := p.(map[string]interface{}); ok {
				if s, ok := part["text"].(string); ok {
					ret += s
				}
			}
		}
		return ret
	}
	return ""
}
