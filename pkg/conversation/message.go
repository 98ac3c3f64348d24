package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NodeID identifies a message. Client-side ids are random UUID strings until the
// server assigns a permanent id, at which point the id is rewritten in place.
type NodeID string

// NullNode is the parent of a root message.
const NullNode NodeID = ""

func NewNodeID() NodeID {
	return NodeID(uuid.NewString())
}

func (id NodeID) String() string {
	return string(id)
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

// ImageRef references an image attached to a multimodal user message.
type ImageRef struct {
	URL       string `json:"url" yaml:"url"`
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
	MediaType string `json:"mediaType,omitempty" yaml:"mediaType,omitempty"`
}

// Content is the text of a message plus any image parts.
type Content struct {
	Text   string     `json:"text" yaml:"text"`
	Images []ImageRef `json:"images,omitempty" yaml:"images,omitempty"`
}

func TextContent(text string) Content {
	return Content{Text: text}
}

func (c Content) String() string {
	return c.Text
}

func (c Content) IsMultimodal() bool {
	return len(c.Images) > 0
}

// Message is a single node in the conversation tree.
type Message struct {
	ID        NodeID    `json:"id" yaml:"id"`
	ParentID  NodeID    `json:"parentId,omitempty" yaml:"parentId,omitempty"`
	Role      Role      `json:"role" yaml:"role"`
	Content   Content   `json:"content" yaml:"content"`
	CreatedAt time.Time `json:"createdAt" yaml:"createdAt"`

	Reasoning  string                 `json:"reasoning,omitempty" yaml:"reasoning,omitempty"`
	TokenCount int                    `json:"tokenCount,omitempty" yaml:"tokenCount,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

type MessageOption func(*Message)

func WithID(id NodeID) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func WithParentID(parentID NodeID) MessageOption {
	return func(m *Message) {
		m.ParentID = parentID
	}
}

func WithTime(t time.Time) MessageOption {
	return func(m *Message) {
		m.CreatedAt = t
	}
}

func WithMetadata(metadata map[string]interface{}) MessageOption {
	return func(m *Message) {
		m.Metadata = metadata
	}
}

func WithTokenCount(n int) MessageOption {
	return func(m *Message) {
		m.TokenCount = n
	}
}

func NewMessage(role Role, content Content, options ...MessageOption) *Message {
	ret := &Message{
		ID:        NewNodeID(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

func NewChatMessage(role Role, text string, options ...MessageOption) *Message {
	return NewMessage(role, TextContent(text), options...)
}

func (m *Message) IsRoot() bool {
	return m.ParentID == NullNode
}

func (m *Message) View() string {
	return fmt.Sprintf("[%s]: %s", m.Role, strings.TrimRight(m.Content.Text, "\n"))
}

// Conversation is a linear chain of messages, root first.
type Conversation []*Message

func (c Conversation) Last() *Message {
	if len(c) == 0 {
		return nil
	}
	return c[len(c)-1]
}

// Without returns the chain with the message id removed.
func (c Conversation) Without(id NodeID) Conversation {
	ret := make(Conversation, 0, len(c))
	for _, m := range c {
		if m.ID != id {
			ret = append(ret, m)
		}
	}
	return ret
}

func (c Conversation) IDs() []NodeID {
	ret := make([]NodeID, len(c))
	for i, m := range c {
		ret[i] = m.ID
	}
	return ret
}

// GetSinglePrompt concatenates the chain into a single role-prefixed prompt.
func (c Conversation) GetSinglePrompt() string {
	if len(c) == 0 {
		return ""
	}
	if len(c) == 1 {
		return c[0].Content.Text
	}
	var sb strings.Builder
	for _, m := range c {
		sb.WriteString(m.View())
		sb.WriteString("\n")
	}
	return sb.String()
}
