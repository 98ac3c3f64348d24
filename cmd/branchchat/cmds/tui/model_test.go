package tui

import (
	"context"
	"fmt"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-go-golems/branchchat/pkg/chat"
	"github.com/go-go-golems/branchchat/pkg/client"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/stretchr/testify/require"
)

type echoBackend struct {
	mu sync.Mutex
	n  int
}

func (b *echoBackend) CreateConversation(ctx context.Context, title, model string) (string, error) {
	return "conv-1", nil
}

func (b *echoBackend) Complete(ctx context.Context, req *client.ChatRequest) (*client.ChatResponse, error) {
	b.mu.Lock()
	b.n++
	n := b.n
	b.mu.Unlock()
	last := req.Messages[len(req.Messages)-1].ContentText()
	return &client.ChatResponse{
		UserMessageID: fmt.Sprintf("srv-u%d", n),
		Completion:    &client.Completion{Content: "echo: " + last},
	}, nil
}

func (b *echoBackend) LoadConversation(ctx context.Context, id string) (*client.StoredConversation, error) {
	return nil, chat.ErrMessageNotFound
}

func update(t *testing.T, m model, msg tea.Msg) model {
	ret, _ := m.Update(msg)
	mm, ok := ret.(model)
	require.True(t, ok)
	return mm
}

// settle waits for the in-flight exchange and reloads the model.
func settle(t *testing.T, m model) model {
	if ex := m.ctrl.Active(); ex != nil {
		_, _ = ex.Wait()
	}
	return update(t, m, changedMsg{})
}

func keyRunes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestSendEditAndSwitchVersions(t *testing.T) {
	ctrl := chat.NewController(&echoBackend{})
	defer ctrl.Close()
	m := initialModel(context.Background(), ctrl)
	require.True(t, m.focused)

	m.textArea.SetValue("hi")
	m = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	m = settle(t, m)
	require.Len(t, m.entries, 2)
	require.Equal(t, "echo: hi", m.entries[1].message.Content.Text)
	require.Equal(t, conversation.StatusCompleted, m.status)
	require.Empty(t, m.textArea.Value())

	// browse to the user message and edit it
	m = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	require.False(t, m.focused)
	m = update(t, m, tea.KeyMsg{Type: tea.KeyUp})
	require.Equal(t, 0, m.selectedIdx)
	m = update(t, m, keyRunes("e"))
	require.True(t, m.focused)
	require.Equal(t, conversation.NodeID("srv-u1"), m.editing)
	require.Equal(t, "hi", m.textArea.Value())

	m.textArea.SetValue("hello")
	m = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	m = settle(t, m)
	require.Equal(t, conversation.NullNode, m.editing)
	require.Len(t, m.entries, 2)
	require.Equal(t, "hello", m.entries[0].message.Content.Text)
	require.Equal(t, 2, m.entries[0].version)
	require.Equal(t, 2, m.entries[0].versions)
	require.Equal(t, "echo: hello", m.entries[1].message.Content.Text)

	// back to the first version
	m = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	m = update(t, m, tea.KeyMsg{Type: tea.KeyUp})
	m = update(t, m, tea.KeyMsg{Type: tea.KeyLeft})
	require.Equal(t, 0, m.selectedIdx)
	require.Equal(t, "hi", m.entries[0].message.Content.Text)
	require.Equal(t, 1, m.entries[0].version)
	require.Equal(t, "echo: hi", m.entries[1].message.Content.Text)

	require.Contains(t, m.View(), "user (1/2)")
}

func TestEmptySubmitShowsError(t *testing.T) {
	ctrl := chat.NewController(&echoBackend{})
	defer ctrl.Close()
	m := initialModel(context.Background(), ctrl)

	m = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	require.ErrorIs(t, m.err, chat.ErrEmptyContent)
	require.Empty(t, m.entries)
	require.Contains(t, m.View(), chat.ErrEmptyContent.Error())
}
