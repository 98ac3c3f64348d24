package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textarea"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-go-golems/branchchat/pkg/chat"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/muesli/reflow/wordwrap"
)

// changedMsg is sent whenever the store changed.
type changedMsg struct{}

type exchangeDoneMsg struct {
	status conversation.ExchangeStatus
	err    error
}

type entry struct {
	message  *conversation.Message
	version  int
	versions int
}

type model struct {
	ctrl *chat.Controller
	ctx  context.Context

	entries []entry
	status  conversation.ExchangeStatus
	title   string

	textArea textarea.Model
	// is the textarea currently focused
	focused bool
	// currently selected message, always valid when entries is not empty
	selectedIdx int
	// message being edited, empty when the textarea holds a new message
	editing conversation.NodeID
	err     error
	keyMap  KeyMap

	style  *Style
	width  int
	height int
}

func (m *model) updateKeyBindings() {
	browsing := !m.focused
	m.keyMap.SelectNextMessage.SetEnabled(browsing)
	m.keyMap.SelectPrevMessage.SetEnabled(browsing)
	m.keyMap.PrevVersion.SetEnabled(browsing)
	m.keyMap.NextVersion.SetEnabled(browsing)
	m.keyMap.EditMessage.SetEnabled(browsing)
	m.keyMap.Retry.SetEnabled(browsing)
	m.keyMap.FocusMessage.SetEnabled(browsing)
	m.keyMap.UnfocusMessage.SetEnabled(m.focused)
	m.keyMap.SubmitMessage.SetEnabled(m.focused)
}

func initialModel(ctx context.Context, ctrl *chat.Controller) model {
	ret := model{
		ctrl:   ctrl,
		ctx:    ctx,
		style:  DefaultStyles(),
		keyMap: DefaultKeyMap,
	}

	ret.textArea = textarea.New()
	ret.textArea.Placeholder = "Ask something..."
	ret.textArea.Focus()
	ret.focused = true

	ret.refresh()
	ret.selectedIdx = len(ret.entries) - 1
	ret.updateKeyBindings()

	return ret
}

// refresh reloads the displayed chain from the store.
func (m *model) refresh() {
	followTail := m.selectedIdx >= len(m.entries)-1

	st := m.ctrl.Store().Snapshot()
	chain := st.Chain()
	m.entries = nil
	for _, msg := range chain {
		siblings, idx := conversation.SiblingsOf(st.Tree, msg.ID)
		m.entries = append(m.entries, entry{message: msg, version: idx + 1, versions: len(siblings)})
	}
	m.status = st.Status
	m.title = st.Title
	if st.Err != nil {
		m.err = st.Err
	}

	if followTail || m.selectedIdx >= len(m.entries) {
		m.selectedIdx = len(m.entries) - 1
	}
	if m.selectedIdx < 0 {
		m.selectedIdx = 0
	}
}

func (m model) selected() *conversation.Message {
	if m.selectedIdx < 0 || m.selectedIdx >= len(m.entries) {
		return nil
	}
	return m.entries[m.selectedIdx].message
}

func waitFor(ex *chat.Exchange) tea.Cmd {
	return func() tea.Msg {
		status, err := ex.Wait()
		return exchangeDoneMsg{status: status, err: err}
	}
}

func (m model) Init() tea.Cmd {
	return textarea.Blink
}

func (m model) focus() (model, tea.Cmd) {
	cmd := m.textArea.Focus()
	m.focused = true
	m.updateKeyBindings()
	return m, cmd
}

func (m model) submit() (model, tea.Cmd) {
	content := conversation.TextContent(m.textArea.Value())
	var ex *chat.Exchange
	var err error
	if m.editing != conversation.NullNode {
		ex, err = m.ctrl.Edit(m.ctx, m.editing, content)
	} else {
		ex, err = m.ctrl.Send(m.ctx, content)
	}
	if err != nil {
		m.err = err
		return m, nil
	}
	m.err = nil
	m.editing = conversation.NullNode
	m.textArea.Reset()
	m.selectedIdx = len(m.entries)
	m.refresh()
	return m, waitFor(ex)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keyMap.Quit):
			m.ctrl.Stop()
			return m, tea.Quit

		case key.Matches(msg, m.keyMap.CancelCompletion):
			m.ctrl.Stop()

		case key.Matches(msg, m.keyMap.UnfocusMessage):
			m.textArea.Blur()
			m.focused = false
			m.updateKeyBindings()

		case key.Matches(msg, m.keyMap.FocusMessage):
			m, cmd = m.focus()
			cmds = append(cmds, cmd)

		case key.Matches(msg, m.keyMap.SelectNextMessage):
			if m.selectedIdx < len(m.entries)-1 {
				m.selectedIdx++
			}

		case key.Matches(msg, m.keyMap.SelectPrevMessage):
			if m.selectedIdx > 0 {
				m.selectedIdx--
			}

		case key.Matches(msg, m.keyMap.PrevVersion), key.Matches(msg, m.keyMap.NextVersion):
			if sel := m.selected(); sel != nil {
				delta := 1
				if key.Matches(msg, m.keyMap.PrevVersion) {
					delta = -1
				}
				if _, err := m.ctrl.SelectSibling(sel.ID, delta); err != nil {
					m.err = err
				}
				idx := m.selectedIdx
				m.refresh()
				m.selectedIdx = idx
			}

		case key.Matches(msg, m.keyMap.EditMessage):
			if sel := m.selected(); sel != nil && sel.Role == conversation.RoleUser {
				m.editing = sel.ID
				m.textArea.SetValue(sel.Content.Text)
				m, cmd = m.focus()
				cmds = append(cmds, cmd)
			}

		case key.Matches(msg, m.keyMap.Retry):
			ex, err := m.ctrl.Retry(m.ctx)
			if err != nil {
				m.err = err
			} else {
				m.err = nil
				cmds = append(cmds, waitFor(ex))
			}

		case key.Matches(msg, m.keyMap.SubmitMessage):
			m, cmd = m.submit()
			cmds = append(cmds, cmd)

		default:
			if m.focused {
				m.textArea, cmd = m.textArea.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		h, _ := m.style.SelectedMessage.GetFrameSize()
		m.textArea.SetWidth(msg.Width - h)
		m.width = msg.Width
		m.height = msg.Height

	case changedMsg:
		m.refresh()

	case exchangeDoneMsg:
		m.refresh()
		if msg.err != nil {
			m.err = msg.err
		}
	}

	return m, tea.Batch(cmds...)
}

func (m model) wrap(s string) string {
	w, _ := m.style.SelectedMessage.GetFrameSize()
	width := m.width - w
	if width <= 0 {
		return s
	}
	w_ := wordwrap.NewWriter(width)
	_, _ = w_.Write([]byte(s))
	_ = w_.Close()
	return w_.String()
}

func (m model) View() string {
	var sb strings.Builder

	if m.title != "" {
		sb.WriteString(m.style.Header.Render(m.title))
		sb.WriteString("\n")
	}

	for idx, e := range m.entries {
		header := string(e.message.Role)
		if e.versions > 1 {
			header = fmt.Sprintf("%s (%d/%d)", header, e.version, e.versions)
		}
		v := m.style.Header.Render(header) + "\n" + m.wrap(e.message.Content.Text)
		if idx == m.selectedIdx && !m.focused {
			v = m.style.SelectedMessage.Render(v)
		} else {
			v = m.style.UnselectedMessage.Render(v)
		}
		sb.WriteString(v)
		sb.WriteString("\n")
	}

	status := string(m.status)
	if m.editing != conversation.NullNode {
		status += " | editing " + m.editing.String()
	}
	sb.WriteString(m.style.Status.Render(status))
	sb.WriteString("\n")
	if m.err != nil {
		msg := m.err.Error()
		if ce := chat.Classify(m.err); ce != nil && m.status == conversation.StatusFailed {
			msg = fmt.Sprintf("[%s] %s", ce.Kind, msg)
		}
		sb.WriteString(m.style.Error.Render(msg))
		sb.WriteString("\n")
	}

	v := m.textArea.View()
	if m.focused {
		v = m.style.FocusedMessage.Render(v)
	} else {
		v = m.style.UnselectedMessage.Render(v)
	}
	sb.WriteString(v)
	sb.WriteString("\n")

	return sb.String()
}
