package tui

import "github.com/charmbracelet/bubbles/key"

type KeyMap struct {
	SelectPrevMessage key.Binding
	SelectNextMessage key.Binding
	PrevVersion       key.Binding
	NextVersion       key.Binding
	EditMessage       key.Binding
	Retry             key.Binding
	UnfocusMessage    key.Binding
	FocusMessage      key.Binding
	SubmitMessage     key.Binding
	CancelCompletion  key.Binding
	Quit              key.Binding
}

var DefaultKeyMap = KeyMap{
	SelectPrevMessage: key.NewBinding(key.WithKeys("up"), key.WithHelp("↑", "previous message")),
	SelectNextMessage: key.NewBinding(key.WithKeys("down"), key.WithHelp("↓", "next message")),
	PrevVersion:       key.NewBinding(key.WithKeys("left"), key.WithHelp("←", "previous version")),
	NextVersion:       key.NewBinding(key.WithKeys("right"), key.WithHelp("→", "next version")),
	EditMessage:       key.NewBinding(key.WithKeys("e"), key.WithHelp("e", "edit")),
	Retry:             key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "retry")),
	UnfocusMessage:    key.NewBinding(key.WithKeys("esc", "ctrl+g"), key.WithHelp("esc", "browse messages")),
	FocusMessage:      key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "write")),
	SubmitMessage:     key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "send")),
	CancelCompletion:  key.NewBinding(key.WithKeys("ctrl+k"), key.WithHelp("ctrl+k", "stop answer")),
	Quit:              key.NewBinding(key.WithKeys("ctrl+c"), key.WithHelp("ctrl+c", "quit")),
}
