package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-go-golems/branchchat/cmd/branchchat/cmds"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/spf13/cobra"
)

func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tui [conversation-id]",
		Short: "Chat in a full screen terminal UI",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := cmds.LoadSettings()
			if err != nil {
				return err
			}
			session, err := cmds.NewSession(s)
			if err != nil {
				return err
			}
			defer session.Close()

			ctx := cmd.Context()
			if len(args) == 1 {
				if err := session.Controller.Load(ctx, args[0]); err != nil {
					return err
				}
			}

			p := tea.NewProgram(
				initialModel(ctx, session.Controller),
				tea.WithAltScreen(),
				tea.WithContext(ctx),
			)
			unsubscribe := session.Controller.Store().Subscribe(func(conversation.Change) {
				p.Send(changedMsg{})
			})
			defer unsubscribe()

			_, err = p.Run()
			return err
		},
	}
}
