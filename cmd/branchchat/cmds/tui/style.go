package tui

import "github.com/charmbracelet/lipgloss"

type Style struct {
	UnselectedMessage lipgloss.Style
	SelectedMessage   lipgloss.Style
	FocusedMessage    lipgloss.Style
	Header            lipgloss.Style
	Status            lipgloss.Style
	Error             lipgloss.Style
}

type BorderColors struct {
	Unselected string
	Selected   string
	Focused    string
}

func DefaultStyles() *Style {
	lightModeColors := BorderColors{
		Unselected: "#CCCCCC",
		Selected:   "#FFB6C1", // Light pink
		Focused:    "#FFFF99", // Light yellow
	}

	darkModeColors := BorderColors{
		Unselected: "#444444",
		Selected:   "#DD7090",
		Focused:    "#DDDD77",
	}

	box := func(border lipgloss.Border, light, dark string) lipgloss.Style {
		return lipgloss.NewStyle().Border(border).
			Padding(0, 1).
			BorderForeground(lipgloss.AdaptiveColor{Light: light, Dark: dark})
	}

	return &Style{
		UnselectedMessage: box(lipgloss.NormalBorder(), lightModeColors.Unselected, darkModeColors.Unselected),
		SelectedMessage:   box(lipgloss.ThickBorder(), lightModeColors.Selected, darkModeColors.Selected),
		FocusedMessage:    box(lipgloss.NormalBorder(), lightModeColors.Focused, darkModeColors.Focused),
		Header:            lipgloss.NewStyle().Bold(true),
		Status:            lipgloss.NewStyle().Faint(true),
		Error:             lipgloss.NewStyle().Foreground(lipgloss.Color("#E05252")),
	}
}
