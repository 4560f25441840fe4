package report

import "github.com/charmbracelet/lipgloss"

// theme groups reusable styles for report output.
type theme struct {
	header     lipgloss.Style
	headerMeta lipgloss.Style
	divider    lipgloss.Style
	okTitle    lipgloss.Style
	okBox      lipgloss.Style
	failTitle  lipgloss.Style
	failBox    lipgloss.Style
	progress   lipgloss.Style
	progressOK lipgloss.Style
	statusErr  lipgloss.Style
	hint       lipgloss.Style
}

// defaultTheme keeps the retro terminal palette.
func defaultTheme() theme {
	return theme{
		header: lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("88")),
		headerMeta: lipgloss.NewStyle().
			Foreground(lipgloss.Color("223")),
		divider: lipgloss.NewStyle().
			Foreground(lipgloss.Color("130")),
		okTitle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("16")).
			Background(lipgloss.Color("114")).
			Padding(0, 1),
		okBox: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("114")).
			Padding(0, 1),
		failTitle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("231")).
			Background(lipgloss.Color("160")).
			Padding(0, 1),
		failBox: lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(lipgloss.Color("203")).
			Foreground(lipgloss.Color("203")).
			Padding(0, 1),
		progress: lipgloss.NewStyle().
			Foreground(lipgloss.Color("180")),
		progressOK: lipgloss.NewStyle().
			Foreground(lipgloss.Color("114")).
			Bold(true),
		statusErr: lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")).
			Bold(true),
		hint: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),
	}
}
