package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Style definitions for the info and status views
var (
	primaryColor = lipgloss.Color("#8BE9FD") // Cyan
	accentColor  = lipgloss.Color("#50FA7B") // Green
	warningColor = lipgloss.Color("#FFB86C") // Orange
	dangerColor  = lipgloss.Color("#FF5555") // Red
	mutedColor   = lipgloss.Color("#6272A4") // Muted blue
	borderColor  = lipgloss.Color("#44475A") // Dark grey

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(18)

	valueStyle = lipgloss.NewStyle().
			Bold(true)

	accentStyle = lipgloss.NewStyle().
			Foreground(accentColor).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(warningColor).
			Bold(true)

	dangerStyle = lipgloss.NewStyle().
			Foreground(dangerColor).
			Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

// renderPanel draws a titled, bordered box around content.
func renderPanel(title, content string) string {
	full := lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), content)
	return panelStyle.Render(full)
}

func renderProgressBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	filled := int(float64(width) * percent / 100)
	empty := width - filled

	bar := lipgloss.NewStyle().Foreground(accentColor).Render(strings.Repeat("█", filled))
	bar += lipgloss.NewStyle().Foreground(borderColor).Render(strings.Repeat("░", empty))

	return fmt.Sprintf("%s %.1f%%", bar, percent)
}

// renderMiniBar is a compact variant that fits in table cells.
func renderMiniBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	filled := int(float64(width) * percent / 100)
	empty := width - filled

	return lipgloss.NewStyle().Foreground(accentColor).Render(strings.Repeat("▪", filled)) +
		lipgloss.NewStyle().Foreground(borderColor).Render(strings.Repeat("·", empty))
}
