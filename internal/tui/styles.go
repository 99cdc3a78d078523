// Package tui renders shardrun output for the terminal: the live progress
// view of the local dispatcher and the tables printed by inspection
// commands.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/shardrun/internal/models"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	cyanColor    = lipgloss.Color("#06B6D4")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("240"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	statePending = lipgloss.NewStyle().Foreground(mutedColor)
	stateActive  = lipgloss.NewStyle().Foreground(cyanColor)
	statePost    = lipgloss.NewStyle().Foreground(warningColor)
	stateDone    = lipgloss.NewStyle().Foreground(successColor)
	stateFailed  = lipgloss.NewStyle().Foreground(errorColor)
)

func formatState(s models.UnitState) string {
	switch s {
	case models.UnitStatePending:
		return statePending.Render("○ " + string(s))
	case models.UnitStateEnvironmentReady, models.UnitStateArtifactReady, models.UnitStateRunning:
		return stateActive.Render("● " + string(s))
	case models.UnitStatePostProcessing:
		return statePost.Render("● " + string(s))
	case models.UnitStateUploaded:
		return stateDone.Render("✓ " + string(s))
	case models.UnitStateFailed:
		return stateFailed.Render("✗ " + string(s))
	default:
		return string(s)
	}
}
