package ui

import "github.com/charmbracelet/lipgloss"

var (
	ColorAccent  = lipgloss.Color("#00D7FF")
	ColorCalm    = lipgloss.Color("#00CC66")
	ColorAlert   = lipgloss.Color("#FF3333")
	ColorWarning = lipgloss.Color("#FFAA00")
	ColorDim     = lipgloss.Color("#5F5F5F")
	ColorBar     = lipgloss.Color("#1E90FF")
	ColorBarHot  = lipgloss.Color("#FF5F00")
)

var (
	StyleTitle = lipgloss.NewStyle().
			Background(lipgloss.Color("#00303A")).
			Foreground(ColorAccent).
			Bold(true).
			Padding(0, 1)

	StylePanel = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorDim).
			Padding(0, 1)

	StylePanelAlert = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorAlert).
			Padding(0, 1)

	StyleLabel = lipgloss.NewStyle().Foreground(ColorDim)

	StyleClear = lipgloss.NewStyle().Foreground(ColorCalm).Bold(true)

	StyleDetected = lipgloss.NewStyle().Foreground(ColorAlert).Bold(true)

	StyleWarning = lipgloss.NewStyle().Foreground(ColorWarning).Bold(true)

	StyleBar = lipgloss.NewStyle().Foreground(ColorBar)

	StyleBarHot = lipgloss.NewStyle().Foreground(ColorBarHot)

	StyleHelp = lipgloss.NewStyle().Foreground(ColorDim)
)
