package cmd

import "github.com/charmbracelet/lipgloss"

var (
	colorCyan   = lipgloss.Color("36")
	colorGreen  = lipgloss.Color("35")
	colorYellow = lipgloss.Color("220")
	colorRed    = lipgloss.Color("167")
	colorBlue   = lipgloss.Color("75")
	colorDim    = lipgloss.Color("240")
)

var (
	styleTitle   = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)
	styleName    = lipgloss.NewStyle().Bold(true)
	styleVersion = lipgloss.NewStyle().Foreground(colorCyan)
	styleDist    = lipgloss.NewStyle().Foreground(colorYellow)
	styleLink    = lipgloss.NewStyle().Foreground(colorBlue)
	styleDim     = lipgloss.NewStyle().Foreground(colorDim)
	styleSuccess = lipgloss.NewStyle().Foreground(colorGreen)
	styleError   = lipgloss.NewStyle().Foreground(colorRed)

	styleIndent = lipgloss.NewStyle().PaddingLeft(2)
)

const (
	iconSuccess = "✓"
	iconError   = "✗"
	iconArrow   = "→"
)
