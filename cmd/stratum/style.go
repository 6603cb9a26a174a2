package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	faintStyle = lipgloss.NewStyle().Faint(true)
	idStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
)

// printf writes to stdout unless -q was given.
func printf(format string, args ...any) {
	if !quiet {
		fmt.Printf(format, args...)
	}
}

func stepLabel(id string) string {
	if id == "" {
		return faintStyle.Render("base")
	}
	return idStyle.Render(id)
}
