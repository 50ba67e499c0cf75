package cmd

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"fwdctl/internal/reporting"
)

// Status line styling for `fwdctl run` output.
var (
	stylePending   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleConnected = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	styleStopped   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	styleError     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	styleName      = lipgloss.NewStyle().Bold(true)
)

func renderState(state reporting.SessionState) string {
	s := string(state)
	switch state {
	case reporting.StateConnected:
		return styleConnected.Render(s)
	case reporting.StateError:
		return styleError.Render(s)
	case reporting.StateStopped, reporting.StateStopping:
		return styleStopped.Render(s)
	default:
		return stylePending.Render(s)
	}
}

func renderEvent(ev reporting.SessionEvent) string {
	line := fmt.Sprintf("%s  %s", styleName.Render(ev.Name), renderState(ev.NewState))
	if ev.Err != nil {
		line += styleError.Render(fmt.Sprintf("  [%s] %s", ev.Err.Kind, ev.Err.Message))
	}
	return line
}

func renderStartFailure(name string, err error) string {
	return fmt.Sprintf("%s  %s", styleName.Render(name), styleError.Render(err.Error()))
}
