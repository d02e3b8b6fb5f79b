package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"foreman/pkg/supervisor"
)

// theme holds the CLI output styles. Plain output uses zero styles so that
// piped output carries no escape codes.
type theme struct {
	header  lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
	muted   lipgloss.Style
	border  lipgloss.Border
	color   bool
}

func newTheme(w io.Writer) theme {
	if !isTerminal(w) {
		return theme{border: lipgloss.HiddenBorder()}
	}
	r := lipgloss.NewRenderer(w)
	return theme{
		header:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		success: r.NewStyle().Foreground(lipgloss.Color("10")),
		warning: r.NewStyle().Foreground(lipgloss.Color("11")),
		failure: r.NewStyle().Foreground(lipgloss.Color("9")),
		muted:   r.NewStyle().Foreground(lipgloss.Color("240")),
		border:  lipgloss.RoundedBorder(),
		color:   true,
	}
}

// state renders a session state with its color.
func (t theme) state(s supervisor.State) string {
	switch {
	case s.Live():
		return t.success.Render(string(s))
	case s == supervisor.StateBlocked:
		return t.warning.Render(string(s))
	case s == supervisor.StateCrashed:
		return t.failure.Render(string(s))
	default:
		return t.muted.Render(string(s))
	}
}

// printTable writes headers and rows as a bordered table.
func (t theme) printTable(w io.Writer, headers []string, rows [][]string) {
	tbl := table.New().
		Border(t.border).
		BorderStyle(t.muted).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return t.header.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	fmt.Fprintln(w, tbl.Render())
}
