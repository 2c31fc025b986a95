package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/yoga-python/coding-projects-todo/domain"
)

var (
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	mutedStyle   = lipgloss.NewStyle().Faint(true)
	titleStyle   = lipgloss.NewStyle().Bold(true)
	panelStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func ok(w io.Writer, msg string)   { fmt.Fprintln(w, okStyle.Render("✔ "+msg)) }
func fail(w io.Writer, msg string) { fmt.Fprintln(w, failStyle.Render("✖ "+msg)) }

func printTasks(w io.Writer, owner string, tasks []domain.Task) {
	done := 0
	for _, t := range tasks {
		if t.Done {
			done++
		}
	}
	lines := []string{
		fmt.Sprintf("%s  %s %d  %s %d  %s",
			titleStyle.Render("Todos"),
			okStyle.Render("✔"), done,
			pendingStyle.Render("•"), len(tasks)-done,
			mutedStyle.Render(owner)),
		"",
	}
	if len(tasks) == 0 {
		lines = append(lines, mutedStyle.Render("No tasks yet. Add one with `todo add \"Buy milk\"`"))
	}
	for _, t := range tasks {
		box := "☐"
		title := t.Title
		if t.Done {
			box = okStyle.Render("☑")
			title = mutedStyle.Render(title)
		}
		lines = append(lines, fmt.Sprintf("%s %s  %s", box, mutedStyle.Render(t.ID), title))
	}
	fmt.Fprintln(w, panelStyle.Render(strings.Join(lines, "\n")))
}
