package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/shayne-snap/llmshrink/internal/job"
)

var (
	styleTitle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	styleBorder = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("8")).Padding(0, 1)
	styleDim    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleNormal = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
	styleCyan   = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	styleYellow = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleGreen  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleRed    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleStatus = lipgloss.NewStyle().Background(lipgloss.Color("10")).Foreground(lipgloss.Color("0")).Bold(true)
	styleWarn   = lipgloss.NewStyle().Background(lipgloss.Color("11")).Foreground(lipgloss.Color("0")).Bold(true)
)

var stages = []job.State{
	job.StateResolving, job.StatePlanning, job.StateAllocating, job.StateExecuting, job.StateWriting,
}

// Render returns the full view for the app using bar for the progress line.
func Render(app *App, bar progress.Model) string {
	w := app.Width
	if w <= 0 {
		w = 80
	}
	h := app.Height
	if h <= 0 {
		h = 24
	}

	header := styleTitle.Render("llmshrink") + styleDim.Render("  "+app.Source)
	bar.Width = max(w-12, 10)
	progressLine := fmt.Sprintf("%s %5.1f%%", bar.ViewAs(app.Fraction), app.Fraction*100)

	parts := []string{header, renderStages(app), progressLine}
	if app.ShowLog {
		logHeight := max(h-8, 3)
		parts = append(parts, styleBorder.Width(max(w-4, 20)).Render(renderLog(app, logHeight, w-8)))
	}
	parts = append(parts, renderStatusBar(app))
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func renderStages(app *App) string {
	var out []string
	for _, s := range stages {
		label := s.String()
		switch {
		case app.Stage == s && !app.Done:
			out = append(out, styleCyan.Bold(true).Render("▶ "+label))
		case app.Stage > s && app.Stage != job.StateCancelled && app.Stage != job.StateFailed,
			app.Stage.Terminal() && s < app.lastActive():
			out = append(out, styleGreen.Render("✓ "+label))
		default:
			out = append(out, styleDim.Render("· "+label))
		}
	}
	return strings.Join(out, "  ")
}

// lastActive is the last non-terminal stage the log reached.
func (a *App) lastActive() job.State {
	last := job.StateCreated
	for _, ev := range a.Log {
		if !ev.Stage.Terminal() && ev.Stage > last {
			last = ev.Stage
		}
	}
	return last
}

func renderLog(app *App, height, width int) string {
	var lines []string
	for _, ev := range app.Tail(height) {
		msg := ev.Message
		if width > 20 && len(msg) > width-20 {
			msg = msg[:width-23] + "..."
		}
		line := fmt.Sprintf("%s %-10s %s", ev.Time.Format("15:04:05"), ev.Stage, msg)
		switch ev.Level {
		case job.LevelError:
			line = styleRed.Render(line)
		case job.LevelWarn:
			line = styleYellow.Render(line)
		default:
			line = styleNormal.Render(line)
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return styleDim.Render("waiting for events...")
	}
	return strings.Join(lines, "\n")
}

func renderStatusBar(app *App) string {
	switch {
	case app.ConfirmStop:
		return styleWarn.Render(" Stop the conversion? ") + styleDim.Render("  s/ctrl+c again to stop, any other key to continue")
	case app.Stopping && !app.Done:
		return styleWarn.Render(" Stopping ") + styleDim.Render("  waiting for the current step to finish")
	case app.Done:
		label := " " + strings.ToUpper(app.Stage.String()) + " "
		style := styleStatus
		if app.Stage != job.StateCompleted {
			style = styleWarn
		}
		return style.Render(label) + styleDim.Render("  q: quit  l: toggle log")
	default:
		return styleStatus.Render(" "+app.Stage.String()+" ") + styleDim.Render("  s: stop  l: toggle log")
	}
}
