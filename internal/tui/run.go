package tui

import (
	"context"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/shayne-snap/llmshrink/internal/job"
)

// Run shows job progress until the job ends and the user quits. events must
// carry the job's events; replay holds entries logged before the subscription.
// cancel is called when the user confirms a stop.
func Run(ctx context.Context, id, source string, replay []job.Event, events <-chan job.Event, cancel func()) error {
	app := NewApp(id, source)
	for _, ev := range replay {
		app.Apply(ev)
	}
	m := &model{app: app, events: events, cancel: cancel, bar: progress.New(progress.WithDefaultGradient())}
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

type eventMsg job.Event

type closedMsg struct{}

type model struct {
	app    *App
	events <-chan job.Event
	cancel func()
	bar    progress.Model
}

func (m *model) wait() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *model) Init() tea.Cmd {
	return m.wait()
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.app.Width = msg.Width
		m.app.Height = msg.Height
		return m, nil
	case eventMsg:
		m.app.Apply(job.Event(msg))
		return m, m.wait()
	case closedMsg:
		m.app.Done = true
		return m, nil
	case tea.KeyMsg:
		m.handleKey(msg)
		if m.app.ShouldQuit {
			return m, tea.Quit
		}
		return m, nil
	}
	return m, nil
}

func (m *model) handleKey(msg tea.KeyMsg) {
	switch msg.String() {
	case "s", "ctrl+c":
		if m.app.Done {
			m.app.Quit()
			return
		}
		if m.app.RequestStop() && m.cancel != nil {
			m.cancel()
		}
	case "q", "esc", "enter":
		if m.app.ConfirmStop {
			m.app.Dismiss()
			return
		}
		m.app.Quit()
	case "l":
		m.app.ToggleLog()
	default:
		m.app.Dismiss()
	}
}

func (m *model) View() string {
	return Render(m.app, m.bar)
}
