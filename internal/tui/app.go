package tui

import (
	"github.com/shayne-snap/llmshrink/internal/job"
)

// maxLogLines is how many recent log entries the view keeps.
const maxLogLines = 200

// App holds the progress viewer state for one job.
type App struct {
	JobID  string
	Source string

	Stage    job.State
	Fraction float64
	Log      []job.Event
	Last     int // highest Seq applied

	// ConfirmStop is set after the first stop key; a second one cancels the job.
	ConfirmStop bool
	Stopping    bool
	Done        bool
	ShouldQuit  bool
	ShowLog     bool

	Width  int
	Height int
}

// NewApp builds the state for job id converting source.
func NewApp(id, source string) *App {
	return &App{JobID: id, Source: source, ShowLog: true}
}

// Apply folds an event into the state. Events for other jobs or already seen
// entries are ignored. It reports whether the job reached a terminal state.
func (a *App) Apply(ev job.Event) bool {
	if ev.JobID != a.JobID || ev.Seq <= a.Last {
		return a.Done
	}
	a.Last = ev.Seq
	a.Stage = ev.Stage
	if ev.Fraction > a.Fraction {
		a.Fraction = ev.Fraction
	}
	a.Log = append(a.Log, ev)
	if len(a.Log) > maxLogLines {
		a.Log = a.Log[len(a.Log)-maxLogLines:]
	}
	if ev.Stage.Terminal() {
		a.Done = true
		a.ConfirmStop = false
	}
	return a.Done
}

// RequestStop handles a stop key. It returns true when the job should be
// cancelled now (the second press).
func (a *App) RequestStop() bool {
	if a.Done || a.Stopping {
		return false
	}
	if !a.ConfirmStop {
		a.ConfirmStop = true
		return false
	}
	a.ConfirmStop = false
	a.Stopping = true
	return true
}

// Dismiss clears a pending stop confirmation.
func (a *App) Dismiss() { a.ConfirmStop = false }

// ToggleLog shows or hides the log pane.
func (a *App) ToggleLog() { a.ShowLog = !a.ShowLog }

// Quit exits the viewer; only allowed once the job is done.
func (a *App) Quit() {
	if a.Done {
		a.ShouldQuit = true
	}
}

// Tail returns the last n log entries.
func (a *App) Tail(n int) []job.Event {
	if n <= 0 {
		return nil
	}
	if len(a.Log) <= n {
		return a.Log
	}
	return a.Log[len(a.Log)-n:]
}
