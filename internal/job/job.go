// Package job runs a conversion through its stages and tracks its state,
// progress and log.
package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shayne-snap/llmshrink/internal/artifact"
	"github.com/shayne-snap/llmshrink/internal/errs"
	"github.com/shayne-snap/llmshrink/internal/models"
	"github.com/shayne-snap/llmshrink/internal/placement"
	"github.com/shayne-snap/llmshrink/internal/plan"
)

// State is a job's lifecycle state. States only move forward.
type State int

const (
	StateCreated State = iota
	StateResolving
	StatePlanning
	StateAllocating
	StateExecuting
	StateWriting
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateResolving:
		return "resolving"
	case StatePlanning:
		return "planning"
	case StateAllocating:
		return "allocating"
	case StateExecuting:
		return "executing"
	case StateWriting:
		return "writing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for st := StateCreated; st <= StateCancelled; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown job state %q", b)
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ErrInvalidRequest marks a request rejected before a job is created.
var ErrInvalidRequest = errors.New("invalid request")

// ErrNotFound is returned for an unknown job id.
var ErrNotFound = errors.New("job not found")

// Request is what a caller submits.
type Request struct {
	SourceURI       string            `json:"source_uri"`
	QuantType       models.QuantType  `json:"quant_type"`
	ContextLength   int               `json:"context_length"`
	DeviceMode      models.DeviceMode `json:"device_mode"`
	OutputDirectory string            `json:"output_directory"`
	// BudgetBytes overrides the accelerator memory reported by the hardware query.
	BudgetBytes *int64 `json:"budget_bytes,omitempty"`
	DoubleQuant *bool  `json:"double_quant,omitempty"`
}

// Validate checks the fields that cannot be left to a stage.
// Context length is validated during Planning.
func (r Request) Validate() error {
	if r.SourceURI == "" {
		return fmt.Errorf("%w: source_uri is required", ErrInvalidRequest)
	}
	if r.OutputDirectory == "" {
		return fmt.Errorf("%w: output_directory is required", ErrInvalidRequest)
	}
	if r.BudgetBytes != nil && *r.BudgetBytes < 0 {
		return fmt.Errorf("%w: budget_bytes must not be negative", ErrInvalidRequest)
	}
	return nil
}

// Job is one conversion. State, progress, log and stage outputs are guarded by mu.
type Job struct {
	ID      string
	Request Request
	Created time.Time

	mu       sync.Mutex
	state    State
	progress float64
	log      []Event
	err      error
	finished time.Time
	desc     *models.Descriptor
	cfg      *plan.Config
	profile  *placement.Profile
	artifact *artifact.Handle

	cancelled atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
	obs       Observer
	logger    zerolog.Logger
}

// New creates a job in StateCreated. obs may be nil.
func New(req Request, obs Observer, log zerolog.Logger) *Job {
	if obs == nil {
		obs = noopObserver{}
	}
	id := uuid.NewString()
	return &Job{
		ID:      id,
		Request: req,
		Created: time.Now(),
		done:    make(chan struct{}),
		obs:     obs,
		logger:  log.With().Str("job", id).Logger(),
	}
}

// State returns the current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Progress returns the current overall fraction.
func (j *Job) Progress() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// Err returns the error that ended the job, if any.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Cancel requests cooperative cancellation. The worker observes it at the
// next stage, block or shard boundary.
func (j *Job) Cancel() {
	j.cancelled.Store(true)
	j.mu.Lock()
	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Cancelled reports whether Cancel has been called.
func (j *Job) Cancelled() bool { return j.cancelled.Load() }

// Done is closed once the job is terminal and its worker has released the job slot.
func (j *Job) Done() <-chan struct{} { return j.done }

// bind returns a context cancelled by Cancel.
func (j *Job) bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	j.mu.Lock()
	j.cancel = cancel
	j.mu.Unlock()
	if j.Cancelled() {
		cancel()
	}
	return ctx, cancel
}

// advance moves the job to state to with the given progress and logs msg.
func (j *Job) advance(to State, fraction float64, msg string) error {
	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return fmt.Errorf("job %s: transition %s -> %s after terminal state", j.ID, j.state, to)
	}
	if to < j.state {
		j.mu.Unlock()
		return fmt.Errorf("job %s: backward transition %s -> %s", j.ID, j.state, to)
	}
	j.state = to
	ev := j.record(fraction, msg, LevelInfo)
	j.mu.Unlock()
	j.publish(ev)
	return nil
}

// report logs progress inside the current state. Progress never decreases.
func (j *Job) report(fraction float64, msg string, level Level) {
	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return
	}
	ev := j.record(fraction, msg, level)
	j.mu.Unlock()
	j.publish(ev)
}

// finish records the terminal state. Later calls are ignored.
func (j *Job) finish(to State, err error) {
	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return
	}
	j.state = to
	j.err = err
	j.finished = time.Now()
	var ev Event
	switch to {
	case StateCompleted:
		msg := "conversion complete"
		if j.artifact != nil {
			msg = "artifact written to " + j.artifact.Dir
		}
		ev = j.record(1, msg, LevelInfo)
	case StateCancelled:
		ev = j.record(j.progress, "conversion cancelled", LevelWarn)
	default:
		msg := "conversion failed"
		if err != nil {
			msg = err.Error()
			if hint := errs.Hint(err); hint != "" {
				msg += " (" + hint + ")"
			}
		}
		ev = j.record(j.progress, msg, LevelError)
	}
	j.mu.Unlock()
	j.publish(ev)
}

// record appends a log entry; mu must be held.
func (j *Job) record(fraction float64, msg string, level Level) Event {
	if fraction > j.progress {
		j.progress = min(fraction, 1)
	}
	ev := Event{
		Seq:      len(j.log) + 1,
		JobID:    j.ID,
		Stage:    j.state,
		Fraction: j.progress,
		Message:  msg,
		Level:    level,
		Time:     time.Now(),
	}
	j.log = append(j.log, ev)
	return ev
}

func (j *Job) publish(ev Event) {
	var e *zerolog.Event
	switch ev.Level {
	case LevelWarn:
		e = j.logger.Warn()
	case LevelError:
		e = j.logger.Error()
	default:
		e = j.logger.Info()
	}
	e.Str("stage", ev.Stage.String()).Float64("fraction", ev.Fraction).Msg(ev.Message)
	j.obs.Observe(ev)
}

func (j *Job) setDescriptor(d *models.Descriptor) {
	j.mu.Lock()
	j.desc = d
	j.mu.Unlock()
}

func (j *Job) setConfig(c *plan.Config) {
	j.mu.Lock()
	j.cfg = c
	j.mu.Unlock()
}

func (j *Job) setProfile(p *placement.Profile) {
	j.mu.Lock()
	j.profile = p
	j.mu.Unlock()
}

func (j *Job) setArtifact(h *artifact.Handle) {
	j.mu.Lock()
	j.artifact = h
	j.mu.Unlock()
}

// Snapshot is a consistent copy of a job for display and the HTTP API.
type Snapshot struct {
	ID         string             `json:"id"`
	Request    Request            `json:"request"`
	State      State              `json:"state"`
	Progress   float64            `json:"progress"`
	Created    time.Time          `json:"created"`
	Finished   *time.Time         `json:"finished,omitempty"`
	Error      string             `json:"error,omitempty"`
	ErrorKind  string             `json:"error_kind,omitempty"`
	Hint       string             `json:"hint,omitempty"`
	Descriptor *models.Descriptor `json:"descriptor,omitempty"`
	Config     *plan.Config       `json:"config,omitempty"`
	Profile    *placement.Profile `json:"profile,omitempty"`
	Artifact   *artifact.Handle   `json:"artifact,omitempty"`
	Log        []Event            `json:"log"`
}

// Snapshot copies the job under its lock.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := Snapshot{
		ID:         j.ID,
		Request:    j.Request,
		State:      j.state,
		Progress:   j.progress,
		Created:    j.Created,
		Descriptor: j.desc,
		Config:     j.cfg,
		Profile:    j.profile,
		Artifact:   j.artifact,
		Log:        append([]Event(nil), j.log...),
	}
	if !j.finished.IsZero() {
		f := j.finished
		s.Finished = &f
	}
	if j.err != nil {
		s.Error = j.err.Error()
		s.ErrorKind = errs.KindOf(j.err).String()
		s.Hint = errs.Hint(j.err)
	}
	return s
}
