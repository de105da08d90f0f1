package job

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/shayne-snap/llmshrink/internal/errs"
	"github.com/shayne-snap/llmshrink/internal/metrics"
	"github.com/shayne-snap/llmshrink/internal/settings"
)

// Service runs at most one job at a time and remembers every job it started.
type Service struct {
	Executor *Executor
	// Settings, if set, receives the request fields after a job completes.
	Settings *settings.Store
	Metrics  *metrics.Metrics
	Log      zerolog.Logger

	events *Broadcaster
	slot   sync.Mutex

	mu      sync.Mutex
	jobs    map[string]*Job
	current *Job
}

func NewService(exec *Executor, store *settings.Store, m *metrics.Metrics, log zerolog.Logger) *Service {
	return &Service{
		Executor: exec,
		Settings: store,
		Metrics:  m,
		Log:      log,
		events:   NewBroadcaster(DefaultSubscriberBuffer),
		jobs:     make(map[string]*Job),
	}
}

// Submit validates req and starts a job on a worker goroutine. It returns the
// job id without waiting; a second Submit while a job runs fails with
// errs.ErrJobInProgress.
func (s *Service) Submit(req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if !s.slot.TryLock() {
		return "", errs.ErrJobInProgress
	}
	j := New(req, s.events, s.Log)
	ctx, cancel := j.bind(context.Background())
	s.mu.Lock()
	s.jobs[j.ID] = j
	s.current = j
	s.mu.Unlock()
	if s.Metrics != nil {
		s.Metrics.JobsInFlight.Inc()
	}
	go s.run(ctx, cancel, j)
	return j.ID, nil
}

func (s *Service) run(ctx context.Context, cancel context.CancelFunc, j *Job) {
	defer close(j.done)
	defer cancel()

	err := s.Executor.Run(ctx, j)
	state := outcome(j, err)
	if state == StateCompleted {
		s.remember(j)
	}
	j.finish(state, err)
	if s.Metrics != nil {
		s.Metrics.JobsInFlight.Dec()
		s.Metrics.JobsTotal.WithLabelValues(state.String()).Inc()
	}
	s.slot.Unlock()
}

// remember saves the completed request as the user's settings. A failure is
// logged and does not fail the job.
func (s *Service) remember(j *Job) {
	if s.Settings == nil {
		return
	}
	rec := s.Settings.Load()
	rec.DeviceMode = j.Request.DeviceMode
	rec.QuantType = j.Request.QuantType
	rec.ContextLength = j.Request.ContextLength
	rec.OutputDirectory = j.Request.OutputDirectory
	rec.SourceURI = j.Request.SourceURI
	if err := s.Settings.Save(rec); err != nil {
		j.report(j.Progress(), "could not save settings: "+err.Error(), LevelWarn)
	}
}

// Cancel requests cancellation of job id. Cancelling a finished job is a no-op.
func (s *Service) Cancel(id string) error {
	j, ok := s.Get(id)
	if !ok {
		return ErrNotFound
	}
	j.Cancel()
	return nil
}

// Get returns the job with the given id.
func (s *Service) Get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

// Current returns the most recently submitted job, running or not.
func (s *Service) Current() (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.current != nil
}

// Subscribe returns a channel of events from every job and an unsubscribe function.
func (s *Service) Subscribe() (<-chan Event, func()) {
	return s.events.Subscribe()
}

// Wait blocks until job id is done or ctx ends and returns its snapshot.
func (s *Service) Wait(ctx context.Context, id string) (Snapshot, error) {
	j, ok := s.Get(id)
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	select {
	case <-j.Done():
		return j.Snapshot(), nil
	case <-ctx.Done():
		return j.Snapshot(), ctx.Err()
	}
}

// Lookup returns a snapshot of job id.
func (s *Service) Lookup(id string) (Snapshot, bool) {
	j, ok := s.Get(id)
	if !ok {
		return Snapshot{}, false
	}
	return j.Snapshot(), true
}

// Latest returns a snapshot of the most recently submitted job.
func (s *Service) Latest() (Snapshot, bool) {
	j, ok := s.Current()
	if !ok {
		return Snapshot{}, false
	}
	return j.Snapshot(), true
}
