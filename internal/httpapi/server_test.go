package httpapi

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shayne-snap/llmshrink/internal/errs"
	"github.com/shayne-snap/llmshrink/internal/hardware"
	"github.com/shayne-snap/llmshrink/internal/job"
	"github.com/shayne-snap/llmshrink/internal/metrics"
	"github.com/shayne-snap/llmshrink/internal/models"
	"github.com/shayne-snap/llmshrink/internal/settings"
)

type fakeJobs struct {
	mu        sync.Mutex
	submitted []job.Request
	submitErr error
	snaps     map[string]job.Snapshot
	latest    string
	cancelled []string
	bc        *job.Broadcaster
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{snaps: map[string]job.Snapshot{}, bc: job.NewBroadcaster(16)}
}

func (f *fakeJobs) Submit(req job.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, req)
	id := "job-1"
	f.snaps[id] = job.Snapshot{ID: id, Request: req, State: job.StateCreated}
	f.latest = id
	return id, nil
}

func (f *fakeJobs) Lookup(id string) (job.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snaps[id]
	return s, ok
}

func (f *fakeJobs) Latest() (job.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == "" {
		return job.Snapshot{}, false
	}
	return f.snaps[f.latest], true
}

func (f *fakeJobs) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.snaps[id]; !ok {
		return job.ErrNotFound
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeJobs) Subscribe() (<-chan job.Event, func()) { return f.bc.Subscribe() }

func (f *fakeJobs) set(s job.Snapshot) {
	f.mu.Lock()
	f.snaps[s.ID] = s
	f.mu.Unlock()
}

func newServer(t *testing.T, jobs *fakeJobs) (*Server, *settings.Store) {
	t.Helper()
	store := settings.New(filepath.Join(t.TempDir(), "settings.json"), zerolog.Nop())
	return &Server{
		Jobs:     jobs,
		Settings: store,
		Memory: hardware.Static{System: hardware.System{
			HostTotalBytes: 32 << 30,
			Accelerators:   []hardware.Accelerator{{Name: "Test GPU", TotalBytes: 24 << 30}},
		}},
		Metrics:      metrics.New(),
		Log:          zerolog.Nop(),
		PollInterval: 10 * time.Millisecond,
	}, store
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestSubmit_UsesSettingsDefaults(t *testing.T) {
	jobs := newFakeJobs()
	s, store := newServer(t, jobs)
	if err := store.Save(settings.Record{DeviceMode: models.DeviceHost, QuantType: models.QuantFP4, ContextLength: 2048, OutputDirectory: "/out"}); err != nil {
		t.Fatal(err)
	}
	w := do(s.Handler(), http.MethodPost, "/v1/jobs", `{"source_uri":"Qwen/Qwen2-VL-7B-Instruct","context_length":8192}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body)
	}
	if loc := w.Header().Get("Location"); loc != "/v1/jobs/job-1" {
		t.Errorf("Location = %q", loc)
	}
	got := jobs.submitted[0]
	if got.DeviceMode != models.DeviceHost || got.QuantType != models.QuantFP4 || got.OutputDirectory != "/out" {
		t.Errorf("defaults not applied: %+v", got)
	}
	if got.ContextLength != 8192 || got.SourceURI != "Qwen/Qwen2-VL-7B-Instruct" {
		t.Errorf("body not applied: %+v", got)
	}
}

func TestSubmit_Errors(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		contentType string
		submitErr   error
		want        int
	}{
		{"bad json", `{"source_uri":`, "application/json", nil, http.StatusBadRequest},
		{"unknown field", `{"model":"x"}`, "application/json", nil, http.StatusBadRequest},
		{"bad quant", `{"source_uri":"a/b","quant_type":"int8"}`, "application/json", nil, http.StatusBadRequest},
		{"missing source", `{}`, "application/json", nil, http.StatusBadRequest},
		{"wrong content type", `{}`, "text/plain", nil, http.StatusUnsupportedMediaType},
		{"busy", `{"source_uri":"a/b"}`, "application/json", errs.ErrJobInProgress, http.StatusConflict},
	}
	for _, tt := range tests {
		jobs := newFakeJobs()
		jobs.submitErr = tt.submitErr
		s, _ := newServer(t, jobs)
		req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(tt.body))
		req.Header.Set("Content-Type", tt.contentType)
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("%s: status = %d, want %d (body %s)", tt.name, w.Code, tt.want, w.Body)
			continue
		}
		var body map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body["error"] == nil {
			t.Errorf("%s: error body = %s", tt.name, w.Body)
		}
	}
}

func TestGetCurrentAndCancel(t *testing.T) {
	jobs := newFakeJobs()
	s, _ := newServer(t, jobs)
	h := s.Handler()

	if w := do(h, http.MethodGet, "/v1/jobs/current", ""); w.Code != http.StatusNotFound {
		t.Errorf("current before submit = %d, want 404", w.Code)
	}
	do(h, http.MethodPost, "/v1/jobs", `{"source_uri":"a/b"}`)
	w := do(h, http.MethodGet, "/v1/jobs/current", "")
	if w.Code != http.StatusOK {
		t.Fatalf("current = %d", w.Code)
	}
	var snap struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.ID != "job-1" || snap.State != "created" {
		t.Errorf("snapshot = %+v", snap)
	}
	if w := do(h, http.MethodGet, "/v1/jobs/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown job = %d, want 404", w.Code)
	}
	if w := do(h, http.MethodDelete, "/v1/jobs/job-1", ""); w.Code != http.StatusAccepted {
		t.Errorf("cancel = %d, want 202", w.Code)
	}
	if len(jobs.cancelled) != 1 {
		t.Errorf("cancelled = %v", jobs.cancelled)
	}
	if w := do(h, http.MethodDelete, "/v1/jobs/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("cancel unknown = %d, want 404", w.Code)
	}
}

func TestEvents_StreamsUntilTerminal(t *testing.T) {
	jobs := newFakeJobs()
	s, _ := newServer(t, jobs)
	ev := func(seq int, st job.State) job.Event {
		return job.Event{Seq: seq, JobID: "j", Stage: st, Message: st.String()}
	}
	jobs.set(job.Snapshot{ID: "j", State: job.StateResolving, Log: []job.Event{ev(1, job.StateResolving)}})

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/v1/jobs/j/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", ct)
	}
	sc := bufio.NewScanner(resp.Body)
	if !sc.Scan() {
		t.Fatal("no first line")
	}

	// The second entry arrives only through the log (dropped subscription);
	// the terminal one through the broadcaster.
	log := []job.Event{ev(1, job.StateResolving), ev(2, job.StatePlanning), ev(3, job.StateFailed)}
	jobs.set(job.Snapshot{ID: "j", State: job.StateFailed, Log: log})
	jobs.bc.Observe(log[2])

	var seqs []int
	var first job.Event
	_ = json.Unmarshal(sc.Bytes(), &first)
	seqs = append(seqs, first.Seq)
	for sc.Scan() {
		var e job.Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		seqs = append(seqs, e.Seq)
	}
	if len(seqs) != 3 || seqs[0] != 1 || seqs[1] != 2 || seqs[2] != 3 {
		t.Errorf("seqs = %v, want [1 2 3]", seqs)
	}
}

func TestEvents_FinishedJobReplaysLog(t *testing.T) {
	jobs := newFakeJobs()
	s, _ := newServer(t, jobs)
	jobs.set(job.Snapshot{ID: "j", State: job.StateCompleted, Log: []job.Event{
		{Seq: 1, JobID: "j", Stage: job.StateResolving},
		{Seq: 2, JobID: "j", Stage: job.StateCompleted},
	}})
	w := do(s.Handler(), http.MethodGet, "/v1/jobs/j/events", "")
	if lines := strings.Count(w.Body.String(), "\n"); lines != 2 {
		t.Errorf("got %d lines, want 2:\n%s", lines, w.Body)
	}
	if w := do(s.Handler(), http.MethodGet, "/v1/jobs/x/events", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown job events = %d", w.Code)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	s, _ := newServer(t, newFakeJobs())
	h := s.Handler()
	w := do(h, http.MethodPut, "/v1/settings", `{"quant_type":"fp4","context_length":1024}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT = %d %s", w.Code, w.Body)
	}
	w = do(h, http.MethodGet, "/v1/settings", "")
	var rec settings.Record
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.QuantType != models.QuantFP4 || rec.ContextLength != 1024 || rec.OutputDirectory != "./output" {
		t.Errorf("settings = %+v", rec)
	}
	if w := do(h, http.MethodPut, "/v1/settings", `{"context_length":0}`); w.Code != http.StatusBadRequest {
		t.Errorf("zero context = %d, want 400", w.Code)
	}
}

func TestSystemHealthMetrics(t *testing.T) {
	s, _ := newServer(t, newFakeJobs())
	h := s.Handler()
	w := do(h, http.MethodGet, "/v1/system", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Test GPU") {
		t.Errorf("system = %d %s", w.Code, w.Body)
	}
	if w := do(h, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", w.Code, w.Body)
	}
	w = do(h, http.MethodGet, "/metrics", "")
	if !strings.Contains(w.Body.String(), `llmshrink_http_requests_total{method="GET",path="/v1/system",status="200"} 1`) {
		t.Errorf("metrics missing system request:\n%s", w.Body)
	}
}

func TestCORS(t *testing.T) {
	s, _ := newServer(t, newFakeJobs())
	s.CORSOrigins = []string{"http://localhost:3000"}
	req := httptest.NewRequest(http.MethodOptions, "/v1/jobs", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Allow-Origin = %q", got)
	}
}
