// Package httpapi exposes the conversion service over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/shayne-snap/llmshrink/internal/errs"
	"github.com/shayne-snap/llmshrink/internal/hardware"
	"github.com/shayne-snap/llmshrink/internal/job"
	"github.com/shayne-snap/llmshrink/internal/metrics"
	"github.com/shayne-snap/llmshrink/internal/settings"
)

// Jobs is the part of job.Service the HTTP layer uses.
type Jobs interface {
	Submit(req job.Request) (string, error)
	Lookup(id string) (job.Snapshot, bool)
	Latest() (job.Snapshot, bool)
	Cancel(id string) error
	Subscribe() (<-chan job.Event, func())
}

const defaultMaxBodyBytes = 1 << 20

// Server holds the handler dependencies. Settings, Memory and Metrics may be nil;
// their routes then answer 404.
type Server struct {
	Jobs        Jobs
	Settings    *settings.Store
	Memory      hardware.MemoryQuery
	Metrics     *metrics.Metrics
	Log         zerolog.Logger
	CORSOrigins []string
	// MaxBodyBytes limits JSON request bodies; 0 means 1 MiB.
	MaxBodyBytes int64
	// PollInterval is how often an event stream re-reads the job log to
	// recover events its subscription dropped.
	PollInterval time.Duration
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)
	if s.Metrics != nil {
		r.Use(s.Metrics.Middleware)
	}
	if len(s.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			MaxAge:         300,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.submit)
		r.Get("/jobs/current", s.current)
		r.Get("/jobs/{id}", s.get)
		r.Delete("/jobs/{id}", s.cancel)
		r.Get("/jobs/{id}/events", s.events)
		r.Get("/settings", s.getSettings)
		r.Put("/settings", s.putSettings)
		r.Get("/system", s.system)
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	}
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		ev := s.Log.Debug()
		if ww.Status() >= 500 {
			ev = s.Log.Warn()
		}
		ev.Str("method", r.Method).Str("path", r.URL.Path).Int("status", ww.Status()).
			Dur("dur", time.Since(start)).Str("request_id", middleware.GetReqID(r.Context())).Msg("http")
	})
}

// submit accepts a job. Fields missing from the body take the saved settings.
func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	if !isJSON(r) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	rec := settings.Defaults()
	if s.Settings != nil {
		rec = s.Settings.Load()
	}
	req := job.Request{
		SourceURI:       rec.SourceURI,
		QuantType:       rec.QuantType,
		ContextLength:   rec.ContextLength,
		DeviceMode:      rec.DeviceMode,
		OutputDirectory: rec.OutputDirectory,
	}
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.Jobs.Submit(req)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrInvalidRequest):
			writeJSONError(w, http.StatusBadRequest, err.Error())
		case errs.Is(err, errs.KindJobInProgress):
			writeJSONError(w, http.StatusConflict, err.Error())
		default:
			writeJSONError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+id)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) current(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.Jobs.Latest()
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no job has been submitted")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.Jobs.Lookup(chi.URLParam(r, "id"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, job.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Jobs.Cancel(id); err != nil {
		if errors.Is(err, job.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	snap, _ := s.Jobs.Lookup(id)
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "state": snap.State})
}

// events streams the job log as NDJSON until the job reaches a terminal state
// or the client goes away.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ch, unsubscribe := s.Jobs.Subscribe()
	defer unsubscribe()
	snap, ok := s.Jobs.Lookup(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, job.ErrNotFound.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	enc := json.NewEncoder(w)
	last := 0
	// emit writes ev if it is new and reports whether the stream is finished.
	emit := func(ev job.Event) (done bool, err error) {
		if ev.JobID != id || ev.Seq <= last {
			return false, nil
		}
		if err := enc.Encode(ev); err != nil {
			return true, err
		}
		last = ev.Seq
		return ev.Stage.Terminal(), nil
	}
	catchUp := func(snap job.Snapshot) bool {
		for _, ev := range snap.Log {
			if done, err := emit(ev); done || err != nil {
				return true
			}
		}
		flush()
		return snap.State.Terminal() && last >= len(snap.Log)
	}
	if catchUp(snap) {
		return
	}

	interval := s.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if ev.JobID != id {
				continue
			}
			if ev.Seq > last+1 {
				// Missed entries; replay from the log.
				snap, _ := s.Jobs.Lookup(id)
				if catchUp(snap) {
					return
				}
				continue
			}
			done, err := emit(ev)
			flush()
			if done || err != nil {
				return
			}
		case <-ticker.C:
			snap, _ := s.Jobs.Lookup(id)
			if catchUp(snap) {
				return
			}
		}
	}
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	if s.Settings == nil {
		writeJSONError(w, http.StatusNotFound, "settings store not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.Settings.Load())
}

// putSettings merges the body into the saved record.
func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	if s.Settings == nil {
		writeJSONError(w, http.StatusNotFound, "settings store not configured")
		return
	}
	if !isJSON(r) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}
	rec := s.Settings.Load()
	if !s.decode(w, r, &rec) {
		return
	}
	if rec.ContextLength <= 0 {
		writeJSONError(w, http.StatusBadRequest, "context_length must be positive")
		return
	}
	if err := s.Settings.Save(rec); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.Settings.Load())
}

func (s *Server) system(w http.ResponseWriter, r *http.Request) {
	if s.Memory == nil {
		writeJSONError(w, http.StatusNotFound, "memory query not configured")
		return
	}
	sys, err := s.Memory.Query(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sys)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	limit := s.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func isJSON(r *http.Request) bool {
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	return strings.HasPrefix(ct, "application/json")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": status})
}

// ListenAndServe serves h on addr until ctx is cancelled, then shuts down gracefully.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}
