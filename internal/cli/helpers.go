package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/shayne-snap/llmshrink/internal/artifact"
	"github.com/shayne-snap/llmshrink/internal/fetch"
	"github.com/shayne-snap/llmshrink/internal/hardware"
	"github.com/shayne-snap/llmshrink/internal/job"
	"github.com/shayne-snap/llmshrink/internal/metrics"
	"github.com/shayne-snap/llmshrink/internal/models"
	"github.com/shayne-snap/llmshrink/internal/placement"
	"github.com/shayne-snap/llmshrink/internal/resolve"
	"github.com/shayne-snap/llmshrink/internal/settings"
)

func looksLikeRepoID(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return false
	}
	return len(parts[0]) > 0 && len(parts[1]) > 0 && !strings.ContainsAny(s, " \t\n")
}

// sourceFor maps a catalog display name to its repo id. Repo ids, URIs and
// existing local directories pass through unchanged.
func sourceFor(cat *models.Catalog, arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", fmt.Errorf("no model given")
	}
	if looksLikeRepoID(arg) || strings.Contains(arg, "://") {
		return arg, nil
	}
	if fi, err := os.Stat(arg); err == nil && fi.IsDir() {
		return arg, nil
	}
	if cat != nil {
		if e, ok := cat.Lookup(arg); ok {
			return e.Repo, nil
		}
		if near, ok := closestEntry(cat, arg); ok {
			return "", fmt.Errorf("%q is not a repo id, local directory or catalog name; did you mean %q?", arg, near.Name)
		}
	}
	return "", fmt.Errorf("%q is not a repo id, local directory or catalog name (see 'llmshrink catalog')", arg)
}

// maxSuggestDistance bounds the edit distance of a "did you mean" suggestion.
const maxSuggestDistance = 3

func closestEntry(cat *models.Catalog, name string) (models.CatalogEntry, bool) {
	q := strings.ToLower(name)
	best, bestDist := models.CatalogEntry{}, maxSuggestDistance+1
	for _, e := range cat.Entries() {
		if d := levenshtein.ComputeDistance(q, strings.ToLower(e.Name)); d < bestDist {
			best, bestDist = e, d
		}
	}
	return best, bestDist <= maxSuggestDistance
}

func (e *env) client() *fetch.Client {
	c := fetch.NewClient(e.cfg.HubURL, e.cfg.HubToken, e.log)
	c.Retries = e.cfg.DownloadRetries
	return c
}

func (e *env) resolver() *resolve.Resolver {
	r := resolve.New(e.client(), e.log)
	r.Strict = e.cfg.StrictResolve
	return r
}

func (e *env) memory() hardware.MemoryQuery {
	return hardware.NewDetector()
}

func (e *env) store() (*settings.Store, error) {
	path := globalSettings
	if path == "" {
		p, err := settings.DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("settings path: %w", err)
		}
		path = p
	}
	return settings.New(path, e.log), nil
}

// service wires the full pipeline.
func (e *env) service(m *metrics.Metrics) (*job.Service, *settings.Store, error) {
	store, err := e.store()
	if err != nil {
		return nil, nil, err
	}
	exec := &job.Executor{
		Resolver:  e.resolver(),
		Memory:    e.memory(),
		Allocator: placement.New(e.cfg.ActivationOverheadBytes()),
		Weights:   &fetch.Fetcher{Client: e.client(), CacheRoot: e.cfg.CacheDir},
		Quantizer: job.BlockQuantizer,
		Writer:    artifact.NewWriter(e.cfg.MaxShardBytes(), e.log),
		Metrics:   m,
		Log:       e.log,
	}
	return job.NewService(exec, store, m, e.log), store, nil
}

func contextChoices() string {
	s := make([]string, len(models.ContextChoices))
	for i, n := range models.ContextChoices {
		s[i] = fmt.Sprint(n)
	}
	return strings.Join(s, ", ")
}
