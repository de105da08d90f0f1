// Package fetch reads model manifests and weight files from the HuggingFace hub or a local directory.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/shayne-snap/llmshrink/internal/errs"
	"github.com/shayne-snap/llmshrink/internal/models"
)

const (
	DefaultHubURL     = "https://huggingface.co"
	DefaultRetries    = 4
	defaultMaxBackoff = 10 * time.Second
	timeoutSec        = 30
	userAgent         = "llmshrink/0.1.0"
)

// hfAPIResponse is the minimal shape of GET /api/models/{repo_id} we need.
type hfAPIResponse struct {
	Config      map[string]any `json:"config"`
	PipelineTag string         `json:"pipeline_tag"`
	Safetensors *struct {
		Total      *uint64           `json:"total"`
		Parameters map[string]uint64 `json:"parameters"`
	} `json:"safetensors"`
	Siblings []struct {
		RFilename string `json:"rfilename"`
	} `json:"siblings"`
}

// ManifestSource returns a model's manifest without touching its weights.
type ManifestSource interface {
	Manifest(ctx context.Context, src Source) (*models.Manifest, error)
}

// Client talks to a HuggingFace-compatible hub. Local sources are read from disk.
type Client struct {
	BaseURL    string
	Token      string
	HTTP       *http.Client
	Retries    int
	MaxBackoff time.Duration
	Log        zerolog.Logger
}

// NewClient returns a client for baseURL ("" means huggingface.co).
func NewClient(baseURL, token string, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultHubURL
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTP:       &http.Client{},
		Retries:    DefaultRetries,
		MaxBackoff: defaultMaxBackoff,
		Log:        log,
	}
}

// statusError is a non-200 hub response.
type statusError struct {
	Code   int
	Status string
	URL    string
}

func (e *statusError) Error() string { return fmt.Sprintf("GET %s: HTTP %s", e.URL, e.Status) }

func (e *statusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

var errNotFound = errors.New("not found")

// Manifest implements ManifestSource.
func (c *Client) Manifest(ctx context.Context, src Source) (*models.Manifest, error) {
	if src.IsLocal() {
		return localManifest(src.Dir)
	}
	var info hfAPIResponse
	apiURL := c.BaseURL + "/api/models/" + src.RepoID
	if src.Revision != "" && src.Revision != "main" {
		apiURL += "/revision/" + url.PathEscape(src.Revision)
	}
	err := c.retry(ctx, "manifest "+src.RepoID, func(ctx context.Context) error {
		return c.getJSON(ctx, apiURL, &info)
	})
	if err != nil {
		return nil, classify("resolve", src.String(), err)
	}

	var cfg map[string]any
	err = c.retry(ctx, "config "+src.RepoID, func(ctx context.Context) error {
		return c.getJSON(ctx, c.fileURL(src, "config.json"), &cfg)
	})
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, errs.New(errs.KindResolution, "resolve", src.String()+": repository has no config.json")
		}
		return nil, classify("resolve", src.String(), err)
	}

	m := &models.Manifest{
		Source:   src.RepoID,
		Revision: src.revision(),
		Config:   cfg,
	}
	if info.Safetensors != nil {
		if info.Safetensors.Total != nil {
			m.ParameterTotal = *info.Safetensors.Total
		} else {
			for _, v := range info.Safetensors.Parameters {
				m.ParameterTotal += v
			}
		}
	}
	for _, s := range info.Siblings {
		m.Files = append(m.Files, s.RFilename)
	}
	sort.Strings(m.Files)
	return m, nil
}

func localManifest(dir string) (*models.Manifest, error) {
	b, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errs.New(errs.KindResolution, "resolve", dir+": no config.json in directory")
		}
		return nil, errs.E(errs.KindResolution, "resolve", err)
	}
	var cfg map[string]any
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, errs.E(errs.KindResolution, "resolve", fmt.Errorf("%s: invalid config.json: %w", dir, err))
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.E(errs.KindResolution, "resolve", err)
	}
	m := &models.Manifest{Source: dir, Local: true, Config: cfg}
	for _, e := range entries {
		if !e.IsDir() {
			m.Files = append(m.Files, e.Name())
		}
	}
	return m, nil
}

// classify maps a transport failure to the error taxonomy.
func classify(op, what string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, errNotFound) {
		return errs.New(errs.KindResolution, op, what+": model not found on hub (private or gated repositories need HF_TOKEN)")
	}
	var se *statusError
	if errors.As(err, &se) && !se.retryable() {
		return errs.E(errs.KindResolution, op, err)
	}
	if malformed(err) {
		return errs.E(errs.KindResolution, op, fmt.Errorf("%s: malformed metadata: %w", what, err))
	}
	return errs.E(errs.KindDownload, op, err)
}

func (c *Client) fileURL(src Source, name string) string {
	return c.BaseURL + "/" + src.RepoID + "/resolve/" + url.PathEscape(src.revision()) + "/" + name
}

func (c *Client) newRequest(ctx context.Context, u string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, u string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, timeoutSec*time.Second)
	defer cancel()
	req, err := c.newRequest(ctx, u)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("network: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, u); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response, u string) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("GET %s: %w", u, errNotFound)
	default:
		return &statusError{Code: resp.StatusCode, Status: resp.Status, URL: u}
	}
}

// retry runs fn until it succeeds, fails permanently or retries are exhausted.
func (c *Client) retry(ctx context.Context, what string, fn func(context.Context) error) error {
	backoff := newBackoff(c.MaxBackoff)
	var err error
	for try := 0; try <= c.Retries; try++ {
		err = fn(ctx)
		if err == nil || !retryable(err) {
			return err
		}
		if try == c.Retries {
			break
		}
		c.Log.Warn().Err(err).Str("op", what).Int("attempt", try+1).Msg("retrying")
		if berr := backoff(ctx); berr != nil {
			return berr
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", what, c.Retries+1, err)
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, errNotFound) || errors.Is(err, syscall.ENOSPC) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.retryable()
	}
	return !malformed(err)
}

func malformed(err error) bool {
	var synErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &synErr) || errors.As(err, &typeErr)
}

func newBackoff(maxBackoff time.Duration) func(ctx context.Context) error {
	var n int
	return func(ctx context.Context) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n++

		// n^2 is smoother than 2^n for a handful of attempts.
		d := min(time.Duration(n*n)*10*time.Millisecond, maxBackoff)
		d = time.Duration(float64(d) * (rand.Float64() + 0.5))
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
}

// Progress reports bytes received for one file.
type Progress func(file string, done, total int64)

// Download fetches the manifest's config, index and safetensors files into dir.
// Files already present with the expected size are kept.
func (c *Client) Download(ctx context.Context, src Source, m *models.Manifest, dir string, progress Progress) error {
	if src.IsLocal() {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.E(errs.KindWrite, "download", err)
	}
	for _, name := range DownloadFiles(m.Files) {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.retry(ctx, "download "+name, func(ctx context.Context) error {
			return c.downloadFile(ctx, src, name, filepath.Join(dir, filepath.FromSlash(name)), progress)
		})
		if err != nil {
			if errors.Is(err, syscall.ENOSPC) {
				return errs.E(errs.KindWrite, "download", err)
			}
			return classify("download", name, err)
		}
	}
	return nil
}

// WeightFiles selects config and safetensors files from a repository listing.
func WeightFiles(files []string) []string {
	var out []string
	for _, f := range files {
		base := filepath.Base(f)
		if f != base {
			continue // subfolders hold alternate formats
		}
		if base == "config.json" || base == "model.safetensors.index.json" || strings.HasSuffix(base, ".safetensors") {
			out = append(out, f)
		}
	}
	if len(out) == 0 || !contains(out, "config.json") {
		out = append([]string{"config.json"}, out...)
	}
	sort.Strings(out)
	return out
}

// AuxFiles are the tokenizer and processor files copied next to a converted model.
var AuxFiles = []string{
	"generation_config.json", "preprocessor_config.json", "chat_template.json",
	"tokenizer.json", "tokenizer_config.json", "tokenizer.model",
	"special_tokens_map.json", "added_tokens.json", "vocab.json", "merges.txt",
}

// DownloadFiles is WeightFiles plus any top-level AuxFiles in the listing.
func DownloadFiles(files []string) []string {
	out := WeightFiles(files)
	for _, f := range files {
		if contains(AuxFiles, f) {
			out = append(out, f)
		}
	}
	return out
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func (c *Client) downloadFile(ctx context.Context, src Source, name, dst string, progress Progress) error {
	req, err := c.newRequest(ctx, c.fileURL(src, name))
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("network: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, req.URL.String()); err != nil {
		return err
	}
	if fi, err := os.Stat(dst); err == nil && resp.ContentLength > 0 && fi.Size() == resp.ContentLength {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	part := dst + ".part"
	f, err := os.Create(part)
	if err != nil {
		return err
	}
	w := &progressWriter{file: name, total: resp.ContentLength, fn: progress}
	if _, err := io.Copy(io.MultiWriter(f, w), resp.Body); err != nil {
		f.Close()
		os.Remove(part)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(part)
		return err
	}
	return os.Rename(part, dst)
}

type progressWriter struct {
	file  string
	done  int64
	total int64
	fn    Progress
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.done += int64(len(b))
	if p.fn != nil {
		p.fn(p.file, p.done, p.total)
	}
	return len(b), nil
}
