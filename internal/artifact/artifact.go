// Package artifact writes a quantized model to disk: safetensors shards, an index,
// the quantization sidecar and the source's config files. Output is staged and
// published with a rename so the destination never holds a partial artifact.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/shayne-snap/llmshrink/internal/errs"
	"github.com/shayne-snap/llmshrink/internal/hardware"
	"github.com/shayne-snap/llmshrink/internal/models"
	"github.com/shayne-snap/llmshrink/internal/plan"
	"github.com/shayne-snap/llmshrink/internal/weights"
)

const (
	DefaultMaxShardBytes = 2 << 30
	FormatVersion        = 1
	QuantMethod          = "bitsandbytes_4bit"
	SidecarName          = "quantization_config.json"
	IndexName            = "model.safetensors.index.json"
	Suffix               = "-bnb4"
)

// TensorMeta records a quantized tensor's original shape and dtype.
type TensorMeta struct {
	Shape []int64 `json:"shape"`
	DType string  `json:"dtype"`
}

// Input is everything the writer needs from a finished Executing stage.
type Input struct {
	JobID           string
	Descriptor      *models.Descriptor
	Config          *plan.Config
	OutputDirectory string
	Tensors         []*weights.Tensor
	Quantized       map[string]TensorMeta
	// ExtraFiles are copied verbatim (config.json, tokenizer files).
	ExtraFiles []string
	// Cancelled is polled before each shard.
	Cancelled func() bool
	// Progress is called after each shard with shards done and total.
	Progress func(done, total int)
}

// Shard is one written safetensors file.
type Shard struct {
	File   string `json:"file"`
	Bytes  int64  `json:"bytes"`
	SHA256 string `json:"sha256"`
}

// Sidecar is the quantization_config.json document.
type Sidecar struct {
	FormatVersion      int                   `json:"format_version"`
	QuantMethod        string                `json:"quant_method"`
	QuantType          models.QuantType      `json:"quant_type"`
	DoubleQuant        bool                  `json:"double_quant"`
	ComputeDType       models.DType          `json:"compute_dtype"`
	BlockSize          int                   `json:"block_size"`
	NestedBlockSize    int                   `json:"nested_block_size,omitempty"`
	SkipModules        []string              `json:"skip_modules"`
	ArchitectureFamily models.Family         `json:"architecture_family"`
	ModelType          string                `json:"model_type,omitempty"`
	SourceURI          string                `json:"source_uri"`
	ContextLength      int                   `json:"context_length"`
	Shards             []Shard               `json:"shards"`
	QuantizedTensors   map[string]TensorMeta `json:"quantized_tensors"`
}

// Handle describes a published artifact.
type Handle struct {
	Dir    string  `json:"dir"`
	Shards []Shard `json:"shards"`
	Bytes  int64   `json:"bytes"`
}

// Writer writes artifacts. DiskFree may be replaced in tests.
type Writer struct {
	MaxShardBytes int64
	Log           zerolog.Logger
	DiskFree      func(ctx context.Context, path string) (uint64, error)

	afterShard func(i int) error
}

func NewWriter(maxShardBytes int64, log zerolog.Logger) *Writer {
	if maxShardBytes <= 0 {
		maxShardBytes = DefaultMaxShardBytes
	}
	return &Writer{MaxShardBytes: maxShardBytes, Log: log, DiskFree: hardware.DiskFree}
}

// Dir returns the final artifact directory for a descriptor under out.
func Dir(out string, desc *models.Descriptor) string {
	return filepath.Join(out, desc.RepoName()+Suffix)
}

var shardMeta = map[string]string{"format": "pt"}

// Write stages, verifies and publishes the artifact. On any failure the staging
// directory is removed and an existing artifact at the destination is left intact.
func (w *Writer) Write(ctx context.Context, in *Input) (_ *Handle, err error) {
	final := Dir(in.OutputDirectory, in.Descriptor)
	staging := filepath.Join(in.OutputDirectory, "."+filepath.Base(final)+".staging-"+in.JobID)

	if err := os.MkdirAll(in.OutputDirectory, 0o755); err != nil {
		return nil, writeErr(err)
	}
	groups := w.split(in.Tensors)
	var need int64
	for _, g := range groups {
		need += weights.EncodedSize(g, shardMeta)
	}
	if err := w.checkSpace(ctx, in.OutputDirectory, need); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, writeErr(err)
	}
	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(staging); rmErr != nil {
				w.Log.Warn().Err(rmErr).Str("dir", staging).Msg("remove staging")
			}
		}
	}()

	shards := make([]Shard, 0, len(groups))
	weightMap := make(map[string]string, len(in.Tensors))
	var total int64
	for i, g := range groups {
		if in.Cancelled != nil && in.Cancelled() {
			return nil, errs.E(errs.KindCancelled, "write", errs.ErrCancelled)
		}
		name := fmt.Sprintf("model-%05d-of-%05d.safetensors", i+1, len(groups))
		s, err := writeShard(filepath.Join(staging, name), g)
		if err != nil {
			return nil, writeErr(err)
		}
		if w.afterShard != nil {
			if err := w.afterShard(i); err != nil {
				return nil, writeErr(err)
			}
		}
		shards = append(shards, s)
		total += s.Bytes
		for _, t := range g {
			weightMap[t.Name] = name
		}
		w.Log.Debug().Str("shard", name).Int64("bytes", s.Bytes).Msg("wrote shard")
		if in.Progress != nil {
			in.Progress(i+1, len(groups))
		}
	}

	index := map[string]any{
		"metadata":   map[string]any{"total_size": total},
		"weight_map": weightMap,
	}
	if err := writeJSON(filepath.Join(staging, IndexName), index); err != nil {
		return nil, writeErr(err)
	}
	if err := writeJSON(filepath.Join(staging, SidecarName), sidecar(in, shards)); err != nil {
		return nil, writeErr(err)
	}
	for _, src := range in.ExtraFiles {
		if err := copyFile(src, filepath.Join(staging, filepath.Base(src))); err != nil {
			return nil, writeErr(err)
		}
	}
	if err := Verify(ctx, staging, shards); err != nil {
		return nil, err
	}
	if err := publish(staging, final, in.JobID); err != nil {
		return nil, writeErr(err)
	}
	w.Log.Info().Str("dir", final).Int("shards", len(shards)).Int64("bytes", total).Msg("artifact published")
	return &Handle{Dir: final, Shards: shards, Bytes: total}, nil
}

func writeErr(err error) error {
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	return errs.E(errs.KindWrite, "write", err)
}

func (w *Writer) checkSpace(ctx context.Context, dir string, need int64) error {
	if w.DiskFree == nil {
		return nil
	}
	free, err := w.DiskFree(ctx, dir)
	if err != nil {
		w.Log.Warn().Err(err).Msg("free space check skipped")
		return nil
	}
	if uint64(need) > free {
		return errs.New(errs.KindWrite, "write",
			fmt.Sprintf("artifact needs %d bytes but only %d are free in %s", need, free, dir))
	}
	return nil
}

// split groups tensors in name order into shards of at most MaxShardBytes of data.
// A tensor larger than the limit gets a shard of its own.
func (w *Writer) split(tensors []*weights.Tensor) [][]*weights.Tensor {
	sorted := make([]*weights.Tensor, len(tensors))
	copy(sorted, tensors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var out [][]*weights.Tensor
	var cur []*weights.Tensor
	var size int64
	for _, t := range sorted {
		n := int64(len(t.Data))
		if len(cur) > 0 && size+n > w.MaxShardBytes {
			out = append(out, cur)
			cur, size = nil, 0
		}
		cur = append(cur, t)
		size += n
	}
	if len(cur) > 0 || len(out) == 0 {
		out = append(out, cur)
	}
	return out
}

func writeShard(path string, tensors []*weights.Tensor) (Shard, error) {
	f, err := os.Create(path)
	if err != nil {
		return Shard{}, err
	}
	h := sha256.New()
	n, err := weights.Encode(io.MultiWriter(f, h), tensors, shardMeta)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Shard{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return Shard{File: filepath.Base(path), Bytes: n, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}

func sidecar(in *Input, shards []Shard) *Sidecar {
	c := in.Config
	q := in.Quantized
	if q == nil {
		q = map[string]TensorMeta{}
	}
	s := &Sidecar{
		FormatVersion:      FormatVersion,
		QuantMethod:        QuantMethod,
		QuantType:          c.QuantType,
		DoubleQuant:        c.DoubleQuant,
		ComputeDType:       c.ComputeDType,
		BlockSize:          c.BlockSize,
		SkipModules:        c.SkipModules,
		ArchitectureFamily: c.Family,
		ModelType:          in.Descriptor.ModelType,
		SourceURI:          in.Descriptor.SourceURI,
		ContextLength:      c.ContextLength,
		Shards:             shards,
		QuantizedTensors:   q,
	}
	if c.DoubleQuant {
		s.NestedBlockSize = c.NestedBlockSize
	}
	return s
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Verify re-reads every shard in dir and compares its size and SHA-256.
func Verify(ctx context.Context, dir string, shards []Shard) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range shards {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := os.Open(filepath.Join(dir, s.File))
			if err != nil {
				return errs.E(errs.KindWrite, "verify", err)
			}
			defer f.Close()
			h := sha256.New()
			n, err := io.Copy(h, f)
			if err != nil {
				return errs.E(errs.KindWrite, "verify", err)
			}
			if n != s.Bytes {
				return errs.New(errs.KindWrite, "verify", fmt.Sprintf("%s: size %d, want %d", s.File, n, s.Bytes))
			}
			if sum := hex.EncodeToString(h.Sum(nil)); sum != s.SHA256 {
				return errs.New(errs.KindWrite, "verify", fmt.Sprintf("%s: checksum mismatch", s.File))
			}
			return nil
		})
	}
	return g.Wait()
}

// publish moves staging to final. An existing final directory is moved aside
// first and restored if the rename fails.
func publish(staging, final, jobID string) error {
	var old string
	if _, err := os.Stat(final); err == nil {
		old = final + ".old-" + jobID
		if err := os.Rename(final, old); err != nil {
			return fmt.Errorf("move aside %s: %w", final, err)
		}
	}
	if err := os.Rename(staging, final); err != nil {
		if old != "" {
			if rerr := os.Rename(old, final); rerr != nil {
				return fmt.Errorf("publish: %w (restore failed: %v)", err, rerr)
			}
		}
		return fmt.Errorf("publish: %w", err)
	}
	if old != "" {
		_ = os.RemoveAll(old)
	}
	return nil
}

// ReadSidecar loads the sidecar of a published artifact.
func ReadSidecar(dir string) (*Sidecar, error) {
	b, err := os.ReadFile(filepath.Join(dir, SidecarName))
	if err != nil {
		return nil, err
	}
	var s Sidecar
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("%s: %w", SidecarName, err)
	}
	return &s, nil
}
