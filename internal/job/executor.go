package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/shayne-snap/llmshrink/internal/artifact"
	"github.com/shayne-snap/llmshrink/internal/errs"
	"github.com/shayne-snap/llmshrink/internal/fetch"
	"github.com/shayne-snap/llmshrink/internal/hardware"
	"github.com/shayne-snap/llmshrink/internal/metrics"
	"github.com/shayne-snap/llmshrink/internal/models"
	"github.com/shayne-snap/llmshrink/internal/placement"
	"github.com/shayne-snap/llmshrink/internal/plan"
	"github.com/shayne-snap/llmshrink/internal/quant"
	"github.com/shayne-snap/llmshrink/internal/weights"
)

// Stage progress bands.
const (
	resolveEnd   = 0.05
	planEnd      = 0.10
	allocateEnd  = 0.15
	downloadEnd  = 0.30
	executeEnd   = 0.85
	progressStep = 0.01
)

// Resolver identifies a model from its source URI.
type Resolver interface {
	Resolve(ctx context.Context, uri string) (*models.Descriptor, error)
}

// WeightSource makes a source's weights available in a local directory.
type WeightSource interface {
	Fetch(ctx context.Context, sourceURI string, progress func(fraction float64)) (string, error)
}

// Quantizer quantizes one tensor under a config.
type Quantizer interface {
	Quantize(t *weights.Tensor, cfg *plan.Config) (*quant.Result, error)
}

// QuantizerFunc adapts a function to Quantizer.
type QuantizerFunc func(t *weights.Tensor, cfg *plan.Config) (*quant.Result, error)

func (f QuantizerFunc) Quantize(t *weights.Tensor, cfg *plan.Config) (*quant.Result, error) {
	return f(t, cfg)
}

// BlockQuantizer is the built-in block-wise 4-bit quantizer.
var BlockQuantizer = QuantizerFunc(func(t *weights.Tensor, cfg *plan.Config) (*quant.Result, error) {
	return quant.Quantize(t, cfg.QuantOptions())
})

// Writer persists the executor's output.
type Writer interface {
	Write(ctx context.Context, in *artifact.Input) (*artifact.Handle, error)
}

// Executor drives one job through Resolving, Planning, Allocating, Executing
// and Writing. It is stateless between jobs.
type Executor struct {
	Resolver  Resolver
	Memory    hardware.MemoryQuery
	Allocator *placement.Allocator
	Weights   WeightSource
	Quantizer Quantizer
	Writer    Writer
	// Workers bounds per-block tensor concurrency; 0 means GOMAXPROCS.
	Workers int
	Metrics *metrics.Metrics
	Log     zerolog.Logger
}

// cancelled is the error a stage returns when it observes the job's cancel flag.
func cancelled(op string) error {
	return errs.E(errs.KindCancelled, op, errs.ErrCancelled)
}

// Run executes every stage and returns the error that stopped it, or nil once
// the artifact is published. It does not set the terminal state.
func (e *Executor) Run(ctx context.Context, j *Job) error {
	req := j.Request

	// Resolving
	if err := e.enter(j, StateResolving, 0, "resolving "+req.SourceURI); err != nil {
		return err
	}
	var desc *models.Descriptor
	err := e.timed(StateResolving, func() (err error) {
		desc, err = e.Resolver.Resolve(ctx, req.SourceURI)
		return err
	})
	if err != nil {
		return err
	}
	j.setDescriptor(desc)
	j.report(resolveEnd, fmt.Sprintf("resolved %s: family %s, %s parameters",
		desc.RepoName(), desc.Family, models.FormatParamCount(desc.ParameterCount)), LevelInfo)

	// Planning
	if err := e.enter(j, StatePlanning, resolveEnd, "planning quantization"); err != nil {
		return err
	}
	sys := e.system(ctx)
	var cfg *plan.Config
	err = e.timed(StatePlanning, func() (err error) {
		cfg, err = plan.New(sys.BF16()).PlanWith(desc, plan.Request{
			QuantType:     req.QuantType,
			ContextLength: req.ContextLength,
			DoubleQuant:   req.DoubleQuant,
		})
		return err
	})
	if err != nil {
		return err
	}
	j.setConfig(cfg)
	j.report(planEnd, fmt.Sprintf("%s, compute %s, double quant %t, keeping %d module patterns in full precision",
		cfg.QuantType, cfg.ComputeDType, cfg.DoubleQuant, len(cfg.SkipModules)), LevelInfo)

	// Allocating
	if err := e.enter(j, StateAllocating, planEnd, "allocating "+req.DeviceMode.String()); err != nil {
		return err
	}
	budget := int64(sys.BudgetBytes())
	if req.BudgetBytes != nil {
		budget = *req.BudgetBytes
	}
	var profile *placement.Profile
	err = e.timed(StateAllocating, func() (err error) {
		profile, err = e.Allocator.Allocate(desc, cfg, req.DeviceMode, budget)
		return err
	})
	if err != nil {
		return err
	}
	j.setProfile(profile)
	for _, n := range profile.Notes {
		j.report(allocateEnd, n, LevelInfo)
	}

	// Executing
	if err := e.enter(j, StateExecuting, allocateEnd, "loading weights"); err != nil {
		return err
	}
	var out *executed
	err = e.timed(StateExecuting, func() (err error) {
		out, err = e.execute(ctx, j, desc, cfg)
		return err
	})
	if err != nil {
		return err
	}

	// Writing
	if err := e.enter(j, StateWriting, executeEnd, fmt.Sprintf("writing %d tensors", len(out.tensors))); err != nil {
		return err
	}
	var h *artifact.Handle
	err = e.timed(StateWriting, func() (err error) {
		h, err = e.Writer.Write(ctx, &artifact.Input{
			JobID:           j.ID,
			Descriptor:      desc,
			Config:          cfg,
			OutputDirectory: req.OutputDirectory,
			Tensors:         out.tensors,
			Quantized:       out.quantized,
			ExtraFiles:      out.extra,
			Cancelled:       j.Cancelled,
			Progress: func(done, total int) {
				j.report(executeEnd+(1-executeEnd)*float64(done)/float64(total),
					fmt.Sprintf("wrote shard %d of %d", done, total), LevelInfo)
			},
		})
		return err
	})
	if err != nil {
		return err
	}
	j.setArtifact(h)
	if e.Metrics != nil {
		e.Metrics.BytesWritten.Add(float64(h.Bytes))
	}
	return nil
}

// enter checks for cancellation at a stage boundary and advances.
func (e *Executor) enter(j *Job, s State, fraction float64, msg string) error {
	if j.Cancelled() {
		return cancelled(s.String())
	}
	return j.advance(s, fraction, msg)
}

func (e *Executor) timed(s State, fn func() error) error {
	start := time.Now()
	err := fn()
	if e.Metrics != nil {
		e.Metrics.StageDuration.WithLabelValues(s.String()).Observe(time.Since(start).Seconds())
	}
	return err
}

// system queries memory. A failed query is logged and treated as a host-only machine.
func (e *Executor) system(ctx context.Context) *hardware.System {
	if e.Memory == nil {
		return &hardware.System{}
	}
	sys, err := e.Memory.Query(ctx)
	if err != nil || sys == nil {
		e.Log.Warn().Err(err).Msg("memory query failed, assuming no accelerator")
		return &hardware.System{}
	}
	return sys
}

// executed is the in-memory output of the Executing stage. It is dropped when
// the job ends.
type executed struct {
	tensors   []*weights.Tensor
	quantized map[string]artifact.TensorMeta
	extra     []string
}

func (e *Executor) execute(ctx context.Context, j *Job, desc *models.Descriptor, cfg *plan.Config) (*executed, error) {
	start := allocateEnd
	if !desc.Local {
		start = downloadEnd
	}
	var last float64
	dir, err := e.Weights.Fetch(ctx, j.Request.SourceURI, func(f float64) {
		if f-last < progressStep && f < 1 {
			return
		}
		last = f
		j.report(allocateEnd+(downloadEnd-allocateEnd)*f, fmt.Sprintf("downloading weights %.0f%%", f*100), LevelInfo)
	})
	if err != nil {
		if j.Cancelled() {
			return nil, cancelled("download")
		}
		return nil, err
	}
	if j.Cancelled() {
		return nil, cancelled("execute")
	}
	ix, err := weights.Open(dir)
	if err != nil {
		return nil, errs.E(errs.KindQuantization, "load weights", err)
	}
	blocks := ix.Blocks()
	if len(blocks) == 0 {
		return nil, errs.New(errs.KindQuantization, "load weights", "no tensors found in "+dir)
	}

	out := &executed{quantized: make(map[string]artifact.TensorMeta), extra: extraFiles(dir)}
	for i, b := range blocks {
		if j.Cancelled() {
			return nil, cancelled("execute")
		}
		tensors, metas, err := e.block(ctx, ix, b, cfg)
		if err != nil {
			if j.Cancelled() {
				return nil, cancelled("execute")
			}
			return nil, err
		}
		out.tensors = append(out.tensors, tensors...)
		for name, m := range metas {
			out.quantized[name] = m
		}
		j.report(start+(executeEnd-start)*float64(i+1)/float64(len(blocks)),
			fmt.Sprintf("processed %s (%d/%d)", b.ID, i+1, len(blocks)), LevelInfo)
	}
	if j.Cancelled() {
		return nil, cancelled("execute")
	}
	return out, nil
}

type converted struct {
	tensors   []*weights.Tensor
	quantized bool
	meta      artifact.TensorMeta
}

// block converts one weight block, fanning out over its tensors.
func (e *Executor) block(ctx context.Context, ix *weights.Index, b weights.Block, cfg *plan.Config) ([]*weights.Tensor, map[string]artifact.TensorMeta, error) {
	results := make([]converted, len(b.Tensors))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers())
	for i, info := range b.Tensors {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := e.convert(ix, info, cfg)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var tensors []*weights.Tensor
	metas := make(map[string]artifact.TensorMeta)
	for i, r := range results {
		tensors = append(tensors, r.tensors...)
		outcome := "skipped"
		if r.quantized {
			metas[b.Tensors[i].Name] = r.meta
			outcome = "quantized"
		}
		if e.Metrics != nil {
			e.Metrics.TensorsTotal.WithLabelValues(outcome).Inc()
		}
	}
	return tensors, metas, nil
}

func (e *Executor) convert(ix *weights.Index, info weights.TensorInfo, cfg *plan.Config) (converted, error) {
	t, err := ix.Load(info)
	if err != nil {
		return converted{}, errs.Quantization(info.Name, err)
	}
	if !weights.IsFloat(info.DType) {
		return converted{tensors: []*weights.Tensor{t}}, nil
	}
	if cfg.ShouldQuantize(info.Name, info.Shape) {
		r, err := e.Quantizer.Quantize(t, cfg)
		if err != nil {
			if errs.KindOf(err) != errs.KindQuantization {
				err = errs.Quantization(info.Name, err)
			}
			return converted{}, err
		}
		return converted{
			tensors:   r.Tensors(),
			quantized: true,
			meta:      artifact.TensorMeta{Shape: info.Shape, DType: info.DType},
		}, nil
	}
	vals, err := t.Float32()
	if err != nil {
		return converted{}, errs.Quantization(info.Name, err)
	}
	return converted{tensors: []*weights.Tensor{weights.FromFloat32(info.Name, info.Shape, vals, cfg.ComputeDType)}}, nil
}

func (e *Executor) workers() int {
	if e.Workers > 0 {
		return e.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// extraFiles lists the config and tokenizer files in dir that are copied into the artifact.
func extraFiles(dir string) []string {
	var out []string
	for _, name := range append([]string{"config.json"}, fetch.AuxFiles...) {
		p := filepath.Join(dir, name)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			out = append(out, p)
		}
	}
	return out
}

// outcome maps Run's result to a terminal state.
func outcome(j *Job, err error) State {
	switch {
	case err == nil:
		return StateCompleted
	case errs.Is(err, errs.KindCancelled), j.Cancelled() && errors.Is(err, context.Canceled):
		return StateCancelled
	default:
		return StateFailed
	}
}
