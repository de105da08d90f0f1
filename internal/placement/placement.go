// Package placement decides which layers live in accelerator memory and which in host memory.
package placement

import (
	"fmt"
	"math"
	"strconv"

	"github.com/shayne-snap/llmshrink/internal/errs"
	"github.com/shayne-snap/llmshrink/internal/models"
	"github.com/shayne-snap/llmshrink/internal/plan"
)

// DefaultActivationOverhead is reserved on the accelerator for activations and workspace.
const DefaultActivationOverhead = 512 << 20

// Tier is a memory tier.
type Tier int

const (
	TierAccelerator Tier = iota
	TierHost
)

func (t Tier) String() string {
	if t == TierHost {
		return "host"
	}
	return "accelerator"
}

func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// FitLevel is how comfortably the footprint fits the accelerator budget.
type FitLevel int

const (
	FitPerfect FitLevel = iota
	FitGood
	FitMarginal
	FitTooTight
)

func (f FitLevel) String() string {
	switch f {
	case FitPerfect:
		return "Perfect"
	case FitGood:
		return "Good"
	case FitMarginal:
		return "Marginal"
	default:
		return "Too Tight"
	}
}

func (f FitLevel) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// Emoji returns the status marker shown next to the fit level.
func (f FitLevel) Emoji() string {
	switch f {
	case FitPerfect:
		return "🟢"
	case FitGood:
		return "🟡"
	case FitMarginal:
		return "🟠"
	default:
		return "🔴"
	}
}

// Placement assigns one layer to a tier.
type Placement struct {
	Layer string `json:"layer"`
	Tier  Tier   `json:"tier"`
	Bytes int64  `json:"bytes"`
}

// Profile is the placement decision for one job.
type Profile struct {
	Mode              models.DeviceMode `json:"mode"`
	MemoryBudgetBytes int64             `json:"memory_budget_bytes"`
	Placements        []Placement       `json:"placements"`
	EstimatedBytes    int64             `json:"estimated_bytes"`
	AcceleratorBytes  int64             `json:"accelerator_bytes"`
	HostBytes         int64             `json:"host_bytes"`
	Fit               FitLevel          `json:"fit"`
	UtilizationPct    float64           `json:"utilization_pct"`
	Notes             []string          `json:"notes"`
}

// PlacementMap returns layer -> tier.
func (p *Profile) PlacementMap() map[string]Tier {
	m := make(map[string]Tier, len(p.Placements))
	for _, pl := range p.Placements {
		m[pl.Layer] = pl.Tier
	}
	return m
}

// Allocator sizes a model under a Config and places its layers.
type Allocator struct {
	ActivationOverhead int64
}

func New(overheadBytes int64) *Allocator {
	if overheadBytes <= 0 {
		overheadBytes = DefaultActivationOverhead
	}
	return &Allocator{ActivationOverhead: overheadBytes}
}

// Layer is one placement unit with its estimated stored size.
type Layer struct {
	Name  string
	Bytes int64
}

// Layers lists the model's layers in architectural order with stored sizes:
// vision_tower, embed_tokens, layers.0..N-1, norm, lm_head (absent when tied).
func Layers(desc *models.Descriptor, cfg *plan.Config) []Layer {
	pol := desc.Family.Policy()
	bpw := cfg.BitsPerWeight()
	size := func(params uint64, skipped bool) int64 {
		if skipped {
			return int64(params) * 2
		}
		return int64(math.Ceil(float64(params) * bpw / 8))
	}

	var out []Layer
	if desc.SupportsVision {
		vision := pol.VisionModules
		if len(vision) == 0 {
			vision = []string{"vision_tower"}
		}
		out = append(out, Layer{"vision_tower", size(desc.VisionParams, skipsAny(cfg, vision))})
	}

	// Embedding tables are never quantized.
	embed := desc.EmbeddingParams()
	out = append(out, Layer{"embed_tokens", size(embed, true)})

	body := bodyParams(desc)
	n := desc.NumLayers
	if n <= 0 {
		n = 1
	}
	per := body / uint64(n)
	for i := 0; i < n; i++ {
		p := per
		if i == n-1 {
			p = body - per*uint64(n-1)
		}
		out = append(out, Layer{"layers." + strconv.Itoa(i), size(p, false)})
	}

	out = append(out, Layer{"norm", int64(desc.HiddenSize) * 2})
	if !desc.TieWordEmbeddings {
		out = append(out, Layer{"lm_head", size(embed, skipsAny(cfg, []string{"lm_head", "output_layer"}))})
	}
	return out
}

func skipsAny(cfg *plan.Config, modules []string) bool {
	for _, m := range modules {
		if cfg.Skips(m + ".weight") {
			return true
		}
	}
	return false
}

// bodyParams is the parameter count of the transformer layers: the total minus
// embeddings, output head and vision tower, or a dimension estimate.
func bodyParams(desc *models.Descriptor) uint64 {
	other := desc.EmbeddingParams() + desc.VisionParams
	if !desc.TieWordEmbeddings {
		other += desc.EmbeddingParams()
	}
	if desc.ParameterCount > other {
		return desc.ParameterCount - other
	}
	h, inter := uint64(desc.HiddenSize), uint64(desc.IntermediateSize)
	if inter == 0 {
		inter = 4 * h
	}
	return uint64(max(desc.NumLayers, 0)) * (4*h*h + 3*h*inter)
}

// Footprint is the total stored size of all layers plus the activation overhead.
func (a *Allocator) Footprint(desc *models.Descriptor, cfg *plan.Config) int64 {
	var n int64
	for _, l := range Layers(desc, cfg) {
		n += l.Bytes
	}
	return n + a.ActivationOverhead
}

// Allocate places the layers for mode under budgetBytes of accelerator memory.
func (a *Allocator) Allocate(desc *models.Descriptor, cfg *plan.Config, mode models.DeviceMode, budgetBytes int64) (*Profile, error) {
	layers := Layers(desc, cfg)
	footprint := a.ActivationOverhead
	for _, l := range layers {
		footprint += l.Bytes
	}
	p := &Profile{Mode: mode, MemoryBudgetBytes: budgetBytes, EstimatedBytes: footprint}

	switch mode {
	case models.DeviceAccelerator:
		if budgetBytes <= 0 || footprint > budgetBytes {
			return nil, errs.New(errs.KindResource, "allocate",
				fmt.Sprintf("model needs %s of accelerator memory but only %s is available", gib(footprint), gib(budgetBytes))).
				WithHint("switch to Auto or CPU mode")
		}
		place(p, layers, len(layers))
		p.Notes = append(p.Notes, "Accelerator: all layers loaded into device memory")
	case models.DeviceHost:
		place(p, layers, 0)
		p.Notes = append(p.Notes, "CPU-only: model loaded into system RAM")
	default:
		avail := budgetBytes - a.ActivationOverhead
		k := 0
		for _, l := range layers {
			if l.Bytes > avail {
				break
			}
			avail -= l.Bytes
			k++
		}
		place(p, layers, k)
		switch {
		case budgetBytes <= 0:
			p.Notes = append(p.Notes, "No accelerator detected: all layers in system RAM")
		case k == len(layers):
			p.Notes = append(p.Notes, "Accelerator: all layers fit in device memory")
		default:
			p.Notes = append(p.Notes, fmt.Sprintf("Insufficient device memory: %d of %d layers spill to system RAM", len(layers)-k, len(layers)))
		}
	}
	p.Fit, p.UtilizationPct = fit(footprint, budgetBytes, p)
	return p, nil
}

// place puts the first k layers on the accelerator and the rest on the host.
func place(p *Profile, layers []Layer, k int) {
	p.Placements = make([]Placement, len(layers))
	for i, l := range layers {
		t := TierHost
		if i < k {
			t = TierAccelerator
			p.AcceleratorBytes += l.Bytes
		} else {
			p.HostBytes += l.Bytes
		}
		p.Placements[i] = Placement{Layer: l.Name, Tier: t, Bytes: l.Bytes}
	}
}

func fit(required, available int64, p *Profile) (FitLevel, float64) {
	var util float64
	if available > 0 {
		util = float64(required) / float64(available) * 100
	}
	switch {
	case p.Mode == models.DeviceHost || available <= 0:
		return FitMarginal, util
	case p.HostBytes > 0:
		return FitTooTight, util
	case float64(available) >= float64(required)*1.5:
		return FitPerfect, util
	case float64(available) >= float64(required)*1.2:
		return FitGood, util
	default:
		return FitMarginal, util
	}
}

func gib(n int64) string {
	return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
}
