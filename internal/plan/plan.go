// Package plan turns a model descriptor and the user's choices into a quantization config.
package plan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shayne-snap/llmshrink/internal/errs"
	"github.com/shayne-snap/llmshrink/internal/models"
	"github.com/shayne-snap/llmshrink/internal/quant"
)

const (
	DefaultBlockSize       = 64
	DefaultNestedBlockSize = 256
)

// Config is the quantization strategy for one job.
type Config struct {
	QuantType    models.QuantType `json:"quant_type"`
	ComputeDType models.DType     `json:"compute_dtype"`
	DoubleQuant  bool             `json:"double_quant"`
	SkipModules  []string         `json:"skip_modules"`

	// EmbeddingModules are token embedding tables. They are never quantized,
	// whether or not SkipModules lists them.
	EmbeddingModules []string      `json:"embedding_modules,omitempty"`
	BlockSize        int           `json:"block_size"`
	NestedBlockSize  int           `json:"nested_block_size"`
	Family           models.Family `json:"architecture_family"`
	ContextLength    int           `json:"context_length"`
}

// Request carries the planner inputs. DoubleQuant nil means the default for the quant type.
type Request struct {
	QuantType     models.QuantType
	ContextLength int
	DoubleQuant   *bool
}

// Planner builds configs. BF16 reports accelerator bfloat16 support.
type Planner struct {
	BF16     bool
	Policies map[models.Family]models.Policy
}

// New returns a planner using the built-in policy table.
func New(bf16 bool) *Planner {
	return &Planner{BF16: bf16, Policies: models.Policies}
}

// Plan is PlanWith with the default double-quant choice.
func (p *Planner) Plan(desc *models.Descriptor, q models.QuantType, contextLength int) (*Config, error) {
	return p.PlanWith(desc, Request{QuantType: q, ContextLength: contextLength})
}

// PlanWith validates the request against the descriptor and family policy.
func (p *Planner) PlanWith(desc *models.Descriptor, req Request) (*Config, error) {
	if desc == nil {
		return nil, errs.New(errs.KindPlanning, "plan", "no model descriptor")
	}
	if req.ContextLength <= 0 {
		return nil, errs.New(errs.KindPlanning, "plan", fmt.Sprintf("context length must be positive, got %d", req.ContextLength)).
			WithHint("choose a context length such as 4096")
	}
	if desc.MaxContextTokens > 0 && req.ContextLength > desc.MaxContextTokens {
		return nil, errs.New(errs.KindPlanning, "plan",
			fmt.Sprintf("context length %d exceeds the model's maximum of %d tokens", req.ContextLength, desc.MaxContextTokens)).
			WithHint(fmt.Sprintf("reduce context length to %d or less", desc.MaxContextTokens))
	}

	pol, ok := p.Policies[desc.Family]
	if !ok {
		pol = p.Policies[models.FamilyUnknown]
	}
	if !pol.Supports(req.QuantType) {
		return nil, errs.New(errs.KindPlanning, "plan",
			fmt.Sprintf("%s is not supported for %s models", strings.ToUpper(req.QuantType.String()), desc.Family)).
			WithHint("choose NF4")
	}

	double := req.QuantType == models.QuantNF4
	if req.DoubleQuant != nil {
		if *req.DoubleQuant && req.QuantType != models.QuantNF4 {
			return nil, errs.New(errs.KindPlanning, "plan", "double quantization is only available with NF4").
				WithHint("choose NF4 or disable double quantization")
		}
		double = *req.DoubleQuant
	}

	skip := skipModules(pol, desc)
	if pol.FullPrecisionEmbeddings {
		for _, e := range pol.EmbeddingModules {
			if !containsString(skip, e) {
				return nil, errs.New(errs.KindPlanning, "plan",
					fmt.Sprintf("%s requires full-precision embeddings but %q is not skipped", desc.Family, e))
			}
		}
	}

	compute := models.DTypeF16
	if p.BF16 {
		compute = models.DTypeBF16
	}
	return &Config{
		QuantType:        req.QuantType,
		ComputeDType:     compute,
		DoubleQuant:      double,
		SkipModules:      skip,
		EmbeddingModules: append([]string(nil), pol.EmbeddingModules...),
		BlockSize:        DefaultBlockSize,
		NestedBlockSize:  DefaultNestedBlockSize,
		Family:           desc.Family,
		ContextLength:    req.ContextLength,
	}, nil
}

func skipModules(pol models.Policy, desc *models.Descriptor) []string {
	set := make(map[string]struct{}, len(pol.SkipModules)+1)
	for _, m := range pol.SkipModules {
		set[m] = struct{}{}
	}
	if pol.SkipLMHeadWhenUntied && !desc.TieWordEmbeddings {
		set["lm_head"] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// Skips reports whether a tensor belongs to a module in SkipModules.
func (c *Config) Skips(tensor string) bool {
	for _, m := range c.SkipModules {
		if MatchModule(m, tensor) {
			return true
		}
	}
	return false
}

// Embedding reports whether a tensor belongs to a token embedding table.
func (c *Config) Embedding(tensor string) bool {
	for _, m := range c.EmbeddingModules {
		if MatchModule(m, tensor) {
			return true
		}
	}
	return false
}

// ShouldQuantize reports whether a tensor is stored in 4-bit: 2-D .weight tensors
// outside SkipModules. Norms, embeddings, biases and 1-D tensors stay in compute dtype.
func (c *Config) ShouldQuantize(tensor string, shape []int64) bool {
	if len(shape) != 2 || !strings.HasSuffix(tensor, ".weight") {
		return false
	}
	l := strings.ToLower(tensor)
	if strings.Contains(l, "norm") || strings.Contains(l, "ln_") {
		return false
	}
	if c.Embedding(tensor) {
		return false
	}
	return !c.Skips(tensor)
}

// MatchModule reports whether the dot-separated pattern occurs as whole components in name.
func MatchModule(pattern, name string) bool {
	if pattern == "" {
		return false
	}
	pp := strings.Split(pattern, ".")
	np := strings.Split(name, ".")
	for i := 0; i+len(pp) <= len(np); i++ {
		match := true
		for j := range pp {
			if np[i+j] != pp[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// BitsPerWeight is the storage cost of a quantized parameter under c.
func (c *Config) BitsPerWeight() float64 {
	return quant.BitsPerWeight(c.BlockSize, c.NestedBlockSize, c.DoubleQuant)
}

// QuantOptions converts c for the quantizer.
func (c *Config) QuantOptions() quant.Options {
	return quant.Options{
		Type:            c.QuantType,
		BlockSize:       c.BlockSize,
		NestedBlockSize: c.NestedBlockSize,
		DoubleQuant:     c.DoubleQuant,
	}
}
