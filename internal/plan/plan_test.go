package plan

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/shayne-snap/llmshrink/internal/errs"
	"github.com/shayne-snap/llmshrink/internal/models"
)

func qwenVL() *models.Descriptor {
	return &models.Descriptor{
		SourceURI:        "Qwen/Qwen2-VL-7B-Instruct",
		Family:           models.FamilyQwen2VL,
		Kind:             models.KindVision,
		SupportsVision:   true,
		MaxContextTokens: 32768,
	}
}

func TestPlan_VisionNF4(t *testing.T) {
	cfg, err := New(true).Plan(qwenVL(), models.QuantNF4, 4096)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	want := &Config{
		QuantType:        models.QuantNF4,
		ComputeDType:     models.DTypeBF16,
		DoubleQuant:      true,
		SkipModules:      []string{"embed_tokens", "lm_head", "visual"},
		EmbeddingModules: []string{"embed_tokens"},
		BlockSize:        64,
		NestedBlockSize:  256,
		Family:           models.FamilyQwen2VL,
		ContextLength:    4096,
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("Plan (-want +got):\n%s", diff)
	}
	if bpw := cfg.BitsPerWeight(); math.Abs(bpw-4.127) > 0.001 {
		t.Errorf("BitsPerWeight = %v", bpw)
	}
}

func TestPlan_ComputeDTypeFallback(t *testing.T) {
	cfg, err := New(false).Plan(qwenVL(), models.QuantFP4, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ComputeDType != models.DTypeF16 {
		t.Errorf("ComputeDType = %v, want float16", cfg.ComputeDType)
	}
	if cfg.DoubleQuant {
		t.Error("FP4 should default to no double quant")
	}
	if cfg.BitsPerWeight() != 4.5 {
		t.Errorf("BitsPerWeight = %v, want 4.5", cfg.BitsPerWeight())
	}
}

func TestPlan_Errors(t *testing.T) {
	yes := true
	unknown := &models.Descriptor{Family: models.FamilyUnknown, MaxContextTokens: 2048}
	tests := []struct {
		name string
		desc *models.Descriptor
		req  Request
	}{
		{"context too long", qwenVL(), Request{QuantType: models.QuantNF4, ContextLength: 300000}},
		{"zero context", qwenVL(), Request{QuantType: models.QuantNF4, ContextLength: 0}},
		{"negative context", qwenVL(), Request{QuantType: models.QuantNF4, ContextLength: -1}},
		{"fp4 on unknown", unknown, Request{QuantType: models.QuantFP4, ContextLength: 1024}},
		{"fp4 double quant", qwenVL(), Request{QuantType: models.QuantFP4, ContextLength: 1024, DoubleQuant: &yes}},
		{"nil descriptor", nil, Request{QuantType: models.QuantNF4, ContextLength: 1024}},
	}
	for _, tt := range tests {
		_, err := New(true).PlanWith(tt.desc, tt.req)
		if !errs.Is(err, errs.KindPlanning) {
			t.Errorf("%s: err = %v, want planning error", tt.name, err)
		}
	}
}

func TestPlan_ContextHint(t *testing.T) {
	_, err := New(true).Plan(qwenVL(), models.QuantNF4, 300000)
	if got := errs.Hint(err); got != "reduce context length to 32768 or less" {
		t.Errorf("hint = %q", got)
	}
}

func TestPlan_DoubleQuantOverride(t *testing.T) {
	no := false
	cfg, err := New(true).PlanWith(qwenVL(), Request{QuantType: models.QuantNF4, ContextLength: 4096, DoubleQuant: &no})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DoubleQuant {
		t.Error("DoubleQuant override ignored")
	}
}

func TestPlan_TiedEmbeddings(t *testing.T) {
	desc := &models.Descriptor{Family: models.FamilyLlama, MaxContextTokens: 8192, TieWordEmbeddings: true}
	cfg, err := New(true).Plan(desc, models.QuantNF4, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.SkipModules) != 0 {
		t.Errorf("SkipModules = %v, want none for tied llama", cfg.SkipModules)
	}
	desc.TieWordEmbeddings = false
	cfg, _ = New(true).Plan(desc, models.QuantNF4, 4096)
	if diff := cmp.Diff([]string{"lm_head"}, cfg.SkipModules); diff != "" {
		t.Errorf("SkipModules (-want +got):\n%s", diff)
	}
}

func TestShouldQuantize_DecoderEmbeddings(t *testing.T) {
	for _, tied := range []bool{true, false} {
		desc := &models.Descriptor{Family: models.FamilyLlama, MaxContextTokens: 8192, TieWordEmbeddings: tied}
		cfg, err := New(true).Plan(desc, models.QuantNF4, 4096)
		if err != nil {
			t.Fatal(err)
		}
		tests := []struct {
			name string
			want bool
		}{
			{"model.embed_tokens.weight", false},
			{"model.layers.0.mlp.up_proj.weight", true},
			{"lm_head.weight", tied},
		}
		for _, tt := range tests {
			if got := cfg.ShouldQuantize(tt.name, []int64{32, 8}); got != tt.want {
				t.Errorf("tied=%v: ShouldQuantize(%q) = %v, want %v", tied, tt.name, got, tt.want)
			}
		}
	}
}

func TestPlan_EmbeddingsMustBeSkipped(t *testing.T) {
	p := &Planner{Policies: map[models.Family]models.Policy{
		models.FamilyLlama: {
			SupportedQuant:          []models.QuantType{models.QuantNF4},
			FullPrecisionEmbeddings: true,
			EmbeddingModules:        []string{"embed_tokens"},
		},
	}}
	_, err := p.Plan(&models.Descriptor{Family: models.FamilyLlama}, models.QuantNF4, 1024)
	if !errs.Is(err, errs.KindPlanning) {
		t.Errorf("err = %v, want planning error", err)
	}
}

func TestEveryFullPrecisionPolicyPlans(t *testing.T) {
	for _, f := range models.Families {
		desc := &models.Descriptor{Family: f}
		if _, err := New(true).Plan(desc, models.QuantNF4, 512); err != nil {
			t.Errorf("%v: %v", f, err)
		}
	}
}

func TestMatchModule(t *testing.T) {
	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"visual", "visual.blocks.0.attn.qkv.weight", true},
		{"embed_tokens", "model.embed_tokens.weight", true},
		{"lm_head", "lm_head.weight", true},
		{"transformer.vision", "transformer.vision.patch.weight", true},
		{"transformer.vision", "transformer.visionary.weight", false},
		{"embed", "model.embed_tokens.weight", false},
		{"visual", "model.layers.0.mlp.weight", false},
		{"", "x.weight", false},
	}
	for _, tt := range tests {
		if got := MatchModule(tt.pattern, tt.name); got != tt.want {
			t.Errorf("MatchModule(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}

func TestShouldQuantize(t *testing.T) {
	cfg, err := New(true).Plan(qwenVL(), models.QuantNF4, 4096)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name  string
		shape []int64
		want  bool
	}{
		{"model.layers.0.self_attn.q_proj.weight", []int64{8, 8}, true},
		{"model.layers.0.self_attn.q_proj.bias", []int64{8}, false},
		{"model.layers.0.input_layernorm.weight", []int64{8}, false},
		{"model.embed_tokens.weight", []int64{100, 8}, false},
		{"visual.blocks.0.attn.qkv.weight", []int64{24, 8}, false},
		{"lm_head.weight", []int64{100, 8}, false},
	}
	for _, tt := range tests {
		if got := cfg.ShouldQuantize(tt.name, tt.shape); got != tt.want {
			t.Errorf("ShouldQuantize(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
