package resolve

import (
	"strings"

	"github.com/shayne-snap/llmshrink/internal/models"
)

// VisionKeys are config keys whose presence marks a vision tower.
var VisionKeys = []string{
	"vision_config", "vision_tower", "visual", "vision_model", "mm_vision_tower", "vision_encoder",
}

// Rule maps manifest facts to a family. A rule matches when any of its
// ModelTypes, Architectures or ArchSuffix hits and the vision and source
// constraints hold.
type Rule struct {
	Name           string
	Family         models.Family
	ModelTypes     []string
	Architectures  []string
	ArchSuffix     string
	RequireVision  bool
	ForbidVision   bool
	SourceContains string
}

// Rules is evaluated in order; the first match wins.
var Rules = []Rule{
	// vision-language
	{
		Name: "qwen2-vl", Family: models.FamilyQwen2VL,
		ModelTypes:    []string{"qwen2_vl", "qwen2_5_vl"},
		Architectures: []string{"Qwen2VLForConditionalGeneration", "Qwen2_5_VLForConditionalGeneration"},
	},
	{
		Name: "minicpm-v", Family: models.FamilyMiniCPMV,
		ModelTypes:    []string{"minicpmv"},
		Architectures: []string{"MiniCPMV"},
	},
	{
		Name: "glm-4v", Family: models.FamilyGLM4V,
		ModelTypes:    []string{"chatglm", "glm4v"},
		Architectures: []string{"Glm4vForConditionalGeneration"},
		RequireVision: true,
	},
	{
		Name: "internvl", Family: models.FamilyInternVL,
		ModelTypes:    []string{"internvl_chat", "internvl"},
		Architectures: []string{"InternVLChatModel", "InternVLForConditionalGeneration"},
	},
	{
		Name: "llava", Family: models.FamilyLlava,
		ModelTypes: []string{"llava", "llava_next", "llava_onevision"},
		Architectures: []string{
			"LlavaForConditionalGeneration", "LlavaNextForConditionalGeneration",
			"LlavaOnevisionForConditionalGeneration",
		},
	},

	// translation
	{
		Name: "hunyuan-mt", Family: models.FamilyHunyuanMT,
		ModelTypes:     []string{"hunyuan_v1_dense"},
		SourceContains: "-mt",
	},
	{
		Name: "m2m100", Family: models.FamilyM2M100,
		ModelTypes:    []string{"m2m_100"},
		Architectures: []string{"M2M100ForConditionalGeneration"},
	},
	{
		Name: "marian", Family: models.FamilyMarian,
		ModelTypes:    []string{"marian"},
		Architectures: []string{"MarianMTModel"},
	},

	// decoders
	{
		Name: "llama", Family: models.FamilyLlama, ForbidVision: true,
		ModelTypes: []string{"llama"}, Architectures: []string{"LlamaForCausalLM"},
	},
	{
		Name: "mistral", Family: models.FamilyMistral, ForbidVision: true,
		ModelTypes: []string{"mistral", "mixtral"}, Architectures: []string{"MistralForCausalLM", "MixtralForCausalLM"},
	},
	{
		Name: "qwen2", Family: models.FamilyQwen2, ForbidVision: true,
		ModelTypes: []string{"qwen2", "qwen2_moe"}, Architectures: []string{"Qwen2ForCausalLM"},
	},
	{
		Name: "qwen3", Family: models.FamilyQwen3, ForbidVision: true,
		ModelTypes: []string{"qwen3", "qwen3_moe"}, Architectures: []string{"Qwen3ForCausalLM", "Qwen3MoeForCausalLM"},
	},
	{
		Name: "gemma", Family: models.FamilyGemma, ForbidVision: true,
		ModelTypes:    []string{"gemma", "gemma2", "gemma3_text"},
		Architectures: []string{"GemmaForCausalLM", "Gemma2ForCausalLM", "Gemma3ForCausalLM"},
	},
	{
		Name: "phi3", Family: models.FamilyPhi3, ForbidVision: true,
		ModelTypes: []string{"phi3"}, Architectures: []string{"Phi3ForCausalLM"},
	},
	{
		Name: "hunyuan", Family: models.FamilyHunyuan, ForbidVision: true,
		ModelTypes:    []string{"hunyuan_v1_dense", "hunyuan_v1_moe"},
		Architectures: []string{"HunYuanDenseV1ForCausalLM", "HunYuanMoEV1ForCausalLM"},
	},

	// generic fallbacks
	{
		Name: "generic-vision", Family: models.FamilyGenericVision,
		ArchSuffix: "ForConditionalGeneration", RequireVision: true,
	},
	{
		Name: "generic-causal-lm", Family: models.FamilyGenericCausalLM,
		ArchSuffix: "ForCausalLM",
	},
}

// facts are the manifest properties rules look at.
type facts struct {
	modelType string
	archs     []string
	vision    bool
	source    string
}

func (r Rule) matches(f facts) bool {
	if r.RequireVision && !f.vision || r.ForbidVision && f.vision {
		return false
	}
	if r.SourceContains != "" && !strings.Contains(strings.ToLower(f.source), r.SourceContains) {
		return false
	}
	for _, t := range r.ModelTypes {
		if t == f.modelType {
			return true
		}
	}
	for _, a := range f.archs {
		for _, want := range r.Architectures {
			if a == want {
				return true
			}
		}
		if r.ArchSuffix != "" && strings.HasSuffix(a, r.ArchSuffix) {
			return true
		}
	}
	return false
}

// Describe renders the rule's conditions for listings.
func (r Rule) Describe() string {
	var parts []string
	if len(r.ModelTypes) > 0 {
		parts = append(parts, "model_type in ["+strings.Join(r.ModelTypes, ", ")+"]")
	}
	if len(r.Architectures) > 0 {
		parts = append(parts, "architectures in ["+strings.Join(r.Architectures, ", ")+"]")
	}
	if r.ArchSuffix != "" {
		parts = append(parts, "architecture *"+r.ArchSuffix)
	}
	s := strings.Join(parts, " or ")
	switch {
	case r.RequireVision:
		s += "; needs vision tower"
	case r.ForbidVision:
		s += "; no vision tower"
	}
	if r.SourceContains != "" {
		s += "; source contains " + r.SourceContains
	}
	return s
}

func match(rules []Rule, f facts) (Rule, bool) {
	for _, r := range rules {
		if r.matches(f) {
			return r, true
		}
	}
	return Rule{}, false
}
