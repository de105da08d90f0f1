package models

import (
	"fmt"
	"strings"
)

// Kind is the broad model category a family belongs to.
type Kind int

const (
	KindUnknown Kind = iota
	KindVision
	KindTranslation
	KindDecoder
)

func (k Kind) String() string {
	switch k {
	case KindVision:
		return "vision-language"
	case KindTranslation:
		return "translation"
	case KindDecoder:
		return "decoder"
	default:
		return "unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Family is the closed set of architecture families the planner has a policy for.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyQwen2VL
	FamilyMiniCPMV
	FamilyGLM4V
	FamilyInternVL
	FamilyLlava
	FamilyGenericVision
	FamilyHunyuanMT
	FamilyM2M100
	FamilyMarian
	FamilyLlama
	FamilyMistral
	FamilyQwen2
	FamilyQwen3
	FamilyGemma
	FamilyPhi3
	FamilyHunyuan
	FamilyGenericCausalLM
)

// Families lists every known family in declaration order.
var Families = []Family{
	FamilyQwen2VL, FamilyMiniCPMV, FamilyGLM4V, FamilyInternVL, FamilyLlava, FamilyGenericVision,
	FamilyHunyuanMT, FamilyM2M100, FamilyMarian,
	FamilyLlama, FamilyMistral, FamilyQwen2, FamilyQwen3, FamilyGemma, FamilyPhi3, FamilyHunyuan,
	FamilyGenericCausalLM,
}

func (f Family) String() string {
	switch f {
	case FamilyQwen2VL:
		return "qwen2-vl"
	case FamilyMiniCPMV:
		return "minicpm-v"
	case FamilyGLM4V:
		return "glm-4v"
	case FamilyInternVL:
		return "internvl"
	case FamilyLlava:
		return "llava"
	case FamilyGenericVision:
		return "generic-vision"
	case FamilyHunyuanMT:
		return "hunyuan-mt"
	case FamilyM2M100:
		return "m2m100"
	case FamilyMarian:
		return "marian"
	case FamilyLlama:
		return "llama"
	case FamilyMistral:
		return "mistral"
	case FamilyQwen2:
		return "qwen2"
	case FamilyQwen3:
		return "qwen3"
	case FamilyGemma:
		return "gemma"
	case FamilyPhi3:
		return "phi3"
	case FamilyHunyuan:
		return "hunyuan"
	case FamilyGenericCausalLM:
		return "generic-causal-lm"
	default:
		return "unknown"
	}
}

func (f Family) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Family) UnmarshalText(b []byte) error {
	v, err := ParseFamily(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// ParseFamily parses a family slug as printed by String.
func ParseFamily(s string) (Family, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "unknown" {
		return FamilyUnknown, nil
	}
	for _, f := range Families {
		if f.String() == s {
			return f, nil
		}
	}
	return FamilyUnknown, fmt.Errorf("unknown family %q", s)
}

// Policy returns the family's entry in Policies.
func (f Family) Policy() Policy {
	if p, ok := Policies[f]; ok {
		return p
	}
	return Policies[FamilyUnknown]
}

// Kind returns the family's category.
func (f Family) Kind() Kind { return f.Policy().Kind }

// Descriptor is what the resolver knows about a model from its manifest alone.
// It is never mutated after Resolve returns.
type Descriptor struct {
	SourceURI         string   `json:"source_uri"`
	Family            Family   `json:"family"`
	Kind              Kind     `json:"kind"`
	ParameterCount    uint64   `json:"parameter_count"`
	SupportsVision    bool     `json:"supports_vision"`
	Translation       bool     `json:"translation"`
	MaxContextTokens  int      `json:"max_context_tokens"`
	ModelType         string   `json:"model_type"`
	Architectures     []string `json:"architectures,omitempty"`
	NumLayers         int      `json:"num_layers"`
	HiddenSize        int      `json:"hidden_size"`
	IntermediateSize  int      `json:"intermediate_size,omitempty"`
	VocabSize         int      `json:"vocab_size"`
	VisionParams      uint64   `json:"vision_params,omitempty"`
	TieWordEmbeddings bool     `json:"tie_word_embeddings"`
	TorchDType        string   `json:"torch_dtype,omitempty"`
	MatchedRule       string   `json:"matched_rule,omitempty"`
	Local             bool     `json:"local"`
}

// EmbeddingParams is the token embedding table size (vocab x hidden).
func (d *Descriptor) EmbeddingParams() uint64 {
	return uint64(d.VocabSize) * uint64(d.HiddenSize)
}

// RepoName is the last path element of the source, used to name outputs.
func (d *Descriptor) RepoName() string {
	s := strings.TrimRight(d.SourceURI, "/\\")
	if i := strings.LastIndexAny(s, "/\\"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.Index(s, "@"); i > 0 {
		s = s[:i]
	}
	if s == "" {
		return "model"
	}
	return s
}

// FormatParamCount renders a parameter count as 7B / 1.5B / 600M.
func FormatParamCount(n uint64) string {
	switch {
	case n >= 1_000_000_000:
		v := float64(n) / 1e9
		if v >= 10 || v == float64(int(v)) {
			return fmt.Sprintf("%.0fB", v)
		}
		return fmt.Sprintf("%.1fB", v)
	case n >= 1_000_000:
		return fmt.Sprintf("%.0fM", float64(n)/1e6)
	case n == 0:
		return "?"
	default:
		return fmt.Sprintf("%.0fK", float64(n)/1e3)
	}
}
