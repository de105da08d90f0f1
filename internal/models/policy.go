package models

// Policy is the per-family planning data. Adding a family is a table edit.
type Policy struct {
	Kind           Kind
	SupportedQuant []QuantType
	// SkipModules stay in compute dtype. Patterns are dot-separated module
	// paths matched against whole components of a tensor name.
	SkipModules []string
	// SkipLMHeadWhenUntied adds "lm_head" when the output projection does
	// not share weights with the token embeddings.
	SkipLMHeadWhenUntied bool
	// FullPrecisionEmbeddings families must list every EmbeddingModules
	// pattern in SkipModules.
	FullPrecisionEmbeddings bool
	EmbeddingModules        []string
	// VisionModules name the vision tower for placement.
	VisionModules  []string
	DefaultContext int
}

var both = []QuantType{QuantNF4, QuantFP4}

// Policies maps every family (and FamilyUnknown) to its policy.
var Policies = map[Family]Policy{
	FamilyQwen2VL: {
		Kind: KindVision, SupportedQuant: both,
		SkipModules:          []string{"visual", "embed_tokens"},
		SkipLMHeadWhenUntied: true, FullPrecisionEmbeddings: true,
		EmbeddingModules: []string{"embed_tokens"},
		VisionModules:    []string{"visual"},
		DefaultContext:   32768,
	},
	FamilyMiniCPMV: {
		Kind: KindVision, SupportedQuant: both,
		SkipModules:          []string{"vpm", "resampler", "embed_tokens"},
		SkipLMHeadWhenUntied: true, FullPrecisionEmbeddings: true,
		EmbeddingModules: []string{"embed_tokens"},
		VisionModules:    []string{"vpm", "resampler"},
		DefaultContext:   32768,
	},
	FamilyGLM4V: {
		Kind: KindVision, SupportedQuant: both,
		SkipModules:          []string{"transformer.vision", "transformer.embedding", "transformer.output_layer"},
		FullPrecisionEmbeddings: true,
		EmbeddingModules:        []string{"transformer.embedding"},
		VisionModules:           []string{"transformer.vision"},
		DefaultContext:          8192,
	},
	FamilyInternVL: {
		Kind: KindVision, SupportedQuant: both,
		SkipModules:          []string{"vision_model", "mlp1", "tok_embeddings", "embed_tokens"},
		SkipLMHeadWhenUntied: true, FullPrecisionEmbeddings: true,
		EmbeddingModules: []string{"tok_embeddings", "embed_tokens"},
		VisionModules:    []string{"vision_model", "mlp1"},
		DefaultContext:   8192,
	},
	FamilyLlava: {
		Kind: KindVision, SupportedQuant: both,
		SkipModules:          []string{"vision_tower", "multi_modal_projector", "embed_tokens"},
		SkipLMHeadWhenUntied: true, FullPrecisionEmbeddings: true,
		EmbeddingModules: []string{"embed_tokens"},
		VisionModules:    []string{"vision_tower", "multi_modal_projector"},
		DefaultContext:   4096,
	},
	FamilyGenericVision: {
		Kind: KindVision, SupportedQuant: both,
		SkipModules: []string{
			"vision_tower", "vision_model", "visual", "vision_encoder",
			"multi_modal_projector", "embed_tokens",
		},
		SkipLMHeadWhenUntied: true, FullPrecisionEmbeddings: true,
		EmbeddingModules: []string{"embed_tokens"},
		VisionModules:    []string{"vision_tower", "vision_model", "visual", "vision_encoder"},
		DefaultContext:   4096,
	},
	FamilyHunyuanMT: {
		Kind: KindTranslation, SupportedQuant: both,
		SkipModules:             []string{"embed_tokens", "lm_head"},
		FullPrecisionEmbeddings: true,
		EmbeddingModules:        []string{"embed_tokens"},
		DefaultContext:          32768,
	},
	FamilyM2M100: {
		Kind: KindTranslation, SupportedQuant: both,
		SkipModules:             []string{"shared", "embed_tokens", "lm_head"},
		FullPrecisionEmbeddings: true,
		EmbeddingModules:        []string{"shared", "embed_tokens"},
		DefaultContext:          1024,
	},
	FamilyMarian: {
		Kind: KindTranslation, SupportedQuant: both,
		SkipModules:             []string{"shared", "embed_tokens", "lm_head"},
		FullPrecisionEmbeddings: true,
		EmbeddingModules:        []string{"shared", "embed_tokens"},
		DefaultContext:          512,
	},
	FamilyLlama:           decoder(8192),
	FamilyMistral:         decoder(32768),
	FamilyQwen2:           decoder(32768),
	FamilyQwen3:           decoder(40960),
	FamilyGemma:           decoder(8192),
	FamilyPhi3:            decoder(4096),
	FamilyHunyuan:         decoder(32768),
	FamilyGenericCausalLM: decoder(4096),
	FamilyUnknown: {
		Kind:           KindUnknown,
		SupportedQuant: []QuantType{QuantNF4},
		SkipModules:    []string{"embed_tokens", "lm_head"},
		DefaultContext: 2048,
	},
}

func decoder(ctx int) Policy {
	return Policy{
		Kind:                 KindDecoder,
		SupportedQuant:       both,
		SkipLMHeadWhenUntied: true,
		EmbeddingModules:     []string{"embed_tokens"},
		DefaultContext:       ctx,
	}
}

// Supports reports whether q is allowed for the policy.
func (p Policy) Supports(q QuantType) bool {
	for _, s := range p.SupportedQuant {
		if s == q {
			return true
		}
	}
	return false
}
