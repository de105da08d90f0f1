// Package resolve identifies a model's architecture family from its manifest.
package resolve

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/shayne-snap/llmshrink/internal/errs"
	"github.com/shayne-snap/llmshrink/internal/fetch"
	"github.com/shayne-snap/llmshrink/internal/models"
	"github.com/shayne-snap/llmshrink/internal/weights"
)

// Resolver turns a source URI into a Descriptor. Only config.json and hub
// metadata are read; weight data is never loaded.
type Resolver struct {
	Source fetch.ManifestSource
	Rules  []Rule
	// Strict makes an unmatched manifest a resolution error instead of FamilyUnknown.
	Strict bool
	Log    zerolog.Logger
}

func New(src fetch.ManifestSource, log zerolog.Logger) *Resolver {
	return &Resolver{Source: src, Rules: Rules, Log: log}
}

// Resolve parses uri, fetches its manifest and describes it.
func (r *Resolver) Resolve(ctx context.Context, uri string) (*models.Descriptor, error) {
	src, err := fetch.ParseSource(uri)
	if err != nil {
		return nil, err
	}
	m, err := r.Source.Manifest(ctx, src)
	if err != nil {
		return nil, err
	}
	d, err := r.Describe(m, src.String())
	if err != nil {
		return nil, err
	}
	r.Log.Debug().Str("source", d.SourceURI).Str("family", d.Family.String()).
		Str("rule", d.MatchedRule).Uint64("params", d.ParameterCount).Msg("resolved model")
	return d, nil
}

// Describe builds a Descriptor from an already fetched manifest. It is a pure
// function of its inputs.
func (r *Resolver) Describe(m *models.Manifest, sourceURI string) (*models.Descriptor, error) {
	rules := r.Rules
	if rules == nil {
		rules = Rules
	}
	f := facts{
		modelType: m.String("model_type"),
		archs:     m.Architectures(),
		vision:    m.Has(VisionKeys...),
		source:    sourceURI,
	}
	if f.modelType == "" && len(f.archs) == 0 {
		return nil, errs.New(errs.KindResolution, "resolve",
			sourceURI+": config.json declares neither model_type nor architectures")
	}
	if !hasSafetensors(m.Files) {
		return nil, errs.New(errs.KindResolution, "resolve", sourceURI+": no safetensors weights").
			WithHint("only safetensors checkpoints are supported")
	}

	family := models.FamilyUnknown
	rule, ok := match(rules, f)
	if ok {
		family = rule.Family
	} else if r.Strict {
		return nil, errs.New(errs.KindResolution, "resolve",
			fmt.Sprintf("%s: unsupported architecture (model_type %q, architectures %v)", sourceURI, f.modelType, f.archs)).
			WithHint("run `llmshrink families` to list supported architectures")
	}

	pol := family.Policy()
	d := &models.Descriptor{
		SourceURI:        sourceURI,
		Family:           family,
		Kind:             pol.Kind,
		SupportsVision:   pol.Kind == models.KindVision || (family == models.FamilyUnknown && f.vision),
		Translation:      pol.Kind == models.KindTranslation,
		ModelType:        f.modelType,
		Architectures:    f.archs,
		NumLayers:        m.Int("num_hidden_layers", "n_layer", "num_layers", "decoder_layers"),
		HiddenSize:       m.Int("hidden_size", "n_embd", "d_model"),
		IntermediateSize: m.Int("intermediate_size", "ffn_hidden_size", "decoder_ffn_dim", "n_inner"),
		VocabSize:        m.Int("vocab_size", "padded_vocab_size"),
		TorchDType:       m.String("torch_dtype", "dtype"),
		MatchedRule:      rule.Name,
		Local:            m.Local,
	}
	d.TieWordEmbeddings = tiedEmbeddings(m)
	if d.SupportsVision {
		d.VisionParams = visionParams(m)
	}
	d.MaxContextTokens = m.Int("max_position_embeddings", "max_sequence_length", "seq_length", "n_positions")
	if d.MaxContextTokens == 0 {
		d.MaxContextTokens = pol.DefaultContext
	}
	d.ParameterCount = parameterCount(m, d)
	return d, nil
}

func hasSafetensors(files []string) bool {
	for _, f := range files {
		if strings.HasSuffix(f, ".safetensors") {
			return true
		}
	}
	return false
}

// tiedEmbeddings reads tie_word_embeddings from the top level or the text
// section; the HF default is true.
func tiedEmbeddings(m *models.Manifest) bool {
	if v, ok := m.Bool("tie_word_embeddings"); ok {
		return v
	}
	for _, sec := range []string{"text_config", "llm_config", "language_config"} {
		if v, ok := m.Section(sec)["tie_word_embeddings"].(bool); ok {
			return v
		}
	}
	return true
}

func visionParams(m *models.Manifest) uint64 {
	vc := m.Section("vision_config")
	if vc == nil {
		return 0
	}
	depth := models.SectionInt(vc, "depth", "num_hidden_layers", "num_layers")
	width := models.SectionInt(vc, "hidden_size", "embed_dim", "width")
	if depth == 0 || width == 0 {
		return 0
	}
	inter := models.SectionInt(vc, "intermediate_size")
	if inter == 0 {
		inter = 4 * width
	}
	w := uint64(width)
	return uint64(depth) * (4*w*w + 2*w*uint64(inter))
}

// parameterCount prefers the hub's safetensors total, then the local headers,
// then an estimate from the config dimensions.
func parameterCount(m *models.Manifest, d *models.Descriptor) uint64 {
	if m.ParameterTotal > 0 {
		return m.ParameterTotal
	}
	if m.Local {
		if ix, err := weights.Open(m.Source); err == nil {
			if n := ix.ParameterCount(); n > 0 {
				return n
			}
		}
	}
	h, l := uint64(d.HiddenSize), uint64(d.NumLayers)
	if h == 0 || l == 0 {
		return d.VisionParams
	}
	inter := uint64(d.IntermediateSize)
	if inter == 0 {
		inter = 4 * h
	}
	n := l*(4*h*h+3*h*inter) + d.EmbeddingParams()
	if !d.TieWordEmbeddings {
		n += d.EmbeddingParams()
	}
	return n + d.VisionParams
}
