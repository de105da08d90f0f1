package models

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestParseQuantType(t *testing.T) {
	tests := []struct {
		in      string
		want    QuantType
		wantErr bool
	}{
		{"nf4", QuantNF4, false},
		{"NF4", QuantNF4, false},
		{"fp4", QuantFP4, false},
		{"", QuantNF4, false},
		{"int8", QuantNF4, true},
	}
	for _, tt := range tests {
		got, err := ParseQuantType(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseQuantType(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseQuantType(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseDeviceMode(t *testing.T) {
	tests := []struct {
		in   string
		want DeviceMode
	}{
		{"auto", DeviceAuto},
		{"gpu", DeviceAccelerator},
		{"cuda", DeviceAccelerator},
		{"accelerator", DeviceAccelerator},
		{"cpu", DeviceHost},
		{"HOST", DeviceHost},
	}
	for _, tt := range tests {
		got, err := ParseDeviceMode(tt.in)
		if err != nil {
			t.Errorf("ParseDeviceMode(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDeviceMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParseDeviceMode("tpu"); err == nil {
		t.Error("ParseDeviceMode(tpu) should fail")
	}
}

func TestTextRoundTrip(t *testing.T) {
	var in = struct {
		Q QuantType  `json:"q"`
		D DeviceMode `json:"d"`
	}{QuantFP4, DeviceHost}
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"q":"fp4","d":"cpu"}` {
		t.Errorf("Marshal = %s", b)
	}
	var out struct {
		Q QuantType  `json:"q"`
		D DeviceMode `json:"d"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	if out.Q != QuantFP4 || out.D != DeviceHost {
		t.Errorf("Unmarshal = %+v", out)
	}
}

func TestPoliciesComplete(t *testing.T) {
	for _, f := range append([]Family{FamilyUnknown}, Families...) {
		p, ok := Policies[f]
		if !ok {
			t.Errorf("no policy for %v", f)
			continue
		}
		if len(p.SupportedQuant) == 0 {
			t.Errorf("%v: no supported quant types", f)
		}
		if p.DefaultContext <= 0 {
			t.Errorf("%v: DefaultContext = %d", f, p.DefaultContext)
		}
		if p.Kind == KindVision && len(p.VisionModules) == 0 {
			t.Errorf("%v: vision family without VisionModules", f)
		}
	}
	if FamilyUnknown.Policy().Supports(QuantFP4) {
		t.Error("unknown family should only support NF4")
	}
}

func TestParseFamily(t *testing.T) {
	for _, f := range Families {
		got, err := ParseFamily(f.String())
		if err != nil || got != f {
			t.Errorf("ParseFamily(%q) = %v, %v", f.String(), got, err)
		}
	}
	if _, err := ParseFamily("gpt-neo"); err == nil {
		t.Error("ParseFamily(gpt-neo) should fail")
	}
}

func TestFormatParamCount(t *testing.T) {
	tests := []struct {
		n    uint64
		want string
	}{
		{7_000_000_000, "7B"},
		{7_615_616_512, "7.6B"},
		{12_900_000_000, "13B"},
		{600_000_000, "600M"},
		{1_000, "1K"},
		{0, "?"},
	}
	for _, tt := range tests {
		if got := FormatParamCount(tt.n); got != tt.want {
			t.Errorf("FormatParamCount(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestRepoName(t *testing.T) {
	tests := []struct{ src, want string }{
		{"Qwen/Qwen2.5-VL-7B-Instruct", "Qwen2.5-VL-7B-Instruct"},
		{"/models/llama/", "llama"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		d := &Descriptor{SourceURI: tt.src}
		if got := d.RepoName(); got != tt.want {
			t.Errorf("RepoName(%q) = %q, want %q", tt.src, got, tt.want)
		}
	}
}

func TestManifestInt(t *testing.T) {
	m := &Manifest{Config: map[string]any{
		"model_type": "qwen2_5_vl",
		"text_config": map[string]any{
			"max_position_embeddings": float64(128000),
		},
		"hidden_size": float64(3584),
	}}
	if got := m.Int("hidden_size"); got != 3584 {
		t.Errorf("Int(hidden_size) = %d", got)
	}
	if got := m.Int("max_position_embeddings"); got != 128000 {
		t.Errorf("Int(max_position_embeddings) = %d, want nested 128000", got)
	}
	if got := m.Int("missing"); got != 0 {
		t.Errorf("Int(missing) = %d", got)
	}
	if got := m.String("model_type"); got != "qwen2_5_vl" {
		t.Errorf("String(model_type) = %q", got)
	}
}

func TestCatalog(t *testing.T) {
	c, err := NewCatalog()
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	if len(c.Entries()) == 0 {
		t.Fatal("embedded catalog is empty")
	}
	e, ok := c.Lookup("qwen2.5-vl-7b-instruct")
	if !ok || e.Repo != "Qwen/Qwen2.5-VL-7B-Instruct" {
		t.Errorf("Lookup by name = %+v, %v", e, ok)
	}
	if _, ok := c.Lookup("facebook/m2m100_12B"); !ok {
		t.Error("Lookup by repo failed")
	}
	if len(c.Group("translation")) != 4 {
		t.Errorf("translation group = %d entries, want 4", len(c.Group("translation")))
	}
}

func TestCatalogOverlay(t *testing.T) {
	base := []CatalogEntry{{Name: "a", Repo: "org/a"}, {Name: "b", Repo: "org/b"}}
	path := filepath.Join(t.TempDir(), "catalog.json")
	if err := os.WriteFile(path, []byte(`[{"name":"b","repo":"org/b2"},{"name":"c","repo":"org/c"}]`), 0o644); err != nil {
		t.Fatal(err)
	}
	c := newCatalogWithOverlay(base, path)
	got := c.Entries()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[1].Repo != "org/b2" || got[2].Name != "c" {
		t.Errorf("merge = %+v", got)
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	_ = os.WriteFile(bad, []byte("{"), 0o644)
	if n := len(newCatalogWithOverlay(base, bad).Entries()); n != 2 {
		t.Errorf("corrupt overlay: len = %d, want 2", n)
	}
}
