package display

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/shayne-snap/llmshrink/internal/artifact"
	"github.com/shayne-snap/llmshrink/internal/hardware"
	"github.com/shayne-snap/llmshrink/internal/job"
	"github.com/shayne-snap/llmshrink/internal/models"
	"github.com/shayne-snap/llmshrink/internal/placement"
	"github.com/shayne-snap/llmshrink/internal/plan"
	"github.com/shayne-snap/llmshrink/internal/settings"
)

func sysNoGPU() *hardware.System {
	return &hardware.System{
		HostTotalBytes:     16 << 30,
		HostAvailableBytes: 12 << 30,
		CPUCores:           4,
		CPUName:            "Test CPU",
		Backend:            hardware.BackendCpuX86,
	}
}

func sysWithGPU() *hardware.System {
	s := sysNoGPU()
	s.Backend = hardware.BackendCuda
	s.Accelerators = []hardware.Accelerator{{Name: "Test GPU", Backend: hardware.BackendCuda, TotalBytes: 24 << 30, FreeBytes: 20 << 30, BF16: true, ComputeCap: "8.9"}}
	return s
}

func qwenVL() *models.Descriptor {
	return &models.Descriptor{
		SourceURI: "Qwen/Qwen2-VL-7B-Instruct", Family: models.FamilyQwen2VL, Kind: models.KindVision,
		ParameterCount: 8_290_000_000, SupportsVision: true, MaxContextTokens: 32768,
		ModelType: "qwen2_vl", Architectures: []string{"Qwen2VLForConditionalGeneration"},
		NumLayers: 28, HiddenSize: 3584, IntermediateSize: 18944, VocabSize: 152064,
		VisionParams: 675_000_000, MatchedRule: "qwen2-vl",
	}
}

func TestSystem_JSON(t *testing.T) {
	var buf bytes.Buffer
	System(&buf, sysWithGPU(), true)
	var out struct {
		System hardware.System `json:"system"`
	}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if out.System.CPUName != "Test CPU" || len(out.System.Accelerators) != 1 {
		t.Errorf("system = %+v", out.System)
	}
}

func TestSystem_Table(t *testing.T) {
	tests := []struct {
		sys  *hardware.System
		want []string
	}{
		{sysNoGPU(), []string{"Test CPU (4 cores)", "GPU: Not detected", "No accelerator available"}},
		{sysWithGPU(), []string{"Test GPU (24.00 GB VRAM, 20.00 GB free, CUDA)", "compute 8.9", "bfloat16"}},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		System(&buf, tt.sys, false)
		for _, w := range tt.want {
			if !strings.Contains(buf.String(), w) {
				t.Errorf("System output missing %q:\n%s", w, buf.String())
			}
		}
	}
}

func TestDescriptor(t *testing.T) {
	var buf bytes.Buffer
	Descriptor(&buf, qwenVL(), false)
	for _, w := range []string{"=== Qwen2-VL-7B-Instruct ===", "Family: qwen2-vl (vision-language)", "Parameters: 8.3B", "Vision Tower: yes (675M params)"} {
		if !strings.Contains(buf.String(), w) {
			t.Errorf("Descriptor output missing %q:\n%s", w, buf.String())
		}
	}
	buf.Reset()
	Descriptor(&buf, qwenVL(), true)
	if !strings.Contains(buf.String(), `"family": "qwen2-vl"`) {
		t.Errorf("Descriptor JSON:\n%s", buf.String())
	}
}

func TestPlan(t *testing.T) {
	d := qwenVL()
	cfg, err := plan.New(true).Plan(d, models.QuantNF4, 4096)
	if err != nil {
		t.Fatal(err)
	}
	p, err := placement.New(0).Allocate(d, cfg, models.DeviceAuto, 24<<30)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	Plan(&buf, d, cfg, p, false)
	for _, w := range []string{"Quant Type: NF4", "Compute DType: bfloat16", "Skip Modules: embed_tokens, lm_head, visual", "vision_tower", "layers.27"} {
		if !strings.Contains(strings.ToUpper(buf.String()), strings.ToUpper(w)) {
			t.Errorf("Plan output missing %q:\n%s", w, buf.String())
		}
	}
	buf.Reset()
	Plan(&buf, d, cfg, p, true)
	var out map[string]json.RawMessage
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"descriptor", "config", "profile"} {
		if _, ok := out[k]; !ok {
			t.Errorf("Plan JSON missing %s", k)
		}
	}
}

func TestCatalogAndFamilies(t *testing.T) {
	var buf bytes.Buffer
	Catalog(&buf, []models.CatalogEntry{{Name: "Qwen2-VL 7B", Repo: "Qwen/Qwen2-VL-7B-Instruct", Group: "vision", Params: "7B"}}, false)
	if !strings.Contains(buf.String(), "Total models: 1") || !strings.Contains(buf.String(), "Qwen/Qwen2-VL-7B-Instruct") {
		t.Errorf("Catalog output:\n%s", buf.String())
	}

	buf.Reset()
	Families(&buf, true)
	var out struct {
		Families []struct {
			Family string `json:"family"`
		} `json:"families"`
	}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Families) != len(models.Families) || out.Families[0].Family != "qwen2-vl" {
		t.Errorf("families = %+v", out.Families)
	}
	buf.Reset()
	Families(&buf, false)
	if !strings.Contains(buf.String(), "hunyuan-mt") {
		t.Errorf("Families table:\n%s", buf.String())
	}
}

func TestSettingsAndJob(t *testing.T) {
	var buf bytes.Buffer
	Settings(&buf, settings.Defaults(), "/tmp/settings.toml", false)
	for _, w := range []string{"/tmp/settings.toml", "nf4", "4096", "./output"} {
		if !strings.Contains(buf.String(), w) {
			t.Errorf("Settings output missing %q:\n%s", w, buf.String())
		}
	}

	buf.Reset()
	Job(&buf, job.Snapshot{ID: "abc", State: job.StateFailed, Progress: 0.1, Error: "plan: planning error", Hint: "choose NF4"}, false)
	for _, w := range []string{"State: failed", "Progress: 10%", "Hint: choose NF4"} {
		if !strings.Contains(buf.String(), w) {
			t.Errorf("Job output missing %q:\n%s", w, buf.String())
		}
	}
	buf.Reset()
	Job(&buf, job.Snapshot{ID: "abc", State: job.StateCompleted, Progress: 1,
		Artifact: &artifact.Handle{Dir: "/out/m-bnb4", Shards: make([]artifact.Shard, 2), Bytes: 3 << 30}}, false)
	if !strings.Contains(buf.String(), "Artifact: /out/m-bnb4 (2 shards, 3.00 GB)") {
		t.Errorf("Job output:\n%s", buf.String())
	}
}

func TestFormat(t *testing.T) {
	if got := GB(3 << 29); got != "1.50 GB" {
		t.Errorf("GB = %q", got)
	}
	if got := MB(5 << 19); got != "2.5 MB" {
		t.Errorf("MB = %q", got)
	}
}
