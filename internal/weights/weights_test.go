package weights

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/shayne-snap/llmshrink/internal/models"
)

func writeFile(t *testing.T, path string, tensors []*Tensor) {
	t.Helper()
	var buf bytes.Buffer
	n, err := Encode(&buf, tensors, map[string]string{"format": "pt"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if n != int64(buf.Len()) {
		t.Fatalf("Encode returned %d, wrote %d", n, buf.Len())
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestEncodeReadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	a := FromFloat32("b.weight", []int64{2, 2}, []float32{1, 2, 3, 4}, models.DTypeF32)
	b := FromFloat32("a.weight", []int64{3}, []float32{0.5, -1, 2}, models.DTypeF16)
	writeFile(t, path, []*Tensor{a, b})

	infos, meta, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if meta["format"] != "pt" {
		t.Errorf("metadata = %v", meta)
	}
	if len(infos) != 2 || infos[0].Name != "a.weight" || infos[1].Name != "b.weight" {
		t.Fatalf("infos = %+v", infos)
	}
	if infos[0].Size != 6 || infos[1].Size != 16 {
		t.Errorf("sizes = %d, %d", infos[0].Size, infos[1].Size)
	}
	if infos[0].Offset%8 != 0 {
		t.Errorf("data offset %d not 8-byte aligned", infos[0].Offset)
	}
}

func TestReadHeader_Corrupt(t *testing.T) {
	dir := t.TempDir()
	tests := map[string][]byte{
		"short":     {1, 2, 3},
		"huge":      binary.LittleEndian.AppendUint64(nil, math.MaxUint32),
		"not json":  append(binary.LittleEndian.AppendUint64(nil, 4), []byte("{{{{")...),
		"bad dtype": append(binary.LittleEndian.AppendUint64(nil, 53), []byte(`{"x":{"dtype":"Q9","shape":[1],"data_offsets":[0,1]}}`)...),
	}
	for name, data := range tests {
		path := filepath.Join(dir, name+".safetensors")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
		if _, _, err := ReadHeader(path); err == nil {
			t.Errorf("ReadHeader(%s) should fail", name)
		}
	}
}

func TestOpenAndLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "model-00001-of-00002.safetensors"), []*Tensor{
		FromFloat32("model.layers.0.mlp.up_proj.weight", []int64{2, 2}, []float32{1, 2, 3, 4}, models.DTypeBF16),
		FromFloat32("model.embed_tokens.weight", []int64{4, 2}, make([]float32, 8), models.DTypeBF16),
	})
	writeFile(t, filepath.Join(dir, "model-00002-of-00002.safetensors"), []*Tensor{
		FromFloat32("lm_head.weight", []int64{4, 2}, make([]float32, 8), models.DTypeF32),
		FromFloat32("model.norm.weight", []int64{2}, []float32{1, 1}, models.DTypeF32),
	})

	ix, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := ix.ParameterCount(); got != 22 {
		t.Errorf("ParameterCount = %d, want 22", got)
	}
	info, ok := ix.Lookup("model.layers.0.mlp.up_proj.weight")
	if !ok {
		t.Fatal("Lookup failed")
	}
	tensor, err := ix.Load(info)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	vals, err := tensor.Float32()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{1, 2, 3, 4}, vals); diff != "" {
		t.Errorf("bf16 round trip (-want +got):\n%s", diff)
	}
}

func TestOpen_Duplicate(t *testing.T) {
	dir := t.TempDir()
	x := FromFloat32("x.weight", []int64{1}, []float32{1}, models.DTypeF32)
	writeFile(t, filepath.Join(dir, "a.safetensors"), []*Tensor{x})
	writeFile(t, filepath.Join(dir, "b.safetensors"), []*Tensor{x})
	if _, err := Open(dir); err == nil {
		t.Error("Open with duplicate tensor should fail")
	}
	if _, err := Open(t.TempDir()); err == nil {
		t.Error("Open on empty dir should fail")
	}
}

func TestFloat16Decode(t *testing.T) {
	in := []float32{0, 1, -2, 0.5, 65504}
	tensor := FromFloat32("t", []int64{5}, in, models.DTypeF16)
	out, err := tensor.Float32()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("f16 round trip (-want +got):\n%s", diff)
	}
	if _, err := (&Tensor{Name: "i", DType: "I32", Data: make([]byte, 4)}).Float32(); err == nil {
		t.Error("I32 decode should fail")
	}
}

func TestBlockID(t *testing.T) {
	tests := []struct{ name, want string }{
		{"model.layers.12.self_attn.q_proj.weight", "model.layers.12"},
		{"visual.blocks.3.attn.qkv.weight", "visual.blocks.3"},
		{"model.embed_tokens.weight", "model.embed_tokens"},
		{"lm_head.weight", "lm_head"},
		{"bias", "bias"},
	}
	for _, tt := range tests {
		if got := BlockID(tt.name); got != tt.want {
			t.Errorf("BlockID(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestBlocksOrder(t *testing.T) {
	names := []string{
		"lm_head.weight",
		"model.layers.10.mlp.weight",
		"model.layers.2.mlp.weight",
		"model.norm.weight",
		"model.embed_tokens.weight",
		"visual.blocks.1.attn.weight",
		"visual.blocks.0.attn.weight",
		"model.layers.2.attn.weight",
	}
	ix := &Index{}
	for _, n := range names {
		ix.Tensors = append(ix.Tensors, TensorInfo{Name: n, DType: "F32", Shape: []int64{1}, Size: 4})
	}
	var got []string
	for _, b := range ix.Blocks() {
		got = append(got, b.ID)
	}
	want := []string{
		"visual.blocks.0", "visual.blocks.1", "model.embed_tokens",
		"model.layers.2", "model.layers.10", "model.norm", "lm_head",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Blocks order (-want +got):\n%s", diff)
	}
	if b := ix.Blocks()[3]; len(b.Tensors) != 2 || b.Bytes() != 8 {
		t.Errorf("layers.2 block = %+v", b)
	}
}
