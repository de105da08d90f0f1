package quant

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/shayne-snap/llmshrink/internal/errs"
	"github.com/shayne-snap/llmshrink/internal/models"
	"github.com/shayne-snap/llmshrink/internal/weights"
)

func tensorOf(name string, vals []float32, shape ...int64) *weights.Tensor {
	return weights.FromFloat32(name, shape, vals, models.DTypeF32)
}

func TestQuantize_ExactLevels(t *testing.T) {
	for _, q := range []models.QuantType{models.QuantNF4, models.QuantFP4} {
		cb := Codebook(q)
		vals := make([]float32, 64)
		for i := range vals {
			vals[i] = cb[i%16] * 3
		}
		vals[3] = 3 // make sure absmax is exactly 3 for FP4 too
		r, err := Quantize(tensorOf("w.weight", vals, 4, 16), Options{Type: q, BlockSize: 64})
		if err != nil {
			t.Fatalf("%v: Quantize: %v", q, err)
		}
		got := r.Dequantize()
		for i := range vals {
			if math.Abs(float64(got[i]-vals[i])) > 1e-5 {
				t.Fatalf("%v: element %d = %v, want %v", q, i, got[i], vals[i])
			}
		}
		if len(r.Packed) != 32 || len(r.Absmax) != 1 {
			t.Errorf("%v: packed %d bytes, %d scales", q, len(r.Packed), len(r.Absmax))
		}
	}
}

func TestQuantize_PackingLowNibbleFirst(t *testing.T) {
	vals := []float32{-1, 1}
	r, err := Quantize(tensorOf("w", vals, 2), Options{Type: models.QuantNF4})
	if err != nil {
		t.Fatal(err)
	}
	if r.Packed[0] != 0xf0 {
		t.Errorf("packed = %#x, want 0xf0", r.Packed[0])
	}
}

func TestQuantize_OddLength(t *testing.T) {
	r, err := Quantize(tensorOf("w", []float32{0.5, -0.5, 1}, 3), Options{Type: models.QuantNF4})
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Packed) != 2 {
		t.Errorf("packed len = %d, want 2", len(r.Packed))
	}
	if got := r.Dequantize(); len(got) != 3 || got[2] != 1 {
		t.Errorf("dequantized = %v", got)
	}
}

func TestQuantize_DoubleQuantError(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	vals := make([]float32, 64*600)
	for i := range vals {
		vals[i] = float32(rng.NormFloat64()) * 0.02
	}
	single, err := Quantize(tensorOf("w", vals, 600, 64), Options{Type: models.QuantNF4, BlockSize: 64})
	if err != nil {
		t.Fatal(err)
	}
	double, err := Quantize(tensorOf("w", vals, 600, 64), Options{Type: models.QuantNF4, BlockSize: 64, DoubleQuant: true})
	if err != nil {
		t.Fatal(err)
	}
	if double.Absmax != nil || len(double.AbsmaxCodes) != 600 || len(double.NestedAbsmax) != 3 {
		t.Fatalf("nested layout: absmax=%d codes=%d nested=%d", len(double.Absmax), len(double.AbsmaxCodes), len(double.NestedAbsmax))
	}
	s1, s2 := single.Scales(), double.Scales()
	for i := range s1 {
		if rel := math.Abs(float64(s1[i]-s2[i])) / float64(s1[i]); rel > 0.05 {
			t.Fatalf("scale %d: %v vs %v (rel err %.3f)", i, s1[i], s2[i], rel)
		}
	}
	if double.StoredBytes() >= single.StoredBytes() {
		t.Errorf("double quant should store fewer bytes: %d >= %d", double.StoredBytes(), single.StoredBytes())
	}

	var mse float64
	got := single.Dequantize()
	for i := range vals {
		d := float64(got[i] - vals[i])
		mse += d * d
	}
	mse /= float64(len(vals))
	if rmse := math.Sqrt(mse); rmse > 0.005 {
		t.Errorf("NF4 rmse = %v, want < 0.005 for sigma 0.02", rmse)
	}
}

func TestQuantize_Errors(t *testing.T) {
	nan := float32(math.NaN())
	tests := []struct {
		name   string
		tensor *weights.Tensor
	}{
		{"nan", tensorOf("model.layers.0.mlp.down_proj.weight", []float32{1, nan}, 2)},
		{"empty", tensorOf("empty.weight", nil, 0)},
		{"int", &weights.Tensor{Name: "ids", DType: "I32", Shape: []int64{1}, Data: make([]byte, 4)}},
	}
	for _, tt := range tests {
		_, err := Quantize(tt.tensor, Options{})
		if !errs.Is(err, errs.KindQuantization) {
			t.Errorf("%s: err = %v, want quantization error", tt.name, err)
			continue
		}
		var qe *errs.Error
		if e, ok := err.(*errs.Error); ok {
			qe = e
		}
		if qe == nil || qe.Tensor != tt.tensor.Name {
			t.Errorf("%s: error does not name tensor %q: %v", tt.name, tt.tensor.Name, err)
		}
	}
}

func TestZeroBlock(t *testing.T) {
	r, err := Quantize(tensorOf("z", make([]float32, 8), 8), Options{Type: models.QuantNF4})
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range r.Dequantize() {
		if v != 0 {
			t.Fatalf("element %d = %v, want 0", i, v)
		}
	}
}

func TestTensors(t *testing.T) {
	r, err := Quantize(tensorOf("w", make([]float32, 128), 2, 64), Options{Type: models.QuantNF4, DoubleQuant: true})
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]string{}
	for _, tt := range r.Tensors() {
		names[tt.Name] = tt.DType
	}
	want := map[string]string{
		"w": "U8", "w.quant_map": "F32", "w.absmax": "U8", "w.nested_absmax": "F32", "w.nested_offset": "F32",
	}
	for n, dt := range want {
		if names[n] != dt {
			t.Errorf("tensor %s dtype = %q, want %q", n, names[n], dt)
		}
	}
}

func TestBitsPerWeight(t *testing.T) {
	if got := BitsPerWeight(64, 256, false); got != 4.5 {
		t.Errorf("BitsPerWeight(single) = %v, want 4.5", got)
	}
	got := BitsPerWeight(64, 256, true)
	if math.Abs(got-4.127) > 0.001 {
		t.Errorf("BitsPerWeight(double) = %v, want ~4.127", got)
	}
}
