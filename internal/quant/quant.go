// Package quant implements blockwise 4-bit NF4/FP4 weight quantization with optional
// nested (double) quantization of the per-block scales.
package quant

import (
	"errors"
	"fmt"
	"math"

	"github.com/shayne-snap/llmshrink/internal/errs"
	"github.com/shayne-snap/llmshrink/internal/models"
	"github.com/shayne-snap/llmshrink/internal/weights"
)

// NF4 levels: quantiles of a unit normal, normalized to [-1, 1].
var NF4 = [16]float32{
	-1.0, -0.6961928009986877, -0.5250730514526367, -0.39491748809814453,
	-0.28444138169288635, -0.18477343022823334, -0.09105003625154495, 0.0,
	0.07958029955625534, 0.16093020141124725, 0.24611230194568634, 0.33791524171829224,
	0.44070982933044434, 0.5626170039176941, 0.7229568362236023, 1.0,
}

// FP4 levels (e2m1, bit 3 is the sign), normalized to [-1, 1].
var FP4 = [16]float32{
	0, 0.0052083333, 0.6666667, 1.0, 0.3333333, 0.5, 0.1666667, 0.25,
	0, -0.0052083333, -0.6666667, -1.0, -0.3333333, -0.5, -0.1666667, -0.25,
}

// Codebook returns the 16 levels of q.
func Codebook(q models.QuantType) *[16]float32 {
	if q == models.QuantFP4 {
		return &FP4
	}
	return &NF4
}

// Options control one quantization call.
type Options struct {
	Type            models.QuantType
	BlockSize       int
	NestedBlockSize int
	DoubleQuant     bool
}

// Result is a quantized tensor. Packed holds two codes per byte, low nibble first.
type Result struct {
	Name        string
	Shape       []int64
	SourceDType string
	Type        models.QuantType
	BlockSize   int
	Packed      []byte

	// Absmax holds one scale per block when DoubleQuant is off.
	Absmax []float32

	// With DoubleQuant the scales are stored as int8 codes around NestedOffset,
	// with one float scale per NestedBlockSize codes.
	AbsmaxCodes     []uint8
	NestedAbsmax    []float32
	NestedOffset    float32
	NestedBlockSize int
}

var errEmpty = errors.New("tensor has no elements")

// Quantize quantizes t. Failures are quantization errors naming the tensor.
func Quantize(t *weights.Tensor, opt Options) (*Result, error) {
	if opt.BlockSize <= 0 {
		opt.BlockSize = 64
	}
	if opt.NestedBlockSize <= 0 {
		opt.NestedBlockSize = 256
	}
	if t.NumElements() == 0 {
		return nil, errs.Quantization(t.Name, errEmpty)
	}
	vals, err := t.Float32()
	if err != nil {
		return nil, errs.Quantization(t.Name, err)
	}
	if int64(len(vals)) != t.NumElements() {
		return nil, errs.Quantization(t.Name, fmt.Errorf("%d values for shape %v", len(vals), t.Shape))
	}

	cb := Codebook(opt.Type)
	nblocks := (len(vals) + opt.BlockSize - 1) / opt.BlockSize
	absmax := make([]float32, nblocks)
	packed := make([]byte, (len(vals)+1)/2)
	for b := 0; b < nblocks; b++ {
		lo := b * opt.BlockSize
		hi := min(lo+opt.BlockSize, len(vals))
		var m float32
		for i := lo; i < hi; i++ {
			v := vals[i]
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return nil, errs.Quantization(t.Name, fmt.Errorf("non-finite value at element %d", i))
			}
			if a := abs(v); a > m {
				m = a
			}
		}
		absmax[b] = m
		scale := m
		if scale == 0 {
			scale = 1
		}
		for i := lo; i < hi; i++ {
			code := nearest(cb, vals[i]/scale)
			if i%2 == 0 {
				packed[i/2] |= code
			} else {
				packed[i/2] |= code << 4
			}
		}
	}

	r := &Result{
		Name:        t.Name,
		Shape:       t.Shape,
		SourceDType: t.DType,
		Type:        opt.Type,
		BlockSize:   opt.BlockSize,
		Packed:      packed,
	}
	if opt.DoubleQuant {
		r.AbsmaxCodes, r.NestedAbsmax, r.NestedOffset = nestScales(absmax, opt.NestedBlockSize)
		r.NestedBlockSize = opt.NestedBlockSize
	} else {
		r.Absmax = absmax
	}
	return r, nil
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

// nearest returns the code whose level is closest to x. Ties go to the lower index.
func nearest(cb *[16]float32, x float32) byte {
	best, bestD := 0, float32(math.MaxFloat32)
	for i, l := range cb {
		if d := abs(x - l); d < bestD {
			best, bestD = i, d
		}
	}
	return byte(best)
}

// nestScales quantizes block scales to int8 around their mean.
func nestScales(absmax []float32, blockSize int) ([]uint8, []float32, float32) {
	var sum float64
	for _, a := range absmax {
		sum += float64(a)
	}
	offset := float32(sum / float64(len(absmax)))
	codes := make([]uint8, len(absmax))
	nblocks := (len(absmax) + blockSize - 1) / blockSize
	scales := make([]float32, nblocks)
	for b := 0; b < nblocks; b++ {
		lo := b * blockSize
		hi := min(lo+blockSize, len(absmax))
		var m float32
		for i := lo; i < hi; i++ {
			if a := abs(absmax[i] - offset); a > m {
				m = a
			}
		}
		scales[b] = m
		for i := lo; i < hi; i++ {
			var q float64
			if m > 0 {
				q = math.Round(float64((absmax[i]-offset)/m) * 127)
			}
			codes[i] = uint8(int8(q))
		}
	}
	return codes, scales, offset
}

// Scales returns the per-block absmax values, undoing nested quantization.
func (r *Result) Scales() []float32 {
	if r.AbsmaxCodes == nil {
		return r.Absmax
	}
	out := make([]float32, len(r.AbsmaxCodes))
	for i, c := range r.AbsmaxCodes {
		s := r.NestedAbsmax[i/r.NestedBlockSize]
		out[i] = float32(int8(c))/127*s + r.NestedOffset
	}
	return out
}

// Dequantize reconstructs approximate float values.
func (r *Result) Dequantize() []float32 {
	n := int64(1)
	for _, d := range r.Shape {
		n *= d
	}
	cb := Codebook(r.Type)
	scales := r.Scales()
	out := make([]float32, n)
	for i := range out {
		code := r.Packed[i/2]
		if i%2 == 0 {
			code &= 0x0f
		} else {
			code >>= 4
		}
		out[i] = cb[code] * scales[i/r.BlockSize]
	}
	return out
}

// StoredBytes is the total size of the quantized representation.
func (r *Result) StoredBytes() int64 {
	n := int64(len(r.Packed)) + 4*int64(len(r.Absmax)) + int64(len(r.AbsmaxCodes)) + 4*int64(len(r.NestedAbsmax))
	if r.AbsmaxCodes != nil {
		n += 4
	}
	return n + 16*4
}

// Tensors returns the stored tensors: <name> (U8 codes), <name>.absmax,
// <name>.quant_map and, with nested scales, <name>.nested_absmax and <name>.nested_offset.
func (r *Result) Tensors() []*weights.Tensor {
	cb := Codebook(r.Type)
	out := []*weights.Tensor{
		{Name: r.Name, DType: "U8", Shape: []int64{int64(len(r.Packed))}, Data: r.Packed},
		{Name: r.Name + ".quant_map", DType: "F32", Shape: []int64{16}, Data: weights.Float32Bytes(cb[:])},
	}
	if r.AbsmaxCodes == nil {
		out = append(out, &weights.Tensor{
			Name: r.Name + ".absmax", DType: "F32", Shape: []int64{int64(len(r.Absmax))}, Data: weights.Float32Bytes(r.Absmax),
		})
		return out
	}
	return append(out,
		&weights.Tensor{Name: r.Name + ".absmax", DType: "U8", Shape: []int64{int64(len(r.AbsmaxCodes))}, Data: r.AbsmaxCodes},
		&weights.Tensor{
			Name: r.Name + ".nested_absmax", DType: "F32", Shape: []int64{int64(len(r.NestedAbsmax))},
			Data: weights.Float32Bytes(r.NestedAbsmax),
		},
		&weights.Tensor{Name: r.Name + ".nested_offset", DType: "F32", Shape: []int64{1}, Data: weights.Float32Bytes([]float32{r.NestedOffset})},
	)
}

// BitsPerWeight is the average storage cost per quantized element.
func BitsPerWeight(blockSize, nestedBlockSize int, doubleQuant bool) float64 {
	if blockSize <= 0 {
		blockSize = 64
	}
	if !doubleQuant {
		return 4 + 32/float64(blockSize)
	}
	if nestedBlockSize <= 0 {
		nestedBlockSize = 256
	}
	return 4 + 8/float64(blockSize) + 32/float64(blockSize*nestedBlockSize)
}
