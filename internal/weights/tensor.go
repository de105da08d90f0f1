package weights

import (
	"encoding/binary"
	"fmt"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/shayne-snap/llmshrink/internal/models"
)

// Tensor is a named tensor with its raw little-endian data.
type Tensor struct {
	Name  string
	DType string
	Shape []int64
	Data  []byte
}

// NumElements is the product of Shape.
func (t *Tensor) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Float32 decodes F32, F16 or BF16 data.
func (t *Tensor) Float32() ([]float32, error) {
	switch t.DType {
	case "F32":
		out := make([]float32, len(t.Data)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[4*i:]))
		}
		return out, nil
	case "F16":
		out := make([]float32, len(t.Data)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.Data[2*i:])).Float32()
		}
		return out, nil
	case "BF16":
		return bfloat16.DecodeFloat32(t.Data), nil
	default:
		return nil, fmt.Errorf("tensor %s: cannot decode dtype %s", t.Name, t.DType)
	}
}

// FromFloat32 builds a tensor of dtype dt from vals.
func FromFloat32(name string, shape []int64, vals []float32, dt models.DType) *Tensor {
	t := &Tensor{Name: name, DType: dt.Safetensors(), Shape: shape}
	switch dt {
	case models.DTypeBF16:
		t.Data = bfloat16.EncodeFloat32(vals)
	case models.DTypeF16:
		t.Data = make([]byte, 2*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint16(t.Data[2*i:], float16.Fromfloat32(v).Bits())
		}
	default:
		t.Data = Float32Bytes(vals)
	}
	return t
}

// Float32Bytes encodes vals as little-endian F32.
func Float32Bytes(vals []float32) []byte {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}
