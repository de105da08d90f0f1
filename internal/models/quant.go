// Package models provides the conversion domain types: architecture families and
// their planning policies, model descriptors, quant and device choices, and the catalog.
package models

import (
	"fmt"
	"strings"
)

// QuantType is the 4-bit storage format.
type QuantType int

const (
	QuantNF4 QuantType = iota
	QuantFP4
)

func (q QuantType) String() string {
	switch q {
	case QuantFP4:
		return "fp4"
	default:
		return "nf4"
	}
}

// ParseQuantType accepts nf4 or fp4 in any case.
func ParseQuantType(s string) (QuantType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nf4", "":
		return QuantNF4, nil
	case "fp4":
		return QuantFP4, nil
	default:
		return QuantNF4, fmt.Errorf("unknown quant type %q (want nf4 or fp4)", s)
	}
}

func (q QuantType) MarshalText() ([]byte, error) { return []byte(q.String()), nil }

func (q *QuantType) UnmarshalText(b []byte) error {
	v, err := ParseQuantType(string(b))
	if err != nil {
		return err
	}
	*q = v
	return nil
}

// DType is a tensor element type.
type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
)

func (d DType) String() string {
	switch d {
	case DTypeF16:
		return "float16"
	case DTypeBF16:
		return "bfloat16"
	default:
		return "float32"
	}
}

// Safetensors returns the safetensors dtype tag (F32, F16, BF16).
func (d DType) Safetensors() string {
	switch d {
	case DTypeF16:
		return "F16"
	case DTypeBF16:
		return "BF16"
	default:
		return "F32"
	}
}

// Size returns the element size in bytes.
func (d DType) Size() int {
	if d == DTypeF32 {
		return 4
	}
	return 2
}

func (d DType) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *DType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "float32", "F32":
		*d = DTypeF32
	case "float16", "F16":
		*d = DTypeF16
	case "bfloat16", "BF16":
		*d = DTypeBF16
	default:
		return fmt.Errorf("unknown dtype %q", b)
	}
	return nil
}

// DeviceMode is the user's placement preference.
type DeviceMode int

const (
	DeviceAuto DeviceMode = iota
	DeviceAccelerator
	DeviceHost
)

func (m DeviceMode) String() string {
	switch m {
	case DeviceAccelerator:
		return "gpu"
	case DeviceHost:
		return "cpu"
	default:
		return "auto"
	}
}

// ParseDeviceMode accepts auto, gpu/cuda/accelerator and cpu/host.
func ParseDeviceMode(s string) (DeviceMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto", "":
		return DeviceAuto, nil
	case "gpu", "cuda", "accelerator":
		return DeviceAccelerator, nil
	case "cpu", "host":
		return DeviceHost, nil
	default:
		return DeviceAuto, fmt.Errorf("unknown device mode %q (want auto, gpu or cpu)", s)
	}
}

func (m DeviceMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *DeviceMode) UnmarshalText(b []byte) error {
	v, err := ParseDeviceMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ContextChoices are the context lengths offered by the CLI.
var ContextChoices = []int{512, 1024, 2048, 4096, 8192, 16384, 32768, 65536, 131072, 262144}
