// Package weights reads and writes safetensors checkpoints and groups their tensors
// into per-layer blocks for the executor.
package weights

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// maxHeaderSize guards against corrupt length prefixes.
const maxHeaderSize = 100 << 20

// TensorInfo locates one tensor inside a safetensors file.
type TensorInfo struct {
	Name   string  `json:"name"`
	DType  string  `json:"dtype"`
	Shape  []int64 `json:"shape"`
	File   string  `json:"file"`
	Offset int64   `json:"offset"` // absolute byte offset of the data in File
	Size   int64   `json:"size"`
}

// NumElements is the product of Shape.
func (t TensorInfo) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

type headerEntry struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// DTypeSize returns the element size of a safetensors dtype tag, or 0 if unknown.
func DTypeSize(dtype string) int {
	switch dtype {
	case "F64", "I64", "U64":
		return 8
	case "F32", "I32", "U32":
		return 4
	case "F16", "BF16", "I16", "U16":
		return 2
	case "U8", "I8", "BOOL", "F8_E4M3", "F8_E5M2":
		return 1
	default:
		return 0
	}
}

// ReadHeader parses the header of one safetensors file.
func ReadHeader(path string) ([]TensorInfo, map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}

	var n uint64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, nil, fmt.Errorf("%s: read header size: %w", path, err)
	}
	if n == 0 || n > maxHeaderSize || int64(n)+8 > fi.Size() {
		return nil, nil, fmt.Errorf("%s: invalid header size %d", path, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, nil, fmt.Errorf("%s: read header: %w", path, err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(buf, &raw); err != nil {
		return nil, nil, fmt.Errorf("%s: invalid header: %w", path, err)
	}

	base := int64(8 + n)
	var meta map[string]string
	infos := make([]TensorInfo, 0, len(raw))
	for name, msg := range raw {
		if name == "__metadata__" {
			if err := json.Unmarshal(msg, &meta); err != nil {
				return nil, nil, fmt.Errorf("%s: invalid metadata: %w", path, err)
			}
			continue
		}
		var h headerEntry
		if err := json.Unmarshal(msg, &h); err != nil {
			return nil, nil, fmt.Errorf("%s: tensor %s: %w", path, name, err)
		}
		info := TensorInfo{
			Name:   name,
			DType:  h.DType,
			Shape:  h.Shape,
			File:   path,
			Offset: base + h.DataOffsets[0],
			Size:   h.DataOffsets[1] - h.DataOffsets[0],
		}
		if sz := DTypeSize(h.DType); sz == 0 {
			return nil, nil, fmt.Errorf("%s: tensor %s: unsupported dtype %q", path, name, h.DType)
		} else if info.Size != info.NumElements()*int64(sz) {
			return nil, nil, fmt.Errorf("%s: tensor %s: %d bytes for shape %v", path, name, info.Size, h.Shape)
		}
		if info.Size < 0 || info.Offset+info.Size > fi.Size() {
			return nil, nil, fmt.Errorf("%s: tensor %s: data out of bounds", path, name)
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, meta, nil
}

// Index is every tensor of a checkpoint directory, sorted by name.
type Index struct {
	Dir     string
	Tensors []TensorInfo
	byName  map[string]int
}

// Open reads the headers of all top-level *.safetensors files in dir.
func Open(dir string) (*Index, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: no .safetensors files", dir)
	}
	sort.Strings(files)
	ix := &Index{Dir: dir, byName: make(map[string]int)}
	for _, path := range files {
		infos, _, err := ReadHeader(path)
		if err != nil {
			return nil, err
		}
		for _, info := range infos {
			if _, dup := ix.byName[info.Name]; dup {
				return nil, fmt.Errorf("%s: tensor %s appears in more than one file", dir, info.Name)
			}
			ix.byName[info.Name] = -1
			ix.Tensors = append(ix.Tensors, info)
		}
	}
	sort.Slice(ix.Tensors, func(i, j int) bool { return ix.Tensors[i].Name < ix.Tensors[j].Name })
	for i, t := range ix.Tensors {
		ix.byName[t.Name] = i
	}
	return ix, nil
}

// Lookup returns the tensor with the given name.
func (ix *Index) Lookup(name string) (TensorInfo, bool) {
	i, ok := ix.byName[name]
	if !ok {
		return TensorInfo{}, false
	}
	return ix.Tensors[i], true
}

// ParameterCount sums element counts of floating-point tensors.
func (ix *Index) ParameterCount() uint64 {
	var n uint64
	for _, t := range ix.Tensors {
		if IsFloat(t.DType) {
			n += uint64(t.NumElements())
		}
	}
	return n
}

// IsFloat reports whether dtype is a floating-point tag this package can decode.
func IsFloat(dtype string) bool {
	return dtype == "F32" || dtype == "F16" || dtype == "BF16"
}

// Load reads one tensor's bytes.
func (ix *Index) Load(info TensorInfo) (*Tensor, error) {
	f, err := os.Open(info.File)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data := make([]byte, info.Size)
	if _, err := f.ReadAt(data, info.Offset); err != nil {
		return nil, fmt.Errorf("read %s: %w", info.Name, err)
	}
	return &Tensor{Name: info.Name, DType: info.DType, Shape: info.Shape, Data: data}, nil
}

// Encode writes tensors as one safetensors stream in name order and returns the byte count.
func Encode(w io.Writer, tensors []*Tensor, metadata map[string]string) (int64, error) {
	sorted := make([]*Tensor, len(tensors))
	copy(sorted, tensors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]any, len(sorted)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var off int64
	for _, t := range sorted {
		if _, dup := header[t.Name]; dup {
			return 0, fmt.Errorf("duplicate tensor %s", t.Name)
		}
		size := int64(len(t.Data))
		header[t.Name] = headerEntry{DType: t.DType, Shape: t.Shape, DataOffsets: [2]int64{off, off + size}}
		off += size
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return 0, fmt.Errorf("marshal header: %w", err)
	}
	// Pad so tensor data starts 8-byte aligned.
	if pad := (8 - len(hdr)%8) % 8; pad > 0 {
		hdr = append(hdr, []byte(strings.Repeat(" ", pad))...)
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(hdr))); err != nil {
		return 0, fmt.Errorf("write header size: %w", err)
	}
	if _, err := w.Write(hdr); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}
	for _, t := range sorted {
		if _, err := w.Write(t.Data); err != nil {
			return 0, fmt.Errorf("write tensor %s: %w", t.Name, err)
		}
	}
	return 8 + int64(len(hdr)) + off, nil
}

// EncodedSize is the number of bytes Encode would write for tensors.
func EncodedSize(tensors []*Tensor, metadata map[string]string) int64 {
	n, _ := Encode(io.Discard, tensors, metadata)
	return n
}
