package weights

import (
	"sort"
	"strconv"
	"strings"
)

// Block is a group of tensors that belong to one layer (or one unnumbered module).
type Block struct {
	ID      string
	Tensors []TensorInfo
}

// Bytes is the total stored size of the block.
func (b Block) Bytes() int64 {
	var n int64
	for _, t := range b.Tensors {
		n += t.Size
	}
	return n
}

// BlockID returns the grouping key of a tensor name: the prefix up to the first
// numeric component ("model.layers.12"), or the name without its last component.
func BlockID(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		if i > 0 && isNumber(p) {
			return strings.Join(parts[:i+1], ".")
		}
	}
	if len(parts) <= 1 {
		return name
	}
	return strings.Join(parts[:len(parts)-1], ".")
}

func isNumber(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

// Blocks groups the index into blocks in architectural order: vision modules,
// embeddings, numbered layers, remaining modules, output head.
func (ix *Index) Blocks() []Block {
	byID := make(map[string]*Block)
	var ids []string
	for _, t := range ix.Tensors {
		id := BlockID(t.Name)
		b, ok := byID[id]
		if !ok {
			b = &Block{ID: id}
			byID[id] = b
			ids = append(ids, id)
		}
		b.Tensors = append(b.Tensors, t)
	}
	sort.SliceStable(ids, func(i, j int) bool { return blockLess(ids[i], ids[j]) })
	out := make([]Block, 0, len(ids))
	for _, id := range ids {
		out = append(out, *byID[id])
	}
	return out
}

func blockRank(id string) int {
	l := strings.ToLower(id)
	switch {
	case strings.Contains(l, "vis") || strings.Contains(l, "vpm") || strings.Contains(l, "resampler") ||
		strings.Contains(l, "multi_modal_projector") || strings.HasPrefix(l, "mlp1"):
		return 0
	case strings.Contains(l, "embed") || l == "shared" || strings.HasSuffix(l, ".shared"):
		return 1
	case strings.Contains(l, "lm_head") || strings.Contains(l, "output_layer"):
		return 4
	}
	if _, n := splitIndex(id); n >= 0 {
		return 2
	}
	return 3
}

// splitIndex splits "model.layers.12" into ("model.layers", 12); n is -1 when unnumbered.
func splitIndex(id string) (string, int) {
	i := strings.LastIndex(id, ".")
	if i < 0 {
		return id, -1
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil {
		return id, -1
	}
	return id[:i], n
}

func blockLess(a, b string) bool {
	ra, rb := blockRank(a), blockRank(b)
	if ra != rb {
		return ra < rb
	}
	pa, na := splitIndex(a)
	pb, nb := splitIndex(b)
	if pa != pb {
		return pa < pb
	}
	return na < nb
}
