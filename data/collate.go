package data

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tsawler/go-plm/errdefs"
	"github.com/tsawler/go-plm/tensor"
)

// LabelKind selects how raw labels are turned into the label tensor.
type LabelKind int

const (
	// LabelClass is one class index per sample, [B] int32.
	LabelClass LabelKind = iota
	// LabelRegression is one or more real targets per sample, [B] or [B,N] float32.
	LabelRegression
	// LabelMultiHot is a comma separated index list per sample, [B,N] int32.
	LabelMultiHot
	// LabelResidue is one class per residue, [B,T] int32 aligned with the
	// input ids and padded with IgnoreLabel.
	LabelResidue
)

// Collator pads and stacks samples into a Batch.
type Collator struct {
	Tokenizer *Tokenizer
	Kind      LabelKind
	NumLabels int
	MaxSeqLen int
	// Structure adds foldseek and ss8 id tensors when samples carry them.
	Structure bool
}

// Collate builds the batch for samples, in the given order.
func (c *Collator) Collate(samples []Sample) (Batch, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot collate an empty batch")
	}
	encoded := make([][]int32, len(samples))
	width := 0
	for i, s := range samples {
		encoded[i] = c.Tokenizer.Encode(c.truncate(s.Seq))
		if len(encoded[i]) > width {
			width = len(encoded[i])
		}
	}
	b := len(samples)
	ids := make([]int32, b*width)
	mask := make([]int32, b*width)
	for i, row := range encoded {
		for j := 0; j < width; j++ {
			if j < len(row) {
				ids[i*width+j] = row[j]
				mask[i*width+j] = 1
			} else {
				ids[i*width+j] = PadID
			}
		}
	}

	batch := Batch{}
	var err error
	if batch[KeyInputIDs], err = tensor.FromInt32s([]int{b, width}, ids); err != nil {
		return nil, err
	}
	if batch[KeyAttentionMask], err = tensor.FromInt32s([]int{b, width}, mask); err != nil {
		return nil, err
	}

	if c.Structure {
		if err := c.addStructure(batch, samples, width); err != nil {
			return nil, err
		}
	}

	label, err := c.labels(samples, encoded, width)
	if err != nil {
		return nil, err
	}
	batch[KeyLabel] = label
	return batch, nil
}

func (c *Collator) truncate(seq string) string {
	if c.MaxSeqLen > 0 && len(seq) > c.MaxSeqLen {
		return seq[:c.MaxSeqLen]
	}
	return seq
}

func (c *Collator) addStructure(batch Batch, samples []Sample, width int) error {
	fields := []struct {
		key string
		get func(Sample) string
	}{
		{KeyFoldseekIDs, func(s Sample) string { return s.Foldseek }},
		{KeySS8IDs, func(s Sample) string { return s.SS8 }},
	}
	for _, f := range fields {
		present := false
		for _, s := range samples {
			if f.get(s) != "" {
				present = true
				break
			}
		}
		if !present {
			continue
		}
		data := make([]int32, len(samples)*width)
		for i, s := range samples {
			row := c.Tokenizer.Encode(c.truncate(f.get(s)))
			for j := 0; j < width; j++ {
				if j < len(row) {
					data[i*width+j] = row[j]
				} else {
					data[i*width+j] = PadID
				}
			}
		}
		t, err := tensor.FromInt32s([]int{len(samples), width}, data)
		if err != nil {
			return err
		}
		batch[f.key] = t
	}
	return nil
}

func (c *Collator) labels(samples []Sample, encoded [][]int32, width int) (*tensor.Tensor, error) {
	b := len(samples)
	switch c.Kind {
	case LabelClass:
		out := make([]int32, b)
		for i, s := range samples {
			v, err := toInt(s.Label)
			if err != nil {
				return nil, err
			}
			out[i] = int32(v)
		}
		return tensor.FromInt32s([]int{b}, out)

	case LabelRegression:
		n := c.NumLabels
		if n < 1 {
			n = 1
		}
		out := make([]float32, 0, b*n)
		for _, s := range samples {
			vals, err := toFloats(s.Label)
			if err != nil {
				return nil, err
			}
			if len(vals) != n {
				return nil, fmt.Errorf("regression label has %d values, want %d: %w", len(vals), n, errdefs.ErrShapeMismatch)
			}
			out = append(out, vals...)
		}
		if n == 1 {
			return tensor.FromFloat32s([]int{b}, out)
		}
		return tensor.FromFloat32s([]int{b, n}, out)

	case LabelMultiHot:
		out := make([]int32, b*c.NumLabels)
		for i, s := range samples {
			idx, err := toInts(s.Label)
			if err != nil {
				return nil, err
			}
			for _, k := range idx {
				if k < 0 || k >= c.NumLabels {
					return nil, fmt.Errorf("label index %d out of range [0,%d): %w", k, c.NumLabels, errdefs.ErrShapeMismatch)
				}
				out[i*c.NumLabels+k] = 1
			}
		}
		return tensor.FromInt32s([]int{b, c.NumLabels}, out)

	case LabelResidue:
		out := make([]int32, b*width)
		for i := range out {
			out[i] = IgnoreLabel
		}
		for i, s := range samples {
			vals, err := residueLabels(s.Label)
			if err != nil {
				return nil, err
			}
			// position 0 is the cls token; residues end before eos.
			n := len(encoded[i]) - 2
			if len(vals) < n {
				n = len(vals)
			}
			for j := 0; j < n; j++ {
				out[i*width+j+1] = int32(vals[j])
			}
		}
		return tensor.FromInt32s([]int{b, width}, out)
	}
	return nil, fmt.Errorf("unknown label kind %d: %w", c.Kind, errdefs.ErrConfiguration)
}

func toInt(v any) (int, error) {
	switch x := v.(type) {
	case float64:
		return int(x), nil
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, fmt.Errorf("invalid class label %q: %w", x, errdefs.ErrConfiguration)
		}
		return n, nil
	}
	return 0, fmt.Errorf("unsupported label type %T: %w", v, errdefs.ErrConfiguration)
}

func toFloats(v any) ([]float32, error) {
	switch x := v.(type) {
	case float64:
		return []float32{float32(x)}, nil
	case int:
		return []float32{float32(x)}, nil
	case string:
		parts := strings.Split(x, ",")
		out := make([]float32, 0, len(parts))
		for _, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
			if err != nil {
				return nil, fmt.Errorf("invalid regression label %q: %w", x, errdefs.ErrConfiguration)
			}
			out = append(out, float32(f))
		}
		return out, nil
	case []any:
		out := make([]float32, 0, len(x))
		for _, e := range x {
			f, err := toFloats(e)
			if err != nil {
				return nil, err
			}
			out = append(out, f...)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported label type %T: %w", v, errdefs.ErrConfiguration)
}

// toInts reads a multi-label index list, either "0,3,5" or a JSON array.
func toInts(v any) ([]int, error) {
	switch x := v.(type) {
	case string:
		if strings.TrimSpace(x) == "" {
			return nil, nil
		}
		parts := strings.Split(x, ",")
		out := make([]int, 0, len(parts))
		for _, p := range parts {
			n, err := toInt(p)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	case []any:
		out := make([]int, 0, len(x))
		for _, e := range x {
			n, err := toInt(e)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	}
	n, err := toInt(v)
	if err != nil {
		return nil, err
	}
	return []int{n}, nil
}

// residueLabels reads per-residue classes, either a digit string such as
// "0012" or a JSON array.
func residueLabels(v any) ([]int, error) {
	if s, ok := v.(string); ok {
		if strings.Contains(s, ",") {
			return toInts(s)
		}
		out := make([]int, 0, len(s))
		for _, r := range s {
			if r < '0' || r > '9' {
				return nil, fmt.Errorf("invalid residue label %q: %w", s, errdefs.ErrConfiguration)
			}
			out = append(out, int(r-'0'))
		}
		return out, nil
	}
	return toInts(v)
}
