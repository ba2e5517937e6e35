// Package data turns protein datasets into batches of named tensors: it
// tokenizes sequences, groups samples under a token budget, collates them
// with padding, and streams the batches in sampler order.
package data

import (
	"fmt"

	"github.com/tsawler/go-plm/tensor"
)

// Batch keys produced by the collator.
const (
	KeyInputIDs      = "aa_seq_input_ids"
	KeyAttentionMask = "aa_seq_attention_mask"
	KeyFoldseekIDs   = "foldseek_input_ids"
	KeySS8IDs        = "ss8_input_ids"
	KeyLabel         = "label"
)

// IgnoreLabel marks residue positions that carry no label (padding and
// special tokens).
const IgnoreLabel int32 = -1

// Batch maps tensor names to values for one optimisation step. It is consumed
// once and not retained.
type Batch map[string]*tensor.Tensor

// Size returns the number of samples in the batch, read from the label tensor.
func (b Batch) Size() int {
	if label, ok := b[KeyLabel]; ok {
		return label.Shape[0]
	}
	if ids, ok := b[KeyInputIDs]; ok {
		return ids.Shape[0]
	}
	return 0
}

// Label returns the label tensor or an error when the batch has none.
func (b Batch) Label() (*tensor.Tensor, error) {
	label, ok := b[KeyLabel]
	if !ok {
		return nil, fmt.Errorf("batch has no %q tensor", KeyLabel)
	}
	return label, nil
}

// Mask returns the attention mask, or nil when the batch has none.
func (b Batch) Mask() *tensor.Tensor {
	return b[KeyAttentionMask]
}

// To moves every tensor of the batch to device.
func (b Batch) To(device tensor.DeviceType) (Batch, error) {
	moved := make(Batch, len(b))
	for k, v := range b {
		t, err := v.To(device)
		if err != nil {
			return nil, fmt.Errorf("failed to move %q: %v", k, err)
		}
		moved[k] = t
	}
	return moved, nil
}
