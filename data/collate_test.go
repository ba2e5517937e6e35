package data

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tsawler/go-plm/errdefs"
)

func TestTokenizer(t *testing.T) {
	tok := NewTokenizer(true)
	ids := tok.Encode("MU")
	if len(ids) != 4 || ids[0] != ClsID || ids[3] != EosID {
		t.Fatalf("Unexpected encoding %v", ids)
	}
	if ids[2] != tok.Encode("X")[1] {
		t.Errorf("Expected U to map to X, got %d", ids[2])
	}
	if got := tok.Encode("?")[1]; got != UnkID {
		t.Errorf("Expected unknown id for '?', got %d", got)
	}
	for _, id := range tok.Encode("LAGVdvss-") {
		if int(id) >= tok.VocabSize() {
			t.Errorf("id %d outside vocabulary of size %d", id, tok.VocabSize())
		}
	}
}

func TestCollateClassification(t *testing.T) {
	c := &Collator{Tokenizer: NewTokenizer(false), Kind: LabelClass}
	b, err := c.Collate([]Sample{{Seq: "MKV", Label: float64(1)}, {Seq: "M", Label: "0"}})
	if err != nil {
		t.Fatalf("Collate failed: %v", err)
	}
	if !cmp.Equal(b[KeyInputIDs].Shape, []int{2, 5}) {
		t.Fatalf("input ids shape = %v, want [2 5]", b[KeyInputIDs].Shape)
	}
	mask, _ := b.Mask().Int32s()
	want := []int32{1, 1, 1, 1, 1, 1, 1, 1, 0, 0}
	if diff := cmp.Diff(want, mask); diff != "" {
		t.Errorf("mask mismatch (-want +got):\n%s", diff)
	}
	ids, _ := b[KeyInputIDs].Int32s()
	if ids[8] != PadID || ids[9] != PadID {
		t.Errorf("Expected padding at the end of row 1, got %v", ids[5:])
	}
	labels, _ := b[KeyLabel].Int32s()
	if !cmp.Equal(labels, []int32{1, 0}) {
		t.Errorf("labels = %v, want [1 0]", labels)
	}
	if b.Size() != 2 {
		t.Errorf("Size() = %d, want 2", b.Size())
	}
}

func TestCollateMultiHot(t *testing.T) {
	c := &Collator{Tokenizer: NewTokenizer(false), Kind: LabelMultiHot, NumLabels: 6}
	b, err := c.Collate([]Sample{{Seq: "A", Label: "0,3,5"}, {Seq: "C", Label: []any{float64(1)}}})
	if err != nil {
		t.Fatalf("Collate failed: %v", err)
	}
	labels, _ := b[KeyLabel].Int32s()
	want := []int32{1, 0, 0, 1, 0, 1, 0, 1, 0, 0, 0, 0}
	if diff := cmp.Diff(want, labels); diff != "" {
		t.Errorf("multi-hot mismatch (-want +got):\n%s", diff)
	}

	_, err = c.Collate([]Sample{{Seq: "A", Label: "7"}})
	if !errors.Is(err, errdefs.ErrShapeMismatch) {
		t.Errorf("Expected shape mismatch for out of range index, got %v", err)
	}
}

func TestCollateResidueTruncated(t *testing.T) {
	c := &Collator{Tokenizer: NewTokenizer(false), Kind: LabelResidue, MaxSeqLen: 3}
	b, err := c.Collate([]Sample{{Seq: "MKVLA", Label: "01201"}, {Seq: "AC", Label: []any{float64(2), float64(2)}}})
	if err != nil {
		t.Fatalf("Collate failed: %v", err)
	}
	if !cmp.Equal(b[KeyLabel].Shape, []int{2, 5}) {
		t.Fatalf("label shape = %v, want [2 5]", b[KeyLabel].Shape)
	}
	labels, _ := b[KeyLabel].Int32s()
	want := []int32{-1, 0, 1, 2, -1, -1, 2, 2, -1, -1}
	if diff := cmp.Diff(want, labels); diff != "" {
		t.Errorf("residue labels mismatch (-want +got):\n%s", diff)
	}
}

func TestCollateRegressionAndStructure(t *testing.T) {
	c := &Collator{Tokenizer: NewTokenizer(false), Kind: LabelRegression, NumLabels: 1, Structure: true}
	b, err := c.Collate([]Sample{{Seq: "AC", Foldseek: "dv", Label: 0.5}, {Seq: "A", Label: "1.0"}})
	if err != nil {
		t.Fatalf("Collate failed: %v", err)
	}
	labels, _ := b[KeyLabel].Float32s()
	if !cmp.Equal(labels, []float32{0.5, 1.0}) {
		t.Errorf("labels = %v", labels)
	}
	if _, ok := b[KeyFoldseekIDs]; !ok {
		t.Error("Expected foldseek ids in batch")
	}
	if _, ok := b[KeySS8IDs]; ok {
		t.Error("Did not expect ss8 ids when no sample carries them")
	}
}
