package data

import (
	"context"
	"errors"
	"testing"
)

func testLoader(prefetch int) *Loader {
	ds := &Dataset{}
	for i := 0; i < 7; i++ {
		ds.Samples = append(ds.Samples, Sample{Seq: "MKV"[:1+i%3], Label: float64(i % 2)})
	}
	c := &Collator{Tokenizer: NewTokenizer(false), Kind: LabelClass}
	return NewLoader(ds, NewFixedSampler(ds.Len(), 2, false, 0), c, WithPrefetch(prefetch))
}

func TestLoaderOrder(t *testing.T) {
	for _, prefetch := range []int{0, 1, 3} {
		l := testLoader(prefetch)
		var sizes []int
		var first []int32
		for b, err := range l.Batches(context.Background()) {
			if err != nil {
				t.Fatalf("prefetch=%d: %v", prefetch, err)
			}
			sizes = append(sizes, b.Size())
			labels, _ := b[KeyLabel].Int32s()
			first = append(first, labels[0])
		}
		if len(sizes) != l.Len() {
			t.Errorf("prefetch=%d: got %d batches, want %d", prefetch, len(sizes), l.Len())
		}
		want := []int32{0, 0, 0, 0}
		for i := range want {
			if first[i] != want[i] {
				t.Errorf("prefetch=%d: batch %d starts with label %d, want %d", prefetch, i, first[i], want[i])
			}
		}
		if sizes[len(sizes)-1] != 1 {
			t.Errorf("prefetch=%d: last batch size %d, want 1", prefetch, sizes[len(sizes)-1])
		}
	}
}

func TestLoaderEarlyBreak(t *testing.T) {
	l := testLoader(2)
	n := 0
	for _, err := range l.Batches(context.Background()) {
		if err != nil {
			t.Fatal(err)
		}
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Errorf("Expected to stop after 2 batches, got %d", n)
	}
}

func TestLoaderCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l := testLoader(0)
	for _, err := range l.Batches(ctx) {
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	}
}

func TestLoaderCollateError(t *testing.T) {
	ds := &Dataset{Samples: []Sample{{Seq: "A", Label: "x"}}}
	c := &Collator{Tokenizer: NewTokenizer(false), Kind: LabelClass}
	for _, prefetch := range []int{0, 2} {
		l := NewLoader(ds, NewFixedSampler(1, 1, false, 0), c, WithPrefetch(prefetch))
		var gotErr error
		for _, err := range l.Batches(context.Background()) {
			gotErr = err
		}
		if gotErr == nil {
			t.Errorf("prefetch=%d: expected collate error", prefetch)
		}
	}
}
