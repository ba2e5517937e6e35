package models

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/tsawler/go-plm/data"
	"github.com/tsawler/go-plm/tensor"
)

// Backbone is the encoder contract the trainer and checkpoint layer rely on.
type Backbone interface {
	Module
	HiddenSize() int
	Forward(b data.Batch) (*tensor.Tensor, error)
	Backward(grad *tensor.Tensor) error
}

// Pair is the model under training: an always trainable head on top of a
// backbone whose participation depends on the training method.
type Pair struct {
	Head     *Head
	Backbone Backbone
}

// Forward runs the backbone then the head on b.
func (p *Pair) Forward(b data.Batch) (*tensor.Tensor, error) {
	hidden, err := p.Backbone.Forward(b)
	if err != nil {
		return nil, fmt.Errorf("backbone forward: %w", err)
	}
	logits, err := p.Head.Forward(hidden, b.Mask())
	if err != nil {
		return nil, fmt.Errorf("head forward: %w", err)
	}
	return logits, nil
}

// Backward propagates dLoss/dLogits through the head and, when
// throughBackbone is set, into the backbone.
func (p *Pair) Backward(grad *tensor.Tensor, throughBackbone bool) error {
	dh, err := p.Head.Backward(grad)
	if err != nil {
		return fmt.Errorf("head backward: %w", err)
	}
	if !throughBackbone {
		return nil
	}
	if err := p.Backbone.Backward(dh); err != nil {
		return fmt.Errorf("backbone backward: %w", err)
	}
	return nil
}

// Train puts both modules in training mode.
func (p *Pair) Train() {
	p.Head.Train()
	p.Backbone.Train()
}

// Eval puts both modules in evaluation mode.
func (p *Pair) Eval() {
	p.Head.Eval()
	p.Backbone.Eval()
}

// Factory builds a fresh, pretrained-equivalent backbone. Loading a PEFT
// checkpoint goes through it.
type Factory interface {
	NewBackbone(ctx context.Context) (*Encoder, error)
}

// ConfigFactory builds encoders from a fixed configuration.
type ConfigFactory struct {
	Config EncoderConfig
}

func (f ConfigFactory) NewBackbone(ctx context.Context) (*Encoder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewEncoder(f.Config)
}

// NamedEncoderConfig derives an encoder configuration from a model name, so
// that a given name always yields the same initial weights.
func NamedEncoderConfig(name string, vocabSize, hidden int) EncoderConfig {
	h := fnv.New64a()
	h.Write([]byte(name))
	return EncoderConfig{Name: name, VocabSize: vocabSize, Hidden: hidden, Seed: int64(h.Sum64() >> 1)}
}
