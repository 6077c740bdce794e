// Package model implements the GPT-2 and GPT-Neo decoder-only transformers
// on the host CPU.
package model

import "errors"

// Model represents a generative language model capable of autoregressive
// inference.
type Model interface {
	// ForwardToken advances the model by one token and returns the logits
	// for the next token. The slice is owned by the model and overwritten by
	// the next call.
	ForwardToken(id int) ([]float32, error)
	// Reset clears the model's internal state (KV cache, position).
	Reset()
	// ContextLength is the largest number of positions the model accepts.
	ContextLength() int
	// Close releases the weights. The model is unusable afterwards.
	Close() error
}

var ErrClosed = errors.New("model: closed")
