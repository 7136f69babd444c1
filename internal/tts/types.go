package tts

import (
	"context"
	"errors"
)

// ErrEmptyText is returned by engines asked to speak nothing.
var ErrEmptyText = errors.New("text is empty")

// Request contains parameters to synthesize speech.
type Request struct {
	RequestID string
	Text      string
	Voice     string
	Speed     float32
	// LeadingSilence is a count of silent samples to prepend. Only the first
	// chunk of a request carries it.
	LeadingSilence *int
}

// Result is the output of one synthesis call. Samples are normalized to
// [-1, 1].
type Result struct {
	Samples    []float32
	SampleRate uint32
}

// Synthesizer is the contract for producing audio. Implementations must be
// safe for concurrent use.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Result, error)
}

// SynthesizerFunc adapts a function to Synthesizer.
type SynthesizerFunc func(ctx context.Context, req Request) (Result, error)

func (f SynthesizerFunc) Synthesize(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
