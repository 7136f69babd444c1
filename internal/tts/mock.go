package tts

import (
	"context"
	"math"
	"strings"
	"time"
)

const (
	mockWordDuration = 120 * time.Millisecond
	mockAmplitude    = 0.3
	mockToneHz       = 220
)

type mockSynth struct {
	sampleRate uint32
	latency    time.Duration
}

// NewMockSynth returns an engine that renders a quiet sine tone whose length
// follows the word count and speed. latency simulates inference time.
func NewMockSynth(sampleRate uint32, latency time.Duration) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, latency: latency}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) (Result, error) {
	words := len(strings.Fields(req.Text))
	if words == 0 {
		return Result{}, ErrEmptyText
	}
	if m.latency > 0 {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(m.latency):
		}
	}

	speed := float64(req.Speed)
	if speed <= 0 {
		speed = 1
	}
	perWord := int(m.sampleRate) * int(mockWordDuration/time.Millisecond) / 1000
	n := int(float64(words*perWord) / speed)

	silence := 0
	if req.LeadingSilence != nil && *req.LeadingSilence > 0 {
		silence = *req.LeadingSilence
	}
	samples := make([]float32, silence+n)
	step := 2 * math.Pi * mockToneHz / float64(m.sampleRate)
	for i := 0; i < n; i++ {
		samples[silence+i] = float32(mockAmplitude * math.Sin(step*float64(i)))
	}
	return Result{Samples: samples, SampleRate: m.sampleRate}, nil
}
