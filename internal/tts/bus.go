package tts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loqalabs/loqa-tts/internal/bus"
)

// busSynth forwards requests to workers listening on a NATS subject.
type busSynth struct {
	client  *bus.Client
	subject string
}

func NewBusSynth(client *bus.Client, subject string) Synthesizer {
	return &busSynth{client: client, subject: subject}
}

func (b *busSynth) Synthesize(ctx context.Context, req Request) (Result, error) {
	data, err := json.Marshal(newWireRequest(req))
	if err != nil {
		return Result{}, err
	}
	reply, err := b.client.Request(ctx, b.subject, data)
	if err != nil {
		return Result{}, err
	}
	var resp WireResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return Result{}, fmt.Errorf("decode worker reply: %w", err)
	}
	return DecodeResult(resp)
}
