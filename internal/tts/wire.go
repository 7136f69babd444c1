package tts

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// WireRequest is the JSON form of a Request used by exec engines and bus
// workers.
type WireRequest struct {
	RequestID      string  `json:"request_id,omitempty"`
	Text           string  `json:"text"`
	Voice          string  `json:"voice"`
	Speed          float32 `json:"speed"`
	LeadingSilence *int    `json:"leading_silence,omitempty"`
	SampleRate     int     `json:"sample_rate,omitempty"`
}

// WireResponse carries samples as base64 of little-endian float32.
type WireResponse struct {
	SamplesBase64 string `json:"samples_base64"`
	SampleRate    uint32 `json:"sample_rate"`
	Error         string `json:"error,omitempty"`
}

func newWireRequest(req Request) WireRequest {
	return WireRequest{
		RequestID:      req.RequestID,
		Text:           req.Text,
		Voice:          req.Voice,
		Speed:          req.Speed,
		LeadingSilence: req.LeadingSilence,
	}
}

func (w WireRequest) request() Request {
	return Request{
		RequestID:      w.RequestID,
		Text:           w.Text,
		Voice:          w.Voice,
		Speed:          w.Speed,
		LeadingSilence: w.LeadingSilence,
	}
}

// EncodeResult packs a Result for the wire.
func EncodeResult(res Result) WireResponse {
	buf := make([]byte, 4*len(res.Samples))
	for i, s := range res.Samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return WireResponse{
		SamplesBase64: base64.StdEncoding.EncodeToString(buf),
		SampleRate:    res.SampleRate,
	}
}

// DecodeResult unpacks a wire response. A response with Error set is
// returned as an error.
func DecodeResult(resp WireResponse) (Result, error) {
	if resp.Error != "" {
		return Result{}, errors.New(resp.Error)
	}
	raw, err := base64.StdEncoding.DecodeString(resp.SamplesBase64)
	if err != nil {
		return Result{}, fmt.Errorf("decode samples: %w", err)
	}
	if len(raw)%4 != 0 {
		return Result{}, fmt.Errorf("decode samples: %d bytes is not a whole number of float32 samples", len(raw))
	}
	samples := make([]float32, len(raw)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return Result{Samples: samples, SampleRate: resp.SampleRate}, nil
}
