package audio

import (
	"encoding/binary"
	"math"
)

// Audio layout produced by the service. Engines report their own sample rate;
// DefaultSampleRate is used when a rate must be known before the first call.
const (
	DefaultSampleRate = 24000
	Channels          = 1
	BitsPerSample     = 16
	BytesPerSample    = BitsPerSample / 8
)

// FloatToInt16 converts a normalized sample to signed 16-bit PCM.
// Out-of-range input is clamped, -1.0 maps to math.MinInt16 and everything
// else is rounded half away from zero after scaling by math.MaxInt16.
func FloatToInt16(sample float32) int16 {
	if sample != sample {
		return 0
	}
	clamped := sample
	if clamped > 1 {
		clamped = 1
	} else if clamped < -1 {
		clamped = -1
	}
	if clamped == -1 {
		return math.MinInt16
	}
	scaled := clamped * math.MaxInt16
	return int16(math.Round(float64(scaled)))
}

// EncodePCM encodes samples as 16-bit little-endian PCM.
func EncodePCM(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(FloatToInt16(s)))
	}
	return out
}

// DurationMillis reports the playback length of n mono samples.
func DurationMillis(n int, sampleRate uint32) int64 {
	if sampleRate == 0 {
		return 0
	}
	return int64(n) * 1000 / int64(sampleRate)
}
