package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// HeaderSize is the length of a canonical PCM WAV header.
const HeaderSize = 44

// unknownSize marks RIFF and data lengths that are not known when the header
// is written, as is the case for a streamed response.
const unknownSize = 0xFFFFFFFF

const pcmFormat = 1

// ErrEncoding is wrapped by every EncodingError.
var ErrEncoding = errors.New("wav encoding failed")

// EncodingError reports a failure writing a complete WAV file.
type EncodingError struct {
	Op  string
	Err error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrEncoding, e.Op, e.Err)
}

func (e *EncodingError) Unwrap() []error { return []error{ErrEncoding, e.Err} }

// WAVHeader returns a 44 byte header for a stream of unknown length. Both the
// RIFF chunk size and the data sub-chunk size carry the all-ones sentinel.
func WAVHeader(sampleRate uint32, bitsPerSample, channels uint16) []byte {
	blockAlign := channels * (bitsPerSample / 8)
	byteRate := sampleRate * uint32(blockAlign)

	h := make([]byte, 0, HeaderSize)
	h = append(h, "RIFF"...)
	h = binary.LittleEndian.AppendUint32(h, unknownSize)
	h = append(h, "WAVE"...)

	h = append(h, "fmt "...)
	h = binary.LittleEndian.AppendUint32(h, 16)
	h = binary.LittleEndian.AppendUint16(h, pcmFormat)
	h = binary.LittleEndian.AppendUint16(h, channels)
	h = binary.LittleEndian.AppendUint32(h, sampleRate)
	h = binary.LittleEndian.AppendUint32(h, byteRate)
	h = binary.LittleEndian.AppendUint16(h, blockAlign)
	h = binary.LittleEndian.AppendUint16(h, bitsPerSample)

	h = append(h, "data"...)
	h = binary.LittleEndian.AppendUint32(h, unknownSize)
	return h
}

// StreamHeader is WAVHeader for the service's mono 16-bit layout.
func StreamHeader(sampleRate uint32) []byte {
	return WAVHeader(sampleRate, BitsPerSample, Channels)
}

// EncodeWAV produces a complete mono 16-bit WAV file with final sizes.
func EncodeWAV(samples []float32, sampleRate uint32) ([]byte, error) {
	sink := &memFile{buf: make([]byte, 0, HeaderSize+len(samples)*BytesPerSample)}
	if err := WriteWAV(sink, samples, sampleRate); err != nil {
		return nil, err
	}
	return sink.buf, nil
}

// WriteWAV writes a complete WAV file to w. The encoder seeks back to patch
// the header sizes once all samples are written.
func WriteWAV(w io.WriteSeeker, samples []float32, sampleRate uint32) error {
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(FloatToInt16(s))
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: Channels, SampleRate: int(sampleRate)},
		Data:           data,
		SourceBitDepth: BitsPerSample,
	}

	enc := wav.NewEncoder(w, int(sampleRate), BitsPerSample, Channels, pcmFormat)
	if err := enc.Write(buf); err != nil {
		return &EncodingError{Op: "write samples", Err: err}
	}
	if err := enc.Close(); err != nil {
		return &EncodingError{Op: "finalize header", Err: err}
	}
	return nil
}

// memFile is an in-memory io.WriteSeeker.
type memFile struct {
	buf []byte
	pos int
}

func (m *memFile) Write(p []byte) (int, error) {
	end := m.pos + len(p)
	if end > len(m.buf) {
		if end > cap(m.buf) {
			grown := make([]byte, len(m.buf), 2*end)
			copy(grown, m.buf)
			m.buf = grown
		}
		m.buf = m.buf[:end]
	}
	copy(m.buf[m.pos:], p)
	m.pos = end
	return len(p), nil
}

func (m *memFile) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(m.pos)
	case io.SeekEnd:
		base = int64(len(m.buf))
	default:
		return 0, fmt.Errorf("seek: invalid whence %d", whence)
	}
	next := base + offset
	if next < 0 {
		return 0, fmt.Errorf("seek: negative position %d", next)
	}
	m.pos = int(next)
	return next, nil
}
