// Package stream drives chunk-by-chunk synthesis for a single request and
// hands encoded audio to a consumer through a bounded channel.
package stream

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

// DefaultBuffer is the frame channel capacity when a session sets none.
const DefaultBuffer = 8

// Framing selects how samples are laid out on the wire.
type Framing int

const (
	// FramingPCM emits raw little-endian PCM frames only.
	FramingPCM Framing = iota
	// FramingWAV emits a streaming WAV header before the PCM frames.
	FramingWAV
)

// Frame is one unit delivered to the consumer. Exactly one of Data and Err
// is set. An error frame is always the last frame of a stream.
type Frame struct {
	Data []byte
	Err  error
}

// ChunkError reports the engine failure that ended a stream.
type ChunkError struct {
	Index int
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("synthesis failed: %v", e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// SynthesizeFunc renders one chunk. first is true only for chunk 0, which
// is the only chunk that may carry leading silence.
type SynthesizeFunc func(ctx context.Context, chunk string, first bool) (tts.Result, error)

// Session describes one streamed request.
type Session struct {
	RequestID  string
	Chunks     []string
	Framing    Framing
	SampleRate uint32
	Buffer     int
}

// Summary describes how a stream ended.
type Summary struct {
	Chunks    int
	Samples   int
	Cancelled bool
	Err       error
}

// Stream is a running producer. Consumers range over Frames until it is
// closed, and call Close when they stop early.
type Stream struct {
	sess    Session
	synth   SynthesizeFunc
	frames  chan Frame
	cancel  context.CancelFunc
	done    chan struct{}
	summary Summary
	logger  *slog.Logger
}

// Begin starts producing frames for sess. In WAV framing the header is
// queued before Begin returns. Cancelling ctx or calling Close stops the
// producer at its next enqueue or before its next engine call.
func Begin(ctx context.Context, sess Session, synth SynthesizeFunc, logger *slog.Logger) *Stream {
	if sess.Buffer <= 0 {
		sess.Buffer = DefaultBuffer
	}
	if sess.SampleRate == 0 {
		sess.SampleRate = audio.DefaultSampleRate
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		sess:   sess,
		synth:  synth,
		frames: make(chan Frame, sess.Buffer),
		cancel: cancel,
		done:   make(chan struct{}),
		logger: logger.With(slog.String("component", "stream"), slog.String("request_id", sess.RequestID)),
	}
	if sess.Framing == FramingWAV {
		s.frames <- Frame{Data: audio.StreamHeader(sess.SampleRate)}
	}
	s.logger.Debug("stream started", slog.Int("chunks", len(sess.Chunks)))
	go s.produce(ctx)
	return s
}

// Frames is closed after the last frame, which carries Err on failure.
func (s *Stream) Frames() <-chan Frame { return s.frames }

// Close cancels the producer and waits for it to exit. An engine call that
// is already running is allowed to finish.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
}

// Summary blocks until the producer has exited.
func (s *Stream) Summary() Summary {
	<-s.done
	return s.summary
}

func (s *Stream) produce(ctx context.Context) {
	defer close(s.done)
	defer s.cancel()
	defer close(s.frames)

	for i, chunk := range s.sess.Chunks {
		if ctx.Err() != nil {
			s.stopped(i)
			return
		}
		s.logger.Debug("synthesizing chunk", slog.Int("chunk_idx", i), slog.Int("chunk_chars", len(chunk)))

		res, err := s.synth(ctx, chunk, i == 0)
		if err != nil {
			if ctx.Err() != nil {
				s.stopped(i)
				return
			}
			s.logger.Error("chunk synthesis failed", slog.Int("chunk_idx", i), slog.String("error", err.Error()))
			chunkErr := &ChunkError{Index: i, Err: err}
			s.summary.Err = chunkErr
			s.send(ctx, Frame{Err: chunkErr})
			return
		}
		if res.SampleRate != 0 && res.SampleRate != s.sess.SampleRate {
			s.logger.Warn("engine sample rate differs from stream header",
				slog.Int("chunk_idx", i),
				slog.Int("engine_rate", int(res.SampleRate)),
				slog.Int("stream_rate", int(s.sess.SampleRate)))
		}

		if !s.send(ctx, Frame{Data: audio.EncodePCM(res.Samples)}) {
			s.stopped(i)
			return
		}
		s.summary.Chunks++
		s.summary.Samples += len(res.Samples)
	}

	s.logger.Info("stream synthesis complete",
		slog.Int("chunks", s.summary.Chunks),
		slog.Int("total_samples", s.summary.Samples))
}

// send blocks while the channel is full and gives up once the consumer is
// gone.
func (s *Stream) send(ctx context.Context, f Frame) bool {
	select {
	case s.frames <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Stream) stopped(at int) {
	s.summary.Cancelled = true
	s.logger.Warn("stream consumer gone, stopping synthesis", slog.Int("chunk_idx", at))
}
