package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// indexSynth returns one sample per chunk whose value encodes the chunk
// name, so frame order can be checked.
func indexSynth(calls *atomic.Int32) SynthesizeFunc {
	return func(ctx context.Context, chunk string, first bool) (tts.Result, error) {
		calls.Add(1)
		n, err := strconv.Atoi(chunk)
		if err != nil {
			return tts.Result{}, err
		}
		return tts.Result{Samples: []float32{float32(n) / 10}, SampleRate: 24000}, nil
	}
}

func collect(t *testing.T, s *Stream) []Frame {
	t.Helper()
	var frames []Frame
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-s.Frames():
			if !ok {
				return frames
			}
			frames = append(frames, f)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestStreamPCMOrder(t *testing.T) {
	var calls atomic.Int32
	chunks := []string{"1", "2", "3", "4"}
	s := Begin(context.Background(), Session{RequestID: "req-1", Chunks: chunks}, indexSynth(&calls), newLogger())
	frames := collect(t, s)

	if len(frames) != len(chunks) {
		t.Fatalf("expected %d frames, got %d", len(chunks), len(frames))
	}
	for i, f := range frames {
		if f.Err != nil {
			t.Fatalf("unexpected error frame %d: %v", i, f.Err)
		}
		want := audio.EncodePCM([]float32{float32(i+1) / 10})
		if !bytes.Equal(f.Data, want) {
			t.Fatalf("frame %d out of order: %v want %v", i, f.Data, want)
		}
	}
	sum := s.Summary()
	if sum.Chunks != 4 || sum.Samples != 4 || sum.Cancelled || sum.Err != nil {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestStreamWAVHeaderFirst(t *testing.T) {
	var calls atomic.Int32
	s := Begin(context.Background(), Session{Chunks: []string{"5"}, Framing: FramingWAV, SampleRate: 22050}, indexSynth(&calls), newLogger())
	frames := collect(t, s)
	if len(frames) != 2 {
		t.Fatalf("expected header and one chunk, got %d frames", len(frames))
	}
	if !bytes.Equal(frames[0].Data, audio.StreamHeader(22050)) {
		t.Fatal("first frame is not the streaming header")
	}
	if len(frames[1].Data) != 2 {
		t.Fatalf("expected one PCM sample, got %d bytes", len(frames[1].Data))
	}
}

func TestStreamStopsAtFirstFailure(t *testing.T) {
	var calls atomic.Int32
	engineErr := errors.New("inference error")
	synth := func(ctx context.Context, chunk string, first bool) (tts.Result, error) {
		calls.Add(1)
		if chunk == "c2" {
			return tts.Result{}, engineErr
		}
		return tts.Result{Samples: []float32{0.1, 0.2}, SampleRate: 24000}, nil
	}
	sess := Session{Chunks: []string{"c0", "c1", "c2", "c3"}, Framing: FramingWAV}
	s := Begin(context.Background(), sess, synth, newLogger())
	frames := collect(t, s)

	if len(frames) != 4 {
		t.Fatalf("expected header, two chunks and an error, got %d frames", len(frames))
	}
	if len(frames[0].Data) != audio.HeaderSize {
		t.Fatal("expected header first")
	}
	for i := 1; i <= 2; i++ {
		if frames[i].Err != nil || len(frames[i].Data) != 4 {
			t.Fatalf("frame %d: expected audio, got %+v", i, frames[i])
		}
	}
	last := frames[3]
	if last.Err == nil || last.Data != nil {
		t.Fatalf("expected terminal error frame, got %+v", last)
	}
	var chunkErr *ChunkError
	if !errors.As(last.Err, &chunkErr) || chunkErr.Index != 2 {
		t.Fatalf("expected ChunkError for index 2, got %v", last.Err)
	}
	if !errors.Is(last.Err, engineErr) {
		t.Fatal("expected engine error to be wrapped")
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected no calls after the failure, got %d", got)
	}
	if sum := s.Summary(); sum.Chunks != 2 || sum.Err == nil {
		t.Fatalf("unexpected summary %+v", sum)
	}
}

func TestStreamFirstFlagOnlyOnChunkZero(t *testing.T) {
	var mu sync.Mutex
	var flags []bool
	synth := func(ctx context.Context, chunk string, first bool) (tts.Result, error) {
		mu.Lock()
		flags = append(flags, first)
		mu.Unlock()
		return tts.Result{Samples: []float32{0}}, nil
	}
	s := Begin(context.Background(), Session{Chunks: []string{"a", "b", "c"}}, synth, newLogger())
	collect(t, s)

	mu.Lock()
	defer mu.Unlock()
	want := []bool{true, false, false}
	for i := range want {
		if flags[i] != want[i] {
			t.Fatalf("flags = %v, want %v", flags, want)
		}
	}
}

func TestStreamBackpressure(t *testing.T) {
	var calls atomic.Int32
	chunks := make([]string, 10)
	for i := range chunks {
		chunks[i] = strconv.Itoa(i)
	}
	s := Begin(context.Background(), Session{Chunks: chunks, Buffer: 2}, indexSynth(&calls), newLogger())
	defer s.Close()

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	// Two frames buffered plus one producer blocked on the full channel.
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected producer to stall after 3 calls, got %d", got)
	}

	frames := collect(t, s)
	if len(frames) != 10 {
		t.Fatalf("expected all frames once drained, got %d", len(frames))
	}
}

func TestStreamConsumerGone(t *testing.T) {
	var calls atomic.Int32
	chunks := make([]string, 50)
	for i := range chunks {
		chunks[i] = strconv.Itoa(i)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := Begin(ctx, Session{Chunks: chunks, Buffer: 1}, indexSynth(&calls), newLogger())
	cancel()

	sum := s.Summary()
	if !sum.Cancelled {
		t.Fatalf("expected cancelled summary, got %+v", sum)
	}
	if sum.Err != nil {
		t.Fatalf("cancellation is not an error, got %v", sum.Err)
	}
	if got := calls.Load(); got > 2 {
		t.Fatalf("expected producer to stop, got %d engine calls", got)
	}
	for f := range s.Frames() {
		if f.Err != nil {
			t.Fatalf("unexpected error frame after cancellation: %v", f.Err)
		}
	}
}

func TestStreamCloseWaitsForInFlightCall(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	var once sync.Once
	synth := func(ctx context.Context, chunk string, first bool) (tts.Result, error) {
		once.Do(func() { close(started) })
		<-release
		finished.Store(true)
		return tts.Result{Samples: []float32{0}}, nil
	}
	s := Begin(context.Background(), Session{Chunks: []string{"only", "never"}}, synth, newLogger())
	<-started

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while an engine call was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	if !finished.Load() {
		t.Fatal("expected in-flight call to finish")
	}
}

func TestStreamEmptyChunks(t *testing.T) {
	s := Begin(context.Background(), Session{Framing: FramingWAV}, nil, newLogger())
	frames := collect(t, s)
	if len(frames) != 1 || len(frames[0].Data) != audio.HeaderSize {
		t.Fatalf("expected only the header, got %d frames", len(frames))
	}
}
