package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/catalog"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/stream"
	"github.com/loqalabs/loqa-tts/internal/textsplit"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

const (
	timeLayout   = time.RFC3339Nano
	maxBodyBytes = 1 << 20
)

// SpeechRequest is the body of POST /v1/audio/speech and the first message
// on the WebSocket endpoint.
type SpeechRequest struct {
	Model          string   `json:"model"`
	Input          string   `json:"input"`
	Voice          string   `json:"voice"`
	ResponseFormat string   `json:"response_format"`
	Speed          *float32 `json:"speed"`
	InitialSilence *int     `json:"initial_silence"`
	Stream         bool     `json:"stream"`
}

// speech is a validated request.
type speech struct {
	id      string
	model   string
	input   string
	voice   string
	format  audio.Format
	speed   float32
	silence *int
	stream  bool
}

func (s *Server) validate(req SpeechRequest) (speech, error) {
	if req.Voice == "" {
		req.Voice = s.cfg.DefaultVoice
	}
	if req.ResponseFormat == "" {
		req.ResponseFormat = s.cfg.DefaultFormat
	}
	speed := float32(1.0)
	if req.Speed != nil {
		speed = *req.Speed
	}

	if err := catalog.ValidateModel(req.Model); err != nil {
		return speech{}, err
	}
	if err := catalog.ValidateInput(req.Input, s.cfg.MaxInputChars); err != nil {
		return speech{}, err
	}
	format, err := catalog.ValidateFormat(req.ResponseFormat)
	if err != nil {
		return speech{}, err
	}
	voice, err := catalog.ValidateVoice(req.Voice)
	if err != nil {
		return speech{}, err
	}
	if err := catalog.ValidateSpeed(speed); err != nil {
		return speech{}, err
	}
	if req.InitialSilence != nil && *req.InitialSilence < 0 {
		return speech{}, invalidRequest("initial_silence must not be negative", "initial_silence")
	}

	return speech{
		id:      uuid.NewString(),
		model:   req.Model,
		input:   req.Input,
		voice:   voice,
		format:  format,
		speed:   speed,
		silence: req.InitialSilence,
		stream:  req.Stream,
	}, nil
}

func decodeSpeechRequest(r *http.Request) (SpeechRequest, error) {
	var req SpeechRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		return req, invalidRequest(fmt.Sprintf("Invalid JSON body: %v", err), "")
	}
	return req, nil
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSpeechRequest(r)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	sp, err := s.validate(req)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	log := s.logger.With(slog.String("request_id", sp.id))
	log.Debug("received speech request",
		slog.String("model", sp.model),
		slog.String("voice", sp.voice),
		slog.String("format", string(sp.format)),
		slog.Bool("stream", sp.stream))

	s.countRequest(r.Context(), string(sp.format), sp.stream)
	s.recordRequest(r.Context(), sp, log)

	if sp.stream {
		s.streamSpeech(w, r, sp, log)
		return
	}
	s.synthesizeWhole(w, r, sp, log)
}

func (s *Server) synthesizeWhole(w http.ResponseWriter, r *http.Request, sp speech, log *slog.Logger) {
	start := time.Now()
	res, err := s.engine.Synthesize(r.Context(), tts.Request{
		RequestID:      sp.id,
		Text:           sp.input,
		Voice:          sp.voice,
		Speed:          sp.speed,
		LeadingSilence: sp.silence,
	})
	if err != nil {
		log.Error("synthesis failed", slogError(err))
		s.recordEvent(r.Context(), sp.id, eventstore.TypeError, map[string]any{"error": err.Error()}, log)
		writeError(w, log, errBackend)
		return
	}

	body, err := sp.format.Encode(res.Samples, res.SampleRate)
	if err != nil {
		s.recordEvent(r.Context(), sp.id, eventstore.TypeError, map[string]any{"error": err.Error()}, log)
		writeError(w, log, err)
		return
	}

	log.Info("synthesis complete",
		slog.Int("samples", len(res.Samples)),
		slog.Int64("duration_ms", audio.DurationMillis(len(res.Samples), res.SampleRate)),
		slog.Duration("elapsed", time.Since(start)))
	s.recordEvent(r.Context(), sp.id, eventstore.TypeComplete, map[string]any{
		"samples":     len(res.Samples),
		"sample_rate": res.SampleRate,
		"bytes":       len(body),
	}, log)

	w.Header().Set("Content-Type", sp.format.ContentType())
	w.Header().Set("X-Request-Id", sp.id)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// chunksFor splits the input, falling back to the trimmed input as a
// single chunk when splitting finds nothing.
func chunksFor(input string) []string {
	chunks := textsplit.Split(input)
	if len(chunks) == 0 {
		if trimmed := strings.TrimSpace(input); trimmed != "" {
			chunks = []string{trimmed}
		}
	}
	return chunks
}

func framingFor(f audio.Format) stream.Framing {
	if f == audio.FormatWAV {
		return stream.FramingWAV
	}
	return stream.FramingPCM
}

// beginStream starts the producer for sp. ctx ending stops it.
func (s *Server) beginStream(ctx context.Context, sp speech, log *slog.Logger) *stream.Stream {
	sess := stream.Session{
		RequestID:  sp.id,
		Chunks:     chunksFor(sp.input),
		Framing:    framingFor(sp.format),
		SampleRate: s.engine.SampleRate(),
		Buffer:     s.cfg.StreamBuffer,
	}
	return stream.Begin(ctx, sess, s.chunkSynth(sp, log), s.logger)
}

func (s *Server) chunkSynth(sp speech, log *slog.Logger) stream.SynthesizeFunc {
	return func(ctx context.Context, chunk string, first bool) (tts.Result, error) {
		req := tts.Request{RequestID: sp.id, Text: chunk, Voice: sp.voice, Speed: sp.speed}
		if first {
			req.LeadingSilence = sp.silence
		}
		res, err := s.engine.Synthesize(ctx, req)
		if err != nil {
			return res, err
		}
		if s.chunks != nil {
			s.chunks.Add(context.WithoutCancel(ctx), 1)
		}
		s.recordEvent(ctx, sp.id, eventstore.TypeChunk, map[string]any{
			"chars":   utf8.RuneCountInString(chunk),
			"samples": len(res.Samples),
		}, log)
		return res, nil
	}
}

func (s *Server) streamSpeech(w http.ResponseWriter, r *http.Request, sp speech, log *slog.Logger) {
	st := s.beginStream(r.Context(), sp, log)
	defer st.Close()

	w.Header().Set("Content-Type", sp.format.ContentType())
	w.Header().Set("X-Request-Id", sp.id)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	for frame := range st.Frames() {
		if frame.Err != nil {
			s.finishStream(r.Context(), sp, st, log)
			// Abort so the client sees a truncated body rather than a clean
			// end of stream.
			panic(http.ErrAbortHandler)
		}
		if _, err := w.Write(frame.Data); err != nil {
			log.Debug("client write failed", slogError(err))
			st.Close()
			break
		}
		if err := rc.Flush(); err != nil {
			log.Debug("flush failed", slogError(err))
			st.Close()
			break
		}
	}
	s.finishStream(r.Context(), sp, st, log)
}

// finishStream records how the stream ended.
func (s *Server) finishStream(ctx context.Context, sp speech, st *stream.Stream, log *slog.Logger) {
	sum := st.Summary()
	switch {
	case sum.Err != nil:
		var chunkErr *stream.ChunkError
		payload := map[string]any{"error": sum.Err.Error()}
		if errors.As(sum.Err, &chunkErr) {
			payload["chunk"] = chunkErr.Index
		}
		s.recordEvent(ctx, sp.id, eventstore.TypeError, payload, log)
	case sum.Cancelled:
		s.recordEvent(ctx, sp.id, eventstore.TypeCancelled, map[string]any{"chunks": sum.Chunks}, log)
	default:
		s.recordEvent(ctx, sp.id, eventstore.TypeComplete, map[string]any{
			"chunks":  sum.Chunks,
			"samples": sum.Samples,
		}, log)
	}
}

func (s *Server) recordRequest(ctx context.Context, sp speech, log *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	err := s.store.AppendRequest(ctx, eventstore.Request{
		ID:         sp.id,
		Model:      sp.model,
		Voice:      sp.voice,
		Format:     string(sp.format),
		Stream:     sp.stream,
		InputChars: utf8.RuneCountInString(sp.input),
	})
	if err != nil {
		log.Warn("failed to record request", slogError(err))
		return
	}
	s.recordEvent(ctx, sp.id, eventstore.TypeRequest, map[string]any{"speed": sp.speed, "initial_silence": sp.silence}, log)
}

// recordEvent writes a timeline entry. Failures are logged and never reach
// the client.
func (s *Server) recordEvent(ctx context.Context, requestID, typ string, payload map[string]any, log *slog.Logger) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Warn("failed to encode event payload", slogError(err))
		return
	}
	err = s.store.AppendEvent(context.WithoutCancel(ctx), eventstore.Event{RequestID: requestID, Type: typ, Payload: data})
	if err != nil {
		log.Warn("failed to record event", slog.String("type", typ), slogError(err))
	}
}
