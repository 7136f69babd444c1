// Package backend puts the admission gate, timeouts and instrumentation in
// front of a synthesis engine. A single Backend is shared by every request.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned once the backend has been shut down.
var ErrClosed = errors.New("backend closed")

// Options configures a Backend. Zero Workers means one.
type Options struct {
	Workers    int
	SampleRate uint32
	Timeout    time.Duration
	// Health reports whether the engine itself can serve requests. Nil
	// means always healthy.
	Health func() bool
}

// Backend admits synthesis calls to a single engine and records their
// latency and failures.
type Backend struct {
	engine     tts.Synthesizer
	gate       *semaphore.Weighted
	workers    int
	sampleRate uint32
	timeout    time.Duration
	health     func() bool
	closed     atomic.Bool
	logger     *slog.Logger

	tracer   trace.Tracer
	duration metric.Float64Histogram
	inflight metric.Int64UpDownCounter
	failures metric.Int64Counter
}

func New(engine tts.Synthesizer, opts Options, logger *slog.Logger) *Backend {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = audio.DefaultSampleRate
	}
	b := &Backend{
		engine:     engine,
		gate:       semaphore.NewWeighted(int64(opts.Workers)),
		workers:    opts.Workers,
		sampleRate: opts.SampleRate,
		timeout:    opts.Timeout,
		health:     opts.Health,
		logger:     logger.With(slog.String("component", "backend")),
		tracer:     otel.Tracer("github.com/loqalabs/loqa-tts/backend"),
	}
	if err := b.initMetrics(); err != nil {
		b.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	b.logger.Info("backend ready", slog.Int("workers", opts.Workers), slog.Int("sample_rate", int(opts.SampleRate)))
	return b
}

func (b *Backend) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-tts/backend")
	var err error
	if b.duration, err = meter.Float64Histogram("loqa.tts.synthesis.duration",
		metric.WithDescription("Engine call latency"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if b.inflight, err = meter.Int64UpDownCounter("loqa.tts.inflight",
		metric.WithDescription("Engine calls currently running")); err != nil {
		return err
	}
	if b.failures, err = meter.Int64Counter("loqa.tts.synthesis.failures",
		metric.WithDescription("Engine calls that returned an error")); err != nil {
		return err
	}
	return nil
}

// Synthesize waits for a worker slot, then runs one engine call. Waiting
// honours ctx. Once started the call is detached from ctx and bounded only
// by the configured timeout, so a departing client never interrupts an
// engine mid-inference.
func (b *Backend) Synthesize(ctx context.Context, req tts.Request) (tts.Result, error) {
	if b.closed.Load() {
		return tts.Result{}, ErrClosed
	}
	ctx, span := b.tracer.Start(ctx, "tts.synthesize", trace.WithAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("voice", req.Voice),
		attribute.Int("text_chars", len(req.Text)),
	))
	defer span.End()

	if err := b.gate.Acquire(ctx, 1); err != nil {
		span.SetStatus(codes.Error, "admission cancelled")
		return tts.Result{}, err
	}
	defer b.gate.Release(1)

	callCtx := context.WithoutCancel(ctx)
	if b.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, b.timeout)
		defer cancel()
	}

	attrs := metric.WithAttributes(attribute.String("voice", req.Voice))
	b.addInflight(callCtx, 1)
	start := time.Now()
	res, err := b.engine.Synthesize(callCtx, req)
	elapsed := time.Since(start)
	b.addInflight(callCtx, -1)
	if b.duration != nil {
		b.duration.Record(callCtx, float64(elapsed.Microseconds())/1000, attrs)
	}

	if err != nil {
		if b.failures != nil {
			b.failures.Add(callCtx, 1, attrs)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return tts.Result{}, fmt.Errorf("engine: %w", err)
	}
	if res.SampleRate == 0 {
		res.SampleRate = b.sampleRate
	}
	span.SetAttributes(attribute.Int("samples", len(res.Samples)))
	b.logger.Debug("synthesis complete",
		slog.String("request_id", req.RequestID),
		slog.Int("samples", len(res.Samples)),
		slog.Duration("elapsed", elapsed))
	return res, nil
}

func (b *Backend) addInflight(ctx context.Context, delta int64) {
	if b.inflight != nil {
		b.inflight.Add(ctx, delta)
	}
}

// WorkerLimit is the number of engine calls allowed to run at once.
func (b *Backend) WorkerLimit() int { return b.workers }

// SampleRate is the rate assumed before the engine has produced audio.
func (b *Backend) SampleRate() uint32 { return b.sampleRate }

func (b *Backend) Healthy() bool {
	if b.closed.Load() || b.sampleRate == 0 {
		return false
	}
	return b.health == nil || b.health()
}

// Close rejects new calls. Calls already admitted run to completion.
func (b *Backend) Close() {
	b.closed.Store(true)
}
