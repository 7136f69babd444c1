package tts

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/nats-io/nats.go"
)

// QueueGroup load-balances requests across every worker on a subject.
const QueueGroup = "tts-workers"

// Service answers synthesis requests from the bus with a local engine.
type Service struct {
	cfg     config.WorkerConfig
	timeout time.Duration
	bus     *bus.Client
	synth   Synthesizer
	sema    chan struct{}
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func NewService(parent context.Context, cfg config.WorkerConfig, engine config.EngineConfig, busClient *bus.Client, synth Synthesizer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	workers := engine.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Service{
		cfg:     cfg,
		timeout: time.Duration(engine.TimeoutMS) * time.Millisecond,
		bus:     busClient,
		synth:   synth,
		sema:    make(chan struct{}, workers),
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "tts-worker")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().QueueSubscribe(s.cfg.Subject, QueueGroup, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("tts worker listening", slog.String("subject", s.cfg.Subject))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req WireRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		s.reply(msg, WireResponse{Error: "invalid request payload"})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case s.sema <- struct{}{}:
		case <-s.ctx.Done():
			s.reply(msg, WireResponse{Error: "worker shutting down"})
			return
		}
		defer func() { <-s.sema }()

		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		start := time.Now()
		res, err := s.synth.Synthesize(ctx, req.request())
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Warn("tts synthesis error", slog.String("request_id", req.RequestID), slogError(err))
			}
			s.reply(msg, WireResponse{Error: err.Error()})
			return
		}
		s.logger.Debug("tts synthesis complete",
			slog.String("request_id", req.RequestID),
			slog.Int("samples", len(res.Samples)),
			slog.Duration("elapsed", time.Since(start)))
		s.reply(msg, EncodeResult(res))
	}()
}

func (s *Service) reply(msg *nats.Msg, resp WireResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("failed to marshal tts reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to publish tts reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
