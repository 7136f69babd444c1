// Package registry tracks synthesis workers on the bus. A worker process
// announces itself and heartbeats; every process subscribes and marks
// workers unhealthy once their heartbeats go stale.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	AnnounceSubject  = "tts.worker.announce"
	HeartbeatSubject = "tts.worker.heartbeat"
)

// WorkerInfo is the registry view of one worker.
type WorkerInfo struct {
	ID         string    `json:"id"`
	Subject    string    `json:"subject"`
	SampleRate int       `json:"sample_rate"`
	Slots      int       `json:"slots"`
	LastSeen   time.Time `json:"last_seen"`
	Healthy    bool      `json:"healthy"`
}

type announceMessage struct {
	NodeID     string    `json:"node_id"`
	Subject    string    `json:"subject"`
	SampleRate int       `json:"sample_rate"`
	Slots      int       `json:"slots"`
	Timestamp  time.Time `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

type Registry struct {
	cfg     config.WorkerConfig
	engine  config.EngineConfig
	log     *slog.Logger
	bus     *bus.Client
	mu      sync.RWMutex
	workers map[string]*WorkerInfo
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	subs    []*nats.Subscription
	meter   metric.Meter
	now     func() time.Time
}

// New subscribes to worker announcements. When cfg.Enabled is set the
// process also announces itself as cfg.NodeID and heartbeats until Close.
func New(ctx context.Context, cfg config.WorkerConfig, engine config.EngineConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:     cfg,
		engine:  engine,
		log:     log.With(slog.String("component", "worker-registry")),
		bus:     busClient,
		workers: make(map[string]*WorkerInfo),
		meter:   otel.Meter("github.com/loqalabs/loqa-tts/registry"),
		cancel:  cancel,
		now:     time.Now,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.wg.Add(1)
	go r.monitorHealth(ctx)

	if cfg.Enabled {
		if err := r.announce(); err != nil {
			r.log.Warn("failed to announce worker", slog.String("error", err.Error()))
		}
		r.wg.Add(1)
		go r.runHeartbeat(ctx)
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.wg.Wait()
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(AnnounceSubject, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(HeartbeatSubject+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	// Make sure both subscriptions are registered before anyone announces.
	return conn.Flush()
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) interval() time.Duration {
	if r.cfg.HeartbeatInterval <= 0 {
		return time.Second
	}
	return time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond
}

func (r *Registry) announce() error {
	slots := r.engine.Workers
	if slots <= 0 {
		slots = 1
	}
	msg := announceMessage{
		NodeID:     r.cfg.NodeID,
		Subject:    r.cfg.Subject,
		SampleRate: r.engine.SampleRate,
		Slots:      slots,
		Timestamp:  r.now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(AnnounceSubject, payload)
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:    r.cfg.NodeID,
		Timestamp: r.now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(HeartbeatSubject+"."+r.cfg.NodeID, payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a announceMessage
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.NodeID == "" {
		r.log.Warn("invalid announce message")
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = r.now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[a.NodeID]
	if !ok {
		w = &WorkerInfo{ID: a.NodeID}
		r.workers[a.NodeID] = w
		r.log.Info("worker joined", slog.String("worker", a.NodeID), slog.String("subject", a.Subject))
	}
	w.Subject = a.Subject
	w.SampleRate = a.SampleRate
	w.Slots = a.Slots
	w.LastSeen = a.Timestamp
	w.Healthy = true
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message")
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[hb.NodeID]
	if !ok {
		// Heartbeat from a worker whose announce we missed.
		w = &WorkerInfo{ID: hb.NodeID}
		r.workers[hb.NodeID] = w
	}
	w.LastSeen = hb.Timestamp
	w.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.now()
	for _, w := range r.workers {
		if w.Healthy && now.Sub(w.LastSeen) > timeout {
			w.Healthy = false
			r.log.Warn("worker heartbeat stale", slog.String("worker", w.ID))
		}
	}
}

// Healthy reports whether at least one worker is currently healthy.
func (r *Registry) Healthy() bool {
	return r.Available() > 0
}

// Available counts healthy workers.
func (r *Registry) Available() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, w := range r.workers {
		if w.Healthy {
			n++
		}
	}
	return n
}

// Workers returns a snapshot sorted by id.
func (r *Registry) Workers() []WorkerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) initMetrics() error {
	gauge, err := r.meter.Int64ObservableGauge("loqa.workers.known", metric.WithDescription("Number of known synthesis workers"))
	if err != nil {
		return err
	}
	healthyGauge, err := r.meter.Int64ObservableGauge("loqa.workers.healthy", metric.WithDescription("Number of healthy synthesis workers"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		r.mu.RLock()
		known := int64(len(r.workers))
		r.mu.RUnlock()
		obs.ObserveInt64(gauge, known)
		obs.ObserveInt64(healthyGauge, int64(r.Available()))
		return nil
	}, gauge, healthyGauge)
	return err
}
