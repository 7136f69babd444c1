package runtime

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")
	cfg.Bus.StoreDir = ""
	return cfg
}

func startRuntime(t *testing.T, cfg config.Config) (*Runtime, *httptest.Server) {
	t.Helper()
	rt := New(cfg, newLogger(), "test")
	if err := rt.setup(context.Background()); err != nil {
		rt.teardown()
		t.Fatalf("setup: %v", err)
	}
	srv := httptest.NewServer(rt.handler)
	t.Cleanup(func() {
		srv.Close()
		rt.teardown()
	})
	return rt, srv
}

func get(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func speak(t *testing.T, base string) (int, []byte) {
	t.Helper()
	body := []byte(`{"model":"tts-1","input":"Hello there. General Kenobi.","response_format":"pcm"}`)
	resp, err := http.Post(base+"/v1/audio/speech", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, data
}

func TestHealthAndReadiness(t *testing.T) {
	rt, srv := startRuntime(t, baseConfig(t))

	if code := get(t, srv.URL+"/healthz"); code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", code)
	}
	if code := get(t, srv.URL+"/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("expected readyz 503 before start, got %d", code)
	}
	rt.ready.Store(true)
	if code := get(t, srv.URL+"/readyz"); code != http.StatusOK {
		t.Fatalf("expected readyz 200, got %d", code)
	}
	if code := get(t, srv.URL+"/health"); code != http.StatusOK {
		t.Fatalf("expected api health 200, got %d", code)
	}
}

func TestMockEngineServesSpeech(t *testing.T) {
	_, srv := startRuntime(t, baseConfig(t))
	code, data := speak(t, srv.URL)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", code, data)
	}
	// 4 words of 2880 samples, 2 bytes each.
	if len(data) != 4*2880*2 {
		t.Fatalf("unexpected body length %d", len(data))
	}
}

func TestAPIDisabledServesProbesOnly(t *testing.T) {
	cfg := baseConfig(t)
	cfg.API.Enabled = false
	_, srv := startRuntime(t, cfg)
	if code := get(t, srv.URL+"/healthz"); code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", code)
	}
	if code := get(t, srv.URL+"/v1/models"); code != http.StatusNotFound {
		t.Fatalf("expected 404 without api, got %d", code)
	}
}

func TestBusEngineWithRemoteWorker(t *testing.T) {
	workerCfg := baseConfig(t)
	workerCfg.RuntimeName = "loqa-tts-worker"
	workerCfg.API.Enabled = false
	workerCfg.Bus.Enabled = true
	workerCfg.Bus.Embedded = true
	workerCfg.Bus.Port = -1
	workerCfg.Worker.Enabled = true
	workerCfg.Worker.HeartbeatInterval = 50
	workerCfg.Worker.HeartbeatTimeout = 500
	worker, _ := startRuntime(t, workerCfg)

	apiCfg := baseConfig(t)
	apiCfg.Engine.Mode = "bus"
	apiCfg.Bus.Enabled = true
	apiCfg.Bus.Embedded = false
	apiCfg.Bus.Servers = []string{worker.natsServer.ClientURL()}
	apiCfg.Worker.HeartbeatInterval = 50
	apiCfg.Worker.HeartbeatTimeout = 500
	_, srv := startRuntime(t, apiCfg)

	// The API registry only learns about the worker from heartbeats since
	// the announce went out before it subscribed.
	deadline := time.Now().Add(3 * time.Second)
	for get(t, srv.URL+"/health") != http.StatusOK {
		if time.Now().After(deadline) {
			t.Fatal("bus engine never became healthy")
		}
		time.Sleep(20 * time.Millisecond)
	}

	code, data := speak(t, srv.URL)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", code, data)
	}
	if len(data) != 4*2880*2 {
		t.Fatalf("unexpected body length %d", len(data))
	}
}

func TestNewEngineRejectsBusWithoutClient(t *testing.T) {
	if _, err := newEngine(config.EngineConfig{Mode: "bus", Subject: "tts.synthesize"}, nil); err == nil {
		t.Fatal("expected error without a bus client")
	}
	if _, err := newEngine(config.EngineConfig{Mode: "neural"}, nil); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
