// Package api serves the OpenAI-compatible speech endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-tts/internal/catalog"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Engine is the synthesis backend behind the API.
type Engine interface {
	Synthesize(ctx context.Context, req tts.Request) (tts.Result, error)
	SampleRate() uint32
	Healthy() bool
}

type Server struct {
	engine   Engine
	store    *eventstore.Store
	cfg      config.APIConfig
	version  string
	logger   *slog.Logger
	upgrader websocket.Upgrader

	requests metric.Int64Counter
	chunks   metric.Int64Counter
}

// New builds the API. store may be nil, in which case no timeline is
// recorded.
func New(engine Engine, store *eventstore.Store, cfg config.APIConfig, version string, logger *slog.Logger) *Server {
	s := &Server{
		engine:  engine,
		store:   store,
		cfg:     cfg,
		version: version,
		logger:  logger.With(slog.String("component", "api")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 16384,
		},
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

func (s *Server) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-tts/api")
	requests, err := meter.Int64Counter("loqa.tts.requests", metric.WithDescription("Speech requests accepted"))
	if err != nil {
		return err
	}
	chunks, err := meter.Int64Counter("loqa.tts.chunks", metric.WithDescription("Text chunks synthesized in streaming mode"))
	if err != nil {
		return err
	}
	s.requests = requests
	s.chunks = chunks
	return nil
}

// Routes returns the API handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/", s.handleRoot)
		r.Get("/models", s.handleModels)
		r.Get("/audio/voices", s.handleVoices)
		r.Post("/audio/speech", s.handleSpeech)
		if s.cfg.WebSocket {
			r.Get("/audio/speech/ws", s.handleSpeechWS)
		}
		r.Get("/audio/requests/{id}/events", s.handleRequestEvents)
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, s.logger, &Error{Status: http.StatusNotFound, Kind: KindNotFound, Message: "Not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, s.logger, &Error{Status: http.StatusMethodNotAllowed, Kind: KindInvalidRequest, Message: "Method not allowed"})
	})
	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Loqa OpenAI TTS Server",
		"version": s.version,
		"docs":    "/v1/models",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.engine.Healthy() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
}

type listResponse[T any] struct {
	Object string `json:"object"`
	Data   []T    `json:"data"`
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, listResponse[catalog.Model]{Object: "list", Data: catalog.Models()})
}

func (s *Server) handleVoices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, listResponse[catalog.Voice]{Object: "list", Data: catalog.VoicesWithAliases()})
}

type eventView struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt string          `json:"created_at"`
}

type requestView struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	Voice      string `json:"voice"`
	Format     string `json:"response_format"`
	Stream     bool   `json:"stream"`
	InputChars int    `json:"input_chars"`
	CreatedAt  string `json:"created_at"`
}

type timelineResponse struct {
	Object  string      `json:"object"`
	Request requestView `json:"request"`
	Data    []eventView `json:"data"`
}

func (s *Server) handleRequestEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := s.store.GetRequest(r.Context(), id)
	if err != nil {
		if errors.Is(err, eventstore.ErrNotFound) {
			err = &Error{Status: http.StatusNotFound, Kind: KindNotFound, Message: "Request '" + id + "' not found", Param: "id"}
		}
		writeError(w, s.logger, err)
		return
	}
	events, err := s.store.ListRequestEvents(r.Context(), id, 0)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	resp := timelineResponse{
		Object: "list",
		Request: requestView{
			ID:         req.ID,
			Model:      req.Model,
			Voice:      req.Voice,
			Format:     req.Format,
			Stream:     req.Stream,
			InputChars: req.InputChars,
			CreatedAt:  req.CreatedAt.Format(timeLayout),
		},
		Data: make([]eventView, 0, len(events)),
	}
	for _, e := range events {
		resp.Data = append(resp.Data, eventView{
			ID:        e.ID,
			Type:      e.Type,
			Payload:   json.RawMessage(e.Payload),
			CreatedAt: e.CreatedAt.Format(timeLayout),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) countRequest(ctx context.Context, format string, streaming bool) {
	if s.requests == nil {
		return
	}
	s.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("format", format),
		attribute.Bool("stream", streaming),
	))
}
