package api

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-tts/internal/backend"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/eventstore"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

// Samples the mock engine renders per word at 24 kHz.
const wordSamples = 2880

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.APIConfig {
	return config.Default().API
}

type fixture struct {
	srv    *httptest.Server
	store  *eventstore.Store
	health atomic.Bool
}

func newFixture(t *testing.T, engine tts.Synthesizer) *fixture {
	t.Helper()
	f := &fixture{}
	f.health.Store(true)
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "session",
	}, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	f.store = store
	b := backend.New(engine, backend.Options{Workers: 2, SampleRate: 24000, Timeout: 5 * time.Second, Health: f.health.Load}, newLogger())
	s := New(b, store, testConfig(), "test", newLogger())
	f.srv = httptest.NewServer(s.Routes())
	t.Cleanup(func() {
		f.srv.Close()
		b.Close()
		_ = store.Close()
	})
	return f
}

func (f *fixture) postSpeech(t *testing.T, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(f.srv.URL+"/v1/audio/speech", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func decodeError(t *testing.T, resp *http.Response) errorDetails {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

// failingAfter succeeds n times then fails every call.
func failingAfter(n int32) tts.Synthesizer {
	mock := tts.NewMockSynth(24000, 0)
	var calls atomic.Int32
	return tts.SynthesizerFunc(func(ctx context.Context, req tts.Request) (tts.Result, error) {
		if calls.Add(1) > n {
			return tts.Result{}, errors.New("onnx runtime exploded")
		}
		return mock.Synthesize(ctx, req)
	})
}

func TestRootAndHealth(t *testing.T) {
	f := newFixture(t, tts.NewMockSynth(24000, 0))

	for _, path := range []string{"/", "/v1"} {
		resp, err := http.Get(f.srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		var banner map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&banner)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || banner["version"] != "test" || banner["docs"] != "/v1/models" {
			t.Fatalf("unexpected banner for %s: %d %v", path, resp.StatusCode, banner)
		}
	}

	resp, err := http.Get(f.srv.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthy, got %d", resp.StatusCode)
	}

	f.health.Store(false)
	resp, err = http.Get(f.srv.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	var status map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&status)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable || status["status"] != "unhealthy" {
		t.Fatalf("expected 503 unhealthy, got %d %v", resp.StatusCode, status)
	}
}

func TestModelsAndVoices(t *testing.T) {
	f := newFixture(t, tts.NewMockSynth(24000, 0))

	resp, err := http.Get(f.srv.URL + "/v1/models")
	if err != nil {
		t.Fatalf("get models: %v", err)
	}
	var models struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&models)
	resp.Body.Close()
	if models.Object != "list" || len(models.Data) != 4 {
		t.Fatalf("unexpected models %+v", models)
	}

	resp, err = http.Get(f.srv.URL + "/v1/audio/voices")
	if err != nil {
		t.Fatalf("get voices: %v", err)
	}
	var voices struct {
		Data []struct {
			ID         string  `json:"id"`
			PreviewURL *string `json:"preview_url"`
		} `json:"data"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&voices)
	resp.Body.Close()
	ids := map[string]bool{}
	for _, v := range voices.Data {
		ids[v.ID] = true
	}
	if !ids["af_heart"] || !ids["alloy"] {
		t.Fatalf("expected engine voices and aliases, got %d entries", len(voices.Data))
	}
}

func TestSpeechValidation(t *testing.T) {
	f := newFixture(t, tts.NewMockSynth(24000, 0))
	cases := []struct {
		name  string
		body  map[string]any
		param string
	}{
		{"unknown model", map[string]any{"model": "tts-2", "input": "hi"}, "model"},
		{"empty input", map[string]any{"model": "tts-1", "input": ""}, ""},
		{"too long", map[string]any{"model": "tts-1", "input": strings.Repeat("a", 4097)}, ""},
		{"mp3", map[string]any{"model": "tts-1", "input": "hi", "response_format": "mp3"}, "response_format"},
		{"voice", map[string]any{"model": "tts-1", "input": "hi", "voice": "robot"}, "voice"},
		{"speed", map[string]any{"model": "tts-1", "input": "hi", "speed": 5}, "speed"},
		{"silence", map[string]any{"model": "tts-1", "input": "hi", "initial_silence": -1}, "initial_silence"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.postSpeech(t, tc.body)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
			details := decodeError(t, resp)
			if details.Type != KindInvalidRequest {
				t.Fatalf("unexpected type %q", details.Type)
			}
			got := ""
			if details.Param != nil {
				got = *details.Param
			}
			if got != tc.param {
				t.Fatalf("expected param %q, got %q", tc.param, got)
			}
		})
	}
}

func TestSpeechInvalidJSON(t *testing.T) {
	f := newFixture(t, tts.NewMockSynth(24000, 0))
	resp, err := http.Post(f.srv.URL+"/v1/audio/speech", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSpeechWAV(t *testing.T) {
	f := newFixture(t, tts.NewMockSynth(24000, 0))
	resp := f.postSpeech(t, map[string]any{"model": "tts-1", "input": "Hello world."})
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("missing X-Request-Id")
	}
	if string(body[:4]) != "RIFF" {
		t.Fatalf("expected RIFF header, got %q", body[:4])
	}
	if want := 44 + 2*2*wordSamples; len(body) != want {
		t.Fatalf("expected %d bytes, got %d", want, len(body))
	}
	if size := binary.LittleEndian.Uint32(body[40:44]); size != 2*2*wordSamples {
		t.Fatalf("unexpected data size %d", size)
	}
}

func TestSpeechPCMWithAliasAndSilence(t *testing.T) {
	f := newFixture(t, tts.NewMockSynth(24000, 0))
	resp := f.postSpeech(t, map[string]any{
		"model":           "kokoro",
		"input":           "Hello world.",
		"voice":           "Alloy",
		"response_format": "PCM",
		"speed":           2.0,
		"initial_silence": 100,
	})
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/pcm" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if want := 2 * (100 + wordSamples); len(body) != want {
		t.Fatalf("expected %d bytes, got %d", want, len(body))
	}
	for i := 0; i < 200; i++ {
		if body[i] != 0 {
			t.Fatalf("expected leading silence, byte %d = %d", i, body[i])
		}
	}
}

func TestSpeechBackendErrorMasked(t *testing.T) {
	f := newFixture(t, failingAfter(0))
	resp := f.postSpeech(t, map[string]any{"model": "tts-1", "input": "Hello"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	details := decodeError(t, resp)
	if details.Message != "Backend processing error" || details.Type != KindAPI {
		t.Fatalf("unexpected error %+v", details)
	}
}

func TestStreamingPCM(t *testing.T) {
	f := newFixture(t, tts.NewMockSynth(24000, 0))
	resp := f.postSpeech(t, map[string]any{
		"model":           "tts-1",
		"input":           "One two. Three four five.",
		"response_format": "pcm",
		"stream":          true,
	})
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.Header.Get("Cache-Control") != "no-cache" || resp.Header.Get("X-Accel-Buffering") != "no" {
		t.Fatalf("missing streaming headers: %v", resp.Header)
	}
	if want := 2 * 5 * wordSamples; len(body) != want {
		t.Fatalf("expected %d bytes, got %d", want, len(body))
	}
}

func TestStreamingWAVHeader(t *testing.T) {
	f := newFixture(t, tts.NewMockSynth(24000, 0))
	resp := f.postSpeech(t, map[string]any{"model": "tts-1", "input": "One two. Three.", "stream": true})
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body[:4]) != "RIFF" || string(body[8:12]) != "WAVE" {
		t.Fatalf("expected WAV header, got %q", body[:12])
	}
	if binary.LittleEndian.Uint32(body[4:8]) != 0xFFFFFFFF || binary.LittleEndian.Uint32(body[40:44]) != 0xFFFFFFFF {
		t.Fatal("expected streaming size sentinels")
	}
	if want := 44 + 2*3*wordSamples; len(body) != want {
		t.Fatalf("expected %d bytes, got %d", want, len(body))
	}
}

func TestStreamingErrorTruncatesBody(t *testing.T) {
	f := newFixture(t, failingAfter(1))
	resp := f.postSpeech(t, map[string]any{
		"model":           "tts-1",
		"input":           "One two. Three four. Five six.",
		"response_format": "pcm",
		"stream":          true,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 before failure, got %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err == nil {
		t.Fatal("expected truncated body to surface a read error")
	}
	if len(body) != 2*2*wordSamples {
		t.Fatalf("expected first chunk to be delivered, got %d bytes", len(body))
	}
}

func TestStreamingWhitespaceInput(t *testing.T) {
	f := newFixture(t, tts.NewMockSynth(24000, 0))
	resp := f.postSpeech(t, map[string]any{"model": "tts-1", "input": "   ", "stream": true})
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(body) != 44 {
		t.Fatalf("expected header only, got %d bytes", len(body))
	}
}

type timeline struct {
	Request struct {
		ID     string `json:"id"`
		Voice  string `json:"voice"`
		Stream bool   `json:"stream"`
	} `json:"request"`
	Data []struct {
		Type string `json:"type"`
	} `json:"data"`
}

func (f *fixture) timeline(t *testing.T, id string) (int, timeline) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + "/v1/audio/requests/" + id + "/events")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer resp.Body.Close()
	var tl timeline
	_ = json.NewDecoder(resp.Body).Decode(&tl)
	return resp.StatusCode, tl
}

func eventTypes(tl timeline) []string {
	types := make([]string, 0, len(tl.Data))
	for _, e := range tl.Data {
		types = append(types, e.Type)
	}
	return types
}

func TestRequestTimeline(t *testing.T) {
	f := newFixture(t, tts.NewMockSynth(24000, 0))

	resp := f.postSpeech(t, map[string]any{"model": "tts-1", "input": "Hello world.", "voice": "nova"})
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	id := resp.Header.Get("X-Request-Id")

	status, tl := f.timeline(t, id)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if tl.Request.ID != id || tl.Request.Voice != "af_nova" || tl.Request.Stream {
		t.Fatalf("unexpected request view %+v", tl.Request)
	}
	got := strings.Join(eventTypes(tl), ",")
	if got != "speech.request,speech.complete" {
		t.Fatalf("unexpected events %s", got)
	}

	resp = f.postSpeech(t, map[string]any{"model": "tts-1", "input": "One. Two.", "stream": true})
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	id = resp.Header.Get("X-Request-Id")

	want := "speech.request,speech.chunk,speech.chunk,speech.complete"
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, tl = f.timeline(t, id)
		got = strings.Join(eventTypes(tl), ",")
		if got == want {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %s, got %s", want, got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRequestTimelineNotFound(t *testing.T) {
	f := newFixture(t, tts.NewMockSynth(24000, 0))
	status, _ := f.timeline(t, "missing")
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
}

func wsURL(f *fixture) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/audio/speech/ws"
}

func TestWebSocketStream(t *testing.T) {
	f := newFixture(t, tts.NewMockSynth(24000, 0))
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"model": "tts-1", "input": "One two. Three.", "response_format": "pcm"}); err != nil {
		t.Fatalf("write request: %v", err)
	}
	var start wsStart
	if err := conn.ReadJSON(&start); err != nil {
		t.Fatalf("read start: %v", err)
	}
	if start.RequestID == "" || start.Format != "pcm" || start.SampleRate != 24000 {
		t.Fatalf("unexpected start %+v", start)
	}

	total := 0
	frames := 0
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("expected normal close, got %v", err)
			}
			break
		}
		if typ != websocket.BinaryMessage {
			t.Fatalf("unexpected message type %d", typ)
		}
		frames++
		total += len(data)
	}
	if frames != 2 || total != 2*3*wordSamples {
		t.Fatalf("expected 2 frames of audio, got %d frames %d bytes", frames, total)
	}
}

func TestWebSocketValidationError(t *testing.T) {
	f := newFixture(t, tts.NewMockSynth(24000, 0))
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"model": "tts-1", "input": "hi", "voice": "robot"}); err != nil {
		t.Fatalf("write request: %v", err)
	}
	var body errorBody
	if err := conn.ReadJSON(&body); err != nil {
		t.Fatalf("read error: %v", err)
	}
	if body.Error.Type != KindInvalidRequest || body.Error.Param == nil || *body.Error.Param != "voice" {
		t.Fatalf("unexpected error %+v", body.Error)
	}
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestWebSocketEngineError(t *testing.T) {
	f := newFixture(t, failingAfter(1))
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"model": "tts-1", "input": "One. Two. Three.", "response_format": "pcm"}); err != nil {
		t.Fatalf("write request: %v", err)
	}
	var start wsStart
	if err := conn.ReadJSON(&start); err != nil {
		t.Fatalf("read start: %v", err)
	}
	typ, _, err := conn.ReadMessage()
	if err != nil || typ != websocket.BinaryMessage {
		t.Fatalf("expected first chunk, got %d %v", typ, err)
	}
	var body errorBody
	if err := conn.ReadJSON(&body); err != nil {
		t.Fatalf("read error: %v", err)
	}
	if body.Error.Message != "Backend processing error" {
		t.Fatalf("unexpected error %+v", body.Error)
	}
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseInternalServerErr) {
		t.Fatalf("expected internal error close, got %v", err)
	}
}

func TestChunksForFallback(t *testing.T) {
	if got := chunksFor("  \n "); len(got) != 0 {
		t.Fatalf("expected no chunks, got %q", got)
	}
	if got := chunksFor("One. Two."); len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %q", got)
	}
}
