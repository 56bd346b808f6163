package server

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
	"strings"
	"testing"

	"github.com/voxflow-labs/voxflow-core/internal/config"
	"github.com/voxflow-labs/voxflow-core/internal/engine"
	"github.com/voxflow-labs/voxflow-core/internal/pipeline"
	"github.com/voxflow-labs/voxflow-core/internal/requestlog"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return newTestServerWith(t, 400, func() engine.Engine { return engine.NewMock(24000, 1) })
}

func newTestServerWith(t *testing.T, maxChunkLen int, eng func() engine.Engine) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))

	engCfg := config.EngineConfig{
		Mode:         "mock",
		SampleRate:   24000,
		Channels:     1,
		DefaultVoice: "af_sarah",
		DefaultSpeed: 1.0,
	}
	pipeCfg := config.PipelineConfig{Workers: 2, MaxChunkLen: maxChunkLen}

	factory := func() (engine.Engine, error) { return eng(), nil }
	pipe, err := pipeline.New(pipeCfg, engCfg, factory, nil, logger)
	if err != nil {
		t.Fatalf("build pipeline: %v", err)
	}
	t.Cleanup(pipe.Close)

	store, err := requestlog.Open(context.Background(), config.RequestLogConfig{Enabled: false}, logger)
	if err != nil {
		t.Fatalf("open request log: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	srv := New(pipe, nil, store, engCfg, pipeCfg, logger)
	mux := http.NewServeMux()
	srv.Register(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func postSpeech(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/v1/audio/speech", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post speech: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSpeechBuffered(t *testing.T) {
	ts := newTestServer(t)

	resp := postSpeech(t, ts, `{"input": "Hello there. This is a test."}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Fatalf("unexpected content type: %q", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(body) <= 44 {
		t.Fatalf("expected PCM payload beyond the header, got %d bytes", len(body))
	}
	if !bytes.HasPrefix(body, []byte("RIFF")) || string(body[8:12]) != "WAVE" {
		t.Fatalf("malformed wav header: %q", body[:12])
	}
	// Buffered responses carry real sizes, not streaming placeholders.
	if got := binary.LittleEndian.Uint32(body[4:8]); got != uint32(len(body)-8) {
		t.Fatalf("riff size %d does not match body length %d", got, len(body))
	}
	if got := binary.LittleEndian.Uint32(body[40:44]); got != uint32(len(body)-44) {
		t.Fatalf("data size %d does not match payload length %d", got, len(body)-44)
	}
}

func TestSpeechStreaming(t *testing.T) {
	ts := newTestServer(t)

	resp := postSpeech(t, ts, `{"input": "Hello there.", "stream": true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(body) < 44 {
		t.Fatalf("expected at least a wav header, got %d bytes", len(body))
	}
	// Streaming cannot seek back, so the sizes stay at the placeholder.
	if got := binary.LittleEndian.Uint32(body[4:8]); got != 0xFFFFFFFF {
		t.Fatalf("expected placeholder riff size, got %d", got)
	}
}

func TestSpeechBufferedAllChunksFail(t *testing.T) {
	ts := newTestServerWith(t, 20, func() engine.Engine {
		m := engine.NewMock(24000, 1)
		m.Fail = func(engine.Input) error { return errors.New("model exploded") }
		return m
	})

	resp := postSpeech(t, ts, `{"input": "Hello there."}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 when no audio was produced, got %d", resp.StatusCode)
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if !strings.Contains(payload.Error, "model exploded") {
		t.Fatalf("error should carry the chunk failure, got %q", payload.Error)
	}
}

func TestSpeechBufferedPartialFailure(t *testing.T) {
	ts := newTestServerWith(t, 20, func() engine.Engine {
		m := engine.NewMock(24000, 1)
		m.Fail = func(in engine.Input) error {
			if strings.Contains(in.Text, "bad") {
				return errors.New("model exploded")
			}
			return nil
		}
		return m
	})

	resp := postSpeech(t, ts, `{"input": "Good first part. A bad sentence here. Good last part."}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Voxflow-Failed-Chunks"); got != "1" {
		t.Fatalf("expected failed-chunk count 1, got %q", got)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(body) <= 44 {
		t.Fatalf("surviving chunks should still produce audio, got %d bytes", len(body))
	}
	if got := binary.LittleEndian.Uint32(body[40:44]); got != uint32(len(body)-44) {
		t.Fatalf("data size %d does not match payload length %d", got, len(body)-44)
	}
}

func TestSpeechRejectsBadBody(t *testing.T) {
	ts := newTestServer(t)
	resp := postSpeech(t, ts, `{"input": `)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSpeechMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/v1/audio/speech")
	if err != nil {
		t.Fatalf("get speech: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestVoicesEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/v1/audio/voices")
	if err != nil {
		t.Fatalf("get voices: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var payload struct {
		Voices  []string `json:"voices"`
		Default string   `json:"default"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode voices: %v", err)
	}
	if payload.Default != "af_sarah" {
		t.Fatalf("unexpected default voice: %q", payload.Default)
	}
	if len(payload.Voices) == 0 {
		t.Fatal("expected at least one voice")
	}
}

func TestRequestsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/v1/requests")
	if err != nil {
		t.Fatalf("get requests: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var payload struct {
		Requests []requestlog.Entry `json:"requests"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode requests: %v", err)
	}
	if payload.Requests == nil {
		t.Fatal("expected empty array, got null")
	}
}
