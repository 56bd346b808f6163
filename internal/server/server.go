// Package server exposes the synthesis pipeline over HTTP with an
// OpenAI-style speech endpoint.
package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/voxflow-labs/voxflow-core/internal/config"
	"github.com/voxflow-labs/voxflow-core/internal/pipeline"
	"github.com/voxflow-labs/voxflow-core/internal/requestlog"
	"github.com/voxflow-labs/voxflow-core/internal/sink"
	"github.com/voxflow-labs/voxflow-core/internal/voice"
)

// Server handles the speech API. It is mounted onto the runtime's mux
// next to the health and metrics endpoints.
type Server struct {
	pipe    *pipeline.Pipeline
	voices  *voice.Registry
	store   *requestlog.Store
	engCfg  config.EngineConfig
	timeout time.Duration
	logger  *slog.Logger
}

func New(pipe *pipeline.Pipeline, voices *voice.Registry, store *requestlog.Store, engCfg config.EngineConfig, pipeCfg config.PipelineConfig, log *slog.Logger) *Server {
	timeout := time.Duration(pipeCfg.RequestTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Server{
		pipe:    pipe,
		voices:  voices,
		store:   store,
		engCfg:  engCfg,
		timeout: timeout,
		logger:  log.With(slog.String("component", "http-api")),
	}
}

// Register mounts the API routes.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/audio/speech", s.handleSpeech)
	mux.HandleFunc("/v1/audio/voices", s.handleVoices)
	mux.HandleFunc("/v1/requests", s.handleRequests)
}

type speechRequest struct {
	Input  string  `json:"input"`
	Voice  string  `json:"voice,omitempty"`
	Speed  float64 `json:"speed,omitempty"`
	Stream bool    `json:"stream,omitempty"`
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req speechRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	requestID := uuid.NewString()
	preq := pipeline.Request{
		ID:    requestID,
		Text:  req.Input,
		Voice: req.Voice,
		Speed: req.Speed,
	}

	var (
		stats pipeline.Stats
		err   error
	)
	if req.Stream {
		stats, err = s.streamSpeech(ctx, w, preq)
	} else {
		stats, err = s.bufferedSpeech(ctx, w, preq)
	}
	s.record(requestID, req, stats, err)
}

// streamSpeech writes WAV bytes as chunks arrive. The header goes out
// before the first chunk, so a mid-stream failure can no longer change
// the response status.
func (s *Server) streamSpeech(ctx context.Context, w http.ResponseWriter, preq pipeline.Request) (pipeline.Stats, error) {
	w.Header().Set("Content-Type", "audio/wav")

	snk := sink.NewStream(w, s.engCfg.SampleRate, s.engCfg.Channels)
	job, err := s.pipe.Submit(ctx, preq, snk)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return pipeline.Stats{}, err
	}
	stats, err := job.Wait(context.Background())
	if err != nil {
		s.logger.Warn("streaming synthesis failed",
			slog.String("request_id", preq.ID),
			slog.String("error", err.Error()))
	}
	return stats, err
}

// bufferedSpeech synthesizes the whole request before responding, which
// lets errors map to proper HTTP statuses and the WAV header carry real
// sizes.
func (s *Server) bufferedSpeech(ctx context.Context, w http.ResponseWriter, preq pipeline.Request) (pipeline.Stats, error) {
	snk := &memorySink{}
	job, err := s.pipe.Submit(ctx, preq, snk)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return pipeline.Stats{}, err
	}
	stats, err := job.Wait(context.Background())
	if err != nil {
		s.logger.Warn("synthesis failed",
			slog.String("request_id", preq.ID),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return stats, err
	}

	// Failed chunks leave gaps in the buffered audio; report them rather
	// than handing back a quietly shortened file.
	if stats.Chunks > 0 && stats.Emitted == 0 {
		err := fmt.Errorf("all %d chunks failed: %w", stats.Chunks, snk.chunkErrs[0])
		writeError(w, http.StatusInternalServerError, err.Error())
		return stats, err
	}
	if stats.FailedChunks > 0 {
		w.Header().Set("X-Voxflow-Failed-Chunks", strconv.Itoa(stats.FailedChunks))
	}

	body := renderWAV(snk.samples, s.engCfg.SampleRate, s.engCfg.Channels)
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	_, _ = w.Write(body)
	return stats, nil
}

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var names []string
	if s.voices != nil {
		names = s.voices.Names()
	}
	if names == nil {
		names = []string{s.engCfg.DefaultVoice}
	}
	writeJSON(w, map[string]any{"voices": names, "default": s.engCfg.DefaultVoice})
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	entries, err := s.store.Recent(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []requestlog.Entry{}
	}
	writeJSON(w, map[string]any{"requests": entries})
}

func (s *Server) record(requestID string, req speechRequest, stats pipeline.Stats, err error) {
	entry := requestlog.Entry{
		RequestID:    requestID,
		Source:       "http",
		Voice:        req.Voice,
		TextLen:      len(req.Input),
		Chunks:       stats.Chunks,
		Emitted:      stats.Emitted,
		FailedChunks: stats.FailedChunks,
		Cancelled:    stats.Cancelled,
		Duration:     stats.Duration,
		FirstAudio:   stats.FirstAudio,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Record(ctx, entry); err != nil {
		s.logger.Warn("failed to record request", slog.String("error", err.Error()))
	}
}

// memorySink buffers the ordered stream for the non-streaming response.
// Chunk errors leave a gap in the audio and are kept so the handler can
// surface them instead of silently truncating.
type memorySink struct {
	samples   []float32
	chunkErrs []error
}

func (m *memorySink) Accept(ctx context.Context, chunk pipeline.AudioChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.samples = append(m.samples, chunk.Audio.Samples...)
	return nil
}

func (m *memorySink) AcceptError(_ context.Context, seq uint64, chunkErr error) error {
	m.chunkErrs = append(m.chunkErrs, fmt.Errorf("chunk %d: %w", seq, chunkErr))
	return nil
}

func (m *memorySink) Close() error { return nil }

// renderWAV builds a complete PCM WAV blob with accurate sizes.
func renderWAV(samples []float32, sampleRate, channels int) []byte {
	dataLen := len(samples) * 2
	out := make([]byte, 44+dataLen)
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+dataLen))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], 1)
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(sampleRate*channels*2))
	binary.LittleEndian.PutUint16(out[32:34], uint16(channels*2))
	binary.LittleEndian.PutUint16(out[34:36], 16)
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(dataLen))
	for i, v := range samples {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(out[44+i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return out
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
