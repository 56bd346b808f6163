// Package service exposes the synthesis pipeline over the message bus.
package service

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/voxflow-labs/voxflow-core/internal/bus"
	"github.com/voxflow-labs/voxflow-core/internal/config"
	"github.com/voxflow-labs/voxflow-core/internal/pipeline"
	"github.com/voxflow-labs/voxflow-core/internal/protocol"
	"github.com/voxflow-labs/voxflow-core/internal/requestlog"
)

// Service subscribes to synthesis requests and streams ordered audio
// chunk messages back over the bus.
type Service struct {
	bus     *bus.Client
	pipe    *pipeline.Pipeline
	store   *requestlog.Store
	timeout time.Duration

	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func New(parent context.Context, cfg config.PipelineConfig, busClient *bus.Client, pipe *pipeline.Pipeline, store *requestlog.Store, log *slog.Logger) *Service {
	timeout := time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:     busClient,
		pipe:    pipe,
		store:   store,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		logger:  log.With(slog.String("component", "speech-service")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Subscribe(protocol.SubjectSynthesisRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

// Close stops accepting requests and waits for in-flight ones to finish
// or time out.
func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SynthesisRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode synthesis request", slogError(err))
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.synthesize(req)
	}()
}

func (s *Service) synthesize(req protocol.SynthesisRequest) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	snk := &busSink{svc: s, req: req}
	job, err := s.pipe.Submit(ctx, pipeline.Request{
		ID:    req.RequestID,
		Text:  req.Text,
		Voice: req.Voice,
		Speed: req.Speed,
	}, snk)
	if err != nil {
		s.logger.Warn("rejected synthesis request",
			slog.String("request_id", req.RequestID), slogError(err))
		s.publishStatus(req, pipeline.Stats{}, err)
		return
	}

	stats, err := job.Wait(context.Background())
	if err != nil {
		s.logger.Warn("synthesis request failed",
			slog.String("request_id", req.RequestID), slogError(err))
	}
	s.publishStatus(req, stats, err)
	s.record(req, stats, err)
}

func (s *Service) publishStatus(req protocol.SynthesisRequest, stats pipeline.Stats, err error) {
	status := protocol.SynthesisStatus{
		RequestID:    req.RequestID,
		Target:       req.Target,
		Completed:    err == nil,
		Cancelled:    stats.Cancelled,
		Chunks:       stats.Chunks,
		FailedChunks: stats.FailedChunks,
		Timestamp:    time.Now().UTC(),
	}
	if err != nil {
		status.Error = err.Error()
	}
	if pubErr := s.bus.PublishJSON(protocol.SubjectSpeechDone, status); pubErr != nil {
		s.logger.Warn("failed to publish synthesis status", slogError(pubErr))
	}
}

func (s *Service) record(req protocol.SynthesisRequest, stats pipeline.Stats, err error) {
	entry := requestlog.Entry{
		RequestID:    req.RequestID,
		Source:       "bus",
		Voice:        req.Voice,
		TextLen:      len(req.Text),
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
	recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Record(recordCtx, entry); err != nil {
		s.logger.Warn("failed to record request", slogError(err))
	}
}

// busSink publishes each ordered chunk as a bus message the moment the
// assembler emits it.
type busSink struct {
	svc *Service
	req protocol.SynthesisRequest
}

func (b *busSink) Accept(ctx context.Context, chunk pipeline.AudioChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	packet := protocol.AudioChunk{
		RequestID:  b.req.RequestID,
		Target:     b.req.Target,
		Sequence:   chunk.Seq,
		SampleRate: chunk.Audio.SampleRate,
		Channels:   chunk.Audio.Channels,
		PCM:        pcmBytes(chunk.Audio.Samples),
		Final:      chunk.Final,
	}
	return b.svc.bus.PublishJSON(protocol.SubjectSpeechAudio, packet)
}

func (b *busSink) AcceptError(_ context.Context, seq uint64, chunkErr error) error {
	packet := protocol.ChunkError{
		RequestID: b.req.RequestID,
		Target:    b.req.Target,
		Sequence:  seq,
		Error:     chunkErr.Error(),
	}
	// Sibling chunks keep flowing; the error is reported in place.
	return b.svc.bus.PublishJSON(protocol.SubjectSpeechError, packet)
}

func (b *busSink) Close() error { return nil }

// pcmBytes converts float32 samples in [-1, 1] to little-endian 16-bit
// PCM.
func pcmBytes(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
