// Package pipeline schedules text chunks over a worker pool and
// reassembles their out-of-order results into a strictly ordered audio
// stream.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxflow-labs/voxflow-core/internal/config"
	"github.com/voxflow-labs/voxflow-core/internal/engine"
	"github.com/voxflow-labs/voxflow-core/internal/segment"
	"github.com/voxflow-labs/voxflow-core/internal/voice"
)

// ErrInvariant marks a duplicate or out-of-range sequence number
// reported to the assembler. It indicates a pipeline bug and aborts the
// request.
var ErrInvariant = errors.New("pipeline: sequence invariant violated")

// Request describes one synthesis invocation.
type Request struct {
	ID    string
	Text  string
	Voice string
	Speed float64

	// MaxInFlight caps simultaneously dispatched chunks; zero means the
	// pool size. Small values minimize time-to-first-audio, large
	// values maximize throughput.
	MaxInFlight int
	// MaxChunkLen overrides the configured segmenter bound when set.
	MaxChunkLen int
}

// Stats summarizes a finished request.
type Stats struct {
	Chunks       int
	Emitted      int
	FailedChunks int
	Cancelled    bool
	Duration     time.Duration
	FirstAudio   time.Duration
}

// Job is the handle for a submitted request.
type Job struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	stats Stats
	err   error
}

// ID returns the request identifier.
func (j *Job) ID() string { return j.id }

// Cancel stops dispatch and suppresses further emission. In-flight
// inference calls are abandoned cooperatively; worst case they run to
// completion and their results are discarded.
func (j *Job) Cancel() { j.cancel() }

// Done is closed when the request reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the request terminates or ctx expires.
func (j *Job) Wait(ctx context.Context) (Stats, error) {
	select {
	case <-j.done:
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.stats, j.err
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (j *Job) finish(stats Stats, err error) {
	j.mu.Lock()
	j.stats = stats
	j.err = err
	j.mu.Unlock()
	close(j.done)
}

// Pipeline ties the segmenter, the shared worker pool and per-request
// assembly together.
type Pipeline struct {
	pool    *Pool
	voices  *voice.Registry
	logger  *slog.Logger
	metrics *metrics

	defaultVoice string
	defaultSpeed float64
	maxChunkLen  int
	maxInFlight  int
}

// New builds the pipeline and its worker pool. voices may be nil, in
// which case voice expressions are passed to the engine unvalidated.
func New(cfg config.PipelineConfig, engCfg config.EngineConfig, factory engine.Factory, voices *voice.Registry, logger *slog.Logger) (*Pipeline, error) {
	m := newMetrics()
	pool, err := NewPool(cfg.Workers, factory, logger, m)
	if err != nil {
		return nil, err
	}
	m.registerWorkerGauge(pool)

	return &Pipeline{
		pool:         pool,
		voices:       voices,
		logger:       logger.With(slog.String("component", "pipeline")),
		metrics:      m,
		defaultVoice: engCfg.DefaultVoice,
		defaultSpeed: engCfg.DefaultSpeed,
		maxChunkLen:  cfg.MaxChunkLen,
		maxInFlight:  cfg.MaxInFlight,
	}, nil
}

// Pool exposes the shared worker pool, mainly for stats endpoints.
func (p *Pipeline) Pool() *Pool { return p.pool }

// Close shuts down the worker pool. Submit must not be called after
// Close.
func (p *Pipeline) Close() { p.pool.Close() }

// Submit segments the request text and starts dispatch and assembly.
// The sink receives chunks strictly in sequence order and is closed when
// the request terminates. Empty input completes immediately.
func (p *Pipeline) Submit(ctx context.Context, req Request, sink Sink) (*Job, error) {
	if req.Voice == "" {
		req.Voice = p.defaultVoice
	}
	if req.Speed <= 0 {
		req.Speed = p.defaultSpeed
	}
	var style []float32
	if p.voices != nil {
		var err error
		if style, err = p.voices.Mix(req.Voice); err != nil {
			return nil, err
		}
	}

	maxLen := req.MaxChunkLen
	if maxLen <= 0 {
		maxLen = p.maxChunkLen
	}
	chunks := segment.Split(req.Text, segment.Options{MaxChunkLen: maxLen})

	inFlight := req.MaxInFlight
	if inFlight <= 0 {
		inFlight = p.maxInFlight
	}
	if inFlight <= 0 || inFlight > p.pool.Size() {
		inFlight = p.pool.Size()
	}

	jobCtx, cancel := context.WithCancel(ctx)
	job := &Job{id: req.ID, cancel: cancel, done: make(chan struct{})}

	r := &request{
		pipeline: p,
		req:      req,
		style:    style,
		chunks:   chunks,
		inFlight: inFlight,
		sink:     sink,
		job:      job,
		logger: p.logger.With(
			slog.String("request_id", req.ID),
			slog.Int("chunks", len(chunks))),
	}
	go r.run(jobCtx)

	return job, nil
}

// request carries the state of one in-progress synthesis.
type request struct {
	pipeline *Pipeline
	req      Request
	style    []float32
	chunks   []segment.Chunk
	inFlight int
	sink     Sink
	job      *Job
	logger   *slog.Logger

	dispatched atomic.Uint64
}

func (r *request) run(ctx context.Context) {
	start := time.Now()
	defer r.job.cancel()

	total := uint64(len(r.chunks))
	if total == 0 {
		err := r.sink.Close()
		r.job.finish(Stats{Duration: time.Since(start)}, err)
		return
	}

	// Results are delivered on an unbuffered channel: a worker is not
	// free of its chunk until the assembler has taken the result. The
	// token budget is released per result only once it is emitted or
	// discarded, which bounds both the hold buffer and total dispatch at
	// the in-flight limit when the sink stalls.
	results := make(chan result)
	tokens := make(chan struct{}, r.inFlight)
	dispatchDone := make(chan struct{})

	go r.dispatch(ctx, results, tokens, dispatchDone)
	stats, err := r.assemble(ctx, total, results, tokens, dispatchDone)

	stats.Chunks = int(total)
	stats.Duration = time.Since(start)
	if closeErr := r.sink.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("close sink: %w", closeErr)
	}
	r.job.finish(stats, err)
}

// dispatch hands chunks to the pool in sequence order, bounded by the
// in-flight token budget. It stops on cancellation; it never reorders.
func (r *request) dispatch(ctx context.Context, results chan<- result, tokens chan struct{}, done chan<- struct{}) {
	defer close(done)

	for _, c := range r.chunks {
		select {
		case tokens <- struct{}{}:
		case <-ctx.Done():
			return
		}

		t := task{
			ctx: ctx,
			seq: c.Seq,
			in: engine.Input{
				Text:  c.Text,
				Voice: r.req.Voice,
				Style: r.style,
				Speed: r.req.Speed,
			},
			results: results,
		}
		select {
		case r.pipeline.pool.tasks <- t:
			r.dispatched.Add(1)
		case <-ctx.Done():
			<-tokens
			return
		}
	}
}

// assemble is the single consumer of this request's results. It holds
// out-of-order completions keyed by sequence number and emits to the
// sink strictly in order, cascading whenever the next expected result
// becomes available.
func (r *request) assemble(ctx context.Context, total uint64, results <-chan result, tokens <-chan struct{}, dispatchDone <-chan struct{}) (Stats, error) {
	var (
		stats      Stats
		pending    = make(map[uint64]result, r.inFlight)
		next       uint64
		received   uint64
		draining   bool
		terminal   error
		start      = time.Now()
		firstAudio bool
		ctxDone    = ctx.Done()
	)

	fail := func(err error) {
		if terminal == nil {
			terminal = err
		}
		draining = true
		r.job.cancel()
	}

	emit := func(res result) {
		if res.err != nil {
			stats.FailedChunks++
			if err := r.sink.AcceptError(ctx, res.seq, res.err); err != nil {
				fail(fmt.Errorf("sink rejected error marker: %w", err))
			}
			return
		}
		chunk := AudioChunk{
			Seq:   res.seq,
			Text:  r.chunks[res.seq].Text,
			Audio: res.audio,
			Final: res.seq == total-1,
		}
		if err := r.sink.Accept(ctx, chunk); err != nil {
			if ctx.Err() != nil {
				stats.Cancelled = true
				fail(ctx.Err())
			} else {
				fail(fmt.Errorf("sink: %w", err))
			}
			return
		}
		if !firstAudio {
			firstAudio = true
			stats.FirstAudio = time.Since(start)
			r.pipeline.metrics.observeFirstAudio(ctx, stats.FirstAudio)
		}
		stats.Emitted++
	}

	for {
		// Terminal condition: the dispatcher has stopped and every
		// dispatched result has been received and accounted.
		if dispatchDone == nil && received == r.dispatched.Load() {
			break
		}

		select {
		case res := <-results:
			received++

			// A result's in-flight token is released only once the
			// result is resolved: emitted, or discarded during drain.
			// Releasing any earlier would let the dispatcher run ahead
			// of a stalled sink beyond the in-flight bound.
			if draining {
				<-tokens
				continue
			}
			if bad := r.checkSequence(res.seq, next, total, pending); bad != nil {
				<-tokens
				fail(bad)
				continue
			}

			pending[res.seq] = res
			for {
				res, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				emit(res)
				<-tokens
				next++
				if draining {
					break
				}
			}

		case <-dispatchDone:
			dispatchDone = nil

		case <-ctxDone:
			ctxDone = nil
			draining = true
			if terminal == nil {
				terminal = ctx.Err()
				stats.Cancelled = true
			}
		}
	}

	if terminal == nil && next != total {
		// Dispatcher stopped early without a recorded cause; the
		// request context must have been cancelled between checks.
		terminal = ctx.Err()
		stats.Cancelled = true
	}
	return stats, terminal
}

// checkSequence guards the assembly invariant: every sequence number is
// reported exactly once and lies inside the request's range.
func (r *request) checkSequence(seq, next, total uint64, pending map[uint64]result) error {
	var err error
	switch {
	case seq >= total:
		err = fmt.Errorf("%w: sequence %d out of range (total %d)", ErrInvariant, seq, total)
	case seq < next:
		err = fmt.Errorf("%w: sequence %d already emitted (next %d)", ErrInvariant, seq, next)
	default:
		if _, dup := pending[seq]; dup {
			err = fmt.Errorf("%w: duplicate result for sequence %d", ErrInvariant, seq)
		}
	}
	if err != nil {
		r.logger.Error("assembly invariant violated", slog.String("error", err.Error()))
	}
	return err
}
