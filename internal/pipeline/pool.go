package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxflow-labs/voxflow-core/internal/engine"
)

// SlotState describes one worker slot.
type SlotState int32

const (
	SlotIdle SlotState = iota
	SlotBusy
)

// task is one chunk assignment handed to a worker. Exactly one result is
// reported per task, even when the request context is already cancelled.
type task struct {
	ctx     context.Context
	seq     uint64
	in      engine.Input
	results chan<- result
}

type result struct {
	seq   uint64
	audio engine.Audio
	err   error
}

type slot struct {
	id         int
	engine     engine.Engine
	state      atomic.Int32
	currentSeq atomic.Uint64
}

func (s *slot) setBusy(seq uint64) {
	s.currentSeq.Store(seq)
	s.state.Store(int32(SlotBusy))
}

func (s *slot) setIdle() {
	s.state.Store(int32(SlotIdle))
}

// Pool is a fixed set of workers, each owning one engine instance.
// Engines are never shared: a slot's instance is only ever touched from
// that slot's goroutine. The pool is shared across requests; chunk
// ordering is a per-request concern handled by the assembler.
type Pool struct {
	tasks   chan task
	slots   []*slot
	logger  *slog.Logger
	metrics *metrics
	wg      sync.WaitGroup
}

// NewPool builds worker instances through the factory and starts one
// goroutine per slot. Pool size is static for the pool's lifetime.
func NewPool(workers int, factory engine.Factory, logger *slog.Logger, m *metrics) (*Pool, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("pool size must be >= 1, got %d", workers)
	}
	p := &Pool{
		tasks:   make(chan task),
		logger:  logger.With(slog.String("component", "worker-pool")),
		metrics: m,
	}
	for i := 0; i < workers; i++ {
		eng, err := factory()
		if err != nil {
			return nil, fmt.Errorf("build engine instance %d: %w", i, err)
		}
		p.slots = append(p.slots, &slot{id: i, engine: eng})
	}
	for _, s := range p.slots {
		p.wg.Add(1)
		go p.runWorker(s)
	}
	p.logger.Info("worker pool started", slog.Int("workers", workers))
	return p, nil
}

// Size returns the static number of worker slots.
func (p *Pool) Size() int { return len(p.slots) }

// BusyWorkers counts slots currently executing an inference call.
func (p *Pool) BusyWorkers() int {
	busy := 0
	for _, s := range p.slots {
		if SlotState(s.state.Load()) == SlotBusy {
			busy++
		}
	}
	return busy
}

// Close stops accepting tasks and waits for in-flight calls to return.
func (p *Pool) Close() {
	close(p.tasks)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) runWorker(s *slot) {
	defer p.wg.Done()
	for t := range p.tasks {
		res := result{seq: t.seq}
		if err := t.ctx.Err(); err != nil {
			// Request already cancelled; report without invoking the
			// engine so the slot frees immediately.
			res.err = err
		} else {
			s.setBusy(t.seq)
			start := time.Now()
			res.audio, res.err = s.engine.Synthesize(t.ctx, t.in)
			p.metrics.observeInference(t.ctx, time.Since(start), res.err == nil)
			s.setIdle()
			if res.err != nil && t.ctx.Err() == nil {
				p.logger.Warn("chunk inference failed",
					slog.Int("worker", s.id),
					slog.Uint64("seq", t.seq),
					slog.String("error", res.err.Error()))
			}
		}
		// The assembler receives every dispatched result, including
		// during drain, so this send cannot leak the worker.
		t.results <- res
	}
}
