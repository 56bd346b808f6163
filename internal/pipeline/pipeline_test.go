package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxflow-labs/voxflow-core/internal/config"
	"github.com/voxflow-labs/voxflow-core/internal/engine"
	"github.com/voxflow-labs/voxflow-core/internal/segment"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeEngine implements engine.Engine with injectable delay and failure.
type fakeEngine struct {
	delay func(text string) time.Duration
	fail  func(text string) error
	calls *atomic.Int64
}

func (e *fakeEngine) Synthesize(ctx context.Context, in engine.Input) (engine.Audio, error) {
	if e.calls != nil {
		e.calls.Add(1)
	}
	if e.delay != nil {
		select {
		case <-ctx.Done():
			return engine.Audio{}, ctx.Err()
		case <-time.After(e.delay(in.Text)):
		}
	}
	if e.fail != nil {
		if err := e.fail(in.Text); err != nil {
			return engine.Audio{}, err
		}
	}
	return engine.Audio{Samples: []float32{0.25, -0.25}, SampleRate: 24000, Channels: 1}, nil
}

// captureSink records deliveries and can stall Accept to simulate
// consumer backpressure.
type captureSink struct {
	mu      sync.Mutex
	seqs    []uint64
	errSeqs map[uint64]error
	order   []uint64 // every delivery, audio and error alike
	closed  bool
	blockCh chan struct{}
}

func newCaptureSink() *captureSink {
	return &captureSink{errSeqs: make(map[uint64]error)}
}

func (c *captureSink) block() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockCh = make(chan struct{})
}

func (c *captureSink) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blockCh != nil {
		close(c.blockCh)
		c.blockCh = nil
	}
}

func (c *captureSink) Accept(ctx context.Context, chunk AudioChunk) error {
	c.mu.Lock()
	blockCh := c.blockCh
	c.mu.Unlock()
	if blockCh != nil {
		select {
		case <-blockCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seqs = append(c.seqs, chunk.Seq)
	c.order = append(c.order, chunk.Seq)
	return nil
}

func (c *captureSink) AcceptError(_ context.Context, seq uint64, chunkErr error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errSeqs[seq] = chunkErr
	c.order = append(c.order, seq)
	return nil
}

func (c *captureSink) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *captureSink) deliveries() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, len(c.order))
	copy(out, c.order)
	return out
}

func (c *captureSink) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestPipeline(t *testing.T, workers, maxInFlight int, eng func() engine.Engine) *Pipeline {
	t.Helper()
	factory := func() (engine.Engine, error) { return eng(), nil }
	p, err := New(
		config.PipelineConfig{Workers: workers, MaxInFlight: maxInFlight, MaxChunkLen: 20},
		config.EngineConfig{DefaultVoice: "af_sarah", DefaultSpeed: 1.0},
		factory, nil, testLogger())
	if err != nil {
		t.Fatalf("build pipeline: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

// chunkTexts builds n sentences that the segmenter keeps as one chunk
// each under the test chunk length.
func chunkTexts(n int) []string {
	texts := make([]string, n)
	for i := range texts {
		texts[i] = fmt.Sprintf("This is sentence %02d.", i)
	}
	return texts
}

func waitJob(t *testing.T, job *Job) (Stats, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return job.Wait(ctx)
}

func assertAscending(t *testing.T, seqs []uint64, n int) {
	t.Helper()
	if len(seqs) != n {
		t.Fatalf("expected %d deliveries, got %d: %v", n, len(seqs), seqs)
	}
	for i, seq := range seqs {
		if seq != uint64(i) {
			t.Fatalf("delivery %d has seq %d, want %d (all: %v)", i, seq, i, seqs)
		}
	}
}

func TestOrderedEmissionUnderOutOfOrderCompletion(t *testing.T) {
	const n = 12
	texts := chunkTexts(n)

	// Later chunks finish first, so completion order is roughly the
	// reverse of dispatch order.
	delays := make(map[string]time.Duration, n)
	for i, text := range texts {
		delays[text] = time.Duration(n-i) * 3 * time.Millisecond
	}

	p := newTestPipeline(t, 4, 0, func() engine.Engine {
		return &fakeEngine{delay: func(text string) time.Duration { return delays[text] }}
	})

	cap := newCaptureSink()
	job, err := p.Submit(context.Background(), Request{ID: "req-1", Text: strings.Join(texts, " ")}, cap)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	stats, err := waitJob(t, job)
	if err != nil {
		t.Fatalf("job failed: %v", err)
	}
	assertAscending(t, cap.deliveries(), n)
	if stats.Chunks != n || stats.Emitted != n || stats.FailedChunks != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.FirstAudio <= 0 {
		t.Fatalf("expected time-to-first-audio to be recorded, got %v", stats.FirstAudio)
	}
	if !cap.isClosed() {
		t.Fatal("expected sink closed after completion")
	}
}

func TestSingleWorkerBaseline(t *testing.T) {
	const n = 5
	texts := chunkTexts(n)

	p := newTestPipeline(t, 1, 0, func() engine.Engine { return &fakeEngine{} })

	cap := newCaptureSink()
	job, err := p.Submit(context.Background(), Request{ID: "req-k1", Text: strings.Join(texts, " ")}, cap)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := waitJob(t, job); err != nil {
		t.Fatalf("job failed: %v", err)
	}
	assertAscending(t, cap.deliveries(), n)
}

func TestPartialFailurePreservesSiblings(t *testing.T) {
	texts := chunkTexts(3)
	boom := errors.New("inference blew up")

	p := newTestPipeline(t, 2, 0, func() engine.Engine {
		return &fakeEngine{fail: func(text string) error {
			if text == texts[1] {
				return boom
			}
			return nil
		}}
	})

	cap := newCaptureSink()
	job, err := p.Submit(context.Background(), Request{ID: "req-partial", Text: strings.Join(texts, " ")}, cap)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	stats, err := waitJob(t, job)
	if err != nil {
		t.Fatalf("job failed: %v", err)
	}

	assertAscending(t, cap.deliveries(), 3)
	if stats.Emitted != 2 || stats.FailedChunks != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if got, ok := cap.errSeqs[1]; !ok || !errors.Is(got, boom) {
		t.Fatalf("expected error marker at seq 1, got %v", cap.errSeqs)
	}
	if len(cap.seqs) != 2 || cap.seqs[0] != 0 || cap.seqs[1] != 2 {
		t.Fatalf("expected audio for seqs 0 and 2, got %v", cap.seqs)
	}
}

func TestBackpressureBoundsDispatch(t *testing.T) {
	const n, inFlight = 10, 2
	texts := chunkTexts(n)

	var calls atomic.Int64
	p := newTestPipeline(t, 4, inFlight, func() engine.Engine {
		return &fakeEngine{calls: &calls}
	})

	cap := newCaptureSink()
	cap.block()

	job, err := p.Submit(context.Background(), Request{ID: "req-bp", Text: strings.Join(texts, " ")}, cap)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Let dispatch run up against the stalled sink, then verify no more
	// than the in-flight budget was ever handed to workers.
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < inFlight && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != inFlight {
		t.Fatalf("expected exactly %d dispatched chunks under backpressure, got %d", inFlight, got)
	}

	cap.release()
	if _, err := waitJob(t, job); err != nil {
		t.Fatalf("job failed after releasing sink: %v", err)
	}
	assertAscending(t, cap.deliveries(), n)
	if got := calls.Load(); got != n {
		t.Fatalf("expected %d total inference calls, got %d", n, got)
	}
}

func TestCancellationMidStream(t *testing.T) {
	const n = 8
	texts := chunkTexts(n)

	p := newTestPipeline(t, 2, 0, func() engine.Engine {
		return &fakeEngine{delay: func(string) time.Duration { return 25 * time.Millisecond }}
	})

	cap := newCaptureSink()
	job, err := p.Submit(context.Background(), Request{ID: "req-cancel", Text: strings.Join(texts, " ")}, cap)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(cap.deliveries()) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	job.Cancel()

	stats, err := waitJob(t, job)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if stats.Emitted >= n {
		t.Fatalf("expected partial emission, got %d of %d", stats.Emitted, n)
	}

	// No further deliveries after the request terminated.
	before := cap.deliveries()
	assertAscending(t, before, len(before))
	time.Sleep(100 * time.Millisecond)
	after := cap.deliveries()
	if len(after) != len(before) {
		t.Fatalf("deliveries continued after cancellation: %v then %v", before, after)
	}

	// Worker slots free within roughly one inference-call duration.
	deadline = time.Now().Add(time.Second)
	for p.Pool().BusyWorkers() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if busy := p.Pool().BusyWorkers(); busy != 0 {
		t.Fatalf("expected all workers idle after cancel, %d still busy", busy)
	}
}

func TestEmptyInputCompletesImmediately(t *testing.T) {
	p := newTestPipeline(t, 2, 0, func() engine.Engine { return &fakeEngine{} })

	cap := newCaptureSink()
	job, err := p.Submit(context.Background(), Request{ID: "req-empty", Text: "   \n"}, cap)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	stats, err := waitJob(t, job)
	if err != nil {
		t.Fatalf("job failed: %v", err)
	}
	if stats.Chunks != 0 || stats.Emitted != 0 {
		t.Fatalf("unexpected stats for empty input: %+v", stats)
	}
	if len(cap.deliveries()) != 0 {
		t.Fatalf("expected no deliveries, got %v", cap.deliveries())
	}
	if !cap.isClosed() {
		t.Fatal("expected sink closed for empty input")
	}
}

// rejectingSink fails terminally on the second audio chunk.
type rejectingSink struct {
	captureSink
}

func (s *rejectingSink) Accept(ctx context.Context, chunk AudioChunk) error {
	if chunk.Seq >= 1 {
		return errors.New("consumer gone")
	}
	return s.captureSink.Accept(ctx, chunk)
}

func TestSinkErrorAbortsRequest(t *testing.T) {
	texts := chunkTexts(4)
	p := newTestPipeline(t, 2, 0, func() engine.Engine { return &fakeEngine{} })

	s := &rejectingSink{}
	s.errSeqs = make(map[uint64]error)
	job, err := p.Submit(context.Background(), Request{ID: "req-sinkerr", Text: strings.Join(texts, " ")}, s)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	stats, err := waitJob(t, job)
	if err == nil {
		t.Fatal("expected terminal error from rejecting sink")
	}
	if stats.Emitted != 1 {
		t.Fatalf("expected exactly one emitted chunk, got %d", stats.Emitted)
	}
}

func TestDuplicateSequenceIsFatal(t *testing.T) {
	p := newTestPipeline(t, 1, 0, func() engine.Engine { return &fakeEngine{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cap := newCaptureSink()
	r := &request{
		pipeline: p,
		chunks:   []segment.Chunk{{Seq: 0, Text: "a."}, {Seq: 1, Text: "b."}},
		inFlight: 2,
		sink:     cap,
		job:      &Job{id: "req-dup", cancel: cancel, done: make(chan struct{})},
		logger:   testLogger(),
	}
	r.dispatched.Store(2)

	results := make(chan result)
	tokens := make(chan struct{}, 2)
	dispatchDone := make(chan struct{})

	go func() {
		tokens <- struct{}{}
		results <- result{seq: 0, audio: engine.Audio{Samples: []float32{0.1}, SampleRate: 24000, Channels: 1}}
		tokens <- struct{}{}
		// Sequence 0 reported a second time: exactly-once violated.
		results <- result{seq: 0, audio: engine.Audio{Samples: []float32{0.1}, SampleRate: 24000, Channels: 1}}
		close(dispatchDone)
	}()

	_, err := r.assemble(ctx, 2, results, tokens, dispatchDone)
	if !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected ErrInvariant, got %v", err)
	}
}
