package sink

import (
	"context"
	"sync"

	"github.com/voxflow-labs/voxflow-core/internal/pipeline"
)

// Event records one delivery to a Capture sink, in arrival order.
type Event struct {
	Seq   uint64
	Err   error
	Chunk pipeline.AudioChunk
}

// Capture records the ordered stream in memory. Tests use it to assert
// delivery order and to simulate backpressure: while Block is held open
// every Accept call stalls until Release is called or the request
// context ends.
type Capture struct {
	mu     sync.Mutex
	events []Event
	closed bool

	blockCh chan struct{}
}

func NewCapture() *Capture {
	return &Capture{}
}

// Block makes subsequent Accept calls stall until Release.
func (c *Capture) Block() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blockCh == nil {
		c.blockCh = make(chan struct{})
	}
}

// Release unblocks any stalled and future Accept calls.
func (c *Capture) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blockCh != nil {
		close(c.blockCh)
		c.blockCh = nil
	}
}

func (c *Capture) Accept(ctx context.Context, chunk pipeline.AudioChunk) error {
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
	c.events = append(c.events, Event{Seq: chunk.Seq, Chunk: chunk})
	return nil
}

func (c *Capture) AcceptError(_ context.Context, seq uint64, chunkErr error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, Event{Seq: seq, Err: chunkErr})
	return nil
}

func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Events returns a copy of the recorded deliveries.
func (c *Capture) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Closed reports whether Close has been called.
func (c *Capture) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
