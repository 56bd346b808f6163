package pipeline

import (
	"context"

	"github.com/voxflow-labs/voxflow-core/internal/engine"
)

// AudioChunk is one in-order unit of synthesized audio delivered to a
// sink. Final marks the last chunk of a request.
type AudioChunk struct {
	Seq   uint64
	Text  string
	Audio engine.Audio
	Final bool
}

// Sink consumes the ordered audio stream for one request. Accept and
// AcceptError are called strictly in sequence order; a slow sink simply
// blocks in Accept, which stalls the assembler and, through in-flight
// accounting, the dispatcher. Returning an error from either method is
// terminal for the request. Close is called exactly once when the
// request finishes, fails or is cancelled.
type Sink interface {
	Accept(ctx context.Context, chunk AudioChunk) error
	AcceptError(ctx context.Context, seq uint64, chunkErr error) error
	Close() error
}
