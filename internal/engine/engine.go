// Package engine defines the boundary to the external inference engine.
package engine

import (
	"context"
	"fmt"

	"github.com/voxflow-labs/voxflow-core/internal/config"
)

// Input is one synthesis unit handed to an engine instance. Style is
// the resolved blend vector for Voice when a voice registry is loaded;
// engines without vector support may ignore it and use Voice directly.
type Input struct {
	Text  string
	Voice string
	Style []float32
	Speed float64
}

// Audio is the raw result of synthesizing one input. Immutable once
// returned.
type Audio struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Engine synthesizes speech for one input at a time. A single instance
// must not be shared across concurrent calls; the pipeline owns one
// instance per worker.
type Engine interface {
	Synthesize(ctx context.Context, in Input) (Audio, error)
}

// Factory builds an independent engine instance. The pipeline calls it
// once per worker slot.
type Factory func() (Engine, error)

// NewFactory returns a factory for the configured engine mode.
func NewFactory(cfg config.EngineConfig, phonemizer Phonemizer) (Factory, error) {
	switch cfg.Mode {
	case "mock":
		return func() (Engine, error) {
			return NewMock(cfg.SampleRate, cfg.Channels), nil
		}, nil
	case "exec":
		return func() (Engine, error) {
			return NewExec(cfg.Command, cfg.SampleRate, cfg.Channels, phonemizer)
		}, nil
	default:
		return nil, fmt.Errorf("unknown engine mode %q", cfg.Mode)
	}
}
