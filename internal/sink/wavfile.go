// Package sink provides consumers for the ordered audio stream.
package sink

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/voxflow-labs/voxflow-core/internal/pipeline"
)

// WavFile writes the ordered stream into a single RIFF/WAV file,
// finalized on Close.
type WavFile struct {
	file *os.File
	enc  *wav.Encoder

	sampleRate int
	channels   int

	// FailFast makes a chunk error terminal for the whole file. The
	// default skips the gap and keeps writing subsequent chunks.
	FailFast bool

	chunkErrs []error
}

// NewWavFile creates the output file and its encoder. Parent
// directories are created as needed.
func NewWavFile(path string, sampleRate, channels int) (*WavFile, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	return &WavFile{file: f, enc: enc, sampleRate: sampleRate, channels: channels}, nil
}

func (s *WavFile) Accept(ctx context.Context, chunk pipeline.AudioChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: s.channels,
			SampleRate:  s.sampleRate,
		},
		Data:           FloatsToPCM(chunk.Audio.Samples),
		SourceBitDepth: 16,
	}
	if err := s.enc.Write(buf); err != nil {
		return fmt.Errorf("write wav chunk: %w", err)
	}
	return nil
}

func (s *WavFile) AcceptError(_ context.Context, seq uint64, chunkErr error) error {
	err := fmt.Errorf("chunk %d: %w", seq, chunkErr)
	if s.FailFast {
		return err
	}
	s.chunkErrs = append(s.chunkErrs, err)
	return nil
}

// ChunkErrors returns the per-chunk failures skipped during writing.
func (s *WavFile) ChunkErrors() []error { return s.chunkErrs }

func (s *WavFile) Close() error {
	if err := s.enc.Close(); err != nil {
		s.file.Close()
		return fmt.Errorf("finalize wav: %w", err)
	}
	return s.file.Close()
}

// FloatsToPCM converts float32 samples in [-1, 1] to 16-bit PCM values.
func FloatsToPCM(samples []float32) []int {
	out := make([]int, len(samples))
	for i, v := range samples {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		out[i] = int(v * math.MaxInt16)
	}
	return out
}
