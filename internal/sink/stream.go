package sink

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net/http"

	"github.com/voxflow-labs/voxflow-core/internal/pipeline"
)

// Stream writes a WAV byte stream with an unknown total length to any
// io.Writer (stdout, an HTTP response). The RIFF and data sizes are set
// to the maximum placeholder value since the stream cannot seek back;
// players treat that as "read until EOF".
//
// The header goes out before the first chunk so consumers can start
// playback immediately; each chunk's PCM is flushed when the writer
// supports it.
type Stream struct {
	w          io.Writer
	sampleRate int
	channels   int

	// FailFast aborts the stream on the first chunk error. The default
	// skips the gap and keeps streaming.
	FailFast bool

	headerDone bool
	chunkErrs  []error
}

func NewStream(w io.Writer, sampleRate, channels int) *Stream {
	return &Stream{w: w, sampleRate: sampleRate, channels: channels}
}

func (s *Stream) Accept(ctx context.Context, chunk pipeline.AudioChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.headerDone {
		if err := s.writeHeader(); err != nil {
			return err
		}
		s.headerDone = true
	}

	pcm := make([]byte, len(chunk.Audio.Samples)*2)
	for i, v := range chunk.Audio.Samples {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	if _, err := s.w.Write(pcm); err != nil {
		return fmt.Errorf("write stream chunk: %w", err)
	}
	s.flush()
	return nil
}

func (s *Stream) AcceptError(_ context.Context, seq uint64, chunkErr error) error {
	err := fmt.Errorf("chunk %d: %w", seq, chunkErr)
	if s.FailFast {
		return err
	}
	s.chunkErrs = append(s.chunkErrs, err)
	return nil
}

// ChunkErrors returns the per-chunk failures skipped during streaming.
func (s *Stream) ChunkErrors() []error { return s.chunkErrs }

func (s *Stream) Close() error {
	// Make sure even an empty request produces a valid WAV stream.
	if !s.headerDone {
		if err := s.writeHeader(); err != nil {
			return err
		}
		s.headerDone = true
		s.flush()
	}
	return nil
}

const streamUnknownSize = math.MaxUint32

// writeHeader emits a 44-byte PCM WAV header with placeholder sizes.
func (s *Stream) writeHeader() error {
	var header [44]byte
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], streamUnknownSize)
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(header[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(header[22:24], uint16(s.channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(s.sampleRate))
	byteRate := uint32(s.sampleRate * s.channels * 2)
	binary.LittleEndian.PutUint32(header[28:32], byteRate)
	blockAlign := uint16(s.channels * 2)
	binary.LittleEndian.PutUint16(header[32:34], blockAlign)
	binary.LittleEndian.PutUint16(header[34:36], 16) // bits per sample
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], streamUnknownSize)

	if _, err := s.w.Write(header[:]); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}
	return nil
}

func (s *Stream) flush() {
	switch f := s.w.(type) {
	case http.Flusher:
		f.Flush()
	case interface{ Flush() error }:
		_ = f.Flush()
	}
}
