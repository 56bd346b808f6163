package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// Exec shells out to an external inference process for every chunk. The
// child reads a JSON request on stdin and writes a JSON response on
// stdout with base64-encoded 16-bit little-endian PCM.
type Exec struct {
	cmd        []string
	sampleRate int
	channels   int
	phonemizer Phonemizer
	mu         sync.Mutex
}

type execRequest struct {
	Text       string    `json:"text"`
	Phonemes   string    `json:"phonemes,omitempty"`
	Voice      string    `json:"voice"`
	Style      []float32 `json:"style,omitempty"`
	Speed      float64   `json:"speed"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
}

type execResponse struct {
	PCMBase64  string `json:"pcm_base64"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Error      string `json:"error,omitempty"`
}

func NewExec(command string, sampleRate, channels int, phonemizer Phonemizer) (*Exec, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command empty")
	}
	return &Exec{cmd: args, sampleRate: sampleRate, channels: channels, phonemizer: phonemizer}, nil
}

func (e *Exec) Synthesize(ctx context.Context, in Input) (Audio, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	reqPayload := execRequest{
		Text:       in.Text,
		Voice:      in.Voice,
		Style:      in.Style,
		Speed:      in.Speed,
		SampleRate: e.sampleRate,
		Channels:   e.channels,
	}
	if e.phonemizer != nil {
		phonemes, err := e.phonemizer.Phonemize(ctx, in.Text)
		if err != nil {
			return Audio{}, fmt.Errorf("phonemize chunk: %w", err)
		}
		reqPayload.Phonemes = phonemes
	}

	data, err := json.Marshal(reqPayload)
	if err != nil {
		return Audio{}, err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(data)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Audio{}, ctxErr
		}
		return Audio{}, fmt.Errorf("engine process: %w", err)
	}

	var resp execResponse
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &resp); err != nil {
		return Audio{}, fmt.Errorf("decode engine response: %w", err)
	}
	if resp.Error != "" {
		return Audio{}, fmt.Errorf("engine: %s", resp.Error)
	}

	pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
	if err != nil {
		return Audio{}, fmt.Errorf("decode engine pcm: %w", err)
	}

	sampleRate := resp.SampleRate
	if sampleRate == 0 {
		sampleRate = e.sampleRate
	}
	return Audio{
		Samples:    pcm16ToFloat32(pcm),
		SampleRate: sampleRate,
		Channels:   e.channels,
	}, nil
}

func pcm16ToFloat32(pcm []byte) []float32 {
	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		samples[i] = float32(v) / float32(math.MaxInt16)
	}
	return samples
}
