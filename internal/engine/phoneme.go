package engine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/voxflow-labs/voxflow-core/internal/config"
)

// Phonemizer converts chunk text into a phoneme sequence before
// inference. Errors surface as that chunk's failure, not the request's.
type Phonemizer interface {
	Phonemize(ctx context.Context, text string) (string, error)
}

// NewPhonemizer returns the configured phonemizer or nil when the stage
// is disabled (the engine then receives raw text).
func NewPhonemizer(cfg config.PhonemeConfig) (Phonemizer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return newExecPhonemizer(cfg.Command, cfg.Language)
}

// execPhonemizer runs an espeak-style command per chunk: text on stdin,
// phonemes on stdout.
type execPhonemizer struct {
	cmd      []string
	language string
	mu       sync.Mutex
}

func newExecPhonemizer(command, language string) (*execPhonemizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse phoneme command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("phoneme command empty")
	}
	return &execPhonemizer{cmd: args, language: language}, nil
}

func (p *execPhonemizer) Phonemize(ctx context.Context, text string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	base := p.cmd[0]
	args := append([]string{}, p.cmd[1:]...)
	if p.language != "" {
		args = append(args, "-v", p.language)
	}
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = strings.NewReader(text)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("phoneme process: %w", err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
