package engine

import (
	"context"
	"math"
	"strings"
	"time"
)

// Mock generates deterministic synthetic audio without a model. It sizes
// output from a words-per-minute estimate so chunk durations look
// plausible in tests and demos.
type Mock struct {
	sampleRate int
	channels   int

	// Delay is applied per call when set, to simulate inference time.
	Delay time.Duration
	// Fail, when set, decides per input whether the call errors.
	Fail func(in Input) error
}

func NewMock(sampleRate, channels int) *Mock {
	return &Mock{sampleRate: sampleRate, channels: channels}
}

const mockWordsPerMinute = 150.0

func (m *Mock) Synthesize(ctx context.Context, in Input) (Audio, error) {
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return Audio{}, ctx.Err()
		case <-time.After(m.Delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return Audio{}, err
	}
	if m.Fail != nil {
		if err := m.Fail(in); err != nil {
			return Audio{}, err
		}
	}

	speed := in.Speed
	if speed <= 0 {
		speed = 1.0
	}
	words := len(strings.Fields(in.Text))
	if words == 0 {
		words = 1
	}
	seconds := float64(words) * 60.0 / (mockWordsPerMinute * speed)
	frames := int(seconds * float64(m.sampleRate))
	if frames < 1 {
		frames = 1
	}

	samples := make([]float32, frames*m.channels)
	// A quiet tone keyed off the text makes distinct chunks audibly and
	// byte-wise distinguishable.
	freq := 220.0 + float64(len(in.Text)%13)*20.0
	for i := 0; i < frames; i++ {
		v := float32(0.1 * math.Sin(2*math.Pi*freq*float64(i)/float64(m.sampleRate)))
		for c := 0; c < m.channels; c++ {
			samples[i*m.channels+c] = v
		}
	}

	return Audio{Samples: samples, SampleRate: m.sampleRate, Channels: m.channels}, nil
}
