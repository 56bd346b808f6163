package protocol

import "time"

// SynthesisRequest asks the speech service to synthesize text.
type SynthesisRequest struct {
	RequestID string  `json:"request_id"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
	Target    string  `json:"target,omitempty"`
}

// AudioChunk carries one in-order slice of synthesized PCM.
type AudioChunk struct {
	RequestID  string `json:"request_id"`
	Target     string `json:"target,omitempty"`
	Sequence   uint64 `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// ChunkError reports a failed chunk at its sequence position.
type ChunkError struct {
	RequestID string `json:"request_id"`
	Target    string `json:"target,omitempty"`
	Sequence  uint64 `json:"sequence"`
	Error     string `json:"error"`
}

// SynthesisStatus is published once a request reaches a terminal state.
type SynthesisStatus struct {
	RequestID    string    `json:"request_id"`
	Target       string    `json:"target,omitempty"`
	Completed    bool      `json:"completed"`
	Cancelled    bool      `json:"cancelled,omitempty"`
	Chunks       int       `json:"chunks"`
	FailedChunks int       `json:"failed_chunks"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

const (
	SubjectSynthesisRequest = "speech.synthesize"
	SubjectSpeechAudio      = "speech.audio"
	SubjectSpeechError      = "speech.error"
	SubjectSpeechDone       = "speech.done"
)
