package tts

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

// Request carries one chunk of text to a speech backend.
type Request struct {
	JobID      string
	ChunkIndex int
	Text       string
	Voice      string
}

// Synthesizer converts text into a complete audio payload. Implementations
// must return either the full payload or an error, never a partial payload.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}

// SynthesizerFunc adapts a function to Synthesizer.
type SynthesizerFunc func(ctx context.Context, req Request) ([]byte, error)

func (f SynthesizerFunc) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	return f(ctx, req)
}

// New builds the backend selected by cfg.Mode. format is the container the
// pipeline expects parts in (mp3 or wav).
func New(cfg config.SynthConfig, format string) (Synthesizer, error) {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	switch cfg.Mode {
	case "mock":
		return NewMockSynth(format, time.Duration(cfg.MockDelayMS)*time.Millisecond), nil
	case "exec":
		return NewExecSynth(cfg.Command, format)
	case "elevenlabs":
		return NewElevenLabs(cfg.ElevenLabs.APIKey,
			WithElevenLabsBaseURL(cfg.ElevenLabs.BaseURL),
			WithElevenLabsModel(cfg.ElevenLabs.Model),
			WithElevenLabsTimeout(timeout),
		), nil
	case "edge":
		return NewEdgeSynth(), nil
	case "tencent":
		synth, err := NewTencentSynth(cfg.Tencent)
		if err != nil {
			return nil, err
		}
		return synth, nil
	default:
		return nil, fmt.Errorf("unknown synth mode %q", cfg.Mode)
	}
}
