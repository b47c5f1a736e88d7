package tts

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-narrator/internal/audio"
)

const mockSampleRate = 16000

type mockSynth struct {
	format string
	delay  time.Duration
}

// NewMockSynth returns a backend that answers every request with silence in
// the given container after delay. Audio length grows with the text, and every
// frame or sample carries the chunk index so merged output can be inspected.
func NewMockSynth(format string, delay time.Duration) Synthesizer {
	return &mockSynth{format: format, delay: delay}
}

func (m *mockSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if m.delay > 0 {
		timer := time.NewTimer(m.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	units := 1 + utf8.RuneCountInString(req.Text)/100
	if m.format == "wav" {
		return audio.SilentWAV(mockSampleRate, units*mockSampleRate/10, req.ChunkIndex)
	}
	return audio.SilentMP3(units, byte(req.ChunkIndex)), nil
}
