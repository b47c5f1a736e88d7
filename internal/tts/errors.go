package tts

import (
	"errors"
	"fmt"
)

// ErrSynthesisFailed matches every error produced when a chunk could not be
// converted to audio.
var ErrSynthesisFailed = errors.New("synthesis failed")

// ErrEmptyAudio is returned for a backend response that carried no bytes.
var ErrEmptyAudio = errors.New("empty audio payload")

// SynthesisError reports a chunk whose attempts were exhausted or cut short.
type SynthesisError struct {
	ChunkIndex int
	Attempts   int
	Cause      error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("chunk %d: synthesis failed after %d attempt(s): %v", e.ChunkIndex, e.Attempts, e.Cause)
}

func (e *SynthesisError) Unwrap() []error {
	return []error{ErrSynthesisFailed, e.Cause}
}
