// Package merge joins chunk audio into one artifact.
package merge

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/spool"
)

// ErrIncompatible marks parts whose codec or container parameters differ.
var ErrIncompatible = errors.New("incompatible audio parts")

// MergeError wraps any failure while concatenating parts.
type MergeError struct {
	Cause error
}

func (e *MergeError) Error() string {
	return "merge failed: " + e.Cause.Error()
}

func (e *MergeError) Unwrap() error { return e.Cause }

func mergeErr(format string, args ...any) error {
	return &MergeError{Cause: fmt.Errorf(format, args...)}
}

// Concatenator writes parts, already in playback order, to dst.
type Concatenator interface {
	Concat(ctx context.Context, parts []spool.Part, opener spool.Opener, dst io.Writer) error
}

// New builds the concatenator for cfg.Mode.
func New(cfg config.MergeConfig, format string) (Concatenator, error) {
	switch cfg.Mode {
	case "ffmpeg":
		return NewFFmpeg(cfg.Command, format)
	case "mp3":
		return MP3{}, nil
	case "wav":
		return WAV{}, nil
	default:
		return nil, fmt.Errorf("unknown merge mode %q", cfg.Mode)
	}
}

func readPart(opener spool.Opener, p spool.Part) ([]byte, error) {
	rc, err := opener.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open part %d: %w", p.Index, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read part %d: %w", p.Index, err)
	}
	return data, nil
}
