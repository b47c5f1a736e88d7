// Package spool holds synthesized chunk audio on disk until it is merged.
package spool

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// Part is the on-disk audio of one chunk.
type Part struct {
	Index      int
	Path       string
	Size       int64 // audio bytes before compression
	Compressed bool
}

// Opener gives access to part audio.
type Opener interface {
	Open(p Part) (io.ReadCloser, error)
}

type Spool struct {
	dir     string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New creates dir if needed. With compress set, parts are stored zstd
// compressed and decompressed again on Open.
func New(dir string, compress bool) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}
	s := &Spool{dir: dir}
	if compress {
		var err error
		s.encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		s.decoder, err = zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
	}
	return s, nil
}

func (s *Spool) Dir() string { return s.dir }

// Write stores audio for chunk index of job as
// <job>_part<index>_<uuid>.<format>, with a .zst suffix when compressed.
func (s *Spool) Write(jobID string, index int, format string, audio []byte) (Part, error) {
	name := fmt.Sprintf("%s_part%d_%s.%s", jobID, index, uuid.NewString(), format)
	data := audio
	compressed := s.encoder != nil
	if compressed {
		data = s.encoder.EncodeAll(audio, nil)
		name += ".zst"
	}
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Part{}, fmt.Errorf("write part %d: %w", index, err)
	}
	return Part{Index: index, Path: path, Size: int64(len(audio)), Compressed: compressed}, nil
}

func (s *Spool) Open(p Part) (io.ReadCloser, error) {
	if !p.Compressed {
		return os.Open(p.Path)
	}
	if s.decoder == nil {
		return nil, fmt.Errorf("part %d is compressed but spool has no decoder", p.Index)
	}
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, err
	}
	audio, err := s.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress part %d: %w", p.Index, err)
	}
	return io.NopCloser(bytes.NewReader(audio)), nil
}

// Remove deletes the files of parts. Missing files are ignored.
func (s *Spool) Remove(parts []Part) error {
	var errs []error
	for _, p := range parts {
		if err := os.Remove(p.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases the compression state.
func (s *Spool) Close() error {
	if s.encoder != nil {
		_ = s.encoder.Close()
	}
	if s.decoder != nil {
		s.decoder.Close()
	}
	return nil
}
