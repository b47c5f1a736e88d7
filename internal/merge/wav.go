package merge

import (
	"bytes"
	"context"
	"io"

	"github.com/go-audio/wav"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/spool"
)

// WAV decodes PCM parts and writes one WAV holding all samples. Sample
// rate, channel count and bit depth must match across parts.
type WAV struct{}

func (WAV) Concat(ctx context.Context, parts []spool.Part, opener spool.Opener, dst io.Writer) error {
	if len(parts) == 0 {
		return nil
	}
	var (
		format  audio.WAVFormat
		samples []int
	)
	for i, p := range parts {
		if err := ctx.Err(); err != nil {
			return &MergeError{Cause: err}
		}
		data, err := readPart(opener, p)
		if err != nil {
			return &MergeError{Cause: err}
		}
		dec := wav.NewDecoder(bytes.NewReader(data))
		if !dec.IsValidFile() {
			return mergeErr("part %d: %w: not a wav file", p.Index, ErrIncompatible)
		}
		buf, err := dec.FullPCMBuffer()
		if err != nil {
			return mergeErr("part %d: decode: %w", p.Index, err)
		}
		got := audio.WAVFormat{
			SampleRate: int(dec.SampleRate),
			Channels:   int(dec.NumChans),
			BitDepth:   int(dec.BitDepth),
		}
		if i == 0 {
			format = got
		} else if got != format {
			return mergeErr("part %d: %w: %s, want %s", p.Index, ErrIncompatible, got, format)
		}
		samples = append(samples, buf.Data...)
	}

	if ws, ok := dst.(io.WriteSeeker); ok {
		if err := audio.EncodeWAV(ws, format, samples); err != nil {
			return &MergeError{Cause: err}
		}
		return nil
	}
	var out audio.WriteSeekBuffer
	if err := audio.EncodeWAV(&out, format, samples); err != nil {
		return &MergeError{Cause: err}
	}
	if _, err := dst.Write(out.Bytes()); err != nil {
		return mergeErr("write wav: %w", err)
	}
	return nil
}
