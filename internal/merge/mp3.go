package merge

import (
	"bytes"
	"context"
	"io"

	"github.com/hajimehoshi/go-mp3"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/loqalabs/loqa-narrator/internal/spool"
)

// MP3 joins MPEG layer III parts frame by frame without re-encoding. Tags
// are dropped and every part must share the first part's version, sample
// rate and channel mode.
type MP3 struct{}

func (MP3) Concat(ctx context.Context, parts []spool.Part, opener spool.Opener, dst io.Writer) error {
	var ref audio.MP3Header
	for i, p := range parts {
		if err := ctx.Err(); err != nil {
			return &MergeError{Cause: err}
		}
		data, err := readPart(opener, p)
		if err != nil {
			return &MergeError{Cause: err}
		}
		frames := audio.StripID3(data)
		header, offset, err := audio.FirstMP3Frame(frames)
		if err != nil {
			return mergeErr("part %d: %w: %v", p.Index, ErrIncompatible, err)
		}
		frames = frames[offset:]

		dec, err := mp3.NewDecoder(bytes.NewReader(frames))
		if err != nil {
			return mergeErr("part %d: %w: decode: %v", p.Index, ErrIncompatible, err)
		}
		if dec.SampleRate() != header.SampleRate {
			return mergeErr("part %d: %w: decoder reports %dHz, header %dHz", p.Index, ErrIncompatible, dec.SampleRate(), header.SampleRate)
		}

		if i == 0 {
			ref = header
		} else if !ref.Compatible(header) {
			return mergeErr("part %d: %w: %s, want %s", p.Index, ErrIncompatible, header, ref)
		}
		if _, err := dst.Write(frames); err != nil {
			return mergeErr("write part %d: %w", p.Index, err)
		}
	}
	return nil
}
