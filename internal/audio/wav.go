package audio

import (
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVFormat is the PCM layout of a WAV stream.
type WAVFormat struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

func (f WAVFormat) String() string {
	return fmt.Sprintf("%dHz/%dch/%dbit", f.SampleRate, f.Channels, f.BitDepth)
}

// EncodeWAV writes samples as a PCM WAV stream into w.
func EncodeWAV(w io.WriteSeeker, format WAVFormat, samples []int) error {
	enc := wav.NewEncoder(w, format.SampleRate, format.BitDepth, format.Channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		Data:           samples,
		SourceBitDepth: format.BitDepth,
	}
	if len(samples) > 0 {
		if err := enc.Write(buf); err != nil {
			return fmt.Errorf("write wav: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// SilentWAV returns a mono 16-bit WAV of the given number of samples. Each
// sample is set to marker so that tests can tell parts apart.
func SilentWAV(sampleRate, samples, marker int) ([]byte, error) {
	data := make([]int, samples)
	for i := range data {
		data[i] = marker
	}
	var buf WriteSeekBuffer
	if err := EncodeWAV(&buf, WAVFormat{SampleRate: sampleRate, Channels: 1, BitDepth: 16}, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteSeekBuffer is an in-memory io.WriteSeeker.
type WriteSeekBuffer struct {
	buf []byte
	pos int
}

func (b *WriteSeekBuffer) Write(p []byte) (int, error) {
	end := b.pos + len(p)
	if end > len(b.buf) {
		if end > cap(b.buf) {
			grown := make([]byte, end, 2*end)
			copy(grown, b.buf)
			b.buf = grown
		} else {
			b.buf = b.buf[:end]
		}
	}
	copy(b.buf[b.pos:], p)
	b.pos = end
	return len(p), nil
}

func (b *WriteSeekBuffer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(b.pos) + offset
	case io.SeekEnd:
		abs = int64(len(b.buf)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("negative position")
	}
	b.pos = int(abs)
	return abs, nil
}

// Bytes returns the written contents.
func (b *WriteSeekBuffer) Bytes() []byte { return b.buf }
