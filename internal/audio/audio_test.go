package audio

import (
	"bytes"
	"testing"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMP3Header(t *testing.T) {
	h, err := ParseMP3Header([]byte{0xFF, 0xFB, 0x90, 0xC0})
	require.NoError(t, err)
	assert.Equal(t, 1, h.Version)
	assert.Equal(t, 3, h.Layer)
	assert.Equal(t, 128, h.Bitrate)
	assert.Equal(t, 44100, h.SampleRate)
	assert.Equal(t, ChannelMono, h.ChannelMode)
	assert.Equal(t, 417, h.FrameLen)

	// MPEG2, 64kbps, 24kHz, joint stereo, padded.
	h, err = ParseMP3Header([]byte{0xFF, 0xF3, 0x86, 0x40})
	require.NoError(t, err)
	assert.Equal(t, 2, h.Version)
	assert.Equal(t, 24000, h.SampleRate)
	assert.Equal(t, ChannelJointStereo, h.ChannelMode)
	assert.True(t, h.Padding)
	assert.Equal(t, 72*64000/24000+1, h.FrameLen)

	_, err = ParseMP3Header([]byte("RIFF"))
	assert.ErrorIs(t, err, ErrNoFrame)
}

func TestHeaderCompatibility(t *testing.T) {
	a := MP3Header{Version: 1, Layer: 3, SampleRate: 44100, ChannelMode: ChannelMono, Bitrate: 128}
	b := a
	b.Bitrate = 64
	assert.True(t, a.Compatible(b))
	b.SampleRate = 48000
	assert.False(t, a.Compatible(b))
}

func TestStripID3(t *testing.T) {
	frames := SilentMP3(2, 7)
	id3v2 := append([]byte("ID3\x04\x00\x00\x00\x00\x00\x05"), []byte("abcde")...)
	id3v1 := append([]byte("TAG"), make([]byte, 125)...)

	tagged := append(append(append([]byte{}, id3v2...), frames...), id3v1...)
	assert.Equal(t, frames, StripID3(tagged))

	h, offset, err := FirstMP3Frame(tagged)
	require.NoError(t, err)
	assert.Equal(t, len(id3v2), offset)
	assert.Equal(t, 44100, h.SampleRate)
}

func TestSilentMP3Markers(t *testing.T) {
	data := SilentMP3(3, 0x2A)
	require.Len(t, data, 3*417)
	for i := 1; i <= 3; i++ {
		assert.Equal(t, byte(0x2A), data[i*417-1])
	}
}

func TestSilentWAVRoundTrip(t *testing.T) {
	data, err := SilentWAV(16000, 160, 3)
	require.NoError(t, err)

	dec := wav.NewDecoder(bytes.NewReader(data))
	require.True(t, dec.IsValidFile())
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, 16000, buf.Format.SampleRate)
	assert.Equal(t, 1, buf.Format.NumChannels)
	require.Len(t, buf.Data, 160)
	assert.Equal(t, 3, buf.Data[0])
}

func TestWriteSeekBuffer(t *testing.T) {
	var b WriteSeekBuffer
	_, _ = b.Write([]byte("hello world"))
	_, err := b.Seek(0, 0)
	require.NoError(t, err)
	_, _ = b.Write([]byte("J"))
	assert.Equal(t, "Jello world", string(b.Bytes()))
	_, err = b.Seek(-1, 0)
	assert.Error(t, err)
}
