package audio

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrNoFrame is returned when no MPEG audio frame sync is found.
var ErrNoFrame = errors.New("no mpeg audio frame found")

// ChannelMode values from the MPEG audio frame header.
const (
	ChannelStereo      = 0
	ChannelJointStereo = 1
	ChannelDual        = 2
	ChannelMono        = 3
)

// MP3Header is the decoded 4-byte header of an MPEG audio frame.
type MP3Header struct {
	Version     int // 1, 2, or 25 for MPEG 2.5
	Layer       int
	Bitrate     int // kbit/s
	SampleRate  int
	Padding     bool
	ChannelMode int
	FrameLen    int
}

// Compatible reports whether two streams can be joined without re-encoding.
// Bitrate may differ between frames; the rest may not.
func (h MP3Header) Compatible(o MP3Header) bool {
	return h.Version == o.Version && h.Layer == o.Layer &&
		h.SampleRate == o.SampleRate && h.ChannelMode == o.ChannelMode
}

func (h MP3Header) String() string {
	return fmt.Sprintf("mpeg%d layer%d %dHz mode=%d", h.Version, h.Layer, h.SampleRate, h.ChannelMode)
}

var (
	mp3Bitrates = map[int][16]int{
		// MPEG1 layer III
		13: {0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0},
		// MPEG2/2.5 layer III
		23: {0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0},
	}
	mp3SampleRates = map[int][3]int{
		1:  {44100, 48000, 32000},
		2:  {22050, 24000, 16000},
		25: {11025, 12000, 8000},
	}
)

// ParseMP3Header decodes a layer III frame header at the start of b.
func ParseMP3Header(b []byte) (MP3Header, error) {
	if len(b) < 4 || b[0] != 0xFF || b[1]&0xE0 != 0xE0 {
		return MP3Header{}, ErrNoFrame
	}
	var h MP3Header
	switch (b[1] >> 3) & 0x03 {
	case 0:
		h.Version = 25
	case 2:
		h.Version = 2
	case 3:
		h.Version = 1
	default:
		return MP3Header{}, fmt.Errorf("reserved mpeg version")
	}
	if (b[1]>>1)&0x03 != 1 {
		return MP3Header{}, fmt.Errorf("only layer III is supported")
	}
	h.Layer = 3

	table := 13
	if h.Version != 1 {
		table = 23
	}
	h.Bitrate = mp3Bitrates[table][b[2]>>4]
	if h.Bitrate == 0 {
		return MP3Header{}, fmt.Errorf("unsupported bitrate index %d", b[2]>>4)
	}
	srIndex := (b[2] >> 2) & 0x03
	if srIndex == 3 {
		return MP3Header{}, fmt.Errorf("reserved sample rate index")
	}
	h.SampleRate = mp3SampleRates[h.Version][srIndex]
	h.Padding = (b[2]>>1)&0x01 == 1
	h.ChannelMode = int(b[3] >> 6)

	samplesPerFrame := 1152
	if h.Version != 1 {
		samplesPerFrame = 576
	}
	h.FrameLen = samplesPerFrame / 8 * h.Bitrate * 1000 / h.SampleRate
	if h.Padding {
		h.FrameLen++
	}
	return h, nil
}

// FirstMP3Frame finds the first frame header, skipping any leading ID3v2 tag.
func FirstMP3Frame(data []byte) (MP3Header, int, error) {
	data, skipped := skipID3v2(data)
	for i := 0; i+4 <= len(data); i++ {
		if data[i] != 0xFF {
			continue
		}
		h, err := ParseMP3Header(data[i:])
		if err == nil {
			return h, skipped + i, nil
		}
	}
	return MP3Header{}, 0, ErrNoFrame
}

// StripID3 returns the frame data of an MP3 payload without ID3v2 header or
// ID3v1 trailer. The returned slice aliases data.
func StripID3(data []byte) []byte {
	data, _ = skipID3v2(data)
	if n := len(data); n >= 128 && bytes.Equal(data[n-128:n-125], []byte("TAG")) {
		data = data[:n-128]
	}
	return data
}

func skipID3v2(data []byte) ([]byte, int) {
	if len(data) < 10 || !bytes.Equal(data[:3], []byte("ID3")) {
		return data, 0
	}
	size := int(data[6]&0x7F)<<21 | int(data[7]&0x7F)<<14 | int(data[8]&0x7F)<<7 | int(data[9]&0x7F)
	total := 10 + size
	if data[5]&0x10 != 0 {
		total += 10 // footer
	}
	if total > len(data) {
		return data[len(data):], len(data)
	}
	return data[total:], total
}

// SilentMP3 builds count MPEG1 layer III mono frames at 44.1kHz/128kbps whose
// side information is zero, so they decode to silence. The last byte of each
// frame carries marker as ancillary data, which lets tests tell parts apart.
func SilentMP3(count int, marker byte) []byte {
	header := []byte{0xFF, 0xFB, 0x90, 0xC0}
	h, _ := ParseMP3Header(header)
	out := make([]byte, 0, count*h.FrameLen)
	for i := 0; i < count; i++ {
		frame := make([]byte, h.FrameLen)
		copy(frame, header)
		frame[len(frame)-1] = marker
		out = append(out, frame...)
	}
	return out
}
