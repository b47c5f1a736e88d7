// Package audio holds container-level helpers shared by the synthesizer
// mocks and the concatenators: MP3 frame headers, ID3 tag stripping, WAV
// encoding and an in-memory io.WriteSeeker.
package audio
