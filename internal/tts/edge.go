package tts

import (
	"bytes"
	"context"
	"fmt"

	"github.com/pp-group/edge-tts-go/biz/service/tts/edge"
)

// EdgeSynth uses the Microsoft Edge read-aloud service. Output is MP3.
type EdgeSynth struct{}

func NewEdgeSynth() *EdgeSynth {
	return &EdgeSynth{}
}

func (e *EdgeSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	comm, err := edge.NewCommunicate(req.Text, edge.WithVoice(req.Voice))
	if err != nil {
		return nil, fmt.Errorf("edge communicate: %w", err)
	}
	stream, err := comm.Stream()
	if err != nil {
		return nil, fmt.Errorf("edge stream: %w", err)
	}

	var buf bytes.Buffer
	for {
		select {
		case <-ctx.Done():
			// drain so the producer goroutine can exit
			go func() {
				for range stream {
				}
			}()
			return nil, ctx.Err()
		case msg, ok := <-stream:
			if !ok {
				if buf.Len() == 0 {
					return nil, fmt.Errorf("edge returned no audio")
				}
				return buf.Bytes(), nil
			}
			if kind, _ := msg["type"].(string); kind == "audio" {
				if data, ok := msg["data"].([]byte); ok {
					buf.Write(data)
				}
			}
		}
	}
}
