package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

type execSynth struct {
	cmd    []string
	format string
}

type execRequest struct {
	JobID      string `json:"job_id"`
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	Format     string `json:"format"`
}

type execResponse struct {
	AudioBase64 string `json:"audio_base64"`
	Final       bool   `json:"final"`
	Error       string `json:"error,omitempty"`
}

// NewExecSynth runs command once per request. The process reads a JSON
// request on stdin and writes base64 audio as JSON lines on stdout, the last
// one marked final.
func NewExecSynth(command, format string) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, format: format}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	data, err := json.Marshal(execRequest{
		JobID:      req.JobID,
		ChunkIndex: req.ChunkIndex,
		Text:       req.Text,
		Voice:      req.Voice,
		Format:     e.format,
	})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start tts command: %w", err)
	}

	var (
		payload  bytes.Buffer
		final    bool
		parseErr error
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || final || parseErr != nil {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			parseErr = fmt.Errorf("decode tts output: %w", err)
			continue
		}
		if resp.Error != "" {
			parseErr = fmt.Errorf("tts command: %s", resp.Error)
			continue
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
		if err != nil {
			parseErr = fmt.Errorf("decode tts audio: %w", err)
			continue
		}
		payload.Write(chunk)
		final = resp.Final
	}
	scanErr := scanner.Err()
	if err := cmd.Wait(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("tts command: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("tts command: %w", err)
	}
	if parseErr != nil {
		return nil, parseErr
	}
	if scanErr != nil {
		return nil, scanErr
	}
	if !final {
		return nil, fmt.Errorf("tts command exited without a final message")
	}
	return payload.Bytes(), nil
}
