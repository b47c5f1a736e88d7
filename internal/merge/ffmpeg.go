package merge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-narrator/internal/spool"
)

// FFmpeg uses the concat demuxer with stream copy. Parts must be plain files.
type FFmpeg struct {
	cmd    []string
	format string
}

func NewFFmpeg(command, format string) (*FFmpeg, error) {
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse merge command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("merge command empty")
	}
	return &FFmpeg{cmd: args, format: format}, nil
}

func (f *FFmpeg) Concat(ctx context.Context, parts []spool.Part, _ spool.Opener, dst io.Writer) error {
	if len(parts) == 0 {
		return nil
	}
	for _, p := range parts {
		if p.Compressed {
			return mergeErr("part %d is compressed; ffmpeg needs plain files", p.Index)
		}
	}

	workDir, err := os.MkdirTemp(filepath.Dir(parts[0].Path), "merge-")
	if err != nil {
		return mergeErr("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	listPath := filepath.Join(workDir, "list.txt")
	if err := os.WriteFile(listPath, concatList(parts), 0o644); err != nil {
		return mergeErr("write concat list: %w", err)
	}
	outPath := filepath.Join(workDir, "out."+f.format)

	args := append(append([]string{}, f.cmd[1:]...),
		"-y", "-f", "concat", "-safe", "0", "-i", listPath, "-c", "copy", outPath)
	cmd := exec.CommandContext(ctx, f.cmd[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return mergeErr("%s: %w: %s", f.cmd[0], err, strings.TrimSpace(stderr.String()))
	}

	out, err := os.Open(outPath)
	if err != nil {
		return mergeErr("open merged output: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(dst, out); err != nil {
		return mergeErr("copy merged output: %w", err)
	}
	return nil
}

func concatList(parts []spool.Part) []byte {
	var b bytes.Buffer
	for _, p := range parts {
		path, err := filepath.Abs(p.Path)
		if err != nil {
			path = p.Path
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(path, "'", `'\''`))
	}
	return b.Bytes()
}
