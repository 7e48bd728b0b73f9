package playback

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// FFPlay plays through an ffplay process, killed when ctx ends.
type FFPlay struct {
	Bin string
}

func NewFFPlay(bin string) (*FFPlay, error) {
	if bin == "" {
		bin = "ffplay"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("ffplay not found, is it installed: %w", err)
	}
	return &FFPlay{Bin: path}, nil
}

func (f *FFPlay) Play(ctx context.Context, path string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.Bin, "-noborder", "-nodisp", "-autoexit", "-loglevel", "error", "-i", path)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("ffplay: %w: %s", err, msg)
		}
		return fmt.Errorf("ffplay: %w", err)
	}
	return nil
}
