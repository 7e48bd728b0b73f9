package asr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"chatbot/internal/backend"
	"chatbot/internal/config"
	"chatbot/pkg/audioconv"
)

const CLIName = "whisper-cli"

// CLI runs a local whisper.cpp binary per utterance.
type CLI struct {
	Bin      string
	Model    string
	Language string
	Threads  int
	tmpDir   string
	logger   *slog.Logger
}

func NewCLI(sec config.Section, logger *slog.Logger) *CLI {
	return &CLI{
		Bin:      sec.String("bin", "whisper-cli"),
		Model:    sec.String("model", ""),
		Language: sec.String("language", "auto"),
		Threads:  sec.Int("threads", 0),
		tmpDir:   sec.String("tmp_dir", os.TempDir()),
		logger:   logger,
	}
}

func cliFactory(deps Deps) backend.Factory[backend.ASR] {
	return func(_ context.Context, sec config.Section) (backend.ASR, error) {
		return NewCLI(sec, deps.logger().With("backend", CLIName)), nil
	}
}

func (c *CLI) Name() string { return CLIName }

func (c *CLI) Probe(context.Context) error {
	if _, err := exec.LookPath(c.Bin); err != nil {
		return fmt.Errorf("%w: %v", backend.ErrConfig, err)
	}
	if _, err := os.Stat(c.Model); err != nil {
		return fmt.Errorf("%w: model: %v", backend.ErrConfig, err)
	}
	return nil
}

func (c *CLI) Transcribe(ctx context.Context, audio backend.Audio) (string, error) {
	input, cleanup, err := c.prepare(audio)
	if err != nil {
		return "", backend.Wrap(CLIName, "transcribe", err)
	}
	defer cleanup()

	args := []string{"-m", c.Model, "-f", input, "-nt", "-np", "-l", c.Language}
	if c.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(c.Threads))
	}

	c.logger.Debug("Running whisper", "bin", c.Bin, "args", args)
	cmd := exec.CommandContext(ctx, c.Bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", backend.Wrap(CLIName, "transcribe", ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", backend.Fail(backend.ErrUpstream, CLIName, "transcribe", "%v: %s", err, lastLine(stderr.String()))
		}
		return "", backend.Fail(backend.ErrConfig, CLIName, "transcribe", "%v", err)
	}
	return joinLines(stdout.String()), nil
}

// prepare writes the audio as a 16 kHz mono WAV, which is all whisper.cpp
// reads without ffmpeg support compiled in.
func (c *CLI) prepare(audio backend.Audio) (string, func(), error) {
	data, err := audio.Bytes()
	if err != nil {
		return "", nil, err
	}
	x, err := audioconv.BytesToPCM16k(data, filepath.Ext(audio.Filename()), audioconv.Options{})
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", backend.ErrInput, err)
	}

	f, err := os.CreateTemp(c.tmpDir, "whisper-*.wav")
	if err != nil {
		return "", nil, err
	}
	path := f.Name()
	cleanup := func() { _ = os.Remove(path) }

	if err := audioconv.WriteWAV(f, audioconv.FromFloat32(audioconv.WhisperRate, x)); err != nil {
		f.Close()
		cleanup()
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return path, cleanup, nil
}

func joinLines(out string) string {
	var parts []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, " ")
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
