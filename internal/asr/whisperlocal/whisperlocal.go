// Package whisperlocal runs whisper.cpp inside the process. It is split
// from package asr because it links the native library.
package whisperlocal

import (
	"context"
	"fmt"
	"strings"

	"chatbot/internal/backend"
	"chatbot/internal/config"
	"chatbot/pkg/audioconv"
	"chatbot/pkg/stt"
)

const Name = "whisper-local"

type Local struct {
	tr *stt.Transcriber
}

func Descriptor() backend.Descriptor[backend.ASR] {
	return backend.Descriptor[backend.ASR]{
		Name:     Name,
		Vendor:   "Whisper",
		Required: []string{"model_path"},
		New: func(_ context.Context, sec config.Section) (backend.ASR, error) {
			return New(sec)
		},
	}
}

func New(sec config.Section) (*Local, error) {
	tr, err := stt.NewTranscriber(sec.String("model_path", ""), stt.Options{
		Language:      sec.String("language", "auto"),
		Threads:       sec.Int("threads", 0),
		InitialPrompt: sec.String("initial_prompt", ""),
		BeamSize:      sec.Int("beam_size", 0),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrConfig, err)
	}
	return &Local{tr: tr}, nil
}

func (l *Local) Name() string { return Name }

func (l *Local) Close() error { return l.tr.Close() }

func (l *Local) Transcribe(ctx context.Context, audio backend.Audio) (string, error) {
	var (
		pcm []float32
		err error
	)
	if audio.Path != "" {
		pcm, err = audioconv.LoadPCM16k(audio.Path, audioconv.Options{})
	} else {
		pcm, err = audioconv.BytesToPCM16k(audio.Data, "", audioconv.Options{})
	}
	if err != nil {
		return "", backend.Fail(backend.ErrInput, Name, "transcribe", "%v", err)
	}
	if len(pcm) == 0 {
		return "", nil
	}

	res, err := l.tr.TranscribePCM(ctx, pcm)
	if err != nil {
		if ctx.Err() != nil {
			return "", backend.Wrap(Name, "transcribe", ctx.Err())
		}
		return "", backend.Fail(backend.ErrUpstream, Name, "transcribe", "%v", err)
	}
	return strings.TrimSpace(res.Text), nil
}
