// Package mic records speech from the default input device. It links
// portaudio, so it is kept apart from package audio.
package mic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gordonklaus/portaudio"

	"chatbot/internal/audio"
	"chatbot/internal/backend"
	"chatbot/pkg/audioconv"
)

// SampleRate is what the speech recognizers want.
const SampleRate = audioconv.WhisperRate

var ErrNoAudio = errors.New("no audio recorded")

// Recorder captures mono microphone input through portaudio.
type Recorder struct {
	// SilenceRMS is the frame level below which input counts as silence.
	SilenceRMS float64
	// Silence ends an automatic recording once speech has started.
	Silence   time.Duration
	MaxLength time.Duration
}

// NewRecorder initialises portaudio; Close releases it.
func NewRecorder() (*Recorder, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: %w", err)
	}
	return &Recorder{
		SilenceRMS: 0.015,
		Silence:    600 * time.Millisecond,
		MaxLength:  15 * time.Second,
	}, nil
}

func (r *Recorder) Close() error {
	return portaudio.Terminate()
}

// RecordAuto waits for speech and stops after a stretch of silence, ctx
// cancellation or MaxLength.
func (r *Recorder) RecordAuto(ctx context.Context) ([]float32, error) {
	const frameSize = SampleRate / 50 // 20ms

	det := audio.NewSilenceDetector(r.SilenceRMS, r.Silence, 20*time.Millisecond)
	return r.record(ctx, frameSize, det.Feed)
}

// RecordUntil records until stop is closed, ctx ends or MaxLength passes.
func (r *Recorder) RecordUntil(ctx context.Context, stop <-chan struct{}) ([]float32, error) {
	return r.record(ctx, 1024, func([]float32) (bool, bool) {
		select {
		case <-stop:
			return false, true
		default:
			return true, false
		}
	})
}

func (r *Recorder) record(ctx context.Context, frameSize int, frameFn func([]float32) (keep, stop bool)) ([]float32, error) {
	buf := make([]float32, frameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, SampleRate, len(buf), buf)
	if err != nil {
		return nil, fmt.Errorf("open input stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return nil, fmt.Errorf("start input stream: %w", err)
	}
	defer stream.Stop()

	maxFrames := int(r.MaxLength.Seconds() * SampleRate / float64(frameSize))
	out := make([]float32, 0, SampleRate*3)
	for i := 0; i < maxFrames; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := stream.Read(); err != nil {
			return nil, fmt.Errorf("read input stream: %w", err)
		}
		keep, stop := frameFn(buf)
		if keep {
			out = append(out, buf...)
		}
		if stop {
			break
		}
	}

	if len(out) == 0 {
		return nil, ErrNoAudio
	}
	return out, nil
}

// RecordWAV records one utterance into a WAV file in dir, ready for any
// ASR backend.
func (r *Recorder) RecordWAV(ctx context.Context, dir string) (string, error) {
	pcm, err := r.RecordAuto(ctx)
	if err != nil {
		return "", err
	}
	path := backend.OutputFile(dir, "wav")
	if err := audioconv.WriteWAVFile(path, audioconv.FromFloat32(SampleRate, pcm)); err != nil {
		return "", err
	}
	return path, nil
}
