package playback

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
	"github.com/faiface/beep/wav"
)

// Speaker plays in-process through the default output device. The device
// is opened once at a fixed rate and every file is resampled to it.
type Speaker struct {
	rate beep.SampleRate

	once    sync.Once
	initErr error
}

func NewSpeaker(rate int) *Speaker {
	if rate <= 0 {
		rate = 44100
	}
	return &Speaker{rate: beep.SampleRate(rate)}
}

func (s *Speaker) init() error {
	s.once.Do(func() {
		s.initErr = speaker.Init(s.rate, s.rate.N(time.Second/10))
	})
	return s.initErr
}

func decode(path string) (beep.StreamSeekCloser, beep.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, beep.Format{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		return mp3.Decode(f)
	case ".wav":
		return wav.Decode(f)
	}
	f.Close()
	return nil, beep.Format{}, fmt.Errorf("unsupported audio file %s", filepath.Base(path))
}

func (s *Speaker) Play(ctx context.Context, path string) error {
	if err := s.init(); err != nil {
		return fmt.Errorf("init speaker: %w", err)
	}

	streamer, format, err := decode(path)
	if err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	defer streamer.Close()

	var src beep.Streamer = streamer
	if format.SampleRate != s.rate {
		src = beep.Resample(4, format.SampleRate, s.rate, streamer)
	}

	done := make(chan struct{})
	ctrl := &beep.Ctrl{Streamer: beep.Seq(src, beep.Callback(func() { close(done) }))}
	speaker.Play(ctrl)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		speaker.Lock()
		ctrl.Streamer = nil
		speaker.Unlock()
		return ctx.Err()
	}
}
