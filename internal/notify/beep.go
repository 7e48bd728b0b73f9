// Package notify gives the user a cue that the bot is listening.
package notify

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/speaker"
)

// Beep plays the mp3 at path and waits for it to finish.
func Beep(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open cue: %w", err)
	}

	streamer, format, err := mp3.Decode(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("decode cue %s: %w", path, err)
	}
	defer streamer.Close()

	if err := speaker.Init(format.SampleRate, format.SampleRate.N(time.Second/10)); err != nil {
		return fmt.Errorf("init speaker: %w", err)
	}

	done := make(chan struct{})
	speaker.Play(beep.Seq(streamer, beep.Callback(func() { close(done) })))
	<-done
	return nil
}

// Desktop shows a desktop notification through notify-send.
func Desktop(ctx context.Context, summary, body string) error {
	args := []string{"--app-name=chatbot", "--expire-time=3000", summary}
	if body != "" {
		args = append(args, body)
	}
	if out, err := exec.CommandContext(ctx, "notify-send", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("notify-send: %w: %s", err, out)
	}
	return nil
}
