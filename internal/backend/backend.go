// Package backend defines the contracts every ASR, NLG and TTS adapter
// satisfies, plus the error taxonomy and helpers they share.
package backend

import (
	"context"
	"fmt"
	"iter"
	"os"
	"strings"

	"chatbot/internal/chat"
)

// Audio is a recorded utterance, either a file on disk or raw file bytes.
type Audio struct {
	Path string
	Data []byte
	// Name is a filename hint for uploads when only Data is set.
	Name string
}

func (a Audio) Empty() bool { return a.Path == "" && len(a.Data) == 0 }

// Bytes returns the audio file contents.
func (a Audio) Bytes() ([]byte, error) {
	if len(a.Data) > 0 {
		return a.Data, nil
	}
	if a.Path == "" {
		return nil, fmt.Errorf("%w: no audio", ErrInput)
	}
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrInput, a.Path, err)
	}
	return data, nil
}

// Filename is the name used when uploading the audio.
func (a Audio) Filename() string {
	switch {
	case a.Name != "":
		return a.Name
	case a.Path != "":
		if i := strings.LastIndexAny(a.Path, `/\`); i >= 0 {
			return a.Path[i+1:]
		}
		return a.Path
	}
	return "audio.wav"
}

type Named interface {
	Name() string
}

type ASR interface {
	Named
	Transcribe(ctx context.Context, audio Audio) (string, error)
}

type NLG interface {
	Named
	Reply(ctx context.Context, message string, history chat.History, prompt string) (string, error)
}

// Streamer is implemented by NLG adapters that can deliver a reply in
// pieces. The sequence is lazy and can be ranged over once.
type Streamer interface {
	ReplyStream(ctx context.Context, message string, history chat.History, prompt string) iter.Seq2[string, error]
}

// TTS writes speech for text into the adapter's output directory and
// returns the file path. The caller owns the file.
type TTS interface {
	Named
	Synthesize(ctx context.Context, text string) (string, error)
}

// Prober performs the cheapest round trip that proves the backend answers.
type Prober interface {
	Probe(ctx context.Context) error
}

// Collect drains a reply stream into one string.
func Collect(seq iter.Seq2[string, error]) (string, error) {
	var b strings.Builder
	for chunk, err := range seq {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(chunk)
	}
	return b.String(), nil
}

// Single adapts a one-shot reply into a one-element stream.
func Single(reply string, err error) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield(reply, err)
	}
}
