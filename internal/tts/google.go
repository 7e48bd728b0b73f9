package tts

import (
	"context"
	"io"
	"os"
	"path/filepath"

	gtts "github.com/GrailFinder/google-translate-tts"

	"chatbot/internal/backend"
	"chatbot/internal/config"
)

const GoogleName = "google"

// Google uses the free Google Translate voice. It needs no key, which makes
// it the fallback when nothing else is configured.
type Google struct {
	speech *gtts.Speech
	dir    string
}

func NewGoogle(deps Deps, sec config.Section) (*Google, error) {
	dir, err := backend.OutputDir(deps.Dir)
	if err != nil {
		return nil, err
	}
	return &Google{
		speech: &gtts.Speech{
			Folder:   filepath.Join(dir, "gtts"),
			Language: sec.String("language", "zh-CN"),
			Proxy:    sec.String("proxy", ""),
			Speed:    float32(sec.Float("speed", 1)),
		},
		dir: dir,
	}, nil
}

func googleFactory(deps Deps) backend.Factory[backend.TTS] {
	return func(_ context.Context, sec config.Section) (backend.TTS, error) {
		return NewGoogle(deps, sec)
	}
}

func (g *Google) Name() string { return GoogleName }

type generated struct {
	r   io.Reader
	err error
}

// Synthesize returns as soon as ctx ends; the request itself cannot be
// cancelled and finishes in the background.
func (g *Google) Synthesize(ctx context.Context, text string) (string, error) {
	text, err := cleaned(GoogleName, text)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(g.speech.Folder, 0o755); err != nil {
		return "", backend.Fail(backend.ErrConfig, GoogleName, "synthesize", "%v", err)
	}

	done := make(chan generated, 1)
	go func() {
		r, err := g.speech.GenerateSpeech(text)
		done <- generated{r, err}
	}()

	var res generated
	select {
	case <-ctx.Done():
		return "", backend.Wrap(GoogleName, "synthesize", ctx.Err())
	case res = <-done:
	}
	if res.err != nil {
		return "", backend.Wrap(GoogleName, "synthesize", backend.Classify(res.err))
	}

	path, err := save(g.dir, "mp3", res.r)
	if err != nil {
		return "", backend.Wrap(GoogleName, "synthesize", err)
	}
	return path, nil
}
