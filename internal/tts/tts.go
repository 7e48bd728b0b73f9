// Package tts holds the speech synthesis adapters. Every adapter writes a
// fresh file into its output directory and returns the path; playback and
// cleanup belong to the caller.
package tts

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"chatbot/internal/backend"
)

type Deps struct {
	HTTP   *http.Client
	Logger *slog.Logger
	// Dir receives synthesized files; empty means the temp dir.
	Dir string
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// Catalog lists the adapters that build without native libraries. The
// espeak adapter lives in package espeak.
func Catalog(deps Deps) []backend.Descriptor[backend.TTS] {
	return []backend.Descriptor[backend.TTS]{
		{Name: OpenAIName, Vendor: "OpenAI", Required: []string{"api_key"}, New: openAIFactory(deps)},
		{Name: BertVITS2Name, Vendor: "BertVITS2", Required: []string{"host"}, New: bertVITS2Factory(deps)},
		{Name: FastSpeechName, Vendor: "FastSpeech", Required: []string{"host"}, New: fastSpeechFactory(deps)},
		{Name: BaiduName, Vendor: "Baidu.speech", Required: []string{"api_key", "secret_key"}, New: baiduFactory(deps)},
		{Name: GoogleName, Vendor: "GoogleTranslate", New: googleFactory(deps)},
	}
}

// save copies r into a new file in dir and returns its path. A partial file
// is removed on failure.
func save(dir, ext string, r io.Reader) (string, error) {
	path := backend.OutputFile(dir, ext)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", backend.Classify(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	return path, nil
}

// cleaned runs Clean and rejects text with nothing left to say.
func cleaned(name, text string) (string, error) {
	text = Clean(text)
	if text == "" {
		return "", backend.Fail(backend.ErrInput, name, "synthesize", "nothing to synthesize")
	}
	return text, nil
}
