package asr

import (
	"context"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/google/generative-ai-go/genai"

	"chatbot/internal/backend"
	"chatbot/internal/config"
	"chatbot/internal/googleai"
)

const (
	GeminiName = "gemini"

	transcribePrompt = "Transcribe the provided audio verbatim. Return plain text only, without markdown, headers, or explanations."
)

// Gemini sends the recording inline to a multimodal Gemini model.
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

func NewGemini(ctx context.Context, sec config.Section) (*Gemini, error) {
	client, err := googleai.NewClient(ctx, sec)
	if err != nil {
		return nil, err
	}
	model := client.GenerativeModel(sec.String("asr_model", googleai.DefaultModel))
	model.SetTemperature(0)
	return &Gemini{client: client, model: model}, nil
}

func geminiFactory(Deps) backend.Factory[backend.ASR] {
	return func(ctx context.Context, sec config.Section) (backend.ASR, error) {
		return NewGemini(ctx, sec)
	}
}

func (g *Gemini) Name() string { return GeminiName }

func (g *Gemini) Probe(ctx context.Context) error { return googleai.Probe(ctx, g.model) }

func (g *Gemini) Close() error { return g.client.Close() }

func (g *Gemini) Transcribe(ctx context.Context, audio backend.Audio) (string, error) {
	data, err := audio.Bytes()
	if err != nil {
		return "", backend.Wrap(GeminiName, "transcribe", err)
	}

	resp, err := g.model.GenerateContent(ctx,
		genai.Text(transcribePrompt),
		genai.Blob{MIMEType: audioMIME(audio.Filename(), data), Data: data},
	)
	if err != nil {
		return "", backend.Wrap(GeminiName, "transcribe", googleai.Classify(err))
	}
	return strings.TrimSpace(googleai.Text(resp)), nil
}

func audioMIME(name string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); strings.HasPrefix(t, "audio/") {
		return t
	}
	if t := http.DetectContentType(data); strings.HasPrefix(t, "audio/") {
		return t
	}
	return "audio/wav"
}
