package asr

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"

	"chatbot/internal/backend"
	"chatbot/internal/config"
	"chatbot/internal/openaiclient"
)

const WhisperAPIName = "whisper-api"

// WhisperAPI transcribes through the OpenAI audio API.
type WhisperAPI struct {
	client openai.Client
	model  string
}

func NewWhisperAPI(httpClient *http.Client, sec config.Section) *WhisperAPI {
	return &WhisperAPI{
		client: openaiclient.New(httpClient, sec, ""),
		model:  sec.String("asr_model", "whisper-1"),
	}
}

func whisperAPIFactory(deps Deps) backend.Factory[backend.ASR] {
	return func(_ context.Context, sec config.Section) (backend.ASR, error) {
		return NewWhisperAPI(deps.HTTP, sec), nil
	}
}

func (w *WhisperAPI) Name() string { return WhisperAPIName }

func (w *WhisperAPI) Transcribe(ctx context.Context, audio backend.Audio) (string, error) {
	data, err := audio.Bytes()
	if err != nil {
		return "", backend.Wrap(WhisperAPIName, "transcribe", err)
	}

	resp, err := w.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(data), audio.Filename(), ""),
		Model: openai.AudioModel(w.model),
	})
	if err != nil {
		return "", backend.Wrap(WhisperAPIName, "transcribe", openaiclient.Classify(err))
	}
	return strings.TrimSpace(resp.Text), nil
}

func (w *WhisperAPI) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, backend.ProbeTimeout)
	defer cancel()
	if _, err := w.client.Models.List(ctx); err != nil {
		return openaiclient.Classify(err)
	}
	return nil
}
