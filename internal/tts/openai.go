package tts

import (
	"context"
	"log/slog"

	"github.com/openai/openai-go/v3"

	"chatbot/internal/backend"
	"chatbot/internal/config"
	"chatbot/internal/openaiclient"
)

const OpenAIName = "openai"

type OpenAI struct {
	client openai.Client
	model  string
	voice  string
	speed  float64
	dir    string
	logger *slog.Logger
}

func NewOpenAI(deps Deps, sec config.Section) (*OpenAI, error) {
	dir, err := backend.OutputDir(deps.Dir)
	if err != nil {
		return nil, err
	}
	return &OpenAI{
		client: openaiclient.New(deps.HTTP, sec, ""),
		model:  sec.String("tts_model", openai.SpeechModelTTS1),
		voice:  sec.String("tts_voice", "nova"),
		speed:  sec.Float("tts_speed", 0),
		dir:    dir,
		logger: deps.logger().With("backend", OpenAIName),
	}, nil
}

func openAIFactory(deps Deps) backend.Factory[backend.TTS] {
	return func(_ context.Context, sec config.Section) (backend.TTS, error) {
		return NewOpenAI(deps, sec)
	}
}

func (o *OpenAI) Name() string { return OpenAIName }

func (o *OpenAI) Synthesize(ctx context.Context, text string) (string, error) {
	text, err := cleaned(OpenAIName, text)
	if err != nil {
		return "", err
	}

	params := openai.AudioSpeechNewParams{
		Input:          text,
		Model:          o.model,
		Voice:          openai.AudioSpeechNewParamsVoice(o.voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatWAV,
	}
	if o.speed > 0 {
		params.Speed = openai.Float(o.speed)
	}

	resp, err := o.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return "", backend.Wrap(OpenAIName, "synthesize", openaiclient.Classify(err))
	}
	defer resp.Body.Close()

	path, err := save(o.dir, "wav", resp.Body)
	if err != nil {
		return "", backend.Wrap(OpenAIName, "synthesize", err)
	}
	o.logger.Debug("Speech synthesized", "path", path, "chars", len(text))
	return path, nil
}

func (o *OpenAI) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, backend.ProbeTimeout)
	defer cancel()
	if _, err := o.client.Models.List(ctx); err != nil {
		return openaiclient.Classify(err)
	}
	return nil
}
