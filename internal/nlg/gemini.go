package nlg

import (
	"context"
	"errors"
	"iter"
	"log/slog"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"

	"chatbot/internal/backend"
	"chatbot/internal/chat"
	"chatbot/internal/config"
	"chatbot/internal/googleai"
)

const GeminiName = "gemini"

type Gemini struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int32
	logger      *slog.Logger
}

func NewGemini(ctx context.Context, deps Deps, sec config.Section) (*Gemini, error) {
	client, err := googleai.NewClient(ctx, sec)
	if err != nil {
		return nil, err
	}
	return &Gemini{
		client:      client,
		model:       sec.String("nlg_model", googleai.DefaultModel),
		temperature: float32(sec.Float("temperature", 0.7)),
		maxTokens:   int32(sec.Int("max_tokens", 0)),
		logger:      deps.logger().With("backend", GeminiName),
	}, nil
}

func geminiFactory(deps Deps) backend.Factory[backend.NLG] {
	return func(ctx context.Context, sec config.Section) (backend.NLG, error) {
		return NewGemini(ctx, deps, sec)
	}
}

func (g *Gemini) Name() string { return GeminiName }

func (g *Gemini) session(history chat.History, prompt string) *genai.ChatSession {
	m := g.client.GenerativeModel(g.model)
	m.SetTemperature(g.temperature)
	if g.maxTokens > 0 {
		m.SetMaxOutputTokens(g.maxTokens)
	}
	if prompt != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(prompt)}}
	}
	cs := m.StartChat()
	cs.History = geminiHistory(history)
	return cs
}

// geminiHistory maps turns onto Gemini's "user"/"model" roles. Empty sides
// are skipped since the API rejects contents without parts.
func geminiHistory(history chat.History) []*genai.Content {
	out := make([]*genai.Content, 0, 2*len(history))
	for _, t := range history {
		if t.User != "" {
			out = append(out, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(t.User)}})
		}
		if t.Bot != "" {
			out = append(out, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(t.Bot)}})
		}
	}
	return out
}

func (g *Gemini) Reply(ctx context.Context, message string, history chat.History, prompt string) (string, error) {
	resp, err := g.session(history, prompt).SendMessage(ctx, genai.Text(message))
	if err != nil {
		return "", backend.Wrap(GeminiName, "reply", googleai.Classify(err))
	}
	text := googleai.Text(resp)
	if text == "" {
		return "", backend.Fail(backend.ErrUpstream, GeminiName, "reply", "empty response")
	}
	return text, nil
}

func (g *Gemini) ReplyStream(ctx context.Context, message string, history chat.History, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		it := g.session(history, prompt).SendMessageStream(ctx, genai.Text(message))
		for {
			resp, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				yield("", backend.Wrap(GeminiName, "stream", googleai.Classify(err)))
				return
			}
			if text := googleai.Text(resp); text != "" && !yield(text, nil) {
				return
			}
		}
	}
}

func (g *Gemini) Probe(ctx context.Context) error {
	return googleai.Probe(ctx, g.client.GenerativeModel(g.model))
}

func (g *Gemini) Close() error { return g.client.Close() }
