// Package googleai wraps the Gemini client shared by the Gemini ASR and NLG
// adapters.
package googleai

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"chatbot/internal/backend"
	"chatbot/internal/config"
)

const DefaultModel = "gemini-1.5-flash"

func NewClient(ctx context.Context, sec config.Section) (*genai.Client, error) {
	key := sec.String("api_key", "")
	if key == "" {
		return nil, fmt.Errorf("%w: Google api_key is not set", backend.ErrConfig)
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(key))
	if err != nil {
		return nil, fmt.Errorf("%w: gemini client: %v", backend.ErrConnection, err)
	}
	return client, nil
}

// Text concatenates the text parts of every candidate.
func Text(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				b.WriteString(string(t))
			}
		}
	}
	return b.String()
}

// Probe counts the tokens of a short text, which checks the key without
// generating anything.
func Probe(ctx context.Context, model *genai.GenerativeModel) error {
	ctx, cancel := context.WithTimeout(ctx, backend.ProbeTimeout)
	defer cancel()
	if _, err := model.CountTokens(ctx, genai.Text("hello")); err != nil {
		return Classify(err)
	}
	return nil
}

func Classify(err error) error {
	if err == nil {
		return nil
	}
	if k := backend.KindOf(err); k != nil {
		return err
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "API key not valid"), strings.Contains(msg, "PermissionDenied"), strings.Contains(msg, "Unauthenticated"):
		return fmt.Errorf("%w: %v", backend.ErrConfig, err)
	case strings.Contains(msg, "DeadlineExceeded"):
		return fmt.Errorf("%w: %v", backend.ErrTimeout, err)
	case strings.Contains(msg, "Unavailable"):
		return fmt.Errorf("%w: %v", backend.ErrConnection, err)
	}
	return backend.Classify(err)
}
