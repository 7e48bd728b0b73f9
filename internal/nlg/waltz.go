package nlg

import (
	"context"
	"net/http"
	"time"

	"chatbot/internal/backend"
	"chatbot/internal/chat"
	"chatbot/internal/config"
)

const WaltzName = "waltz"

// Waltz is a self-hosted fine-tuned ChatGLM3 behind the model server
// protocol (see cmd/nlg-server).
type Waltz struct {
	client         *http.Client
	host           string
	secret         string
	singleTimeout  time.Duration
	historyTimeout time.Duration
}

type SingleQuery struct {
	Prompt  string `json:"prompt"`
	Message string `json:"message"`
}

type ContinuedQuery struct {
	History []chat.Message `json:"history"`
	Message string         `json:"message"`
}

type contentReply struct {
	Content string `json:"content"`
}

func NewWaltz(client *http.Client, sec config.Section) *Waltz {
	return &Waltz{
		client:         client,
		host:           sec.String("host", ""),
		secret:         sec.String("secret", ""),
		singleTimeout:  sec.Duration("single_timeout", 20*time.Second),
		historyTimeout: sec.Duration("continued_timeout", 50*time.Second),
	}
}

func waltzFactory(deps Deps) backend.Factory[backend.NLG] {
	return func(_ context.Context, sec config.Section) (backend.NLG, error) {
		return NewWaltz(deps.HTTP, sec), nil
	}
}

func (w *Waltz) Name() string { return WaltzName }

func (w *Waltz) Probe(ctx context.Context) error {
	return backend.CheckHost(ctx, w.client, w.host, w.secret)
}

// Reply uses singleQuery for a fresh conversation and continuedQuery once
// there is history to carry.
func (w *Waltz) Reply(ctx context.Context, message string, history chat.History, prompt string) (string, error) {
	var (
		path    string
		body    any
		timeout time.Duration
	)
	if len(history) == 0 {
		path, timeout = "singleQuery", w.singleTimeout
		body = SingleQuery{Prompt: prompt, Message: message}
	} else {
		path, timeout = "continuedQuery", w.historyTimeout
		body = ContinuedQuery{History: chat.Normalize(history, prompt), Message: message}
	}

	endpoint, err := backend.Endpoint(w.host, path, w.secret)
	if err != nil {
		return "", backend.Wrap(WaltzName, "reply", err)
	}
	var reply contentReply
	if err := backend.PostJSON(ctx, w.client, endpoint, timeout, body, &reply); err != nil {
		return "", backend.Wrap(WaltzName, "reply", err)
	}
	return reply.Content, nil
}
