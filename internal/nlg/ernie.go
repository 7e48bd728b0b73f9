package nlg

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"chatbot/internal/backend"
	"chatbot/internal/baidu"
	"chatbot/internal/chat"
	"chatbot/internal/config"
)

const (
	ERNIEName = "ernie"

	wenxinBase = "https://aip.baidubce.com/rpc/2.0/ai_custom/v1/wenxinworkshop/chat/"
)

var ernieEndpoints = map[string]string{
	"ERNIE-Bot 4.0":     "completions_pro",
	"ERNIE-Bot-8K":      "ernie_bot_8k",
	"ERNIE-Bot":         "completions",
	"ERNIE-3.5-4K-0205": "ernie-3.5-4k-0205",
	"ERNIE-3.5-8K-0205": "ernie-3.5-8k-0205",
	"ERNIE-3.5-8K-1222": "ernie-3.5-8k-1222",
}

// Wenxin workshop error codes for an invalid or expired access token.
const (
	ernieErrTokenInvalid = 110
	ernieErrTokenExpired = 111
)

// ERNIE calls Baidu's ERNIE-Bot chat endpoints with an OAuth access token.
type ERNIE struct {
	URL     string
	model   string
	client  *http.Client
	tokens  *baidu.TokenSource
	timeout time.Duration
}

func NewERNIE(client *http.Client, sec config.Section) (*ERNIE, error) {
	model := sec.String("model", "ERNIE-Bot 4.0")
	path, ok := ernieEndpoints[model]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported ERNIE-Bot model %q, expected one of %s",
			backend.ErrConfig, model, strings.Join(slices.Sorted(maps.Keys(ernieEndpoints)), ", "))
	}
	return &ERNIE{
		URL:     sec.String("base_url", wenxinBase) + path,
		model:   model,
		client:  client,
		tokens:  baidu.NewTokenSource(client, sec),
		timeout: sec.Duration("timeout", 20*time.Second),
	}, nil
}

func ernieFactory(deps Deps) backend.Factory[backend.NLG] {
	return func(_ context.Context, sec config.Section) (backend.NLG, error) {
		return NewERNIE(deps.HTTP, sec)
	}
}

func (e *ERNIE) Name() string { return ERNIEName }

func (e *ERNIE) Tokens() *baidu.TokenSource { return e.tokens }

type ernieRequest struct {
	Messages []chat.Message `json:"messages"`
	System   string         `json:"system,omitempty"`
}

type ernieReply struct {
	Result    string `json:"result"`
	ErrorCode int    `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
}

// Reply sends the prompt in the system field; the endpoint accepts only
// user and assistant roles in messages.
func (e *ERNIE) Reply(ctx context.Context, message string, history chat.History, prompt string) (string, error) {
	req := ernieRequest{Messages: chat.Conversation(history, "", message), System: prompt}

	reply, err := backend.RetryOnAuthExpired(ctx, e.tokens.Refresh, func(ctx context.Context) (string, error) {
		return e.query(ctx, req)
	})
	if err != nil {
		return "", backend.Wrap(ERNIEName, "reply", err)
	}
	return reply, nil
}

func (e *ERNIE) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, backend.ProbeTimeout)
	defer cancel()
	req := ernieRequest{Messages: []chat.Message{{Role: chat.RoleUser, Content: probeMessage}}}
	_, err := backend.RetryOnAuthExpired(ctx, e.tokens.Refresh, func(ctx context.Context) (string, error) {
		return e.query(ctx, req)
	})
	return err
}

func (e *ERNIE) query(ctx context.Context, req ernieRequest) (string, error) {
	token, err := e.tokens.Token(ctx)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(e.URL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", backend.ErrConfig, err)
	}
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()

	var reply ernieReply
	if err := backend.PostJSON(ctx, e.client, u.String(), e.timeout, req, &reply); err != nil {
		return "", err
	}
	switch reply.ErrorCode {
	case 0:
		return reply.Result, nil
	case ernieErrTokenInvalid, ernieErrTokenExpired:
		return "", fmt.Errorf("%w: %d %s", backend.ErrAuthExpired, reply.ErrorCode, reply.ErrorMsg)
	}
	return "", fmt.Errorf("%w: %d %s", backend.ErrUpstream, reply.ErrorCode, reply.ErrorMsg)
}
