// Package nlg holds the text generation adapters.
package nlg

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"chatbot/internal/backend"
	"chatbot/internal/chat"
)

type Deps struct {
	HTTP   *http.Client
	Logger *slog.Logger
	// Dial is used for websocket backends; nil dials directly.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
	// Tokens counts tokens when a backend has to trim history.
	Tokens chat.TokenCounter
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d Deps) tokens() chat.TokenCounter {
	if d.Tokens == nil {
		return chat.NewTiktoken()
	}
	return d.Tokens
}

func Catalog(deps Deps) []backend.Descriptor[backend.NLG] {
	return []backend.Descriptor[backend.NLG]{
		{Name: ChatGPTName, Vendor: "OpenAI", Required: []string{"api_key"}, New: chatGPTFactory(deps)},
		{Name: ChatGLMName, Vendor: "ZhipuAI", Required: []string{"api_key"}, New: chatGLMFactory(deps)},
		{Name: QwenName, Vendor: "Aliyun", Required: []string{"api_key"}, New: qwenFactory(deps)},
		{Name: ERNIEName, Vendor: "Baidu.nlg", Required: []string{"api_key", "secret_key"}, New: ernieFactory(deps)},
		{Name: SparkName, Vendor: "XFyun", Required: []string{"app_id", "api_key", "api_secret"}, New: sparkFactory(deps)},
		{Name: GeminiName, Vendor: "Google", Required: []string{"api_key"}, New: geminiFactory(deps)},
		{Name: WaltzName, Vendor: "Waltz", Required: []string{"host"}, New: waltzFactory(deps)},
	}
}

// probeMessage asks for a one-word answer; any reply proves the round trip.
const probeMessage = "说“你好”"
