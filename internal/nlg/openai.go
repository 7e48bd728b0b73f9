package nlg

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"

	"github.com/openai/openai-go/v3"

	"chatbot/internal/backend"
	"chatbot/internal/chat"
	"chatbot/internal/config"
	"chatbot/internal/openaiclient"
)

const (
	ChatGPTName = "chatgpt"
	ChatGLMName = "chatglm"
	QwenName    = "qwen"

	zhipuBaseURL     = "https://open.bigmodel.cn/api/paas/v4/"
	dashscopeBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1/"
)

var (
	chatGLMModels = []string{"glm-3-turbo", "glm-4", "glm-4v"}
	qwenModels    = []string{"qwen-turbo", "qwen-plus", "qwen-max", "qwen-max-1201", "qwen-max-longcontext"}
)

// Compatible drives any vendor that speaks the OpenAI chat completions
// protocol: OpenAI itself, ZhipuAI and Aliyun DashScope.
type Compatible struct {
	name      string
	model     string
	maxTokens int64
	client    openai.Client
	logger    *slog.Logger
}

type compatibleOptions struct {
	name         string
	baseURL      string
	defaultModel string
	modelKey     string
	models       []string
}

func newCompatible(deps Deps, sec config.Section, o compatibleOptions) (*Compatible, error) {
	model := sec.String(o.modelKey, o.defaultModel)
	if len(o.models) > 0 && !slices.Contains(o.models, model) {
		return nil, fmt.Errorf("%w: unsupported %s model %q, expected one of %s",
			backend.ErrConfig, o.name, model, strings.Join(o.models, ", "))
	}

	return &Compatible{
		name:      o.name,
		model:     model,
		maxTokens: int64(sec.Int("max_tokens", 0)),
		client:    openaiclient.New(deps.HTTP, sec, o.baseURL),
		logger:    deps.logger().With("backend", o.name),
	}, nil
}

func NewChatGPT(deps Deps, sec config.Section) (*Compatible, error) {
	return newCompatible(deps, sec, compatibleOptions{
		name: ChatGPTName, defaultModel: "gpt-3.5-turbo", modelKey: "gpt_model",
	})
}

func NewChatGLM(deps Deps, sec config.Section) (*Compatible, error) {
	return newCompatible(deps, sec, compatibleOptions{
		name: ChatGLMName, baseURL: zhipuBaseURL, defaultModel: "glm-4", modelKey: "nlg_model", models: chatGLMModels,
	})
}

func NewQwen(deps Deps, sec config.Section) (*Compatible, error) {
	return newCompatible(deps, sec, compatibleOptions{
		name: QwenName, baseURL: dashscopeBaseURL, defaultModel: "qwen-max", modelKey: "nlg_model", models: qwenModels,
	})
}

func chatGPTFactory(deps Deps) backend.Factory[backend.NLG] {
	return func(_ context.Context, sec config.Section) (backend.NLG, error) { return NewChatGPT(deps, sec) }
}

func chatGLMFactory(deps Deps) backend.Factory[backend.NLG] {
	return func(_ context.Context, sec config.Section) (backend.NLG, error) { return NewChatGLM(deps, sec) }
}

func qwenFactory(deps Deps) backend.Factory[backend.NLG] {
	return func(_ context.Context, sec config.Section) (backend.NLG, error) { return NewQwen(deps, sec) }
}

func (c *Compatible) Name() string { return c.name }

func (c *Compatible) Model() string { return c.model }

func (c *Compatible) params(message string, history chat.History, prompt string) openai.ChatCompletionNewParams {
	p := openai.ChatCompletionNewParams{
		Messages: toOpenAI(chat.Conversation(history, prompt, message)),
		Model:    openai.ChatModel(c.model),
	}
	if c.maxTokens > 0 {
		p.MaxTokens = openai.Int(c.maxTokens)
	}
	return p
}

func (c *Compatible) Reply(ctx context.Context, message string, history chat.History, prompt string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, c.params(message, history, prompt))
	if err != nil {
		return "", backend.Wrap(c.name, "reply", openaiclient.Classify(err))
	}
	if len(resp.Choices) == 0 {
		return "", backend.Fail(backend.ErrUpstream, c.name, "reply", "no choices in response")
	}
	content := resp.Choices[0].Message.Content
	c.logger.Debug("Reply received", "model", c.model, "chars", len(content))
	return content, nil
}

func (c *Compatible) ReplyStream(ctx context.Context, message string, history chat.History, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stream := c.client.Chat.Completions.NewStreaming(ctx, c.params(message, history, prompt))
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(chunk.Choices[0].Delta.Content, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield("", backend.Wrap(c.name, "stream", openaiclient.Classify(err)))
		}
	}
}

func (c *Compatible) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, backend.ProbeTimeout)
	defer cancel()
	_, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages:  []openai.ChatCompletionMessageParamUnion{openai.UserMessage(probeMessage)},
		Model:     openai.ChatModel(c.model),
		MaxTokens: openai.Int(16),
	})
	if err != nil {
		return openaiclient.Classify(err)
	}
	return nil
}

func toOpenAI(msgs []chat.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case chat.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case chat.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
