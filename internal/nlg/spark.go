package nlg

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatbot/internal/backend"
	"chatbot/internal/chat"
	"chatbot/internal/config"
)

const SparkName = "spark"

type sparkVersion struct {
	domain    string
	maxTokens int
}

var sparkVersions = map[string]sparkVersion{
	"v3.5": {domain: "generalv3.5", maxTokens: 8192},
	"v3.1": {domain: "generalv3", maxTokens: 8192},
	"v2.1": {domain: "generalv2", maxTokens: 8192},
	"v1.1": {domain: "general", maxTokens: 4096},
}

// Spark streams replies from iFlytek's Spark model over a signed websocket.
type Spark struct {
	// URL is the chat endpoint, e.g. wss://spark-api.xf-yun.com/v3.5/chat.
	URL       string
	appID     string
	apiKey    string
	apiSecret string
	uid       string
	version   sparkVersion

	temperature float64
	replyTokens int
	timeout     time.Duration

	dialer *websocket.Dialer
	tokens chat.TokenCounter
	logger *slog.Logger
	now    func() time.Time
}

func NewSpark(deps Deps, sec config.Section) (*Spark, error) {
	model := sec.String("nlg_model", "v3.5")
	v, ok := sparkVersions[model]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported Spark model %q, expected v3.5, v3.1, v2.1 or v1.1", backend.ErrConfig, model)
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		NetDialContext:   deps.Dial,
	}
	return &Spark{
		URL:         sec.String("base_url", "wss://spark-api.xf-yun.com/") + model + "/chat",
		appID:       sec.String("app_id", ""),
		apiKey:      sec.String("api_key", ""),
		apiSecret:   sec.String("api_secret", ""),
		uid:         strings.ReplaceAll(uuid.NewString(), "-", ""),
		version:     v,
		temperature: sec.Float("temperature", 0.5),
		replyTokens: sec.Int("max_tokens", 2048),
		timeout:     sec.Duration("timeout", 60*time.Second),
		dialer:      dialer,
		tokens:      deps.tokens(),
		logger:      deps.logger().With("backend", SparkName),
		now:         time.Now,
	}, nil
}

func sparkFactory(deps Deps) backend.Factory[backend.NLG] {
	return func(_ context.Context, sec config.Section) (backend.NLG, error) {
		return NewSpark(deps, sec)
	}
}

func (s *Spark) Name() string { return SparkName }

// SignedURL adds the HMAC-SHA256 authorization query the gateway expects.
func (s *Spark) SignedURL() (string, error) {
	u, err := url.Parse(s.URL)
	if err != nil {
		return "", fmt.Errorf("%w: spark url: %v", backend.ErrConfig, err)
	}

	date := s.now().UTC().Format(http.TimeFormat)
	origin := fmt.Sprintf("host: %s\ndate: %s\nGET %s HTTP/1.1", u.Host, date, u.Path)
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(origin))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	authorization := fmt.Sprintf(`api_key="%s", algorithm="hmac-sha256", headers="host date request-line", signature="%s"`,
		s.apiKey, signature)

	q := url.Values{}
	q.Set("authorization", base64.StdEncoding.EncodeToString([]byte(authorization)))
	q.Set("date", date)
	q.Set("host", u.Host)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type sparkRequest struct {
	Header struct {
		AppID string `json:"app_id"`
		UID   string `json:"uid"`
	} `json:"header"`
	Parameter struct {
		Chat struct {
			Domain      string  `json:"domain"`
			Temperature float64 `json:"temperature"`
			MaxTokens   int     `json:"max_tokens"`
		} `json:"chat"`
	} `json:"parameter"`
	Payload struct {
		Message struct {
			Text []chat.Message `json:"text"`
		} `json:"message"`
	} `json:"payload"`
}

type sparkFrame struct {
	Header struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		SID     string `json:"sid"`
		Status  int    `json:"status"`
	} `json:"header"`
	Payload struct {
		Choices struct {
			Status int `json:"status"`
			Text   []struct {
				Content string `json:"content"`
			} `json:"text"`
		} `json:"choices"`
	} `json:"payload"`
}

// Final frame status.
const sparkStatusDone = 2

func (s *Spark) Reply(ctx context.Context, message string, history chat.History, prompt string) (string, error) {
	return backend.Collect(s.ReplyStream(ctx, message, history, prompt))
}

// ReplyStream drops the oldest turns until the conversation fits the
// model's context window.
func (s *Spark) ReplyStream(ctx context.Context, message string, history chat.History, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if s.tokens.Count(message) > s.version.maxTokens {
			yield("", backend.Fail(backend.ErrInput, SparkName, "reply",
				"message exceeds the %d token limit", s.version.maxTokens))
			return
		}
		msgs := chat.TrimToBudget(chat.Conversation(history, prompt, message), s.version.maxTokens, s.tokens)

		for chunk, err := range s.exchange(ctx, msgs) {
			if err != nil {
				yield("", backend.Wrap(SparkName, "reply", err))
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

func (s *Spark) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, backend.ProbeTimeout)
	defer cancel()
	_, err := backend.Collect(s.exchange(ctx, []chat.Message{{Role: chat.RoleUser, Content: probeMessage}}))
	return err
}

func (s *Spark) exchange(ctx context.Context, msgs []chat.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		endpoint, err := s.SignedURL()
		if err != nil {
			yield("", err)
			return
		}
		conn, resp, err := s.dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			if resp != nil {
				err = fmt.Errorf("%w: handshake %s", backend.ErrUpstream, resp.Status)
			}
			yield("", backend.Classify(err))
			return
		}
		defer conn.Close()

		// Unblock ReadMessage when ctx ends.
		stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
		defer stop()

		if err := conn.WriteJSON(s.request(msgs)); err != nil {
			yield("", backend.Classify(err))
			return
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				yield("", backend.Classify(err))
				return
			}

			var frame sparkFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				yield("", fmt.Errorf("%w: decode frame: %v", backend.ErrUpstream, err))
				return
			}
			if frame.Header.Code != 0 {
				yield("", sparkError(frame.Header.Code, frame.Header.Message))
				return
			}
			for _, t := range frame.Payload.Choices.Text {
				if t.Content != "" && !yield(t.Content, nil) {
					return
				}
			}
			if frame.Payload.Choices.Status == sparkStatusDone {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}
}

func (s *Spark) request(msgs []chat.Message) sparkRequest {
	var req sparkRequest
	req.Header.AppID = s.appID
	req.Header.UID = s.uid
	req.Parameter.Chat.Domain = s.version.domain
	req.Parameter.Chat.Temperature = s.temperature
	req.Parameter.Chat.MaxTokens = s.replyTokens
	req.Payload.Message.Text = msgs
	return req
}

func sparkError(code int, msg string) error {
	// 112xx codes are auth and quota failures.
	switch {
	case code >= 11200 && code < 11300:
		return fmt.Errorf("%w: %d %s", backend.ErrConfig, code, msg)
	case code == 10907 || code == 10163:
		return fmt.Errorf("%w: %d %s", backend.ErrInput, code, msg)
	}
	return fmt.Errorf("%w: %d %s", backend.ErrUpstream, code, msg)
}
