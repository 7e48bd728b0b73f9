package nlg

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbot/internal/backend"
	"chatbot/internal/chat"
	"chatbot/internal/config"
)

func testDeps(client *http.Client) Deps {
	return Deps{HTTP: client, Tokens: chat.Estimate{}}
}

func openaiSection(url string) config.Section {
	return config.FromMap(map[string]any{
		"openai.api_key":  "sk-test",
		"openai.base_url": url + "/v1/",
	}).Section("OpenAI")
}

func TestChatGPTReply(t *testing.T) {
	var got struct {
		Model    string         `json:"model"`
		Messages []chat.Message `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-3.5-turbo",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Hi there"}}]}`)
	}))
	defer srv.Close()

	c, err := NewChatGPT(testDeps(srv.Client()), openaiSection(srv.URL))
	require.NoError(t, err)

	history := chat.History{{User: "hello", Bot: "hey"}}
	reply, err := c.Reply(context.Background(), "how are you", history, "be brief")
	require.NoError(t, err)
	assert.Equal(t, "Hi there", reply)
	assert.Equal(t, "gpt-3.5-turbo", got.Model)
	assert.Equal(t, []chat.Message{
		{Role: chat.RoleSystem, Content: "be brief"},
		{Role: chat.RoleUser, Content: "hello"},
		{Role: chat.RoleAssistant, Content: "hey"},
		{Role: chat.RoleUser, Content: "how are you"},
	}, got.Messages)
}

func TestChatGPTReplyStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, piece := range []string{"Hel", "lo", "!"} {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\","+
				"\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", piece)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c, err := NewChatGPT(testDeps(srv.Client()), openaiSection(srv.URL))
	require.NoError(t, err)

	var chunks []string
	for chunk, err := range c.ReplyStream(context.Background(), "hi", nil, "") {
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
	assert.Equal(t, []string{"Hel", "lo", "!"}, chunks)
}

func TestChatGPTBadRequestIsInputError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"context too long","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	c, err := NewChatGPT(testDeps(srv.Client()), openaiSection(srv.URL))
	require.NoError(t, err)

	_, err = c.Reply(context.Background(), "hi", nil, "")
	assert.ErrorIs(t, err, backend.ErrInput)
}

func TestCompatibleRejectsUnknownModel(t *testing.T) {
	cfg := config.FromMap(map[string]any{"zhipuai.api_key": "k", "zhipuai.nlg_model": "glm-9"})
	_, err := NewChatGLM(testDeps(nil), cfg.Section("ZhipuAI"))
	assert.ErrorIs(t, err, backend.ErrConfig)

	cfg = config.FromMap(map[string]any{"aliyun.api_key": "k"})
	q, err := NewQwen(testDeps(nil), cfg.Section("Aliyun"))
	require.NoError(t, err)
	assert.Equal(t, "qwen-max", q.Model())
}

func TestWaltzQueries(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		assert.Equal(t, "s3", r.URL.Query().Get("secret"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/singleQuery":
			var q SingleQuery
			require.NoError(t, json.NewDecoder(r.Body).Decode(&q))
			assert.Equal(t, SingleQuery{Prompt: "p", Message: "hi"}, q)
			_, _ = io.WriteString(w, `{"content":"first"}`)
		case "/continuedQuery":
			var q ContinuedQuery
			require.NoError(t, json.NewDecoder(r.Body).Decode(&q))
			assert.Equal(t, "again", q.Message)
			assert.Len(t, q.History, 3)
			_, _ = io.WriteString(w, `{"content":"second"}`)
		}
	}))
	defer srv.Close()

	sec := config.FromMap(map[string]any{"waltz.host": srv.URL, "waltz.secret": "s3"}).Section("Waltz")
	w := NewWaltz(srv.Client(), sec)

	reply, err := w.Reply(context.Background(), "hi", nil, "p")
	require.NoError(t, err)
	assert.Equal(t, "first", reply)

	reply, err = w.Reply(context.Background(), "again", chat.History{{User: "hi", Bot: "first"}}, "p")
	require.NoError(t, err)
	assert.Equal(t, "second", reply)
	assert.Equal(t, []string{"/singleQuery", "/continuedQuery"}, paths)
}

func TestERNIEReauthenticatesOnce(t *testing.T) {
	var oauthHits, chatHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/oauth":
			oauthHits.Add(1)
			_, _ = io.WriteString(w, `{"access_token":"fresh"}`)
		case "/chat/completions_pro":
			chatHits.Add(1)
			var req ernieRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "be kind", req.System)
			for _, m := range req.Messages {
				assert.NotEqual(t, chat.RoleSystem, m.Role)
			}
			if r.URL.Query().Get("access_token") != "fresh" {
				_, _ = io.WriteString(w, `{"error_code":111,"error_msg":"Access token expired"}`)
				return
			}
			_, _ = io.WriteString(w, `{"result":"你好！"}`)
		}
	}))
	defer srv.Close()

	cfg := config.FromMap(map[string]any{
		"baidu.nlg.api_key":      "ak",
		"baidu.nlg.secret_key":   "sk",
		"baidu.nlg.access_token": "stale",
		"baidu.nlg.base_url":     srv.URL + "/chat/",
	})
	e, err := NewERNIE(srv.Client(), cfg.Section("Baidu.nlg"))
	require.NoError(t, err)
	e.Tokens().URL = srv.URL + "/oauth"

	reply, err := e.Reply(context.Background(), "你好", chat.History{{User: "a", Bot: "b"}}, "be kind")
	require.NoError(t, err)
	assert.Equal(t, "你好！", reply)
	assert.Equal(t, int32(1), oauthHits.Load())
	assert.Equal(t, int32(2), chatHits.Load())
}

func TestERNIERejectsUnknownModel(t *testing.T) {
	cfg := config.FromMap(map[string]any{"baidu.nlg.model": "ERNIE-Bot 9"})
	_, err := NewERNIE(nil, cfg.Section("Baidu.nlg"))
	assert.ErrorIs(t, err, backend.ErrConfig)
}

func sparkSection() config.Section {
	return config.FromMap(map[string]any{
		"xfyun.app_id":     "app",
		"xfyun.api_key":    "key",
		"xfyun.api_secret": "secret",
	}).Section("XFyun")
}

func TestSparkSignedURL(t *testing.T) {
	s, err := NewSpark(testDeps(nil), sparkSection())
	require.NoError(t, err)
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	signed, err := s.SignedURL()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(signed, "wss://spark-api.xf-yun.com/v3.5/chat?"))

	u, err := http.NewRequest(http.MethodGet, signed, nil)
	require.NoError(t, err)
	q := u.URL.Query()
	date := fixed.Format(http.TimeFormat)
	assert.Equal(t, date, q.Get("date"))
	assert.Equal(t, "spark-api.xf-yun.com", q.Get("host"))

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("host: spark-api.xf-yun.com\ndate: " + date + "\nGET /v3.5/chat HTTP/1.1"))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	auth, err := base64.StdEncoding.DecodeString(q.Get("authorization"))
	require.NoError(t, err)
	assert.Equal(t,
		`api_key="key", algorithm="hmac-sha256", headers="host date request-line", signature="`+sig+`"`,
		string(auth))
}

func TestSparkRejectsUnknownVersion(t *testing.T) {
	cfg := config.FromMap(map[string]any{"xfyun.nlg_model": "v9"})
	_, err := NewSpark(testDeps(nil), cfg.Section("XFyun"))
	assert.ErrorIs(t, err, backend.ErrConfig)
}

func sparkServer(t *testing.T, handle func(req sparkRequest, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("authorization") == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req sparkRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		handle(req, conn)
	}))
}

func sparkChunk(content string, status int) string {
	return fmt.Sprintf(`{"header":{"code":0,"status":%d},"payload":{"choices":{"status":%d,"text":[{"role":"assistant","content":%q}]}}}`,
		status, status, content)
}

func TestSparkReplyStream(t *testing.T) {
	var got sparkRequest
	srv := sparkServer(t, func(req sparkRequest, conn *websocket.Conn) {
		got = req
		for i, piece := range []string{"你", "好", "！"} {
			status := 1
			if i == 2 {
				status = sparkStatusDone
			}
			_ = conn.WriteMessage(websocket.TextMessage, []byte(sparkChunk(piece, status)))
		}
		_, _, _ = conn.ReadMessage()
	})
	defer srv.Close()

	s, err := NewSpark(testDeps(nil), sparkSection())
	require.NoError(t, err)
	s.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/v3.5/chat"

	var chunks []string
	for chunk, err := range s.ReplyStream(context.Background(), "你好", chat.History{{User: "a", Bot: "b"}}, "p") {
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
	assert.Equal(t, []string{"你", "好", "！"}, chunks)

	assert.Equal(t, "app", got.Header.AppID)
	assert.Equal(t, "generalv3.5", got.Parameter.Chat.Domain)
	assert.Equal(t, 2048, got.Parameter.Chat.MaxTokens)
	require.Len(t, got.Payload.Message.Text, 4)
	assert.Equal(t, chat.RoleSystem, got.Payload.Message.Text[0].Role)
	assert.Equal(t, "你好", got.Payload.Message.Text[3].Content)
}

func TestSparkErrorFrame(t *testing.T) {
	srv := sparkServer(t, func(_ sparkRequest, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"header":{"code":11200,"message":"授权错误"}}`))
	})
	defer srv.Close()

	s, err := NewSpark(testDeps(nil), sparkSection())
	require.NoError(t, err)
	s.URL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/v3.5/chat"

	_, err = s.Reply(context.Background(), "hi", nil, "")
	assert.ErrorIs(t, err, backend.ErrConfig)
	assert.Contains(t, err.Error(), "11200")
}

type runeCounter struct{}

func (runeCounter) Count(text string) int { return len([]rune(text)) }

func TestSparkRejectsOversizedMessage(t *testing.T) {
	s, err := NewSpark(Deps{Tokens: runeCounter{}}, sparkSection())
	require.NoError(t, err)

	_, err = s.Reply(context.Background(), strings.Repeat("字", 9000), nil, "")
	assert.ErrorIs(t, err, backend.ErrInput)
}

func TestGeminiHistory(t *testing.T) {
	contents := geminiHistory(chat.History{{User: "hi", Bot: "hello"}, {User: "again", Bot: ""}})
	require.Len(t, contents, 3)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "model", contents[1].Role)
	assert.Equal(t, "user", contents[2].Role)
}

func TestCatalogOrder(t *testing.T) {
	var names []string
	for _, d := range Catalog(testDeps(nil)) {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"chatgpt", "chatglm", "qwen", "ernie", "spark", "gemini", "waltz"}, names)
}
