package chatbot

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatbot/internal/backend"
	"chatbot/internal/chat"
	"chatbot/internal/metrics"
	"chatbot/internal/registry"
)

// Client event kinds.
const (
	EventText     = "text"
	EventVoice    = "voice"
	EventClear    = "clear"
	EventSwitch   = "switch"
	EventHistory  = "history"
	EventBackends = "backends"
)

// Server reply kinds.
const (
	ReplyHistory  = "history"
	ReplyChunk    = "chunk"
	ReplyAudio    = "audio"
	ReplyWarning  = "warning"
	ReplyError    = "error"
	ReplyBackends = "backends"
)

// Event is sent by the client.
type Event struct {
	Kind    string `json:"kind"`
	Content string `json:"content,omitempty"`
	// Audio is base64 in JSON; Format is its extension, "wav" by default.
	Audio   []byte `json:"audio,omitempty"`
	Format  string `json:"format,omitempty"`
	Prompt  string `json:"prompt,omitempty"`
	Backend string `json:"backend,omitempty"`
	Name    string `json:"name,omitempty"`
}

type BackendInfo struct {
	Current string   `json:"current"`
	Names   []string `json:"names"`
}

type ErrorInfo struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string { return e.Message }

// Reply is sent by the server.
type Reply struct {
	Kind     string                 `json:"kind"`
	Session  string                 `json:"session"`
	History  chat.History           `json:"history"`
	Content  string                 `json:"content,omitempty"`
	Audio    []byte                 `json:"audio,omitempty"`
	Format   string                 `json:"format,omitempty"`
	Backends map[string]BackendInfo `json:"backends,omitempty"`
	Error    *ErrorInfo             `json:"error,omitempty"`
}

type GatewayOptions struct {
	Prompt string
	// SendAudio returns synthesized speech to the client instead of
	// handing it to Speech.
	SendAudio bool
	// Speech plays synthesized files locally when SendAudio is off.
	Speech  func(path string)
	Logger  *slog.Logger
	Metrics *metrics.Collector
	// MaxMessage bounds one client event; voice events carry whole clips.
	MaxMessage int64
}

// Gateway serves the websocket chat front end. Every connection gets its
// own Session; events on one connection are handled in order.
type Gateway struct {
	reg      *registry.Registry
	opt      GatewayOptions
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewGateway(reg *registry.Registry, opt GatewayOptions) *Gateway {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.MaxMessage <= 0 {
		opt.MaxMessage = 32 << 20
	}
	return &Gateway{
		reg:    reg,
		opt:    opt,
		logger: opt.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("Websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(g.opt.MaxMessage)

	c := &gatewayConn{conn: conn, id: uuid.NewString()}
	opts := []Option{
		WithID(c.id),
		WithPrompt(g.opt.Prompt),
		WithLogger(g.logger),
		WithMetrics(g.opt.Metrics),
	}
	if g.opt.SendAudio {
		opts = append(opts, WithSpeech(c.sendAudio))
	} else if g.opt.Speech != nil {
		opts = append(opts, WithSpeech(g.opt.Speech))
	}
	c.session = NewSession(g.reg, opts...)

	logger := g.logger.With("session", c.id)
	logger.Info("Chat client connected", "remote", r.RemoteAddr)
	defer logger.Info("Chat client disconnected")

	c.send(Reply{Kind: ReplyBackends, Backends: g.backends()})

	// Cancel in-flight backend calls when the client goes away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("Read failed", "err", err)
			}
			return
		}
		g.handle(ctx, c, ev)
	}
}

func (g *Gateway) handle(ctx context.Context, c *gatewayConn, ev Event) {
	s := c.session
	switch ev.Kind {
	case EventText, EventVoice:
		in := Input{Text: ev.Content, Prompt: ev.Prompt}
		if ev.Kind == EventVoice {
			if len(ev.Audio) == 0 {
				c.fail(backend.Fail(backend.ErrInput, "gateway", "voice", "voice event without audio"), s.History())
				return
			}
			format := strings.TrimPrefix(ev.Format, ".")
			if format == "" {
				format = "wav"
			}
			in.Audio = backend.Audio{Data: ev.Audio, Name: "voice." + format}
		}
		history, err := s.SubmitStream(ctx, in, func(chunk string) {
			c.send(Reply{Kind: ReplyChunk, Content: chunk})
		})
		c.result(history, err)

	case EventClear:
		s.Clear()
		c.send(Reply{Kind: ReplyHistory, History: chat.History{}})

	case EventSwitch:
		kind, err := backend.ParseKind(ev.Backend)
		if err != nil {
			c.fail(err, nil)
			return
		}
		if _, err := s.Switch(ctx, kind, ev.Name); err != nil {
			c.result(nil, err)
		}
		c.send(Reply{Kind: ReplyBackends, Backends: g.backends()})

	case EventHistory:
		c.send(Reply{Kind: ReplyHistory, History: s.History()})

	case EventBackends:
		c.send(Reply{Kind: ReplyBackends, Backends: g.backends()})

	default:
		c.fail(backend.Fail(backend.ErrInput, "gateway", "event", "unknown event kind %q", ev.Kind), nil)
	}
}

func (g *Gateway) backends() map[string]BackendInfo {
	out := make(map[string]BackendInfo, len(backend.Kinds))
	for _, k := range backend.Kinds {
		out[k.String()] = BackendInfo{Current: g.reg.Current(k), Names: g.reg.Names(k)}
	}
	return out
}

type gatewayConn struct {
	id      string
	conn    *websocket.Conn
	session *Session
}

func (c *gatewayConn) send(r Reply) {
	r.Session = c.id
	if r.Kind == ReplyHistory && r.History == nil {
		r.History = chat.History{}
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return
	}
	_ = c.conn.WriteMessage(websocket.TextMessage, payload)
}

// result reports a turn. Failed turns carry the unchanged history in the
// error reply.
func (c *gatewayConn) result(history chat.History, err error) {
	var sw *registry.Warning
	switch {
	case err == nil:
		c.send(Reply{Kind: ReplyHistory, History: history})
	case errors.As(err, &sw):
		c.send(Reply{Kind: ReplyWarning, Error: errorInfo(err)})
	default:
		c.fail(err, history)
	}
}

func (c *gatewayConn) fail(err error, history chat.History) {
	c.send(Reply{Kind: ReplyError, History: history, Error: errorInfo(err)})
}

func (c *gatewayConn) sendAudio(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		c.fail(err, nil)
		return
	}
	_ = os.Remove(path)
	c.send(Reply{Kind: ReplyAudio, Audio: data, Format: strings.TrimPrefix(filepath.Ext(path), ".")})
}

func errorInfo(err error) *ErrorInfo {
	info := &ErrorInfo{Message: err.Error()}
	if k := backend.KindOf(err); k != nil {
		info.Kind = k.Error()
	}
	return info
}
