package chatbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"chatbot/internal/chat"
)

// ErrClosed is returned once the gateway has closed the connection.
var ErrClosed = errors.New("gateway closed the connection")

// Client speaks to a Gateway over one websocket connection. It is not safe
// for concurrent use.
type Client struct {
	conn    *websocket.Conn
	url     string
	reconn  time.Duration
	timeout time.Duration
	// Session is the id the gateway assigned on connect.
	Session string
	// Backends is the last backend table the gateway sent.
	Backends map[string]BackendInfo
}

// Dial connects and waits for the gateway's greeting. timeout bounds every
// read; zero waits forever.
func Dial(ctx context.Context, url string, timeout time.Duration) (*Client, error) {
	c := &Client{url: url, reconn: time.Second, timeout: timeout}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect(ctx context.Context) error {
	slog.Debug("Dialing gateway", "url", c.url)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	c.conn = conn

	hello, err := c.Read()
	if err != nil {
		conn.Close()
		return fmt.Errorf("greeting: %w", err)
	}
	c.Session = hello.Session
	return nil
}

// Reconnect dials again until it succeeds or ctx ends. The new connection
// is a new session with an empty history.
func (c *Client) Reconnect(ctx context.Context) error {
	if c.conn != nil {
		c.conn.Close()
	}
	for {
		err := c.connect(ctx)
		if err == nil {
			return nil
		}
		slog.Debug("Reconnect failed", "url", c.url, "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconn):
		}
	}
}

func (c *Client) Send(ev Event) error {
	return c.conn.WriteJSON(ev)
}

// Read returns the next reply. Backend tables are remembered on the way.
func (c *Client) Read() (Reply, error) {
	if c.timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	var r Reply
	if err := c.conn.ReadJSON(&r); err != nil {
		if isClosed(err) {
			return Reply{}, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return Reply{}, err
	}
	if r.Kind == ReplyBackends {
		c.Backends = r.Backends
	}
	return r, nil
}

// Say sends a text turn and reads until the turn ends. onChunk, when set,
// sees the reply as it streams. A failed turn comes back as an error next
// to the reply holding the unchanged history.
func (c *Client) Say(text string, onChunk func(string)) (Reply, error) {
	if err := c.Send(Event{Kind: EventText, Content: text}); err != nil {
		return Reply{}, err
	}
	return c.await(onChunk)
}

// Switch asks the gateway to change a backend and returns the resulting
// table. A refused switch is reported as an error; the table is still
// current.
func (c *Client) Switch(kind, name string) (map[string]BackendInfo, error) {
	if err := c.Send(Event{Kind: EventSwitch, Backend: kind, Name: name}); err != nil {
		return nil, err
	}
	var warn error
	for {
		r, err := c.Read()
		if err != nil {
			return nil, err
		}
		switch r.Kind {
		case ReplyBackends:
			return r.Backends, warn
		case ReplyWarning:
			warn = replyErr(r)
		case ReplyError:
			return c.Backends, replyErr(r)
		}
	}
}

// History fetches the session history. With clear set the gateway forgets
// it first and answers with an empty one.
func (c *Client) History(clear bool) (chat.History, error) {
	kind := EventHistory
	if clear {
		kind = EventClear
	}
	if err := c.Send(Event{Kind: kind}); err != nil {
		return nil, err
	}
	r, err := c.await(nil)
	return r.History, err
}

func (c *Client) await(onChunk func(string)) (Reply, error) {
	var warn error
	for {
		r, err := c.Read()
		if err != nil {
			return Reply{}, err
		}
		switch r.Kind {
		case ReplyChunk:
			if onChunk != nil {
				onChunk(r.Content)
			}
		case ReplyHistory:
			return r, warn
		case ReplyWarning:
			warn = replyErr(r)
		case ReplyError:
			return r, replyErr(r)
		}
	}
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

func replyErr(r Reply) error {
	if r.Error == nil {
		return fmt.Errorf("gateway sent %s without details", r.Kind)
	}
	return r.Error
}

func isClosed(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure)
}
