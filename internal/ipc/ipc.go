// Package ipc is the local control channel between chatbot-ctl and a
// running chatbot daemon: one JSON request and one JSON reply per
// connection over a unix socket.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SocketPath is used when no path is configured.
var SocketPath = filepath.Join(os.TempDir(), "chatbot.sock")

// Commands understood by the daemon.
const (
	CmdTrigger = "trigger" // record one voice turn
	CmdSay     = "say"     // Args[0] is a text turn
	CmdSwitch  = "switch"  // Args: kind, name
	CmdClear   = "clear"
	CmdStop    = "stop" // stop playback
	CmdStatus  = "status"
)

type ControlMessage struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args,omitempty"`
}

type Reply struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

type Handler func(ctx context.Context, msg ControlMessage) Reply

type Server struct {
	ln      net.Listener
	handler Handler
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// Listen removes a stale socket at path and starts accepting.
func Listen(path string, handler Handler, logger *slog.Logger) (*Server, error) {
	if path == "" {
		path = SocketPath
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	return &Server{ln: ln, handler: handler, logger: logger}, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve handles connections until ctx ends. Each connection is handled in
// its own goroutine; the handler has to serialise what needs it.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.ln.Close() })
	defer stop()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.logger.Warn("Accept failed", "err", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *Server) Close() error { return s.ln.Close() }

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var msg ControlMessage
	if err := json.NewDecoder(conn).Decode(&msg); err != nil {
		s.logger.Debug("Bad control message", "err", err)
		_ = json.NewEncoder(conn).Encode(Reply{Message: "bad request: " + err.Error()})
		return
	}
	s.logger.Debug("Control message", "cmd", msg.Cmd, "args", msg.Args)

	reply := s.handler(ctx, msg)
	if err := json.NewEncoder(conn).Encode(reply); err != nil {
		s.logger.Debug("Failed to write reply", "err", err)
	}
}

// Send delivers msg to the daemon at path and waits for its reply. A reply
// with OK unset comes back as an error.
func Send(ctx context.Context, path string, msg ControlMessage) (Reply, error) {
	if path == "" {
		path = SocketPath
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return Reply{}, fmt.Errorf("dial %s: %w", path, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(5 * time.Minute))
	}

	if err := json.NewEncoder(conn).Encode(msg); err != nil {
		return Reply{}, fmt.Errorf("send: %w", err)
	}
	var reply Reply
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return Reply{}, fmt.Errorf("read reply: %w", err)
	}
	if !reply.OK {
		return reply, errors.New(reply.Message)
	}
	return reply, nil
}
