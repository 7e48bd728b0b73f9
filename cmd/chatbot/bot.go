package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	log "log/slog"

	"chatbot/internal/backend"
	"chatbot/internal/chat"
	"chatbot/internal/chatbot"
	"chatbot/internal/ipc"
	"chatbot/internal/playback"
	"chatbot/internal/registry"
)

// bot runs control commands against one session, from the console or
// from chatbot-ctl.
type bot struct {
	reg      *registry.Registry
	session  *chatbot.Session
	launcher *playback.Launcher
	voice    *listener
}

// do runs one command and returns the line to show the user.
func (b *bot) do(ctx context.Context, msg ipc.ControlMessage) (string, error) {
	switch msg.Cmd {
	case ipc.CmdTrigger:
		history, err := b.voice.turn(ctx, b.session)
		if err != nil {
			return "", err
		}
		return lastReply(history), nil

	case ipc.CmdSay:
		history, err := b.session.Submit(ctx, chatbot.Input{Text: strings.Join(msg.Args, " ")})
		if err != nil {
			return "", err
		}
		return lastReply(history), nil

	case ipc.CmdSwitch:
		if len(msg.Args) != 2 {
			return "", errors.New("usage: switch <asr|nlg|tts> <name>")
		}
		kind, err := backend.ParseKind(msg.Args[0])
		if err != nil {
			return "", err
		}
		active, err := b.session.Switch(ctx, kind, msg.Args[1])
		return fmt.Sprintf("%s: %s", kind, active), err

	case ipc.CmdClear:
		b.session.Clear()
		return "history cleared", nil

	case ipc.CmdStop:
		if b.launcher != nil {
			b.launcher.Stop()
		}
		return "stopped", nil

	case ipc.CmdStatus:
		return b.status(), nil
	}
	return "", fmt.Errorf("unknown command %q", msg.Cmd)
}

func (b *bot) status() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "state: %s, turns: %d", b.session.State(), len(b.session.History()))
	for _, k := range backend.Kinds {
		active := b.reg.Current(k)
		if active == "" {
			active = "disabled"
		}
		fmt.Fprintf(&sb, "\n%s: %s (%s)", k, active, strings.Join(b.reg.Names(k), ", "))
	}
	return sb.String()
}

// control serves chatbot-ctl until ctx ends.
func (b *bot) control(ctx context.Context, socket string) error {
	srv, err := ipc.Listen(socket, func(ctx context.Context, msg ipc.ControlMessage) ipc.Reply {
		log.Info("Control command", "cmd", msg.Cmd, "args", msg.Args)
		out, err := b.do(ctx, msg)
		if err != nil {
			log.Warn("Command failed", "cmd", msg.Cmd, "err", err)
			return ipc.Reply{OK: isWarning(err), Message: joinWarning(out, err)}
		}
		return ipc.Reply{OK: true, Message: out}
	}, log.Default())
	if err != nil {
		return err
	}
	log.Info("Control socket ready", "path", srv.Addr())
	return srv.Serve(ctx)
}

// console reads lines from in. Lines starting with "/" are commands, the
// rest are text turns whose reply is streamed to out.
func (b *bot) console(ctx context.Context, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "Type a message, /voice to speak, /help for commands.")
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		msg, ok := parseLine(line)
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/help":
			fmt.Fprintln(out, consoleHelp)
			continue
		case line == "/history":
			for _, t := range b.session.History() {
				fmt.Fprintf(out, "you: %s\nbot: %s\n", t.User, t.Bot)
			}
			continue
		case !ok:
			fmt.Fprintln(out, "unknown command, try /help")
			continue
		}

		if msg.Cmd == ipc.CmdSay {
			b.say(ctx, msg.Args[0], out)
			continue
		}
		res, err := b.do(ctx, msg)
		if err != nil {
			fmt.Fprintln(out, joinWarning(res, err))
			continue
		}
		fmt.Fprintln(out, res)
	}
}

func (b *bot) say(ctx context.Context, text string, out io.Writer) {
	fmt.Fprint(out, "bot: ")
	_, err := b.session.SubmitStream(ctx, chatbot.Input{Text: text}, func(chunk string) {
		fmt.Fprint(out, chunk)
	})
	fmt.Fprintln(out)
	if err != nil {
		fmt.Fprintln(out, "!", err)
	}
}

const consoleHelp = `/voice                      record one voice turn
/switch <asr|nlg|tts> <name> change a backend
/clear                      forget the conversation
/history                    show the conversation
/stop                       stop playback
/status                     show backends
/quit                       leave`

var consoleCommands = map[string]string{
	"voice":  ipc.CmdTrigger,
	"switch": ipc.CmdSwitch,
	"clear":  ipc.CmdClear,
	"stop":   ipc.CmdStop,
	"status": ipc.CmdStatus,
}

// parseLine maps a console line to a control message. Plain text is a say
// command with the whole line as its only argument.
func parseLine(line string) (ipc.ControlMessage, bool) {
	if !strings.HasPrefix(line, "/") {
		return ipc.ControlMessage{Cmd: ipc.CmdSay, Args: []string{line}}, true
	}
	fields := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(fields) == 0 {
		return ipc.ControlMessage{}, false
	}
	cmd, ok := consoleCommands[fields[0]]
	if !ok {
		return ipc.ControlMessage{}, false
	}
	return ipc.ControlMessage{Cmd: cmd, Args: fields[1:]}, true
}

func lastReply(h chat.History) string {
	if len(h) == 0 {
		return ""
	}
	return h[len(h)-1].Bot
}

// isWarning reports a refused switch that kept a working backend.
func isWarning(err error) bool {
	var rw *registry.Warning
	return errors.As(err, &rw) && rw.Previous != ""
}

func joinWarning(out string, err error) string {
	if out == "" {
		return err.Error()
	}
	return out + "\n" + err.Error()
}
