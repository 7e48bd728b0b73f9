package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	cli "github.com/spf13/pflag"

	"chatbot/internal/chatbot"
	"chatbot/internal/ipc"
)

func main() {
	socket := cli.StringP("socket", "s", "", "Control socket path")
	url := cli.StringP("url", "u", "", "Talk to a chat gateway (ws://host:port/chat?secret=...) instead of the local daemon")
	timeout := cli.DurationP("timeout", "t", 3*time.Minute, "Wait at most this long for the reply")
	cli.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: chatbot-ctl [flags] trigger|say <text>|switch <kind> <name>|clear|stop|status")
		cli.PrintDefaults()
	}
	cli.Parse()

	args := cli.Args()
	if len(args) == 0 {
		args = []string{ipc.CmdTrigger}
	}
	msg := ipc.ControlMessage{Cmd: args[0], Args: args[1:]}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var err error
	if *url != "" {
		err = remote(ctx, *url, *timeout, msg)
	} else {
		err = local(ctx, *socket, msg)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "chatbot:", err)
		os.Exit(1)
	}
}

func local(ctx context.Context, socket string, msg ipc.ControlMessage) error {
	reply, err := ipc.Send(ctx, socket, msg)
	if err != nil {
		return err
	}
	if reply.Message != "" {
		fmt.Println(reply.Message)
	}
	return nil
}

// remote runs the gateway subset of the commands. Every call is a fresh
// gateway session, so there is no history to clear.
func remote(ctx context.Context, url string, timeout time.Duration, msg ipc.ControlMessage) error {
	c, err := chatbot.Dial(ctx, url, timeout)
	if err != nil {
		return err
	}
	defer c.Close()

	switch msg.Cmd {
	case ipc.CmdSay:
		_, err := c.Say(strings.Join(msg.Args, " "), func(chunk string) { fmt.Print(chunk) })
		fmt.Println()
		return err

	case ipc.CmdSwitch:
		if len(msg.Args) != 2 {
			return fmt.Errorf("usage: switch <asr|nlg|tts> <name>")
		}
		table, err := c.Switch(msg.Args[0], msg.Args[1])
		printBackends(table)
		return err

	case ipc.CmdStatus:
		fmt.Println("session:", c.Session)
		printBackends(c.Backends)
		return nil
	}
	return fmt.Errorf("%s is not available over the gateway", msg.Cmd)
}

func printBackends(table map[string]chatbot.BackendInfo) {
	for _, kind := range []string{"ASR", "NLG", "TTS"} {
		info, ok := table[kind]
		if !ok {
			continue
		}
		current := info.Current
		if current == "" {
			current = "disabled"
		}
		fmt.Printf("%s: %s (%s)\n", kind, current, strings.Join(info.Names, ", "))
	}
}
