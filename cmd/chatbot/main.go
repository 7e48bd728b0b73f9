package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/lmittmann/tint"
	log "log/slog"

	"chatbot/internal/asr"
	"chatbot/internal/asr/whisperlocal"
	"chatbot/internal/audio"
	"chatbot/internal/backend"
	"chatbot/internal/chat"
	"chatbot/internal/chatbot"
	"chatbot/internal/config"
	"chatbot/internal/metrics"
	"chatbot/internal/nlg"
	"chatbot/internal/playback"
	"chatbot/internal/proxy"
	"chatbot/internal/registry"
	"chatbot/internal/tts"
	"chatbot/internal/tts/espeak"
	"chatbot/pkg/apiwrap"
)

var logLevelMap = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

func main() {
	configPath := cli.StringP("config", "c", config.DefaultPath, "Config file path")
	envFile := cli.StringP("env", "e", ".env", "Env file path")
	proxyAddr := cli.StringP("proxy", "p", "", "Socks proxy address, direct when empty")
	logLevel := cli.StringP("log", "l", "info", "Log level")
	asrName := cli.String("asr", "", "Initial ASR backend (Chatbot.asr)")
	nlgName := cli.String("nlg", "", "Initial NLG backend (Chatbot.nlg)")
	ttsName := cli.String("tts", "", "Initial TTS backend (Chatbot.tts)")
	serve := cli.BoolP("serve", "s", false, "Serve the websocket chat gateway")
	port := cli.Int("port", 5000, "Gateway port")
	listen := cli.Bool("listen", false, "Gateway listens on all interfaces")
	daemon := cli.BoolP("daemon", "d", false, "Accept chatbot-ctl commands")
	socket := cli.String("socket", "", "Control socket path")
	player := cli.String("player", "ffplay", "Playback: ffplay, speaker or none")
	duck := cli.Bool("duck", false, "Lower other audio streams while speaking")
	cue := cli.String("cue", "", "Mp3 played before listening")
	cli.Parse()

	log.SetDefault(log.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      logLevelMap[*logLevel],
		TimeFormat: time.Kitchen,
	})))

	log.Info("Booting up")

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Error("Failed to load config", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := cfg.Save(); err != nil {
			log.Error("Failed to save config", "err", err)
		}
	}()
	settings := cfg.Section("Chatbot")

	httpClient, err := proxy.NewClient(*proxyAddr, settings.Duration("http_timeout", proxy.DefaultTimeout))
	if err != nil {
		log.Error("Failed to set up proxy", "proxy", *proxyAddr, "err", err)
		os.Exit(1)
	}
	nlgDeps := nlg.Deps{HTTP: httpClient}
	if *proxyAddr != "" {
		if nlgDeps.Dial, err = proxy.Dialer(*proxyAddr); err != nil {
			log.Error("Failed to set up proxy", "proxy", *proxyAddr, "err", err)
			os.Exit(1)
		}
	}
	ttsDeps := tts.Deps{HTTP: httpClient, Dir: settings.String("output_dir", "")}

	m := metrics.Default()
	reg := registry.New(cfg, registry.Catalog{
		ASR: append(asr.Catalog(asr.Deps{HTTP: httpClient}), whisperlocal.Descriptor()),
		NLG: nlg.Catalog(nlgDeps),
		TTS: append(tts.Catalog(ttsDeps), espeak.Descriptor(ttsDeps)),
	}, registry.WithMetrics(m))
	defer reg.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := reg.Init(ctx,
		chat.Pick(*asrName, settings.String("asr", "")),
		chat.Pick(*nlgName, settings.String("nlg", "")),
		chat.Pick(*ttsName, settings.String("tts", "")),
	); err != nil {
		log.Warn("Some backends are unavailable", "err", err)
	}
	for _, k := range backend.Kinds {
		log.Info("Backend", "kind", k, "active", reg.Current(k), "available", reg.Names(k))
	}

	launcher := newLauncher(*player, *duck, settings, m)
	if launcher != nil {
		defer launcher.Close()
	}
	speech := func(path string) {
		if launcher != nil {
			launcher.Play(path)
		}
	}
	prompt := settings.String("prompt", "")
	voice := &listener{cue: *cue, dir: ttsDeps.Dir}
	defer voice.Close()

	log.Info("Boot up - successful")

	if !*serve && !*daemon {
		session := chatbot.NewSession(reg, chatbot.WithPrompt(prompt), chatbot.WithSpeech(speech), chatbot.WithMetrics(m))
		b := &bot{reg: reg, session: session, launcher: launcher, voice: voice}
		if err := b.console(ctx, os.Stdin, os.Stdout); err != nil {
			log.Error("Console stopped", "err", err)
		}
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	if *serve {
		api := apiwrap.New(apiwrap.Options{
			Secret:    settings.String("secret", ""),
			TimeZone:  settings.Int("time_zone", 8),
			Port:      *port,
			Version:   settings.String("version", "1.0"),
			Listen:    *listen,
			RateLimit: settings.Float("rate_limit", 0),
			Metrics:   m,
		})
		api.Handle("/chat", chatbot.NewGateway(reg, chatbot.GatewayOptions{
			Prompt:    prompt,
			SendAudio: settings.Bool("send_audio", false),
			Speech:    speech,
			Metrics:   m,
		}))
		g.Go(func() error { return api.Run(ctx) })
	}
	if *daemon {
		session := chatbot.NewSession(reg, chatbot.WithPrompt(prompt), chatbot.WithSpeech(speech), chatbot.WithMetrics(m))
		b := &bot{reg: reg, session: session, launcher: launcher, voice: voice}
		g.Go(func() error { return b.control(ctx, *socket) })
	}
	if err := g.Wait(); err != nil {
		log.Error("Stopped", "err", err)
	}
}

func newLauncher(kind string, duck bool, settings config.Section, m *metrics.Collector) *playback.Launcher {
	var p playback.Player
	switch kind {
	case "none", "":
		return nil
	case "speaker":
		p = playback.NewSpeaker(settings.Int("sample_rate", 44100))
	default:
		ff, err := playback.NewFFPlay(settings.String("ffplay", "ffplay"))
		if err != nil {
			log.Warn("Playback disabled", "err", err)
			return nil
		}
		p = ff
	}

	opt := playback.Options{
		Timeout: settings.Duration("playback_timeout", playback.DefaultTimeout),
		Remove:  settings.Bool("remove_played", true),
		Metrics: m,
	}
	if duck {
		opt.Ducker = audio.NewDucker([]string{"ffplay", "chatbot"}, settings.Int("duck_min_volume", 10))
	}
	return playback.NewLauncher(p, opt)
}
