// nlg-server exposes one configured NLG backend over HTTP, in the shape the
// waltz client speaks.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/spf13/pflag"

	"github.com/lmittmann/tint"
	log "log/slog"

	"chatbot/internal/backend"
	"chatbot/internal/chat"
	"chatbot/internal/config"
	"chatbot/internal/metrics"
	"chatbot/internal/nlg"
	"chatbot/internal/proxy"
	"chatbot/internal/registry"
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
	name := cli.StringP("backend", "b", nlg.QwenName, "NLG backend to serve")
	port := cli.Int("port", 5000, "Port")
	listen := cli.Bool("listen", true, "Listen on all interfaces")
	cli.Parse()

	log.SetDefault(log.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevelMap[*logLevel],
	})))

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Error("Failed to load config", "err", err)
		os.Exit(1)
	}
	defer cfg.Save()

	httpClient, err := proxy.NewClient(*proxyAddr, 0)
	if err != nil {
		log.Error("Failed to set up proxy", "proxy", *proxyAddr, "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.Default()
	reg := registry.New(cfg, registry.Catalog{NLG: nlg.Catalog(nlg.Deps{HTTP: httpClient})}, registry.WithMetrics(m))
	defer reg.Close()
	if _, err := reg.Switch(ctx, backend.KindNLG, *name); err != nil {
		log.Error("Failed to start backend", "backend", *name, "err", err)
		os.Exit(1)
	}

	sec := cfg.Section("Server")
	api := apiwrap.New(apiwrap.Options{
		Secret:      sec.String("secret", ""),
		Description: "NLG server backed by " + *name,
		TimeZone:    sec.Int("time_zone", 8),
		Port:        *port,
		Listen:      *listen,
		RateLimit:   sec.Float("rate_limit", 0),
		Metrics:     m,
	})
	h := &handler{api: api, reg: reg, metrics: m}
	api.AddRoute("/singleQuery", []string{http.MethodPost}, h.single)
	api.AddRoute("/continuedQuery", []string{http.MethodPost}, h.continued)

	if err := api.Run(ctx); err != nil {
		log.Error("Server stopped", "err", err)
	}
}

type handler struct {
	api     *apiwrap.Server
	reg     *registry.Registry
	metrics *metrics.Collector
}

func (h *handler) single(w http.ResponseWriter, r *http.Request) {
	var req nlg.SingleQuery
	if !h.api.Decode(w, r, &req, 0) {
		return
	}
	h.reply(w, r, req.Message, nil, req.Prompt)
}

func (h *handler) continued(w http.ResponseWriter, r *http.Request) {
	var req nlg.ContinuedQuery
	if !h.api.Decode(w, r, &req, 8<<20) {
		return
	}
	history, prompt := chat.Denormalize(req.History)
	h.reply(w, r, req.Message, history, prompt)
}

func (h *handler) reply(w http.ResponseWriter, r *http.Request, message string, history chat.History, prompt string) {
	if message == "" {
		h.api.Fail(w, http.StatusBadRequest, "No message received!")
		return
	}
	bot, release, ok := h.reg.NLG.Acquire()
	defer release()
	if !ok {
		h.api.Fail(w, http.StatusServiceUnavailable, "No NLG backend is active.")
		return
	}

	started := time.Now()
	reply, err := bot.Reply(r.Context(), message, history, prompt)
	h.metrics.ObserveCall(backend.KindNLG.String(), bot.Name(), started, err, backend.KindOf)
	if err != nil {
		log.Warn("Reply failed", "backend", bot.Name(), "err", err)
		h.api.Fail(w, backend.HTTPStatus(err), err.Error())
		return
	}
	h.api.Content(w, http.StatusOK, reply)
}
