// tts-server renders speech with espeak-ng and answers with raw samples,
// the shape the bert-vits2 client reads.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/spf13/pflag"

	"github.com/lmittmann/tint"
	log "log/slog"

	"chatbot/internal/config"
	"chatbot/internal/metrics"
	"chatbot/internal/tts"
	"chatbot/internal/tts/espeak"
	"chatbot/pkg/apiwrap"
	"chatbot/pkg/audioconv"
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
	logLevel := cli.StringP("log", "l", "info", "Log level")
	voice := cli.StringP("voice", "v", "", "Default espeak voice (Espeak.voice)")
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
	sec := cfg.Section("Server")
	es := cfg.Section("Espeak")

	dataPath := es.String("data_path", "")
	wpm := es.Int("wpm", 0)
	defaultVoice := *voice
	if defaultVoice == "" {
		defaultVoice = es.String("voice", "zh")
	}
	if _, err := espeak.NewEngine(dataPath, defaultVoice, wpm); err != nil {
		log.Error("Failed to init espeak", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.Default()
	api := apiwrap.New(apiwrap.Options{
		Secret:      sec.String("secret", ""),
		Description: "espeak-ng TTS server",
		TimeZone:    sec.Int("time_zone", 8),
		Port:        *port,
		Listen:      *listen,
		RateLimit:   sec.Float("rate_limit", 0),
		Metrics:     m,
	})

	api.AddRoute("/synthesize", []string{http.MethodPost}, func(w http.ResponseWriter, r *http.Request) {
		var req tts.SynthesizeRequest
		if !api.Decode(w, r, &req, 0) {
			return
		}
		text := tts.Clean(req.Text)
		if text == "" {
			api.Fail(w, http.StatusBadRequest, "No text received!")
			return
		}

		started := time.Now()
		pcm, err := render(dataPath, req.Speaker, defaultVoice, wpm, text)
		m.ObserveCall("TTS", espeak.Name, started, err, nil)
		switch {
		case errors.Is(err, espeak.ErrEmpty):
			api.Fail(w, http.StatusBadRequest, "No text received!")
			return
		case err != nil:
			log.Warn("Synthesis failed", "err", err)
			api.Fail(w, http.StatusInternalServerError, err.Error())
			return
		}
		log.Debug("Synthesized", "runes", len([]rune(text)), "samples", len(pcm.Data), "took", time.Since(started))
		api.JSON(w, http.StatusOK, tts.SynthesizeReply{SamplingRate: pcm.Rate, Raw: pcm.Data})
	})

	if err := api.Run(ctx); err != nil {
		log.Error("Server stopped", "err", err)
	}
}

// render speaks text with the requested voice. Speakers espeak does not
// know, like the character names bert-vits2 clients send, fall back to the
// default voice.
func render(dataPath, speaker, fallback string, wpm int, text string) (audioconv.PCM, error) {
	if speaker != "" && speaker != fallback {
		engine, err := espeak.NewEngine(dataPath, speaker, wpm)
		if err != nil {
			return audioconv.PCM{}, err
		}
		pcm, err := engine.Render(text)
		if err == nil {
			return pcm, nil
		}
		log.Debug("Falling back to default voice", "speaker", speaker, "err", err)
	}
	engine, err := espeak.NewEngine(dataPath, fallback, wpm)
	if err != nil {
		return audioconv.PCM{}, err
	}
	return engine.Render(text)
}
