// asr-server runs whisper.cpp behind the /transcribe route the whisper
// client posts to.
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

	"chatbot/internal/asr"
	"chatbot/internal/config"
	"chatbot/internal/metrics"
	"chatbot/pkg/apiwrap"
	"chatbot/pkg/audioconv"
	"chatbot/pkg/stt"
)

var logLevelMap = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

// defaultRate applies when a request leaves sampling_rate out.
const defaultRate = 48000

func main() {
	configPath := cli.StringP("config", "c", config.DefaultPath, "Config file path")
	envFile := cli.StringP("env", "e", ".env", "Env file path")
	logLevel := cli.StringP("log", "l", "info", "Log level")
	model := cli.StringP("model", "m", "", "Whisper model path (Server.model_path)")
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

	modelPath := *model
	if modelPath == "" {
		modelPath = sec.String("model_path", "")
	}
	tr, err := stt.NewTranscriber(modelPath, stt.Options{
		Language: sec.String("language", "auto"),
		Threads:  sec.Int("threads", 0),
	})
	if err != nil {
		log.Error("Failed to init whisper", "err", err)
		os.Exit(1)
	}
	defer tr.Close()
	log.Info("Loaded whisper", "model", modelPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.Default()
	api := apiwrap.New(apiwrap.Options{
		Secret:      sec.String("secret", ""),
		Description: "Whisper ASR server",
		TimeZone:    sec.Int("time_zone", 8),
		Port:        *port,
		Listen:      *listen,
		RateLimit:   sec.Float("rate_limit", 0),
		Metrics:     m,
	})
	timeout := sec.Duration("timeout", 60*time.Second)

	api.AddRoute("/transcribe", []string{http.MethodPost}, func(w http.ResponseWriter, r *http.Request) {
		var req asr.TranscribeRequest
		if !api.Decode(w, r, &req, 64<<20) {
			return
		}
		if len(req.Raw) == 0 {
			api.Fail(w, http.StatusBadRequest, "No audio data received!")
			return
		}
		if req.SamplingRate <= 0 {
			req.SamplingRate = defaultRate
		}

		pcm := audioconv.PeakNormalize(ints(req.Raw))
		pcm = audioconv.Resample(pcm, req.SamplingRate, audioconv.WhisperRate)

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		started := time.Now()
		res, err := tr.TranscribePCM(ctx, pcm)
		m.ObserveCall("ASR", "whisper-local", started, err, nil)
		if err != nil {
			log.Warn("Transcription failed", "err", err)
			api.Fail(w, http.StatusInternalServerError, err.Error())
			return
		}
		log.Debug("Transcribed", "lang", res.Language, "text", res.Text, "took", time.Since(started))
		api.Content(w, http.StatusOK, res.Text)
	})

	if err := api.Run(ctx); err != nil {
		log.Error("Server stopped", "err", err)
	}
}

func ints(raw []int) []float32 {
	out := make([]float32, len(raw))
	for i, v := range raw {
		out[i] = float32(v)
	}
	return out
}
