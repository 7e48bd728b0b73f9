// Package asr holds the speech recognition adapters.
package asr

import (
	"log/slog"
	"net/http"

	"chatbot/internal/backend"
)

// Deps are shared by every adapter in the catalog.
type Deps struct {
	HTTP   *http.Client
	Logger *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// Catalog lists the adapters that build without native libraries.
func Catalog(deps Deps) []backend.Descriptor[backend.ASR] {
	return []backend.Descriptor[backend.ASR]{
		{Name: WhisperAPIName, Vendor: "OpenAI", Required: []string{"api_key"}, New: whisperAPIFactory(deps)},
		{Name: RemoteName, Vendor: "Whisper", Required: []string{"host"}, New: remoteFactory(deps)},
		{Name: BaiduName, Vendor: "Baidu.speech", Required: []string{"api_key", "secret_key"}, New: baiduFactory(deps)},
		{Name: CLIName, Vendor: "WhisperCLI", Required: []string{"model"}, New: cliFactory(deps)},
		{Name: GeminiName, Vendor: "Google", Required: []string{"api_key"}, New: geminiFactory(deps)},
	}
}
