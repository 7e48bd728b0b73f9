package asr

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbot/internal/backend"
	"chatbot/internal/config"
	"chatbot/pkg/audioconv"
)

func writeWAV(t *testing.T, rate int, data []int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "speech.wav")
	require.NoError(t, audioconv.WriteWAVFile(path, audioconv.PCM{Rate: rate, Channels: 1, BitDepth: 16, Data: data}))
	return path
}

func TestWhisperAPITranscribe(t *testing.T) {
	var gotModel, gotFile string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotModel = r.FormValue("model")
		_, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		gotFile = hdr.Filename
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"text":" hello there "}`)
	}))
	defer srv.Close()

	sec := config.FromMap(map[string]any{"openai.api_key": "sk-test", "openai.base_url": srv.URL + "/v1/"}).Section("OpenAI")
	a := NewWhisperAPI(srv.Client(), sec)

	text, err := a.Transcribe(context.Background(), backend.Audio{Path: writeWAV(t, 16000, []int{1, 2, 3})})
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)
	assert.Equal(t, "whisper-1", gotModel)
	assert.Equal(t, "speech.wav", gotFile)
}

func TestWhisperAPIRejectsMissingFile(t *testing.T) {
	a := NewWhisperAPI(nil, config.FromMap(map[string]any{"openai.api_key": "sk"}).Section("OpenAI"))

	_, err := a.Transcribe(context.Background(), backend.Audio{Path: filepath.Join(t.TempDir(), "none.wav")})
	assert.ErrorIs(t, err, backend.ErrInput)
}

func TestWhisperAPIUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	sec := config.FromMap(map[string]any{"openai.api_key": "sk-bad", "openai.base_url": srv.URL + "/v1/"}).Section("OpenAI")
	err := NewWhisperAPI(srv.Client(), sec).Probe(context.Background())
	assert.ErrorIs(t, err, backend.ErrConfig)
}

func TestRemoteTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("secret") != "s3" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		switch r.URL.Path {
		case "/":
			w.WriteHeader(http.StatusOK)
		case "/transcribe":
			var req TranscribeRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, 8000, req.SamplingRate)
			assert.Equal(t, []int{10, -10, 20}, req.Raw)
			_, _ = io.WriteString(w, `{"time":"now","content":"你好"}`)
		}
	}))
	defer srv.Close()

	cfg := config.FromMap(map[string]any{"whisper.host": srv.URL, "whisper.secret": "s3"})
	d := Catalog(Deps{HTTP: srv.Client()})[1]
	require.Equal(t, RemoteName, d.Name)

	a, err := d.Build(context.Background(), cfg)
	require.NoError(t, err)

	text, err := a.Transcribe(context.Background(), backend.Audio{Path: writeWAV(t, 8000, []int{10, -10, 20})})
	require.NoError(t, err)
	assert.Equal(t, "你好", text)
}

func TestRemoteProbeFailsOnBadSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	cfg := config.FromMap(map[string]any{"whisper.host": srv.URL, "whisper.secret": "wrong"})
	_, err := Catalog(Deps{HTTP: srv.Client()})[1].Build(context.Background(), cfg)
	assert.ErrorIs(t, err, backend.ErrUpstream)
}

func TestRemoteLocalModeRejected(t *testing.T) {
	cfg := config.FromMap(map[string]any{"whisper.host": "http://127.0.0.1:1", "whisper.mode": "local"})
	_, err := Catalog(Deps{})[1].Build(context.Background(), cfg)
	assert.ErrorIs(t, err, backend.ErrConfig)
}

func TestRemoteRejectsNonWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speech.mp3")
	require.NoError(t, os.WriteFile(path, []byte("ID3"), 0o600))

	r := NewRemote(nil, config.FromMap(map[string]any{"whisper.host": "http://127.0.0.1:1"}).Section("Whisper"))
	_, err := r.Transcribe(context.Background(), backend.Audio{Path: path})
	assert.ErrorIs(t, err, backend.ErrInput)
}

func TestBaiduReauthenticatesOnce(t *testing.T) {
	var oauthHits, asrHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/oauth":
			oauthHits.Add(1)
			_, _ = io.WriteString(w, `{"access_token":"fresh"}`)
		case "/server_api":
			asrHits.Add(1)
			var req baiduASRRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "pcm", req.Format)
			assert.Equal(t, 16000, req.Rate)
			assert.Equal(t, 1537, req.DevPID)
			if req.Token != "fresh" {
				_, _ = io.WriteString(w, `{"err_no":3302,"err_msg":"authentication failed"}`)
				return
			}
			assert.Equal(t, 8, req.Len)
			_, _ = io.WriteString(w, `{"err_no":0,"result":["今天天气怎么样"]}`)
		}
	}))
	defer srv.Close()

	cfg := config.FromMap(map[string]any{
		"baidu.speech.api_key":      "ak",
		"baidu.speech.secret_key":   "sk",
		"baidu.speech.access_token": "stale",
	})
	b := NewBaidu(srv.Client(), cfg.Section("Baidu.speech"))
	b.URL = srv.URL + "/server_api"
	b.Tokens().URL = srv.URL + "/oauth"

	text, err := b.Transcribe(context.Background(), backend.Audio{Path: writeWAV(t, 16000, []int{1, 2, 3, 4})})
	require.NoError(t, err)
	assert.Equal(t, "今天天气怎么样", text)
	assert.Equal(t, int32(1), oauthHits.Load())
	assert.Equal(t, int32(2), asrHits.Load())
	assert.Equal(t, "fresh", cfg.Section("Baidu.speech").String("access_token", ""))
}

func TestBaiduBadAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"err_no":3301,"err_msg":"speech quality error"}`)
	}))
	defer srv.Close()

	cfg := config.FromMap(map[string]any{"baidu.speech.access_token": "tok"})
	b := NewBaidu(srv.Client(), cfg.Section("Baidu.speech"))
	b.URL = srv.URL

	_, err := b.Transcribe(context.Background(), backend.Audio{Path: writeWAV(t, 16000, []int{0, 0})})
	assert.ErrorIs(t, err, backend.ErrInput)
}

func fakeWhisperCLI(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in needs a unix shell")
	}
	path := filepath.Join(t.TempDir(), "whisper-cli")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestCLITranscribe(t *testing.T) {
	bin := fakeWhisperCLI(t, `
[ "$1" = "-m" ] || exit 3
[ -f "$4" ] || exit 4
echo ""
echo "  And so my fellow Americans"
echo "ask not.  "
`)
	c := NewCLI(config.FromMap(map[string]any{"whispercli.bin": bin, "whispercli.model": "ggml-base.bin"}).Section("WhisperCLI"), slog.Default())

	text, err := c.Transcribe(context.Background(), backend.Audio{Path: writeWAV(t, 44100, []int{5, 6, 7, 8})})
	require.NoError(t, err)
	assert.Equal(t, "And so my fellow Americans ask not.", text)
}

func TestCLIFailure(t *testing.T) {
	bin := fakeWhisperCLI(t, "echo 'error: failed to load model' >&2\nexit 1\n")
	c := NewCLI(config.FromMap(map[string]any{"whispercli.bin": bin, "whispercli.model": "missing.bin"}).Section("WhisperCLI"), slog.Default())

	_, err := c.Transcribe(context.Background(), backend.Audio{Path: writeWAV(t, 16000, []int{1})})
	assert.ErrorIs(t, err, backend.ErrUpstream)
	assert.Contains(t, err.Error(), "failed to load model")
}

func TestCLIProbe(t *testing.T) {
	c := NewCLI(config.FromMap(map[string]any{"whispercli.bin": "definitely-not-installed-whisper"}).Section("WhisperCLI"), slog.Default())
	assert.ErrorIs(t, c.Probe(context.Background()), backend.ErrConfig)
}

func TestAudioMIME(t *testing.T) {
	assert.Equal(t, "audio/wav", audioMIME("x.bin", []byte{0, 1, 2}))
	assert.Equal(t, "audio/wave", audioMIME("", []byte("RIFF\x24\x00\x00\x00WAVEfmt ")))
}
