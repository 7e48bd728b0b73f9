package asr

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"chatbot/internal/backend"
	"chatbot/internal/config"
	"chatbot/pkg/audioconv"
)

const RemoteName = "whisper"

// Remote talks to a self-hosted whisper model server (see cmd/asr-server).
type Remote struct {
	client  *http.Client
	host    string
	secret  string
	timeout time.Duration
}

type TranscribeRequest struct {
	SamplingRate int   `json:"sampling_rate"`
	Raw          []int `json:"raw"`
}

type contentReply struct {
	Content string `json:"content"`
}

func NewRemote(client *http.Client, sec config.Section) *Remote {
	return &Remote{
		client:  client,
		host:    sec.String("host", ""),
		secret:  sec.String("secret", ""),
		timeout: sec.Duration("timeout", 20*time.Second),
	}
}

func remoteFactory(deps Deps) backend.Factory[backend.ASR] {
	return func(_ context.Context, sec config.Section) (backend.ASR, error) {
		if mode := sec.String("mode", "remote"); mode != "remote" {
			return nil, fmt.Errorf("%w: whisper mode %q, use whisper-local or whisper-cli instead", backend.ErrConfig, mode)
		}
		return NewRemote(deps.HTTP, sec), nil
	}
}

func (r *Remote) Name() string { return RemoteName }

func (r *Remote) Probe(ctx context.Context) error {
	return backend.CheckHost(ctx, r.client, r.host, r.secret)
}

// Transcribe sends the WAV samples as integers.
func (r *Remote) Transcribe(ctx context.Context, audio backend.Audio) (string, error) {
	pcm, err := readPCM(audio)
	if err != nil {
		return "", backend.Wrap(RemoteName, "transcribe", err)
	}

	endpoint, err := backend.Endpoint(r.host, "transcribe", r.secret)
	if err != nil {
		return "", backend.Wrap(RemoteName, "transcribe", err)
	}

	var reply contentReply
	req := TranscribeRequest{SamplingRate: pcm.Rate, Raw: pcm.Data}
	if err := backend.PostJSON(ctx, r.client, endpoint, r.timeout, req, &reply); err != nil {
		return "", backend.Wrap(RemoteName, "transcribe", err)
	}
	return strings.TrimSpace(reply.Content), nil
}

func readPCM(audio backend.Audio) (audioconv.PCM, error) {
	if audio.Path != "" && len(audio.Data) == 0 {
		if !strings.EqualFold(filepath.Ext(audio.Path), ".wav") {
			return audioconv.PCM{}, fmt.Errorf("%w: %s is not a wav file", backend.ErrInput, filepath.Base(audio.Path))
		}
		pcm, err := audioconv.ReadWAV(audio.Path)
		if err != nil {
			return audioconv.PCM{}, fmt.Errorf("%w: %v", backend.ErrInput, err)
		}
		return pcm.Mono(), nil
	}

	data, err := audio.Bytes()
	if err != nil {
		return audioconv.PCM{}, err
	}
	pcm, err := audioconv.DecodeWAV(bytes.NewReader(data))
	if err != nil {
		return audioconv.PCM{}, fmt.Errorf("%w: %v", backend.ErrInput, err)
	}
	return pcm.Mono(), nil
}
