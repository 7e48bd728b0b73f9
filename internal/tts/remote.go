package tts

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"chatbot/internal/backend"
	"chatbot/internal/config"
	"chatbot/pkg/audioconv"
)

const (
	BertVITS2Name  = "bert-vits2"
	FastSpeechName = "fastspeech"
)

// SynthesizeRequest is the body of POST host/synthesize on the self-hosted
// model servers (see cmd/tts-server).
type SynthesizeRequest struct {
	Text    string `json:"text"`
	Speaker string `json:"speaker,omitempty"`
}

// SynthesizeReply carries 16-bit samples as plain integers.
type SynthesizeReply struct {
	SamplingRate int   `json:"sampling_rate"`
	Raw          []int `json:"raw"`
}

type remote struct {
	name   string
	client *http.Client
	host   string
	secret string
	dir    string
}

func newRemote(name string, deps Deps, sec config.Section) (remote, error) {
	if mode := sec.String("mode", "remote"); mode != "remote" {
		return remote{}, fmt.Errorf("%w: %s mode %q is not supported, run the model server and use remote", backend.ErrConfig, name, mode)
	}
	dir, err := backend.OutputDir(deps.Dir)
	if err != nil {
		return remote{}, err
	}
	return remote{
		name:   name,
		client: deps.HTTP,
		host:   sec.String("host", ""),
		secret: sec.String("secret", ""),
		dir:    dir,
	}, nil
}

func (r remote) Name() string { return r.name }

func (r remote) Probe(ctx context.Context) error {
	return backend.CheckHost(ctx, r.client, r.host, r.secret)
}

func (r remote) post(ctx context.Context, timeout time.Duration, req SynthesizeRequest, out any) error {
	endpoint, err := backend.Endpoint(r.host, "synthesize", r.secret)
	if err != nil {
		return err
	}
	return backend.PostJSON(ctx, r.client, endpoint, timeout, req, out)
}

// BertVITS2 calls a Bert-VITS2 server and writes the returned samples as WAV.
type BertVITS2 struct {
	remote
	speaker string
}

func NewBertVITS2(deps Deps, sec config.Section) (*BertVITS2, error) {
	r, err := newRemote(BertVITS2Name, deps, sec)
	if err != nil {
		return nil, err
	}
	return &BertVITS2{remote: r, speaker: sec.String("voice", "刻晴")}, nil
}

func bertVITS2Factory(deps Deps) backend.Factory[backend.TTS] {
	return func(_ context.Context, sec config.Section) (backend.TTS, error) {
		return NewBertVITS2(deps, sec)
	}
}

// bertVITS2Timeout grows with the text: 0.6s per character, at least 10s.
func bertVITS2Timeout(text string) time.Duration {
	return max(10*time.Second, time.Duration(utf8.RuneCountInString(text))*600*time.Millisecond)
}

func (b *BertVITS2) Synthesize(ctx context.Context, text string) (string, error) {
	text, err := cleaned(BertVITS2Name, text)
	if err != nil {
		return "", err
	}

	var reply SynthesizeReply
	req := SynthesizeRequest{Text: text, Speaker: b.speaker}
	if err := b.post(ctx, bertVITS2Timeout(text), req, &reply); err != nil {
		return "", backend.Wrap(BertVITS2Name, "synthesize", err)
	}
	if reply.SamplingRate <= 0 {
		return "", backend.Fail(backend.ErrUpstream, BertVITS2Name, "synthesize", "reply has no sampling rate")
	}

	path := backend.OutputFile(b.dir, "wav")
	pcm := audioconv.PCM{Rate: reply.SamplingRate, Channels: 1, BitDepth: 16, Data: reply.Raw}
	if err := audioconv.WriteWAVFile(path, pcm); err != nil {
		return "", backend.Wrap(BertVITS2Name, "synthesize", err)
	}
	return path, nil
}

// FastSpeech calls a FastSpeech2 server that answers with a WAV file.
type FastSpeech struct {
	remote
	timeout time.Duration
}

func NewFastSpeech(deps Deps, sec config.Section) (*FastSpeech, error) {
	r, err := newRemote(FastSpeechName, deps, sec)
	if err != nil {
		return nil, err
	}
	return &FastSpeech{remote: r, timeout: sec.Duration("timeout", 20*time.Second)}, nil
}

func fastSpeechFactory(deps Deps) backend.Factory[backend.TTS] {
	return func(_ context.Context, sec config.Section) (backend.TTS, error) {
		return NewFastSpeech(deps, sec)
	}
}

func (f *FastSpeech) Synthesize(ctx context.Context, text string) (string, error) {
	text, err := cleaned(FastSpeechName, text)
	if err != nil {
		return "", err
	}

	var data []byte
	if err := f.post(ctx, f.timeout, SynthesizeRequest{Text: text}, &data); err != nil {
		return "", backend.Wrap(FastSpeechName, "synthesize", err)
	}
	if !bytes.HasPrefix(data, []byte("RIFF")) {
		return "", backend.Fail(backend.ErrUpstream, FastSpeechName, "synthesize", "reply is not a WAV file")
	}

	path, err := save(f.dir, "wav", bytes.NewReader(data))
	if err != nil {
		return "", backend.Wrap(FastSpeechName, "synthesize", err)
	}
	return path, nil
}
