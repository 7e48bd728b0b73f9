package asr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatbot/internal/backend"
	"chatbot/internal/baidu"
	"chatbot/internal/config"
	"chatbot/pkg/audioconv"
)

const (
	BaiduName = "baidu"

	baiduASRURL = "https://vop.baidu.com/server_api"
	// Mandarin with punctuation.
	baiduDevPID = 1537
)

// Baidu speech recognition error numbers.
const (
	baiduErrQuality  = 3301
	baiduErrAuth     = 3302
	baiduErrTooLong  = 3308
	baiduErrBadAudio = 3309
)

type Baidu struct {
	URL     string
	client  *http.Client
	tokens  *baidu.TokenSource
	cuid    string
	devPID  int
	timeout time.Duration
}

func NewBaidu(client *http.Client, sec config.Section) *Baidu {
	return &Baidu{
		URL:     baiduASRURL,
		client:  client,
		tokens:  baidu.NewTokenSource(client, sec),
		cuid:    sec.String("cuid", uuid.NewString()),
		devPID:  sec.Int("dev_pid", baiduDevPID),
		timeout: sec.Duration("timeout", 20*time.Second),
	}
}

func baiduFactory(deps Deps) backend.Factory[backend.ASR] {
	return func(_ context.Context, sec config.Section) (backend.ASR, error) {
		return NewBaidu(deps.HTTP, sec), nil
	}
}

// Tokens exposes the OAuth source so tests can point it at a fake server.
func (b *Baidu) Tokens() *baidu.TokenSource { return b.tokens }

func (b *Baidu) Name() string { return BaiduName }

// Probe makes sure credentials are good by obtaining a token.
func (b *Baidu) Probe(ctx context.Context) error {
	_, err := b.tokens.Token(ctx)
	return err
}

type baiduASRRequest struct {
	Format  string `json:"format"`
	Rate    int    `json:"rate"`
	Channel int    `json:"channel"`
	CUID    string `json:"cuid"`
	Token   string `json:"token"`
	DevPID  int    `json:"dev_pid"`
	Speech  string `json:"speech"`
	Len     int    `json:"len"`
}

type baiduASRReply struct {
	ErrNo  int      `json:"err_no"`
	ErrMsg string   `json:"err_msg"`
	Result []string `json:"result"`
}

func (b *Baidu) Transcribe(ctx context.Context, audio backend.Audio) (string, error) {
	speech, err := pcm16le(audio)
	if err != nil {
		return "", backend.Wrap(BaiduName, "transcribe", err)
	}

	text, err := backend.RetryOnAuthExpired(ctx, b.tokens.Refresh, func(ctx context.Context) (string, error) {
		return b.recognize(ctx, speech)
	})
	if err != nil {
		return "", backend.Wrap(BaiduName, "transcribe", err)
	}
	return text, nil
}

func (b *Baidu) recognize(ctx context.Context, speech []byte) (string, error) {
	token, err := b.tokens.Token(ctx)
	if err != nil {
		return "", err
	}

	req := baiduASRRequest{
		Format:  "pcm",
		Rate:    audioconv.WhisperRate,
		Channel: 1,
		CUID:    b.cuid,
		Token:   token,
		DevPID:  b.devPID,
		Speech:  base64.StdEncoding.EncodeToString(speech),
		Len:     len(speech),
	}
	var reply baiduASRReply
	if err := backend.PostJSON(ctx, b.client, b.URL, b.timeout, req, &reply); err != nil {
		return "", err
	}

	switch reply.ErrNo {
	case 0:
		if len(reply.Result) == 0 {
			return "", nil
		}
		return strings.TrimSpace(reply.Result[0]), nil
	case baiduErrAuth:
		return "", fmt.Errorf("%w: %d %s", backend.ErrAuthExpired, reply.ErrNo, reply.ErrMsg)
	case baiduErrQuality, baiduErrTooLong, baiduErrBadAudio:
		return "", fmt.Errorf("%w: %d %s", backend.ErrInput, reply.ErrNo, reply.ErrMsg)
	}
	return "", fmt.Errorf("%w: %d %s", backend.ErrUpstream, reply.ErrNo, reply.ErrMsg)
}

// pcm16le converts the recording to raw 16 kHz mono little-endian samples.
func pcm16le(audio backend.Audio) ([]byte, error) {
	data, err := audio.Bytes()
	if err != nil {
		return nil, err
	}
	x, err := audioconv.BytesToPCM16k(data, filepath.Ext(audio.Filename()), audioconv.Options{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrInput, err)
	}

	pcm := audioconv.FromFloat32(audioconv.WhisperRate, x)
	var buf bytes.Buffer
	buf.Grow(len(pcm.Data) * 2)
	for _, v := range pcm.Data {
		_ = binary.Write(&buf, binary.LittleEndian, int16(v))
	}
	return buf.Bytes(), nil
}
