package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/neurosnap/sentences/english"

	"chatbot/internal/backend"
	"chatbot/internal/baidu"
	"chatbot/internal/config"
)

const (
	BaiduName = "baidu"

	text2AudioURL = "https://tsn.baidu.com/text2audio"

	// text2audio accepts up to 1024 GBK bytes, two per Chinese character.
	baiduMaxRunes = 500
)

// per values, see the text2audio request parameters.
var baiduVoices = map[string]int{
	"度小美": 0, "度小宇": 1, "度逍遥（基础）": 3, "度丫丫": 4, "度小娇": 5, "度米朵": 103, "度博文": 106,
	"度小童": 110, "度小萌": 111, "度逍遥（精品）": 5003, "度小鹿": 5118,
}

// text2audio err_no for a bad or expired token.
const baiduErrTokenInvalid = 502

type Baidu struct {
	URL     string
	client  *http.Client
	tokens  *baidu.TokenSource
	per     int
	cuid    string
	timeout time.Duration
	dir     string
}

func NewBaidu(deps Deps, sec config.Section) (*Baidu, error) {
	voice := sec.String("tts_voice", "度小美")
	per, ok := baiduVoices[voice]
	if !ok {
		return nil, fmt.Errorf("%w: unknown Baidu voice %q, expected one of %s",
			backend.ErrConfig, voice, strings.Join(slices.Sorted(maps.Keys(baiduVoices)), ", "))
	}
	dir, err := backend.OutputDir(deps.Dir)
	if err != nil {
		return nil, err
	}
	return &Baidu{
		URL:     text2AudioURL,
		client:  deps.HTTP,
		tokens:  baidu.NewTokenSource(deps.HTTP, sec),
		per:     per,
		cuid:    sec.String("cuid", uuid.NewString()),
		timeout: sec.Duration("timeout", 20*time.Second),
		dir:     dir,
	}, nil
}

func baiduFactory(deps Deps) backend.Factory[backend.TTS] {
	return func(_ context.Context, sec config.Section) (backend.TTS, error) {
		return NewBaidu(deps, sec)
	}
}

func (b *Baidu) Name() string { return BaiduName }

func (b *Baidu) Tokens() *baidu.TokenSource { return b.tokens }

// Probe makes sure a token can be had; text2audio has no free endpoint.
func (b *Baidu) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, backend.ProbeTimeout)
	defer cancel()
	_, err := b.tokens.Token(ctx)
	return err
}

func (b *Baidu) Synthesize(ctx context.Context, text string) (string, error) {
	text, err := cleaned(BaiduName, text)
	if err != nil {
		return "", err
	}
	text = TrimSentences(text, baiduMaxRunes)

	audio, err := backend.RetryOnAuthExpired(ctx, b.tokens.Refresh, func(ctx context.Context) ([]byte, error) {
		return b.text2Audio(ctx, text)
	})
	if err != nil {
		return "", backend.Wrap(BaiduName, "synthesize", err)
	}

	path, err := save(b.dir, "mp3", bytes.NewReader(audio))
	if err != nil {
		return "", backend.Wrap(BaiduName, "synthesize", err)
	}
	return path, nil
}

type baiduTTSError struct {
	ErrNo  int    `json:"err_no"`
	ErrMsg string `json:"err_msg"`
}

func (b *Baidu) text2Audio(ctx context.Context, text string) ([]byte, error) {
	token, err := b.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	form := url.Values{
		"tok":  {token},
		"tex":  {text},
		"cuid": {b.cuid},
		"lan":  {"zh"},
		"ctp":  {"1"},
		"per":  {strconv.Itoa(b.per)},
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrConfig, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "*/*")

	client := b.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, backend.Classify(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, backend.Classify(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: text2audio answered %s", backend.ErrUpstream, resp.Status)
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "audio/") {
		return data, nil
	}

	// Failures come back as JSON.
	var reply baiduTTSError
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("%w: unexpected %q reply", backend.ErrUpstream, resp.Header.Get("Content-Type"))
	}
	if reply.ErrNo == baiduErrTokenInvalid {
		return nil, fmt.Errorf("%w: %d %s", backend.ErrAuthExpired, reply.ErrNo, reply.ErrMsg)
	}
	return nil, fmt.Errorf("%w: %d %s", backend.ErrUpstream, reply.ErrNo, reply.ErrMsg)
}

func needsSpace(prev, next string) bool {
	if prev == "" || next == "" {
		return false
	}
	last, _ := utf8.DecodeLastRuneInString(prev)
	first, _ := utf8.DecodeRuneInString(next)
	return last < utf8.RuneSelf && first < utf8.RuneSelf && !unicode.IsSpace(last) && !unicode.IsSpace(first)
}

var cjkSentenceEndRe = regexp.MustCompile(`[。！？；]`)

// TrimSentences keeps whole sentences from the start of text while they fit
// in limit runes. A first sentence longer than limit is cut at limit.
func TrimSentences(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}

	var b strings.Builder
	n := 0
	for _, s := range splitSentences(text) {
		c := utf8.RuneCountInString(s)
		if n+c > limit {
			break
		}
		if needsSpace(b.String(), s) {
			b.WriteByte(' ')
			n++
		}
		b.WriteString(s)
		n += c
	}
	if b.Len() > 0 {
		return strings.TrimSpace(b.String())
	}
	return string([]rune(text)[:limit])
}

// splitSentences uses the punkt tokenizer for Latin text and splits again on
// CJK terminators, which it does not know about. Whitespace is preserved so
// the pieces concatenate back to text.
func splitSentences(text string) []string {
	var parts []string
	tokenizer, err := english.NewSentenceTokenizer(nil)
	if err != nil {
		parts = []string{text}
	} else {
		for _, s := range tokenizer.Tokenize(text) {
			parts = append(parts, s.Text)
		}
	}

	var out []string
	for _, p := range parts {
		for len(p) > 0 {
			loc := cjkSentenceEndRe.FindStringIndex(p)
			if loc == nil {
				out = append(out, p)
				break
			}
			out = append(out, p[:loc[1]])
			p = p[loc[1]:]
		}
	}
	return out
}
