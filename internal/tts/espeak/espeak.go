// Package espeak synthesizes speech in-process with espeak-ng. It is split
// from package tts because it links the native library.
package espeak

/*
#cgo LDFLAGS: -lespeak-ng
#include <stdlib.h>

int espeak_init(const char *data_path);
int espeak_render(const char *text, const char *voice, int wpm);
*/
import "C"

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"chatbot/internal/backend"
	"chatbot/internal/config"
	"chatbot/internal/tts"
	"chatbot/pkg/audioconv"
)

const Name = "espeak"

// espeak-ng keeps global state: one initialisation per process and one
// synthesis at a time.
var (
	initOnce sync.Once
	rate     int
	initErr  error

	mu      sync.Mutex
	samples []int
)

//export espeakCollect
func espeakCollect(wav *C.short, n C.int) {
	for _, s := range unsafe.Slice((*int16)(unsafe.Pointer(wav)), int(n)) {
		samples = append(samples, int(s))
	}
}

func initialise(dataPath string) (int, error) {
	initOnce.Do(func() {
		var cpath *C.char
		if dataPath != "" {
			cpath = C.CString(dataPath)
			defer C.free(unsafe.Pointer(cpath))
		}
		rc := int(C.espeak_init(cpath))
		if rc <= 0 {
			initErr = fmt.Errorf("espeak_Initialize failed: %d", rc)
			return
		}
		rate = rc
	})
	return rate, initErr
}

type Engine struct {
	voice string
	wpm   int
	rate  int
}

// NewEngine initialises espeak-ng on first use. voice is a voice name or a
// language code such as "zh" or "ru".
func NewEngine(dataPath, voice string, wpm int) (*Engine, error) {
	r, err := initialise(dataPath)
	if err != nil {
		return nil, err
	}
	return &Engine{voice: voice, wpm: wpm, rate: r}, nil
}

func (e *Engine) Rate() int { return e.rate }

var ErrEmpty = errors.New("espeak: nothing to say")

// Render returns mono 16-bit samples for text.
func (e *Engine) Render(text string) (audioconv.PCM, error) {
	if strings.TrimSpace(text) == "" {
		return audioconv.PCM{}, ErrEmpty
	}

	ctext := C.CString(text)
	defer C.free(unsafe.Pointer(ctext))
	cvoice := C.CString(e.voice)
	defer C.free(unsafe.Pointer(cvoice))

	mu.Lock()
	defer mu.Unlock()
	samples = samples[:0]

	if rc := C.espeak_render(ctext, cvoice, C.int(e.wpm)); rc != 0 {
		return audioconv.PCM{}, fmt.Errorf("espeak render failed: %d", int(rc))
	}

	out := make([]int, len(samples))
	copy(out, samples)
	return audioconv.PCM{Rate: e.rate, Channels: 1, BitDepth: 16, Data: out}, nil
}

// Speaker adapts Engine to the TTS contract, writing WAV files.
type Speaker struct {
	engine *Engine
	dir    string
}

func Descriptor(deps tts.Deps) backend.Descriptor[backend.TTS] {
	return backend.Descriptor[backend.TTS]{
		Name:   Name,
		Vendor: "Espeak",
		New: func(_ context.Context, sec config.Section) (backend.TTS, error) {
			return New(deps, sec)
		},
	}
}

func New(deps tts.Deps, sec config.Section) (*Speaker, error) {
	engine, err := NewEngine(sec.String("data_path", ""), sec.String("voice", "zh"), sec.Int("wpm", 0))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrConfig, err)
	}
	dir, err := backend.OutputDir(deps.Dir)
	if err != nil {
		return nil, err
	}
	return &Speaker{engine: engine, dir: dir}, nil
}

func (s *Speaker) Name() string { return Name }

func (s *Speaker) Synthesize(ctx context.Context, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", backend.Wrap(Name, "synthesize", err)
	}
	text = tts.Clean(text)
	pcm, err := s.engine.Render(text)
	if errors.Is(err, ErrEmpty) {
		return "", backend.Fail(backend.ErrInput, Name, "synthesize", "nothing to synthesize")
	}
	if err != nil {
		return "", backend.Fail(backend.ErrUpstream, Name, "synthesize", "%v", err)
	}

	path := backend.OutputFile(s.dir, "wav")
	if err := audioconv.WriteWAVFile(path, pcm); err != nil {
		return "", backend.Wrap(Name, "synthesize", err)
	}
	return path, nil
}
