package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"chatbot/internal/backend"
	"chatbot/internal/config"
	"chatbot/internal/metrics"
)

type Registry struct {
	ASR *Slot[backend.ASR]
	NLG *Slot[backend.NLG]
	TTS *Slot[backend.TTS]
}

type Catalog struct {
	ASR []backend.Descriptor[backend.ASR]
	NLG []backend.Descriptor[backend.NLG]
	TTS []backend.Descriptor[backend.TTS]
}

type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.ASR.logger, r.NLG.logger, r.TTS.logger = l, l, l
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(r *Registry) {
		r.ASR.metrics, r.NLG.metrics, r.TTS.metrics = m, m, m
	}
}

func New(cfg *config.Config, catalog Catalog, opts ...Option) *Registry {
	r := &Registry{
		ASR: NewSlot(backend.KindASR, cfg, catalog.ASR),
		NLG: NewSlot(backend.KindNLG, cfg, catalog.NLG),
		TTS: NewSlot(backend.KindTTS, cfg, catalog.TTS),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Init constructs the initial backends in parallel. An empty name leaves
// that capability disabled. Slots that fail stay disabled; the joined
// error names every failure.
func (r *Registry) Init(ctx context.Context, asr, nlg, tts string) error {
	var g errgroup.Group
	errs := make([]error, 3)

	start := func(i int, name string, switchFn func(context.Context, string) (string, error)) {
		if name == "" {
			return
		}
		g.Go(func() error {
			_, errs[i] = switchFn(ctx, name)
			return nil
		})
	}
	start(0, asr, r.ASR.Switch)
	start(1, nlg, r.NLG.Switch)
	start(2, tts, r.TTS.Switch)

	_ = g.Wait()
	return errors.Join(errs...)
}

func (r *Registry) Switch(ctx context.Context, kind backend.Kind, name string) (string, error) {
	switch kind {
	case backend.KindASR:
		return r.ASR.Switch(ctx, name)
	case backend.KindNLG:
		return r.NLG.Switch(ctx, name)
	case backend.KindTTS:
		return r.TTS.Switch(ctx, name)
	}
	return "", fmt.Errorf("%w: %v", backend.ErrInput, kind)
}

func (r *Registry) Names(kind backend.Kind) []string {
	switch kind {
	case backend.KindASR:
		return r.ASR.Names()
	case backend.KindNLG:
		return r.NLG.Names()
	case backend.KindTTS:
		return r.TTS.Names()
	}
	return nil
}

func (r *Registry) Current(kind backend.Kind) string {
	switch kind {
	case backend.KindASR:
		return r.ASR.Current()
	case backend.KindNLG:
		return r.NLG.Current()
	case backend.KindTTS:
		return r.TTS.Current()
	}
	return ""
}

// Close releases every active adapter.
func (r *Registry) Close() {
	r.ASR.Disable()
	r.NLG.Disable()
	r.TTS.Disable()
}
