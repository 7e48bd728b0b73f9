// Package registry holds the active ASR, NLG and TTS adapters and swaps
// them at runtime.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"chatbot/internal/backend"
	"chatbot/internal/config"
	"chatbot/internal/metrics"
)

// entry is one built adapter. refs counts the slot itself plus every
// caller holding it; the adapter is closed when the count drops to zero.
type entry[T any] struct {
	name    string
	adapter T
	refs    atomic.Int64
}

func newEntry[T any](name string, adapter T) *entry[T] {
	e := &entry[T]{name: name, adapter: adapter}
	e.refs.Store(1)
	return e
}

// hold takes a reference unless the entry is already closed.
func (e *entry[T]) hold() bool {
	for {
		n := e.refs.Load()
		if n <= 0 {
			return false
		}
		if e.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (e *entry[T]) release() {
	if e.refs.Add(-1) == 0 {
		backend.Close(e.adapter)
	}
}

// Slot holds one capability. Readers never block and never see a
// half-constructed adapter; switches run one at a time.
type Slot[T backend.Named] struct {
	kind    backend.Kind
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Collector

	byName map[string]backend.Descriptor[T]
	order  []string

	mu     sync.Mutex
	active atomic.Pointer[entry[T]]
}

func NewSlot[T backend.Named](kind backend.Kind, cfg *config.Config, descriptors []backend.Descriptor[T]) *Slot[T] {
	s := &Slot[T]{
		kind:   kind,
		cfg:    cfg,
		logger: slog.Default(),
		byName: make(map[string]backend.Descriptor[T], len(descriptors)),
	}
	for _, d := range descriptors {
		if _, dup := s.byName[d.Name]; !dup {
			s.order = append(s.order, d.Name)
		}
		s.byName[d.Name] = d
	}
	return s
}

func (s *Slot[T]) Kind() backend.Kind { return s.kind }

// Names lists selectable backends in registration order.
func (s *Slot[T]) Names() []string {
	return append([]string(nil), s.order...)
}

// Current is the active backend name, empty when the slot is disabled.
func (s *Slot[T]) Current() string {
	if e := s.active.Load(); e != nil {
		return e.name
	}
	return ""
}

// Active returns the adapter in use. ok is false when the slot is disabled.
// Callers that use the adapter beyond a quick look should Acquire it.
func (s *Slot[T]) Active() (adapter T, ok bool) {
	if e := s.active.Load(); e != nil {
		return e.adapter, true
	}
	return adapter, false
}

// Acquire returns the adapter in use and keeps it open until release is
// called, even if a switch replaces it meanwhile. release must be called
// exactly once when ok is true.
func (s *Slot[T]) Acquire() (adapter T, release func(), ok bool) {
	for {
		e := s.active.Load()
		if e == nil {
			return adapter, func() {}, false
		}
		if e.hold() {
			var once sync.Once
			return e.adapter, func() { once.Do(e.release) }, true
		}
		// replaced and closed between Load and hold
	}
}

// Switch makes name the active backend. Switching to the active backend
// does nothing. On failure the previous adapter stays active and a
// *Warning explains why. The replaced adapter is closed once the calls
// still holding it are done.
func (s *Slot[T]) Switch(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.Current()
	if name == previous && name != "" {
		s.metrics.Switch(s.kind.String(), "noop")
		return previous, nil
	}

	d, ok := s.byName[name]
	if !ok {
		s.metrics.Switch(s.kind.String(), string(ReasonUnknown))
		return previous, &Warning{Kind: s.kind, Name: name, Previous: previous, Reason: ReasonUnknown}
	}

	adapter, err := d.Build(ctx, s.cfg)
	if err != nil {
		s.metrics.Switch(s.kind.String(), string(ReasonConstruct))
		s.logger.Warn("Backend construction failed", "kind", s.kind, "backend", name, "keeping", previous, "error", err)
		return previous, &Warning{Kind: s.kind, Name: name, Previous: previous, Reason: ReasonConstruct, Err: err}
	}

	if old := s.active.Swap(newEntry(name, adapter)); old != nil {
		old.release()
	}
	s.metrics.Switch(s.kind.String(), "ok")
	s.logger.Info("Backend switched", "kind", s.kind, "from", previous, "to", name)
	return name, nil
}

// Disable drops the active adapter. It is closed once released by every
// holder.
func (s *Slot[T]) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.active.Swap(nil); old != nil {
		old.release()
	}
}
