package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"chatbot/internal/backend"
	"chatbot/internal/chat"
	"chatbot/internal/config"
	"chatbot/internal/metrics"
)

type fakeNLG struct {
	name   string
	closed bool
}

func (f *fakeNLG) Name() string { return f.name }
func (f *fakeNLG) Reply(context.Context, string, chat.History, string) (string, error) {
	return f.name, nil
}
func (f *fakeNLG) Close() error { f.closed = true; return nil }

type factory struct {
	mu      sync.Mutex
	built   map[string]int
	failing map[string]bool
	last    map[string]*fakeNLG
}

func newFactory(failing ...string) *factory {
	f := &factory{built: map[string]int{}, failing: map[string]bool{}, last: map[string]*fakeNLG{}}
	for _, n := range failing {
		f.failing[n] = true
	}
	return f
}

func (f *factory) descriptor(name string) backend.Descriptor[backend.NLG] {
	return backend.Descriptor[backend.NLG]{
		Name:   name,
		Vendor: name,
		New: func(context.Context, config.Section) (backend.NLG, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.built[name]++
			if f.failing[name] {
				return nil, fmt.Errorf("%w: %s refused", backend.ErrUpstream, name)
			}
			a := &fakeNLG{name: name}
			f.last[name] = a
			return a, nil
		},
	}
}

func (f *factory) slot(names ...string) *Slot[backend.NLG] {
	var ds []backend.Descriptor[backend.NLG]
	for _, n := range names {
		ds = append(ds, f.descriptor(n))
	}
	return NewSlot(backend.KindNLG, config.FromMap(nil), ds)
}

func TestSwitchSuccess(t *testing.T) {
	f := newFactory()
	s := f.slot("chatgpt", "qwen")

	got, err := s.Switch(context.Background(), "chatgpt")
	require.NoError(t, err)
	assert.Equal(t, "chatgpt", got)

	got, err = s.Switch(context.Background(), "qwen")
	require.NoError(t, err)
	assert.Equal(t, "qwen", got)

	active, ok := s.Active()
	require.True(t, ok)
	assert.Equal(t, "qwen", active.Name())
	assert.True(t, f.last["chatgpt"].closed)
}

func TestAcquireKeepsReplacedAdapterOpen(t *testing.T) {
	f := newFactory()
	s := f.slot("chatgpt", "qwen")
	_, err := s.Switch(context.Background(), "chatgpt")
	require.NoError(t, err)

	held, release, ok := s.Acquire()
	require.True(t, ok)
	assert.Equal(t, "chatgpt", held.Name())

	_, err = s.Switch(context.Background(), "qwen")
	require.NoError(t, err)
	assert.Equal(t, "qwen", s.Current())
	assert.False(t, f.last["chatgpt"].closed)

	release()
	assert.True(t, f.last["chatgpt"].closed)
	release()

	next, releaseNext, ok := s.Acquire()
	require.True(t, ok)
	assert.Equal(t, "qwen", next.Name())
	releaseNext()
	assert.False(t, f.last["qwen"].closed)

	s.Disable()
	assert.True(t, f.last["qwen"].closed)
	_, releaseNone, ok := s.Acquire()
	assert.False(t, ok)
	releaseNone()
}

func TestSwitchSameIsNoop(t *testing.T) {
	f := newFactory()
	s := f.slot("chatgpt")

	_, err := s.Switch(context.Background(), "chatgpt")
	require.NoError(t, err)
	got, err := s.Switch(context.Background(), "chatgpt")
	require.NoError(t, err)

	assert.Equal(t, "chatgpt", got)
	assert.Equal(t, 1, f.built["chatgpt"])
}

func TestSwitchUnknownKeepsActive(t *testing.T) {
	f := newFactory()
	s := f.slot("chatgpt")
	_, err := s.Switch(context.Background(), "chatgpt")
	require.NoError(t, err)

	got, err := s.Switch(context.Background(), "gpt-9")

	var w *Warning
	require.ErrorAs(t, err, &w)
	assert.Equal(t, ReasonUnknown, w.Reason)
	assert.Equal(t, "chatgpt", w.Previous)
	assert.Equal(t, "chatgpt", got)
	assert.Equal(t, "chatgpt", s.Current())
}

func TestSwitchConstructFailureKeepsActive(t *testing.T) {
	f := newFactory("ernie")
	s := f.slot("chatgpt", "ernie")
	_, err := s.Switch(context.Background(), "chatgpt")
	require.NoError(t, err)

	_, err = s.Switch(context.Background(), "ernie")

	var w *Warning
	require.ErrorAs(t, err, &w)
	assert.Equal(t, ReasonConstruct, w.Reason)
	assert.ErrorIs(t, err, backend.ErrUpstream)
	assert.Equal(t, "chatgpt", s.Current())
	assert.False(t, f.last["chatgpt"].closed)
}

func TestSwitchFromNothing(t *testing.T) {
	s := newFactory("bad").slot("bad")

	_, ok := s.Active()
	assert.False(t, ok)

	_, err := s.Switch(context.Background(), "bad")
	var w *Warning
	require.ErrorAs(t, err, &w)
	assert.Empty(t, w.Previous)
	assert.Contains(t, w.Error(), "keeping none")
}

func TestNamesKeepOrder(t *testing.T) {
	s := newFactory().slot("waltz", "chatgpt", "spark")
	assert.Equal(t, []string{"waltz", "chatgpt", "spark"}, s.Names())
}

func TestSwitchMetrics(t *testing.T) {
	f := newFactory()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	r := New(config.FromMap(nil), Catalog{NLG: []backend.Descriptor[backend.NLG]{f.descriptor("chatgpt")}}, WithMetrics(m))

	_, _ = r.Switch(context.Background(), backend.KindNLG, "chatgpt")
	_, _ = r.Switch(context.Background(), backend.KindNLG, "chatgpt")
	_, _ = r.Switch(context.Background(), backend.KindNLG, "nope")

	assert.Equal(t, "chatgpt", r.Current(backend.KindNLG))
	n, err := testutil.GatherAndCount(reg, "chatbot_backend_switches_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestInitDisablesEmptyAndFailed(t *testing.T) {
	f := newFactory("qwen")
	r := New(config.FromMap(nil), Catalog{
		NLG: []backend.Descriptor[backend.NLG]{f.descriptor("qwen")},
	})

	err := r.Init(context.Background(), "", "qwen", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrUpstream)

	assert.Empty(t, r.Current(backend.KindASR))
	assert.Empty(t, r.Current(backend.KindNLG))
	assert.Empty(t, r.Current(backend.KindTTS))
}

func TestInitAllEmpty(t *testing.T) {
	r := New(config.FromMap(nil), Catalog{})
	assert.NoError(t, r.Init(context.Background(), "", "", ""))
}

func TestConcurrentSwitchAndRead(t *testing.T) {
	f := newFactory()
	s := f.slot("a", "b", "c")
	_, err := s.Switch(context.Background(), "a")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Switch(context.Background(), []string{"a", "b", "c"}[i%3])
		}(i)
		go func() {
			defer wg.Done()
			active, ok := s.Active()
			assert.True(t, ok)
			assert.Contains(t, []string{"a", "b", "c"}, active.Name())
		}()
	}
	wg.Wait()
}

// A switch sequence leaves the last successfully built backend active and
// never rebuilds the active one.
func TestPropertySwitchSequence(t *testing.T) {
	names := []string{"chatgpt", "qwen", "ernie", "spark"}

	rapid.Check(t, func(t *rapid.T) {
		failing := rapid.SliceOfDistinct(rapid.SampledFrom(names), rapid.ID[string]).Draw(t, "failing")
		f := newFactory(failing...)
		s := f.slot(names...)

		want := ""
		builds := 0
		ops := rapid.SliceOf(rapid.SampledFrom(append(names, "unknown"))).Draw(t, "ops")
		for _, op := range ops {
			got, err := s.Switch(context.Background(), op)
			switch {
			case op == want && want != "":
				if err != nil {
					t.Fatalf("noop switch to %s failed: %v", op, err)
				}
			case op == "unknown":
				var w *Warning
				if !errors.As(err, &w) || w.Reason != ReasonUnknown {
					t.Fatalf("want unknown warning, got %v", err)
				}
			case f.failing[op]:
				builds++
				var w *Warning
				if !errors.As(err, &w) || w.Reason != ReasonConstruct {
					t.Fatalf("want construct warning, got %v", err)
				}
			default:
				builds++
				if err != nil {
					t.Fatalf("switch to %s: %v", op, err)
				}
				want = op
			}
			if got != want || s.Current() != want {
				t.Fatalf("active %q (returned %q), want %q", s.Current(), got, want)
			}
		}

		total := 0
		for _, n := range f.built {
			total += n
		}
		if total != builds {
			t.Fatalf("built %d adapters, want %d", total, builds)
		}
	})
}
