package playback

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbot/internal/metrics"
)

// blockingPlayer plays until released or cancelled.
type blockingPlayer struct {
	mu      sync.Mutex
	played  []string
	release chan struct{}
}

func newBlockingPlayer() *blockingPlayer {
	return &blockingPlayer{release: make(chan struct{})}
}

func (p *blockingPlayer) Play(ctx context.Context, path string) error {
	p.mu.Lock()
	p.played = append(p.played, path)
	p.mu.Unlock()
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *blockingPlayer) Played() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.played...)
}

type funcPlayer func(ctx context.Context, path string) error

func (f funcPlayer) Play(ctx context.Context, path string) error { return f(ctx, path) }

type recordingDucker struct {
	mu    sync.Mutex
	calls []string
}

func (d *recordingDucker) DuckOthers(context.Context, float64, time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "duck")
	return nil
}

func (d *recordingDucker) UnduckOthers(context.Context, time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "unduck")
	return errors.New("pactl missing")
}

func TestTaskCompletes(t *testing.T) {
	l := NewLauncher(funcPlayer(func(context.Context, string) error { return nil }), Options{})
	defer l.Close()

	assert.NoError(t, l.Play("a.wav").Wait())
}

func TestTaskTimesOut(t *testing.T) {
	p := newBlockingPlayer()
	l := NewLauncher(p, Options{Timeout: 20 * time.Millisecond})
	defer l.Close()

	err := l.Play("long.wav").Wait()
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewTaskSupersedesCurrent(t *testing.T) {
	p := newBlockingPlayer()
	l := NewLauncher(p, Options{})
	defer l.Close()

	first := l.Play("first.wav")
	require.Eventually(t, func() bool { return len(p.Played()) == 1 }, time.Second, time.Millisecond)

	second := l.Play("second.wav")
	assert.ErrorIs(t, first.Wait(), context.Canceled)

	require.Eventually(t, func() bool { return len(p.Played()) == 2 }, time.Second, time.Millisecond)
	close(p.release)
	assert.NoError(t, second.Wait())
	assert.Equal(t, []string{"first.wav", "second.wav"}, p.Played())
}

func TestStopCancels(t *testing.T) {
	p := newBlockingPlayer()
	l := NewLauncher(p, Options{})

	task := l.Play("a.wav")
	require.Eventually(t, func() bool { return len(p.Played()) == 1 }, time.Second, time.Millisecond)
	l.Close()

	select {
	case <-task.Done():
	default:
		t.Fatal("Close returned before the task ended")
	}
	assert.ErrorIs(t, task.Wait(), context.Canceled)
}

func TestRemoveAndDuck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reply.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0o644))

	d := &recordingDucker{}
	reg := prometheus.NewRegistry()
	l := NewLauncher(funcPlayer(func(context.Context, string) error { return nil }), Options{
		Remove:  true,
		Ducker:  d,
		Metrics: metrics.New(reg),
	})
	defer l.Close()

	require.NoError(t, l.Play(path).Wait())
	_, err := os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, []string{"duck", "unduck"}, d.calls)
}

func TestPlayerErrorIsReported(t *testing.T) {
	boom := errors.New("device busy")
	l := NewLauncher(funcPlayer(func(context.Context, string) error { return boom }), Options{})
	defer l.Close()

	assert.ErrorIs(t, l.Play("a.wav").Wait(), boom)
}

func TestDecodeRejectsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reply.flac")
	require.NoError(t, os.WriteFile(path, []byte("fLaC"), 0o644))
	_, _, err := decode(path)
	assert.Error(t, err)
}
