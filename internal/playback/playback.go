// Package playback plays synthesized replies in the background. Playback
// never blocks the chat turn: a Task is started, bounded by a timeout and
// cancelled when the next reply arrives.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"chatbot/internal/metrics"
)

// DefaultTimeout bounds a single playback.
const DefaultTimeout = 60 * time.Second

// Player renders one audio file and returns when it is done or ctx ends.
type Player interface {
	Play(ctx context.Context, path string) error
}

// Ducker lowers other applications while the bot speaks.
type Ducker interface {
	DuckOthers(ctx context.Context, factor float64, fade time.Duration) error
	UnduckOthers(ctx context.Context, fade time.Duration) error
}

type Options struct {
	Timeout time.Duration
	// Remove deletes the file once played.
	Remove bool
	Ducker Ducker
	// DuckFactor scales the other streams' volume, 0.3 when unset.
	DuckFactor float64
	Logger     *slog.Logger
	Metrics    *metrics.Collector
}

// Task is one playback in flight.
type Task struct {
	Path   string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Wait blocks until the task ends and returns its error. A task stopped by
// Cancel or superseded by a newer one reports context.Canceled.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

func (t *Task) Cancel() { t.cancel() }

func (t *Task) Done() <-chan struct{} { return t.done }

// Launcher runs at most one Task at a time.
type Launcher struct {
	player Player
	opt    Options
	logger *slog.Logger

	mu      sync.Mutex
	current *Task
	wg      sync.WaitGroup
}

func NewLauncher(player Player, opt Options) *Launcher {
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultTimeout
	}
	if opt.DuckFactor <= 0 {
		opt.DuckFactor = 0.3
	}
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{player: player, opt: opt, logger: logger}
}

// Play stops whatever is playing and starts path in the background.
func (l *Launcher) Play(path string) *Task {
	ctx, cancel := context.WithTimeout(context.Background(), l.opt.Timeout)
	t := &Task{Path: path, cancel: cancel, done: make(chan struct{})}

	l.mu.Lock()
	prev := l.current
	l.current = t
	l.wg.Add(1)
	l.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}

	go func() {
		defer l.wg.Done()
		defer close(t.done)
		defer cancel()
		if prev != nil {
			<-prev.done
		}
		t.err = l.run(ctx, path)

		l.mu.Lock()
		if l.current == t {
			l.current = nil
		}
		l.mu.Unlock()
	}()
	return t
}

func (l *Launcher) run(ctx context.Context, path string) error {
	l.opt.Metrics.PlaybackStarted()
	defer l.opt.Metrics.PlaybackDone()

	if l.opt.Ducker != nil {
		if err := l.opt.Ducker.DuckOthers(ctx, l.opt.DuckFactor, 150*time.Millisecond); err != nil {
			l.logger.Warn("Failed to duck other streams", "err", err)
		}
		defer func() {
			// ctx may be done already; restoring volume must still happen.
			if err := l.opt.Ducker.UnduckOthers(context.Background(), 300*time.Millisecond); err != nil {
				l.logger.Warn("Failed to restore other streams", "err", err)
			}
		}()
	}

	started := time.Now()
	err := l.player.Play(ctx, path)
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		l.logger.Warn("Playback timed out", "path", path, "timeout", l.opt.Timeout)
		err = ctx.Err()
	case errors.Is(ctx.Err(), context.Canceled):
		l.logger.Debug("Playback cancelled", "path", path)
		err = ctx.Err()
	case err != nil:
		l.logger.Error("Playback failed", "path", path, "err", err)
	default:
		l.logger.Debug("Playback finished", "path", path, "took", time.Since(started))
	}

	if l.opt.Remove {
		if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			l.logger.Warn("Failed to remove played file", "path", path, "err", rerr)
		}
	}
	return err
}

// Stop cancels the current task, if any.
func (l *Launcher) Stop() {
	l.mu.Lock()
	t := l.current
	l.mu.Unlock()
	if t != nil {
		t.Cancel()
	}
}

// Close stops playback and waits for every task to return.
func (l *Launcher) Close() {
	l.Stop()
	l.wg.Wait()
}
