package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	log "log/slog"

	"chatbot/internal/audio/mic"
	"chatbot/internal/backend"
	"chatbot/internal/chat"
	"chatbot/internal/chatbot"
	"chatbot/internal/notify"
)

// listener records voice turns. The microphone is opened on first use so
// text-only runs never touch the audio device.
type listener struct {
	mu  sync.Mutex
	rec *mic.Recorder
	cue string
	dir string
}

func (l *listener) recorder() (*mic.Recorder, error) {
	if l.rec != nil {
		return l.rec, nil
	}
	rec, err := mic.NewRecorder()
	if err != nil {
		return nil, err
	}
	l.rec = rec
	return rec, nil
}

// turn records one utterance and submits it to session.
func (l *listener) turn(ctx context.Context, session *chatbot.Session) (chat.History, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.recorder()
	if err != nil {
		return nil, fmt.Errorf("open microphone: %w", err)
	}

	if l.cue != "" {
		if err := notify.Beep(l.cue); err != nil {
			log.Warn("Failed to play cue", "err", err)
		}
	}
	notifyCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	if err := notify.Desktop(notifyCtx, "Listening...", ""); err != nil {
		log.Debug("No desktop notification", "err", err)
	}
	cancel()

	log.Info("Starting listening")
	dir, err := backend.OutputDir(l.dir)
	if err != nil {
		return nil, err
	}
	path, err := rec.RecordWAV(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("record: %w", err)
	}
	defer os.Remove(path)

	log.Info("Recorded", "path", path)
	return session.Submit(ctx, chatbot.Input{Audio: backend.Audio{Path: path}})
}

func (l *listener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rec != nil {
		if err := l.rec.Close(); err != nil {
			log.Warn("Failed to close microphone", "err", err)
		}
		l.rec = nil
	}
}
