// Package chatbot runs chat turns against the active backends: transcribe
// voice input, generate a reply, synthesize it and hand the audio to
// playback.
package chatbot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatbot/internal/backend"
	"chatbot/internal/chat"
	"chatbot/internal/metrics"
	"chatbot/internal/registry"
)

type State int32

const (
	StateIdle State = iota
	StateAwaitingASR
	StateAwaitingNLG
	StateAwaitingTTS
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingASR:
		return "awaiting-asr"
	case StateAwaitingNLG:
		return "awaiting-nlg"
	case StateAwaitingTTS:
		return "awaiting-tts"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Input is one user event. Audio wins over Text when both are set.
type Input struct {
	Text  string
	Audio backend.Audio
	// Prompt overrides the session prompt for this turn.
	Prompt string
}

func (in Input) empty() bool {
	return strings.TrimSpace(in.Text) == "" && in.Audio.Empty()
}

// SpeechError is returned when a reply was generated but could not be
// synthesized. The turn is not recorded.
type SpeechError struct {
	Backend string
	Err     error
}

func (e *SpeechError) Error() string {
	return fmt.Sprintf("%s could not speak the reply: %v", e.Backend, e.Err)
}

func (e *SpeechError) Unwrap() error { return e.Err }

type Option func(*Session)

func WithID(id string) Option { return func(s *Session) { s.id = id } }

// WithPrompt sets the default system prompt.
func WithPrompt(p string) Option { return func(s *Session) { s.prompt = p } }

// WithSpeech receives every synthesized file. Without it files are left in
// the output directory.
func WithSpeech(fn func(path string)) Option { return func(s *Session) { s.speech = fn } }

func WithLogger(l *slog.Logger) Option { return func(s *Session) { s.logger = l } }

func WithMetrics(m *metrics.Collector) Option { return func(s *Session) { s.metrics = m } }

// Session is one conversation. Turns run one at a time; History and State
// can be read while a turn is in flight.
type Session struct {
	id      string
	reg     *registry.Registry
	prompt  string
	speech  func(path string)
	logger  *slog.Logger
	metrics *metrics.Collector

	turn  sync.Mutex
	hmu   sync.RWMutex
	hist  chat.History
	state atomic.Int32
}

func NewSession(reg *registry.Registry, opts ...Option) *Session {
	s := &Session{reg: reg, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if s.id != "" {
		s.logger = s.logger.With("session", s.id)
	}
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) History() chat.History {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	return s.hist.Clone()
}

// Clear drops the history once the running turn, if any, is over.
func (s *Session) Clear() {
	s.turn.Lock()
	defer s.turn.Unlock()
	s.hmu.Lock()
	s.hist = nil
	s.hmu.Unlock()
	s.logger.Info("History cleared")
}

// Switch replaces the active backend of kind. A failed switch returns a
// *registry.Warning and keeps the previous backend.
func (s *Session) Switch(ctx context.Context, kind backend.Kind, name string) (string, error) {
	return s.reg.Switch(ctx, kind, name)
}

// Submit runs one turn and returns the resulting history. The turn is
// recorded only once every active stage succeeded; on failure the history
// is returned unchanged together with the error.
func (s *Session) Submit(ctx context.Context, in Input) (chat.History, error) {
	return s.SubmitStream(ctx, in, nil)
}

// SubmitStream is Submit with the reply delivered to onChunk as it is
// generated. Backends that cannot stream deliver the reply as one chunk.
func (s *Session) SubmitStream(ctx context.Context, in Input, onChunk func(string)) (chat.History, error) {
	s.turn.Lock()
	defer s.turn.Unlock()
	defer s.setState(StateIdle)

	history := s.History()
	if in.empty() {
		return history, nil
	}

	message := strings.TrimSpace(in.Text)
	if !in.Audio.Empty() {
		transcript, err := s.transcribe(ctx, in.Audio)
		if err != nil {
			return history, err
		}
		message = transcript
	}

	reply, err := s.reply(ctx, message, history, chat.Pick(in.Prompt, s.prompt), onChunk)
	if err != nil {
		return history, err
	}

	if err := s.speak(ctx, reply); err != nil {
		return history, err
	}

	history = history.Append(chat.Turn{User: message, Bot: reply})
	s.hmu.Lock()
	s.hist = history
	s.hmu.Unlock()
	return history, nil
}

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

func (s *Session) transcribe(ctx context.Context, audio backend.Audio) (string, error) {
	asr, release, ok := s.reg.ASR.Acquire()
	defer release()
	if !ok {
		return "", fmt.Errorf("%w: no ASR backend selected", backend.ErrConfig)
	}
	s.setState(StateAwaitingASR)

	started := time.Now()
	text, err := asr.Transcribe(ctx, audio)
	s.metrics.ObserveCall(backend.KindASR.String(), asr.Name(), started, err, backend.KindOf)
	if err != nil {
		s.logger.Error("Transcription failed", "backend", asr.Name(), "err", err)
		return "", err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", backend.Fail(backend.ErrInput, asr.Name(), "transcribe", "no speech recognised")
	}
	s.logger.Info("Transcribed", "backend", asr.Name(), "text", text)
	return text, nil
}

func (s *Session) reply(ctx context.Context, message string, history chat.History, prompt string, onChunk func(string)) (string, error) {
	nlg, release, ok := s.reg.NLG.Acquire()
	defer release()
	if !ok {
		return "", fmt.Errorf("%w: no NLG backend selected", backend.ErrConfig)
	}
	s.setState(StateAwaitingNLG)

	started := time.Now()
	var (
		reply string
		err   error
	)
	streamer, canStream := nlg.(backend.Streamer)
	switch {
	case onChunk != nil && canStream:
		var b strings.Builder
		for chunk, cerr := range streamer.ReplyStream(ctx, message, history, prompt) {
			if cerr != nil {
				err = cerr
				break
			}
			b.WriteString(chunk)
			onChunk(chunk)
		}
		reply = b.String()
	default:
		reply, err = nlg.Reply(ctx, message, history, prompt)
		if err == nil && onChunk != nil {
			onChunk(reply)
		}
	}
	s.metrics.ObserveCall(backend.KindNLG.String(), nlg.Name(), started, err, backend.KindOf)
	if err != nil {
		s.logger.Error("Reply failed", "backend", nlg.Name(), "err", err)
		return "", err
	}

	s.logger.Debug("Reply", "backend", nlg.Name(), "chars", len(reply))
	return reply, nil
}

// speak synthesizes reply when a TTS backend is active. Failures come back
// as *SpeechError.
func (s *Session) speak(ctx context.Context, reply string) error {
	tts, release, ok := s.reg.TTS.Acquire()
	defer release()
	if !ok || strings.TrimSpace(reply) == "" {
		return nil
	}
	s.setState(StateAwaitingTTS)

	started := time.Now()
	path, err := tts.Synthesize(ctx, reply)
	s.metrics.ObserveCall(backend.KindTTS.String(), tts.Name(), started, err, backend.KindOf)
	if err != nil {
		s.logger.Warn("Synthesis failed", "backend", tts.Name(), "err", err)
		return &SpeechError{Backend: tts.Name(), Err: err}
	}

	s.logger.Debug("Synthesized", "backend", tts.Name(), "path", path)
	if s.speech != nil {
		s.speech(path)
	}
	return nil
}
