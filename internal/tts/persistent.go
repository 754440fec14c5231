package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mtliou/speechrelay/internal/observability"
	"github.com/mtliou/speechrelay/internal/reliability"
)

const (
	persistentReconnectAttempts = 4
	persistentBackoffBase       = 250 * time.Millisecond
	persistentBackoffCap        = 3 * time.Second
)

// PersistentManager owns one long-lived synthesis channel per (session,
// language) for the continuous-streaming policy. Text deltas go in as they
// arrive; audio fragments come back whenever the provider produces them.
type PersistentManager struct {
	provider  StreamProvider
	emit      Emit
	idleFlush time.Duration
	metrics   *observability.Metrics
	log       zerolog.Logger

	mu    sync.Mutex
	pipes map[pipelineKey]*persistentPipe
}

func NewPersistentManager(provider StreamProvider, emit Emit, idleFlush time.Duration, metrics *observability.Metrics, log zerolog.Logger) *PersistentManager {
	if idleFlush <= 0 {
		idleFlush = 500 * time.Millisecond
	}
	return &PersistentManager{
		provider:  provider,
		emit:      emit,
		idleFlush: idleFlush,
		metrics:   metrics,
		log:       log,
		pipes:     make(map[pipelineKey]*persistentPipe),
	}
}

// Send forwards one text delta. It blocks while the provider applies
// back-pressure; deltas are never dropped mid-utterance.
func (m *PersistentManager) Send(ctx context.Context, code, language, voice, delta string, final bool) error {
	key := pipelineKey{Code: code, Language: language}
	m.mu.Lock()
	pipe, ok := m.pipes[key]
	if !ok {
		pipe = newPersistentPipe(m, key, voice)
		m.pipes[key] = pipe
	}
	m.mu.Unlock()
	return pipe.send(ctx, delta, final)
}

// Failed reports whether the pipeline exhausted its reconnect budget; the
// relay falls back to request-mode synthesis when it has.
func (m *PersistentManager) Failed(code, language string) bool {
	m.mu.Lock()
	pipe, ok := m.pipes[pipelineKey{Code: code, Language: language}]
	m.mu.Unlock()
	return ok && pipe.failed.Load()
}

// CloseSession closes every persistent channel of the session.
func (m *PersistentManager) CloseSession(code string) {
	m.mu.Lock()
	var closing []*persistentPipe
	for key, pipe := range m.pipes {
		if key.Code == code {
			closing = append(closing, pipe)
			delete(m.pipes, key)
		}
	}
	m.mu.Unlock()
	for _, pipe := range closing {
		pipe.close()
	}
}

// Shutdown closes all channels.
func (m *PersistentManager) Shutdown() {
	m.mu.Lock()
	pipes := make([]*persistentPipe, 0, len(m.pipes))
	for key, pipe := range m.pipes {
		pipes = append(pipes, pipe)
		delete(m.pipes, key)
	}
	m.mu.Unlock()
	for _, pipe := range pipes {
		pipe.close()
	}
}

type persistentPipe struct {
	mgr   *PersistentManager
	key   pipelineKey
	voice string

	mu       sync.Mutex
	stream   Stream
	closed   bool
	dirty    bool
	lastSend time.Time

	failed   atomic.Bool
	stopIdle chan struct{}
}

func newPersistentPipe(mgr *PersistentManager, key pipelineKey, voice string) *persistentPipe {
	p := &persistentPipe{
		mgr:      mgr,
		key:      key,
		voice:    voice,
		stopIdle: make(chan struct{}),
	}
	go p.idleFlusher()
	return p
}

func (p *persistentPipe) send(ctx context.Context, delta string, final bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrSessionClosed
	}
	if err := p.ensureStreamLocked(ctx); err != nil {
		return err
	}

	if err := p.stream.SendText(ctx, delta, final); err != nil {
		// One in-place reopen; a second failure burns a reconnect attempt
		// on the next send.
		p.teardownStreamLocked()
		if err := p.ensureStreamLocked(ctx); err != nil {
			return err
		}
		if err := p.stream.SendText(ctx, delta, final); err != nil {
			p.teardownStreamLocked()
			return fmt.Errorf("persistent send: %w", err)
		}
	}
	p.dirty = !final
	p.lastSend = time.Now()
	return nil
}

func (p *persistentPipe) ensureStreamLocked(ctx context.Context) error {
	if p.stream != nil {
		return nil
	}
	var lastErr error
	for attempt := 0; attempt < persistentReconnectAttempts; attempt++ {
		if attempt > 0 {
			delay := reliability.ExponentialBackoff(attempt, persistentBackoffBase, persistentBackoffCap)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		stream, err := p.mgr.provider.StartStream(ctx, p.key.Language, p.voice)
		if err == nil {
			p.stream = stream
			go p.readLoop(stream)
			return nil
		}
		lastErr = err
		p.mgr.log.Warn().
			Err(err).
			Str("session", p.key.Code).
			Str("language", p.key.Language).
			Int("attempt", attempt+1).
			Msg("persistent tts stream open failed")
	}
	p.failed.Store(true)
	p.mgr.metrics.ObserveError("tts_stream_failed")
	return fmt.Errorf("open persistent stream: %w", lastErr)
}

func (p *persistentPipe) teardownStreamLocked() {
	if p.stream != nil {
		_ = p.stream.Close()
		p.stream = nil
	}
}

func (p *persistentPipe) readLoop(stream Stream) {
	for evt := range stream.Events() {
		switch evt.Type {
		case StreamEventAudio:
			data, err := base64.StdEncoding.DecodeString(evt.AudioBase64)
			if err != nil || len(data) == 0 {
				continue
			}
			p.mgr.emit(p.key.Code, p.key.Language, Audio{
				Data:      data,
				Format:    evt.Format,
				Streaming: true,
			})
		case StreamEventError:
			p.mgr.metrics.ObserveError("tts_stream")
			p.mgr.log.Warn().
				Str("code", evt.Code).
				Str("detail", evt.Detail).
				Str("session", p.key.Code).
				Str("language", p.key.Language).
				Msg("persistent tts stream error")
		}
	}

	// Provider closed the channel; drop the handle so the next send reopens.
	p.mu.Lock()
	if p.stream == stream {
		p.stream = nil
	}
	p.mu.Unlock()
}

// idleFlusher closes out a phrase when no new text has arrived for the
// configured interval.
func (p *persistentPipe) idleFlusher() {
	ticker := time.NewTicker(p.mgr.idleFlush / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopIdle:
			return
		case <-ticker.C:
			p.mu.Lock()
			if p.dirty && p.stream != nil && time.Since(p.lastSend) >= p.mgr.idleFlush {
				if err := p.stream.SendText(context.Background(), " ", true); err == nil {
					p.dirty = false
				}
			}
			p.mu.Unlock()
		}
	}
}

func (p *persistentPipe) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopIdle)
	stream := p.stream
	p.stream = nil
	p.mu.Unlock()

	if stream != nil {
		_ = stream.CloseInput(context.Background())
		_ = stream.Close()
	}
}
