package tts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mtliou/speechrelay/internal/observability"
)

var (
	ErrQueueOverflow      = errors.New("tts queue overflow")
	ErrSessionClosed      = errors.New("session closed")
	ErrAllProvidersFailed = errors.New("all tts providers failed")
)

type pipelineKey struct {
	Code     string
	Language string
}

// Emit delivers one synthesized fragment to the fan-out layer. The dispatcher
// calls it from the single queue worker, so per-(session, language) audio
// order is preserved by construction.
type Emit func(code, language string, a Audio)

type Config struct {
	QueueThreshold   int
	CriticalSize     int
	MaxRate          float64
	RateStep         float64
	SynthesisTimeout time.Duration
	ErrorLimit       int
	DisableInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueThreshold <= 0 {
		c.QueueThreshold = 3
	}
	if c.CriticalSize <= 0 {
		c.CriticalSize = 10
	}
	if c.MaxRate < 1.0 {
		c.MaxRate = 1.5
	}
	if c.RateStep <= 0 {
		c.RateStep = 0.05
	}
	if c.SynthesisTimeout <= 0 {
		c.SynthesisTimeout = 5 * time.Second
	}
	if c.ErrorLimit <= 0 {
		c.ErrorLimit = 5
	}
	if c.DisableInterval <= 0 {
		c.DisableInterval = 60 * time.Second
	}
	return c
}

// Dispatcher owns one FIFO queue and worker per (session, language). Strict
// ordering per pipeline, parallelism across pipelines.
type Dispatcher struct {
	cfg       Config
	primary   Synthesizer
	secondary Synthesizer
	emit      Emit
	metrics   *observability.Metrics
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queues map[pipelineKey]*queue

	healthMu sync.Mutex
	health   map[string]*providerHealth
}

type providerHealth struct {
	consecutive   int
	disabledUntil time.Time
}

type entry struct {
	req        Request
	enqueuedAt time.Time
	done       chan error
}

type queue struct {
	key      pipelineKey
	mu       sync.Mutex
	entries  []*entry
	signal   chan struct{}
	closed   bool
	lastRate float64
}

func NewDispatcher(cfg Config, primary, secondary Synthesizer, emit Emit, metrics *observability.Metrics, log zerolog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:       cfg.withDefaults(),
		primary:   primary,
		secondary: secondary,
		emit:      emit,
		metrics:   metrics,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		queues:    make(map[pipelineKey]*queue),
		health:    make(map[string]*providerHealth),
	}
}

// Enqueue schedules one utterance. The returned channel resolves once the
// audio has been emitted, or with the reason the entry was abandoned.
func (d *Dispatcher) Enqueue(code, language string, req Request) <-chan error {
	done := make(chan error, 1)

	key := pipelineKey{Code: code, Language: language}
	d.mu.Lock()
	q, ok := d.queues[key]
	if !ok {
		q = &queue{key: key, signal: make(chan struct{}, 1), lastRate: 1.0}
		d.queues[key] = q
		go d.worker(q)
	}
	d.mu.Unlock()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		done <- ErrSessionClosed
		return done
	}
	q.entries = append(q.entries, &entry{req: req, enqueuedAt: time.Now(), done: done})

	// Overflow policy: past twice the critical size, shed the oldest
	// entries down to critical. The newest material always survives.
	var dropped []*entry
	if len(q.entries) > 2*d.cfg.CriticalSize {
		cut := len(q.entries) - d.cfg.CriticalSize
		dropped = append(dropped, q.entries[:cut]...)
		q.entries = append([]*entry(nil), q.entries[cut:]...)
	}
	depth := len(q.entries)
	q.mu.Unlock()

	for _, e := range dropped {
		e.done <- ErrQueueOverflow
	}
	if len(dropped) > 0 {
		d.metrics.ObserveDrops(len(dropped))
		d.metrics.ObserveIndicator("queue_saturated")
		d.log.Warn().
			Str("session", code).
			Str("language", language).
			Int("dropped", len(dropped)).
			Int("depth", depth).
			Msg("tts queue overflow, oldest entries dropped")
	}
	d.metrics.ObserveQueueDepth(language, depth)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return done
}

// QueueDepth reports the backlog for one pipeline.
func (d *Dispatcher) QueueDepth(code, language string) int {
	d.mu.Lock()
	q, ok := d.queues[pipelineKey{Code: code, Language: language}]
	d.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// CloseSession tears down every queue belonging to the session, rejecting
// pending completion handles.
func (d *Dispatcher) CloseSession(code string) {
	d.mu.Lock()
	var closing []*queue
	for key, q := range d.queues {
		if key.Code == code {
			closing = append(closing, q)
			delete(d.queues, key)
		}
	}
	d.mu.Unlock()

	for _, q := range closing {
		q.mu.Lock()
		q.closed = true
		pending := q.entries
		q.entries = nil
		q.mu.Unlock()
		for _, e := range pending {
			e.done <- ErrSessionClosed
		}
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
}

// Shutdown stops all workers.
func (d *Dispatcher) Shutdown() {
	d.cancel()
	d.mu.Lock()
	keys := make([]string, 0, len(d.queues))
	for key := range d.queues {
		keys = append(keys, key.Code)
	}
	d.mu.Unlock()
	for _, code := range keys {
		d.CloseSession(code)
	}
}

func (d *Dispatcher) worker(q *queue) {
	for {
		e, depth, ok := d.pop(q)
		if !ok {
			return
		}

		rate := d.rateFor(depth)
		if rate != q.lastRate {
			d.metrics.ObserveRateAdjustment()
			if rate-q.lastRate >= 0.1 || q.lastRate-rate >= 0.1 {
				d.log.Info().
					Str("session", q.key.Code).
					Str("language", q.key.Language).
					Float64("rate", rate).
					Int("depth", depth).
					Msg("adaptive playback rate changed")
			}
			q.lastRate = rate
		}
		e.req.Rate = rate

		res, _, err := d.synthesize(e.req)
		if err != nil {
			// The utterance is dropped; the pipeline keeps going.
			d.metrics.ObserveError("tts_failed")
			d.log.Error().
				Err(err).
				Str("session", q.key.Code).
				Str("language", q.key.Language).
				Msg("synthesis failed on all providers")
			e.done <- err
			continue
		}

		d.emit(q.key.Code, q.key.Language, Audio{
			Data:   res.Audio,
			Format: res.Format,
			Text:   e.req.Text,
			Rate:   rate,
			Final:  true,
		})
		d.metrics.ObserveStage("synthesis", time.Since(e.enqueuedAt))
		e.done <- nil
	}
}

func (d *Dispatcher) pop(q *queue) (*entry, int, bool) {
	for {
		q.mu.Lock()
		if len(q.entries) > 0 {
			e := q.entries[0]
			depth := len(q.entries)
			q.entries = q.entries[1:]
			q.mu.Unlock()
			d.metrics.ObserveQueueDepth(q.key.Language, depth-1)
			return e, depth, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, 0, false
		}
		select {
		case <-d.ctx.Done():
			return nil, 0, false
		case <-q.signal:
		}
	}
}

// rateFor applies the adaptive-rate rule: natural speed at or below the
// threshold, then one step per excess queued item up to the cap.
func (d *Dispatcher) rateFor(depth int) float64 {
	if depth <= d.cfg.QueueThreshold {
		return 1.0
	}
	rate := 1.0 + d.cfg.RateStep*float64(depth-d.cfg.QueueThreshold)
	if rate > d.cfg.MaxRate {
		rate = d.cfg.MaxRate
	}
	return rate
}

func (d *Dispatcher) synthesize(req Request) (Result, string, error) {
	var lastErr error
	for _, p := range []Synthesizer{d.primary, d.secondary} {
		if p == nil {
			continue
		}
		name := p.Name()
		if d.isDisabled(name) {
			d.metrics.ObserveTTSResult(name, "skipped")
			continue
		}

		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.SynthesisTimeout)
		res, err := p.Synthesize(ctx, req)
		cancel()
		if err == nil {
			d.recordSuccess(name)
			d.metrics.ObserveTTSResult(name, "success")
			return res, name, nil
		}

		lastErr = err
		d.recordFailure(name)
		d.metrics.ObserveTTSResult(name, "error")
		d.log.Warn().Err(err).Str("provider", name).Msg("tts provider failed")
	}
	if lastErr == nil {
		lastErr = errors.New("no provider available")
	}
	return Result{}, "", fmt.Errorf("%w: %w", ErrAllProvidersFailed, lastErr)
}

func (d *Dispatcher) isDisabled(name string) bool {
	d.healthMu.Lock()
	defer d.healthMu.Unlock()
	h, ok := d.health[name]
	if !ok {
		return false
	}
	return time.Now().Before(h.disabledUntil)
}

func (d *Dispatcher) recordSuccess(name string) {
	d.healthMu.Lock()
	defer d.healthMu.Unlock()
	if h, ok := d.health[name]; ok {
		h.consecutive = 0
	}
}

func (d *Dispatcher) recordFailure(name string) {
	d.healthMu.Lock()
	defer d.healthMu.Unlock()
	h, ok := d.health[name]
	if !ok {
		h = &providerHealth{}
		d.health[name] = h
	}
	h.consecutive++
	if h.consecutive > d.cfg.ErrorLimit {
		h.disabledUntil = time.Now().Add(d.cfg.DisableInterval)
		h.consecutive = 0
		d.log.Warn().
			Str("provider", name).
			Dur("disabled_for", d.cfg.DisableInterval).
			Msg("tts provider temporarily disabled")
	}
}
