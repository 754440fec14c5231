// Package relay implements the per-session streaming pipeline between a
// speaker's transcript stream and the listeners' text/audio streams:
// translation fan-out, policy-driven segmentation, and TTS dispatch.
package relay

import (
	"context"
	"encoding/base64"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mtliou/speechrelay/internal/config"
	"github.com/mtliou/speechrelay/internal/observability"
	"github.com/mtliou/speechrelay/internal/protocol"
	"github.com/mtliou/speechrelay/internal/punctuate"
	"github.com/mtliou/speechrelay/internal/segment"
	"github.com/mtliou/speechrelay/internal/session"
	"github.com/mtliou/speechrelay/internal/translate"
	"github.com/mtliou/speechrelay/internal/tts"
)

// Sender delivers one outbound event to a connection. Implementations must
// not block indefinitely; a false return means the event was not queued
// because the connection is gone or its queue is saturated.
type Sender interface {
	Send(connID string, msg any) bool
}

// Config tunes the coordinator.
type Config struct {
	Policy          config.Policy
	SegmentOptions  segment.Options
	HighLatencyWarn time.Duration
	TickInterval    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Policy == "" {
		c.Policy = config.PolicyHybrid
	}
	if c.HighLatencyWarn <= 0 {
		c.HighLatencyWarn = 200 * time.Millisecond
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 25 * time.Millisecond
	}
	return c
}

// Coordinator routes transcript events through per-(session, language)
// pipelines and fans text/audio back out to listeners.
type Coordinator struct {
	cfg        Config
	hub        *session.Manager
	translator translate.Translator
	dispatcher *tts.Dispatcher
	persistent *tts.PersistentManager
	metrics    *observability.Metrics
	log        zerolog.Logger
	sender     Sender

	mu        sync.Mutex
	pipelines map[string]*sessionPipeline
}

type sessionPipeline struct {
	code   string
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	langs map[string]*langPipeline
}

// langPipeline owns the segmentation state and sequence counter of one
// (session, language). The mutex serializes segmentation; synthesis and
// transport sends always happen outside it.
type langPipeline struct {
	mu        sync.Mutex
	segmenter segment.Segmenter
	seq       int
	partials  int
}

func NewCoordinator(
	cfg Config,
	hub *session.Manager,
	translator translate.Translator,
	dispatcher *tts.Dispatcher,
	persistent *tts.PersistentManager,
	metrics *observability.Metrics,
	sender Sender,
	log zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		cfg:        cfg.withDefaults(),
		hub:        hub,
		translator: translator,
		dispatcher: dispatcher,
		persistent: persistent,
		metrics:    metrics,
		sender:     sender,
		log:        log,
		pipelines:  make(map[string]*sessionPipeline),
	}
}

// EmitAudio is the dispatcher/persistent-manager callback. It runs on the
// single worker of its pipeline, so per-language audio order is preserved.
func (c *Coordinator) EmitAudio(code, language string, a tts.Audio) {
	seq := c.nextSequence(code, language)
	msg := protocol.AudioStream{
		Type:      protocol.TypeAudioStream,
		Audio:     base64.StdEncoding.EncodeToString(a.Data),
		Format:    a.Format,
		Language:  language,
		Text:      a.Text,
		Sequence:  seq,
		IsStable:  true,
		IsFinal:   a.Final,
		Streaming: a.Streaming,
	}
	for _, connID := range c.hub.ListenerConns(code, language) {
		if !c.sender.Send(connID, msg) {
			c.metrics.ObserveError("audio_send")
		}
	}
	c.hub.RecordUtterance(code, 0)
}

// HandleSpeakerJoin creates (or replaces) the session for a 4-character code.
// Malformed codes are silently ignored.
func (c *Coordinator) HandleSpeakerJoin(connID string, ev protocol.SpeakerJoin) {
	sess, replaced, err := c.hub.CreateSpeaker(ev.Code, connID, ev.SourceLang, ev.TargetLangs, ev.SourceHint)
	if err != nil {
		return
	}
	if replaced != nil {
		c.teardownSession(replaced, true)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pipe := &sessionPipeline{
		code:   sess.Code,
		ctx:    ctx,
		cancel: cancel,
		langs:  make(map[string]*langPipeline),
	}
	c.mu.Lock()
	c.pipelines[sess.Code] = pipe
	c.mu.Unlock()
	go c.tickLoop(pipe)

	c.metrics.ObserveSessionEvent("speaker_joined")
	c.sender.Send(connID, protocol.Joined{
		Type: protocol.TypeJoined,
		OK:   true,
		Code: sess.Code,
		Mode: string(c.cfg.Policy),
	})
	for _, member := range c.hub.MemberConns(sess.Code) {
		c.sender.Send(member, protocol.SessionStarted{
			Type:       protocol.TypeSessionStarted,
			Code:       sess.Code,
			SourceLang: sess.SourceLang,
		})
	}
}

// HandleListenerJoin subscribes a connection to one language of a session.
func (c *Coordinator) HandleListenerJoin(connID string, ev protocol.ListenerJoin) {
	sess, err := c.hub.AddListener(ev.Code, connID, ev.Lang, ev.Voice)
	if err != nil {
		c.sender.Send(connID, protocol.SessionNotFound{
			Type: protocol.TypeSessionNotFound,
			Code: ev.Code,
		})
		return
	}

	available := sess.TargetLangs
	if len(available) == 0 {
		available = c.hub.EffectiveTargets(sess.Code)
	}
	c.metrics.ObserveSessionEvent("listener_joined")
	c.sender.Send(connID, protocol.Joined{
		Type:               protocol.TypeJoined,
		OK:                 true,
		Code:               sess.Code,
		AvailableLanguages: available,
		SourceLang:         sess.SourceLang,
	})
}

func (c *Coordinator) HandleChangeLanguage(connID string, ev protocol.ChangeLanguage) {
	if err := c.hub.SetListenerLanguage(ev.Code, connID, ev.Lang); err != nil {
		c.sender.Send(connID, protocol.SessionNotFound{Type: protocol.TypeSessionNotFound, Code: ev.Code})
		return
	}
	c.sender.Send(connID, protocol.LanguageChanged{Type: protocol.TypeLanguageChanged, Code: ev.Code, Lang: ev.Lang})
}

func (c *Coordinator) HandleUpdateVoice(connID string, ev protocol.UpdateVoice) {
	if err := c.hub.SetListenerVoice(ev.Code, connID, ev.Voice); err != nil {
		c.sender.Send(connID, protocol.SessionNotFound{Type: protocol.TypeSessionNotFound, Code: ev.Code})
		return
	}
	c.sender.Send(connID, protocol.VoiceUpdated{Type: protocol.TypeVoiceUpdated, Code: ev.Code, Voice: ev.Voice})
}

func (c *Coordinator) HandleListenerLeave(connID string, _ protocol.ListenerLeave) {
	c.hub.RemoveListenerConn(connID)
	c.metrics.ObserveSessionEvent("listener_left")
}

// HandleDisconnect cleans up whatever role the connection held.
func (c *Coordinator) HandleDisconnect(connID string) {
	if sess, ok := c.hub.RemoveSpeakerConn(connID); ok {
		c.teardownSession(sess, true)
		c.metrics.ObserveSessionEvent("speaker_disconnected")
		return
	}
	if _, ok := c.hub.RemoveListenerConn(connID); ok {
		c.metrics.ObserveSessionEvent("listener_disconnected")
	}
}

// HandleTranscript runs one recognizer update through translation,
// segmentation, and dispatch.
func (c *Coordinator) HandleTranscript(connID string, ev protocol.Transcript) {
	sess, err := c.hub.Get(ev.Code)
	if err != nil || sess.SpeakerConnID != connID {
		return
	}
	pipe := c.pipeline(sess.Code)
	if pipe == nil {
		return
	}

	start := time.Now()
	targets := c.hub.EffectiveTargets(sess.Code)
	if len(targets) == 0 {
		return
	}

	translations := c.translateAll(pipe.ctx, ev, sess.SourceLang, targets)
	c.metrics.ObserveTranslation(time.Since(start))
	if ev.IsFinal && time.Since(start) > c.cfg.HighLatencyWarn {
		c.log.Warn().
			Str("session", sess.Code).
			Dur("latency", time.Since(start)).
			Msg("high translation latency on final transcript")
	}

	now := time.Now()
	for _, lang := range targets {
		text, ok := translations[lang]
		if !ok {
			continue
		}
		lp := pipe.lang(lang, c.cfg)

		lp.mu.Lock()
		if !ev.IsFinal {
			lp.partials++
		}
		partialNumber := lp.partials
		units := safeConsume(lp.segmenter, segment.Event{Text: text, Final: ev.IsFinal, At: now})
		lp.mu.Unlock()

		update := protocol.TranslationUpdate{
			Type:          protocol.TypeTranslationUpdate,
			Text:          text,
			Language:      lang,
			IsFinal:       ev.IsFinal,
			PartialNumber: partialNumber,
		}
		for _, listener := range c.hub.ListenerConns(sess.Code, lang) {
			if !c.sender.Send(listener, update) {
				c.metrics.ObserveError("text_send")
			}
		}

		for _, unit := range units {
			c.dispatchUnit(pipe, sess.Code, lang, unit)
		}
	}

	c.metrics.ObserveStage("segment_to_dispatch", time.Since(start))
	c.sender.Send(sess.SpeakerConnID, protocol.TranslationBroadcast{
		Type:         protocol.TypeTranslationBroadcast,
		Original:     ev.Text,
		Translations: translations,
		IsFinal:      ev.IsFinal,
		TimestampMS:  ev.TimestampMS,
		LatencyMS:    time.Since(start).Milliseconds(),
	})
}

// translateAll resolves the per-target texts: supplied translations bypass
// the translator; the rest fan out in parallel.
func (c *Coordinator) translateAll(ctx context.Context, ev protocol.Transcript, source string, targets []string) map[string]string {
	out := make(map[string]string, len(targets))
	var missing []string
	for _, lang := range targets {
		if text, ok := ev.Translations[lang]; ok && text != "" {
			out[lang] = text
			continue
		}
		missing = append(missing, lang)
	}
	if len(missing) == 0 {
		return out
	}

	var outMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, lang := range missing {
		g.Go(func() error {
			m, err := c.translator.Translate(gctx, ev.Text, source, []string{lang})
			if err != nil {
				c.metrics.ObserveError("translate")
				return nil
			}
			outMu.Lock()
			out[lang] = m[lang]
			outMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// Whatever is still missing gets the source echo.
	for _, lang := range missing {
		if out[lang] == "" {
			out[lang] = ev.Text
		}
	}
	return out
}

func (c *Coordinator) dispatchUnit(pipe *sessionPipeline, code, lang string, unit segment.Unit) {
	if unit.Delta {
		c.dispatchDelta(pipe, code, lang, unit)
		return
	}

	text := punctuate.Apply(unit.Text, true)
	voice := tts.ChooseVoice(c.hub.ListenerVoices(code, lang), lang)
	handle := c.dispatcher.Enqueue(code, lang, tts.Request{
		Text:     text,
		Language: lang,
		Voice:    voice,
	})
	enqueued := time.Now()
	go func() {
		select {
		case err := <-handle:
			if err != nil {
				c.hub.RecordError(code)
				return
			}
			c.metrics.ObserveStage("transcript_to_first_audio", time.Since(enqueued))
		case <-pipe.ctx.Done():
		}
	}()
}

func (c *Coordinator) dispatchDelta(pipe *sessionPipeline, code, lang string, unit segment.Unit) {
	if c.persistent != nil && !c.persistent.Failed(code, lang) {
		voice := tts.ChooseVoice(c.hub.ListenerVoices(code, lang), lang)
		if err := c.persistent.Send(pipe.ctx, code, lang, voice, unit.Text, unit.Final); err == nil {
			return
		}
		c.log.Warn().
			Str("session", code).
			Str("language", lang).
			Msg("persistent synthesis unavailable, falling back to request mode")
	}
	// Request-mode fallback voices the delta as a standalone chunk.
	c.dispatchUnit(pipe, code, lang, segment.Unit{Text: unit.Text, Final: unit.Final})
}

// tickLoop drives time-based segmentation (quiescence windows, candidate
// pruning) for every language of one session.
func (c *Coordinator) tickLoop(pipe *sessionPipeline) {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-pipe.ctx.Done():
			return
		case now := <-ticker.C:
			pipe.mu.Lock()
			langs := make(map[string]*langPipeline, len(pipe.langs))
			for lang, lp := range pipe.langs {
				langs[lang] = lp
			}
			pipe.mu.Unlock()

			names := make([]string, 0, len(langs))
			for lang := range langs {
				names = append(names, lang)
			}
			sort.Strings(names)
			for _, lang := range names {
				lp := langs[lang]
				lp.mu.Lock()
				units := safeTick(lp.segmenter, now)
				lp.mu.Unlock()
				for _, unit := range units {
					c.dispatchUnit(pipe, pipe.code, lang, unit)
				}
			}
		}
	}
}

func (c *Coordinator) pipeline(code string) *sessionPipeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipelines[code]
}

func (p *sessionPipeline) lang(language string, cfg Config) *langPipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	lp, ok := p.langs[language]
	if !ok {
		lp = &langPipeline{segmenter: segment.New(cfg.Policy, cfg.SegmentOptions)}
		p.langs[language] = lp
	}
	return lp
}

func (c *Coordinator) nextSequence(code, language string) int {
	pipe := c.pipeline(code)
	if pipe == nil {
		return 0
	}
	lp := pipe.lang(language, c.cfg)
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.seq++
	return lp.seq
}

// teardownSession clears every per-language pipeline, rejects queued TTS
// work, closes persistent channels, and notifies remaining members.
func (c *Coordinator) teardownSession(sess *session.Session, notify bool) {
	c.mu.Lock()
	pipe, ok := c.pipelines[sess.Code]
	if ok {
		delete(c.pipelines, sess.Code)
	}
	c.mu.Unlock()
	if ok {
		pipe.cancel()
		pipe.mu.Lock()
		for _, lp := range pipe.langs {
			lp.mu.Lock()
			lp.segmenter.Reset()
			lp.mu.Unlock()
		}
		pipe.langs = make(map[string]*langPipeline)
		pipe.mu.Unlock()
	}

	c.dispatcher.CloseSession(sess.Code)
	if c.persistent != nil {
		c.persistent.CloseSession(sess.Code)
	}

	if notify {
		msg := protocol.SpeakerDisconnected{Type: protocol.TypeSpeakerDisconnected, Code: sess.Code}
		for _, l := range sess.Listeners() {
			c.sender.Send(l.ConnID, msg)
		}
	}
	c.log.Info().
		Str("session", sess.Code).
		Int("utterances", sess.Utterances).
		Int("errors", sess.Errors).
		Msg("session torn down")
}

// HandleReap is the session janitor hook: the registry already removed the
// session, so only the pipelines need clearing.
func (c *Coordinator) HandleReap(sess *session.Session) {
	c.metrics.ObserveSessionEvent("reaped")
	c.teardownSession(sess, false)
}

// Shutdown tears down every live session without notifications.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	codes := make([]string, 0, len(c.pipelines))
	for code := range c.pipelines {
		codes = append(codes, code)
	}
	c.mu.Unlock()
	for _, code := range codes {
		if sess, err := c.hub.Get(code); err == nil {
			c.teardownSession(sess, false)
		}
	}
}

// Segmentation must never take the transport down with it; unexpected input
// degrades to no synthesis units.
func safeConsume(s segment.Segmenter, ev segment.Event) (units []segment.Unit) {
	defer func() {
		if r := recover(); r != nil {
			units = nil
		}
	}()
	return s.Consume(ev)
}

func safeTick(s segment.Segmenter, now time.Time) (units []segment.Unit) {
	defer func() {
		if r := recover(); r != nil {
			units = nil
		}
	}()
	return s.Tick(now)
}
