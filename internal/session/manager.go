package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Manager is the process-wide session registry. A session is pinned to one
// relay process; there is no cross-node sharing.
type Manager struct {
	mu            sync.RWMutex
	sessions      map[string]*Session
	speakerConns  map[string]string
	listenerConns map[string]string
	reapAge       time.Duration
	onReap        func(*Session)
}

func NewManager(reapAge time.Duration) *Manager {
	if reapAge <= 0 {
		reapAge = 30 * time.Minute
	}
	return &Manager{
		sessions:      make(map[string]*Session),
		speakerConns:  make(map[string]string),
		listenerConns: make(map[string]string),
		reapAge:       reapAge,
	}
}

// SetReapHook installs a callback invoked for each session the janitor
// removes. The hook runs outside the registry lock.
func (m *Manager) SetReapHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReap = hook
}

// CreateSpeaker registers a speaker under code. If the code already has a
// live speaker the prior session is removed and returned so the caller can
// tear its pipelines down first.
func (m *Manager) CreateSpeaker(rawCode, connID, sourceLang string, targetLangs []string, sourceHint string) (created *Session, replaced *Session, err error) {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	s := &Session{
		Code:          code,
		SpeakerConnID: connID,
		SourceLang:    sourceLang,
		TargetLangs:   append([]string(nil), targetLangs...),
		SourceHint:    sourceHint,
		StartedAt:     now,
		LastActivity:  now,
		listeners:     make(map[string]*Listener),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prior, ok := m.sessions[code]; ok {
		replaced = m.removeLocked(prior)
	}
	m.sessions[code] = s
	m.speakerConns[connID] = code
	return clone(s), replaced, nil
}

// RemoveSpeakerConn deletes the session owned by the speaker connection, if
// any, and returns its final state.
func (m *Manager) RemoveSpeakerConn(connID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, ok := m.speakerConns[connID]
	if !ok {
		return nil, false
	}
	s, ok := m.sessions[code]
	if !ok {
		delete(m.speakerConns, connID)
		return nil, false
	}
	return m.removeLocked(s), true
}

func (m *Manager) removeLocked(s *Session) *Session {
	delete(m.sessions, s.Code)
	delete(m.speakerConns, s.SpeakerConnID)
	for connID := range s.listeners {
		delete(m.listenerConns, connID)
	}
	return clone(s)
}

func (m *Manager) Get(rawCode string) (*Session, error) {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[code]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// AddListener subscribes a connection to one language of an existing session.
func (m *Manager) AddListener(rawCode, connID, language, voice string) (*Session, error) {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[code]
	if !ok {
		return nil, ErrNotFound
	}
	s.listeners[connID] = &Listener{
		ConnID:   connID,
		Language: language,
		Voice:    voice,
		JoinedAt: time.Now().UTC(),
	}
	m.listenerConns[connID] = code
	s.LastActivity = time.Now().UTC()
	return clone(s), nil
}

// RemoveListenerConn drops a listener wherever it is registered. It returns
// the session code the listener belonged to.
func (m *Manager) RemoveListenerConn(connID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, ok := m.listenerConns[connID]
	if !ok {
		return "", false
	}
	delete(m.listenerConns, connID)
	if s, ok := m.sessions[code]; ok {
		delete(s.listeners, connID)
	}
	return code, true
}

func (m *Manager) SetListenerLanguage(rawCode, connID, language string) error {
	return m.updateListener(rawCode, connID, func(l *Listener) { l.Language = language })
}

func (m *Manager) SetListenerVoice(rawCode, connID, voice string) error {
	return m.updateListener(rawCode, connID, func(l *Listener) { l.Voice = voice })
}

func (m *Manager) updateListener(rawCode, connID string, apply func(*Listener)) error {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[code]
	if !ok {
		return ErrNotFound
	}
	l, ok := s.listeners[connID]
	if !ok {
		return ErrNotFound
	}
	apply(l)
	s.LastActivity = time.Now().UTC()
	return nil
}

// ListenerConns returns the connections subscribed to language.
func (m *Manager) ListenerConns(rawCode, language string) []string {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[code]
	if !ok {
		return nil
	}
	var out []string
	for _, l := range s.listeners {
		if l.Language == language {
			out = append(out, l.ConnID)
		}
	}
	sort.Strings(out)
	return out
}

// ListenerVoices returns the voice preferences of the listeners subscribed
// to language, empty preferences included.
func (m *Manager) ListenerVoices(rawCode, language string) []string {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[code]
	if !ok {
		return nil
	}
	var out []string
	for _, l := range s.listeners {
		if l.Language == language {
			out = append(out, l.Voice)
		}
	}
	return out
}

// EffectiveTargets resolves the target language set for one transcript event:
// the declared target_langs when non-empty, else the distinct union of
// current listener languages.
func (m *Manager) EffectiveTargets(rawCode string) []string {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[code]
	if !ok {
		return nil
	}
	if len(s.TargetLangs) > 0 {
		return append([]string(nil), s.TargetLangs...)
	}
	seen := make(map[string]struct{}, len(s.listeners))
	var out []string
	for _, l := range s.listeners {
		if _, ok := seen[l.Language]; ok {
			continue
		}
		seen[l.Language] = struct{}{}
		out = append(out, l.Language)
	}
	sort.Strings(out)
	return out
}

// MemberConns returns every connection in the session, speaker first.
func (m *Manager) MemberConns(rawCode string) []string {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[code]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(s.listeners)+1)
	out = append(out, s.SpeakerConnID)
	for connID := range s.listeners {
		out = append(out, connID)
	}
	sort.Strings(out[1:])
	return out
}

// SpeakerCode resolves the session owned by a speaker connection.
func (m *Manager) SpeakerCode(connID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	code, ok := m.speakerConns[connID]
	return code, ok
}

// RecordUtterance folds one synthesized utterance into session counters.
func (m *Manager) RecordUtterance(rawCode string, latency time.Duration) {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[code]; ok {
		s.Utterances++
		s.CumulativeLatency += latency
		s.LastActivity = time.Now().UTC()
	}
}

// RecordError increments the session error tally.
func (m *Manager) RecordError(rawCode string) {
	code, err := NormalizeCode(rawCode)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[code]; ok {
		s.Errors++
	}
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// StartJanitor reaps stale sessions (no listeners, older than reapAge) on an
// interval until ctx is cancelled.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.reapStale()
			}
		}
	}()
}

func (m *Manager) reapStale() {
	now := time.Now().UTC()
	var reaped []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if len(s.listeners) > 0 {
			continue
		}
		if now.Sub(s.StartedAt) < m.reapAge {
			continue
		}
		reaped = append(reaped, m.removeLocked(s))
	}
	hook := m.onReap
	m.mu.Unlock()

	if hook != nil {
		for _, s := range reaped {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	c.TargetLangs = append([]string(nil), s.TargetLangs...)
	c.listeners = make(map[string]*Listener, len(s.listeners))
	for id, l := range s.listeners {
		cl := *l
		c.listeners[id] = &cl
	}
	return &c
}
