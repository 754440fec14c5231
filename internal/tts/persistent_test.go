package tts

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeStream struct {
	mu      sync.Mutex
	sent    []string
	flushes int
	closed  bool
	events  chan StreamEvent
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan StreamEvent, 16)}
}

func (s *fakeStream) SendText(_ context.Context, text string, flush bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("stream closed")
	}
	s.sent = append(s.sent, text)
	if flush {
		s.flushes++
	}
	return nil
}

func (s *fakeStream) CloseInput(context.Context) error { return nil }

func (s *fakeStream) Events() <-chan StreamEvent { return s.events }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeStream) sentTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *fakeStream) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

type fakeStreamProvider struct {
	mu      sync.Mutex
	failAll bool
	streams []*fakeStream
}

func (p *fakeStreamProvider) Name() string { return "fake" }

func (p *fakeStreamProvider) StartStream(context.Context, string, string) (Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll {
		return nil, errors.New("dial failed")
	}
	s := newFakeStream()
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *fakeStreamProvider) lastStream() *fakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	return p.streams[len(p.streams)-1]
}

func TestPersistentSendForwardsDeltasInOrder(t *testing.T) {
	provider := &fakeStreamProvider{}
	rec := &emitRecorder{}
	m := NewPersistentManager(provider, rec.emit, 500*time.Millisecond, nil, zerolog.Nop())
	defer m.Shutdown()

	ctx := context.Background()
	for _, delta := range []string{"Hola", " a", " todos."} {
		if err := m.Send(ctx, "DEMO", "es", "voice-1", delta, false); err != nil {
			t.Fatalf("Send(%q) error = %v", delta, err)
		}
	}

	stream := provider.lastStream()
	if stream == nil {
		t.Fatalf("no stream opened")
	}
	got := stream.sentTexts()
	if len(got) != 3 || got[0] != "Hola" || got[2] != " todos." {
		t.Fatalf("sent = %v, want deltas in order", got)
	}
}

func TestPersistentEmitsAudioFromStream(t *testing.T) {
	provider := &fakeStreamProvider{}
	rec := &emitRecorder{}
	m := NewPersistentManager(provider, rec.emit, 500*time.Millisecond, nil, zerolog.Nop())
	defer m.Shutdown()

	if err := m.Send(context.Background(), "DEMO", "es", "", "Hola", false); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	stream := provider.lastStream()
	stream.events <- StreamEvent{
		Type:        StreamEventAudio,
		AudioBase64: base64.StdEncoding.EncodeToString([]byte("pcm-bytes")),
		Format:      "mp3",
	}

	deadline := time.After(2 * time.Second)
	for {
		rec.mu.Lock()
		n := len(rec.audios)
		rec.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("no audio emitted")
		case <-time.After(5 * time.Millisecond):
		}
	}

	rec.mu.Lock()
	a := rec.audios[0]
	rec.mu.Unlock()
	if string(a.Data) != "pcm-bytes" || !a.Streaming {
		t.Fatalf("audio = %+v, want decoded streaming fragment", a)
	}
}

func TestPersistentIdleFlush(t *testing.T) {
	provider := &fakeStreamProvider{}
	rec := &emitRecorder{}
	m := NewPersistentManager(provider, rec.emit, 40*time.Millisecond, nil, zerolog.Nop())
	defer m.Shutdown()

	if err := m.Send(context.Background(), "DEMO", "es", "", "half a phra", false); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	stream := provider.lastStream()

	deadline := time.After(time.Second)
	for stream.flushCount() == 0 {
		select {
		case <-deadline:
			t.Fatalf("idle flush never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPersistentFailureMarksPipeline(t *testing.T) {
	provider := &fakeStreamProvider{failAll: true}
	rec := &emitRecorder{}
	m := NewPersistentManager(provider, rec.emit, 500*time.Millisecond, nil, zerolog.Nop())
	defer m.Shutdown()

	err := m.Send(context.Background(), "DEMO", "es", "", "Hola", false)
	if err == nil {
		t.Fatalf("Send() error = nil, want open failure")
	}
	if !m.Failed("DEMO", "es") {
		t.Fatalf("Failed() = false, want true after reconnect budget exhausted")
	}
}

func TestPersistentCloseSession(t *testing.T) {
	provider := &fakeStreamProvider{}
	rec := &emitRecorder{}
	m := NewPersistentManager(provider, rec.emit, 500*time.Millisecond, nil, zerolog.Nop())
	defer m.Shutdown()

	if err := m.Send(context.Background(), "DEMO", "es", "", "Hola", false); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	stream := provider.lastStream()
	m.CloseSession("DEMO")

	stream.mu.Lock()
	closed := stream.closed
	stream.mu.Unlock()
	if !closed {
		t.Fatalf("stream not closed on session teardown")
	}
}
