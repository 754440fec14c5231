package tts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeSynth struct {
	name  string
	delay time.Duration
	gate  chan struct{}
	err   error

	mu    sync.Mutex
	calls []Request
}

func (f *fakeSynth) Name() string { return f.name }

func (f *fakeSynth) Synthesize(ctx context.Context, req Request) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if f.err != nil {
		return Result{}, f.err
	}
	return Result{Audio: []byte(f.name + ":" + req.Text), Format: "mp3"}, nil
}

func (f *fakeSynth) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type emitRecorder struct {
	mu     sync.Mutex
	audios []Audio
}

func (r *emitRecorder) emit(_, _ string, a Audio) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audios = append(r.audios, a)
}

func (r *emitRecorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.audios))
	for _, a := range r.audios {
		out = append(out, a.Text)
	}
	return out
}

func (r *emitRecorder) rates() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]float64, 0, len(r.audios))
	for _, a := range r.audios {
		out = append(out, a.Rate)
	}
	return out
}

func waitAll(t *testing.T, handles []<-chan error) []error {
	t.Helper()
	errs := make([]error, 0, len(handles))
	for _, h := range handles {
		select {
		case err := <-h:
			errs = append(errs, err)
		case <-time.After(5 * time.Second):
			t.Fatalf("completion handle timed out")
		}
	}
	return errs
}

func TestDispatcherPreservesOrder(t *testing.T) {
	rec := &emitRecorder{}
	primary := &fakeSynth{name: "primary", delay: 5 * time.Millisecond}
	d := NewDispatcher(Config{}, primary, nil, rec.emit, nil, zerolog.Nop())
	defer d.Shutdown()

	var handles []<-chan error
	for i := 0; i < 6; i++ {
		handles = append(handles, d.Enqueue("DEMO", "es", Request{Text: fmt.Sprintf("utterance %d", i), Language: "es"}))
	}
	for _, err := range waitAll(t, handles) {
		if err != nil {
			t.Fatalf("handle error = %v", err)
		}
	}

	texts := rec.texts()
	if len(texts) != 6 {
		t.Fatalf("emitted %d audios, want 6", len(texts))
	}
	for i, text := range texts {
		if text != fmt.Sprintf("utterance %d", i) {
			t.Fatalf("texts[%d] = %q, out of order", i, text)
		}
	}
}

func TestDispatcherAdaptiveRateBounds(t *testing.T) {
	rec := &emitRecorder{}
	primary := &fakeSynth{name: "primary", delay: 20 * time.Millisecond}
	cfg := Config{QueueThreshold: 3, CriticalSize: 50, MaxRate: 1.5, RateStep: 0.05}
	d := NewDispatcher(cfg, primary, nil, rec.emit, nil, zerolog.Nop())
	defer d.Shutdown()

	var handles []<-chan error
	for i := 0; i < 25; i++ {
		handles = append(handles, d.Enqueue("DEMO", "fr", Request{Text: fmt.Sprintf("u%d", i), Language: "fr"}))
	}
	waitAll(t, handles)

	rates := rec.rates()
	if len(rates) != 25 {
		t.Fatalf("emitted %d audios, want 25", len(rates))
	}
	sawBoost := false
	for i, rate := range rates {
		if rate < 1.0 || rate > 1.5 {
			t.Fatalf("rates[%d] = %v, want within [1.0, 1.5]", i, rate)
		}
		if rate > 1.0 {
			sawBoost = true
		}
	}
	if !sawBoost {
		t.Fatalf("no rate boost observed despite deep backlog")
	}
	// The backlog is drained by the end, so the final utterances play at
	// natural speed again.
	if last := rates[len(rates)-1]; last != 1.0 {
		t.Fatalf("final rate = %v, want 1.0 once queue drained", last)
	}
}

func TestDispatcherRateNaturalWhenQueueShallow(t *testing.T) {
	rec := &emitRecorder{}
	primary := &fakeSynth{name: "primary"}
	d := NewDispatcher(Config{QueueThreshold: 3}, primary, nil, rec.emit, nil, zerolog.Nop())
	defer d.Shutdown()

	h := d.Enqueue("DEMO", "es", Request{Text: "solo", Language: "es"})
	if err := <-h; err != nil {
		t.Fatalf("handle error = %v", err)
	}
	if rates := rec.rates(); len(rates) != 1 || rates[0] != 1.0 {
		t.Fatalf("rates = %v, want [1.0]", rates)
	}
}

func TestDispatcherOverflowDropsOldestKeepsNewest(t *testing.T) {
	rec := &emitRecorder{}
	gate := make(chan struct{})
	primary := &fakeSynth{name: "primary", gate: gate}
	cfg := Config{QueueThreshold: 3, CriticalSize: 5}
	d := NewDispatcher(cfg, primary, nil, rec.emit, nil, zerolog.Nop())
	defer d.Shutdown()

	var handles []<-chan error
	for i := 0; i < 25; i++ {
		handles = append(handles, d.Enqueue("DEMO", "es", Request{Text: fmt.Sprintf("u%d", i), Language: "es"}))
		if depth := d.QueueDepth("DEMO", "es"); depth > 2*cfg.CriticalSize {
			t.Fatalf("queue depth = %d, want <= %d", depth, 2*cfg.CriticalSize)
		}
	}
	close(gate)

	overflowed := 0
	for _, err := range waitAll(t, handles) {
		if errors.Is(err, ErrQueueOverflow) {
			overflowed++
		}
	}
	if overflowed < 5 {
		t.Fatalf("overflowed = %d, want at least 5 dropped entries", overflowed)
	}

	texts := rec.texts()
	if len(texts) == 0 {
		t.Fatalf("nothing synthesized after overflow")
	}
	if texts[len(texts)-1] != "u24" {
		t.Fatalf("last emitted = %q, want newest entry preserved", texts[len(texts)-1])
	}
	for i := 1; i < len(texts); i++ {
		if texts[i-1] >= texts[i] && len(texts[i-1]) == len(texts[i]) {
			t.Fatalf("survivors out of order: %v", texts)
		}
	}
}

func TestDispatcherFallsBackToSecondary(t *testing.T) {
	rec := &emitRecorder{}
	primary := &fakeSynth{name: "primary", err: errors.New("boom")}
	secondary := &fakeSynth{name: "secondary"}
	d := NewDispatcher(Config{}, primary, secondary, rec.emit, nil, zerolog.Nop())
	defer d.Shutdown()

	h := d.Enqueue("DEMO", "es", Request{Text: "hola a todos", Language: "es"})
	if err := <-h; err != nil {
		t.Fatalf("handle error = %v, want secondary success", err)
	}
	if primary.callCount() != 1 || secondary.callCount() != 1 {
		t.Fatalf("calls primary=%d secondary=%d, want 1/1", primary.callCount(), secondary.callCount())
	}

	rec.mu.Lock()
	audio := rec.audios[0]
	rec.mu.Unlock()
	if string(audio.Data) != "secondary:hola a todos" {
		t.Fatalf("audio = %q, want secondary output", audio.Data)
	}
}

func TestDispatcherBothProvidersFailDropsUtterance(t *testing.T) {
	rec := &emitRecorder{}
	primary := &fakeSynth{name: "primary", err: errors.New("p down")}
	secondary := &fakeSynth{name: "secondary", err: errors.New("s down")}
	d := NewDispatcher(Config{}, primary, secondary, rec.emit, nil, zerolog.Nop())
	defer d.Shutdown()

	h1 := d.Enqueue("DEMO", "es", Request{Text: "lost", Language: "es"})
	if err := <-h1; !errors.Is(err, ErrAllProvidersFailed) {
		t.Fatalf("handle error = %v, want ErrAllProvidersFailed", err)
	}

	// The worker survives; later utterances still go through.
	secondary.err = nil
	h2 := d.Enqueue("DEMO", "es", Request{Text: "recovered", Language: "es"})
	if err := <-h2; err != nil {
		t.Fatalf("handle error = %v after recovery", err)
	}
	if texts := rec.texts(); len(texts) != 1 || texts[0] != "recovered" {
		t.Fatalf("texts = %v, want only the recovered utterance", texts)
	}
}

func TestDispatcherDisablesProviderAfterConsecutiveErrors(t *testing.T) {
	rec := &emitRecorder{}
	primary := &fakeSynth{name: "primary", err: errors.New("always down")}
	secondary := &fakeSynth{name: "secondary"}
	cfg := Config{ErrorLimit: 2, DisableInterval: time.Minute}
	d := NewDispatcher(cfg, primary, secondary, rec.emit, nil, zerolog.Nop())
	defer d.Shutdown()

	for i := 0; i < 6; i++ {
		h := d.Enqueue("DEMO", "es", Request{Text: fmt.Sprintf("u%d", i), Language: "es"})
		if err := <-h; err != nil {
			t.Fatalf("handle %d error = %v", i, err)
		}
	}
	// Three strikes trip the breaker; later entries skip primary entirely.
	if got := primary.callCount(); got != 3 {
		t.Fatalf("primary calls = %d, want 3 before disable", got)
	}
	if got := secondary.callCount(); got != 6 {
		t.Fatalf("secondary calls = %d, want all 6", got)
	}
}

func TestDispatcherCloseSessionRejectsPending(t *testing.T) {
	rec := &emitRecorder{}
	gate := make(chan struct{})
	primary := &fakeSynth{name: "primary", gate: gate}
	d := NewDispatcher(Config{}, primary, nil, rec.emit, nil, zerolog.Nop())
	defer d.Shutdown()

	h1 := d.Enqueue("DEMO", "es", Request{Text: "in flight", Language: "es"})
	// Give the worker time to pick up the first entry.
	time.Sleep(20 * time.Millisecond)
	h2 := d.Enqueue("DEMO", "es", Request{Text: "pending a", Language: "es"})
	h3 := d.Enqueue("DEMO", "es", Request{Text: "pending b", Language: "es"})

	d.CloseSession("DEMO")
	close(gate)

	if err := <-h2; !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("h2 error = %v, want ErrSessionClosed", err)
	}
	if err := <-h3; !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("h3 error = %v, want ErrSessionClosed", err)
	}
	<-h1

	// A fresh enqueue for the torn-down session starts a new queue.
	h4 := d.Enqueue("DEMO", "es", Request{Text: "new session", Language: "es"})
	if err := <-h4; err != nil {
		t.Fatalf("h4 error = %v", err)
	}
}
