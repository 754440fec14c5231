package tts

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/mtliou/speechrelay/internal/audio"
)

// MockProvider produces short silent clips. It keeps development and demo
// deployments alive when no provider credentials are configured.
type MockProvider struct{}

func NewMockProvider() MockProvider { return MockProvider{} }

func (MockProvider) Name() string { return "mock" }

func (MockProvider) Synthesize(_ context.Context, req Request) (Result, error) {
	// 100ms of silence per word keeps playback pacing roughly believable.
	words := 1
	for _, r := range req.Text {
		if r == ' ' {
			words++
		}
	}
	pcm := make([]byte, 3200*words)
	wav, err := audio.EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		return Result{}, err
	}
	return Result{Audio: wav, Format: "wav"}, nil
}

func (m MockProvider) StartStream(context.Context, string, string) (Stream, error) {
	return &mockStream{events: make(chan StreamEvent, 32)}, nil
}

type mockStream struct {
	events    chan StreamEvent
	closeOnce sync.Once
}

func (s *mockStream) SendText(_ context.Context, text string, _ bool) error {
	if text == "" {
		return nil
	}
	silence := make([]byte, 1600)
	select {
	case s.events <- StreamEvent{
		Type:        StreamEventAudio,
		AudioBase64: base64.StdEncoding.EncodeToString(silence),
		Format:      "pcm",
	}:
	default:
	}
	return nil
}

func (s *mockStream) CloseInput(context.Context) error { return nil }

func (s *mockStream) Events() <-chan StreamEvent { return s.events }

func (s *mockStream) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}
