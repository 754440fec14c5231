package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mtliou/speechrelay/internal/reliability"
)

// ElevenLabsConfig configures the stable secondary provider and the
// persistent streaming channel.
type ElevenLabsConfig struct {
	APIKey       string
	BaseURL      string
	WSBaseURL    string
	ModelID      string
	OutputFormat string
	DefaultVoice string
}

type ElevenLabsProvider struct {
	cfg    ElevenLabsConfig
	client *http.Client
}

func NewElevenLabsProvider(cfg ElevenLabsConfig) *ElevenLabsProvider {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_multilingual_v2"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "mp3_44100_128"
	}
	return &ElevenLabsProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *ElevenLabsProvider) Name() string { return "elevenlabs" }

// Synthesize is the request-mode path used when ElevenLabs acts as the
// fallback provider.
func (p *ElevenLabsProvider) Synthesize(ctx context.Context, req Request) (Result, error) {
	voice := strings.TrimSpace(req.Voice)
	if voice == "" {
		voice = p.cfg.DefaultVoice
	}
	if voice == "" {
		return Result{}, fmt.Errorf("elevenlabs: no voice configured for %s", req.Language)
	}

	speed := clampSpeed(req.Rate)
	payload := map[string]any{
		"text":     req.Text,
		"model_id": p.cfg.ModelID,
		"voice_settings": map[string]any{
			"stability":        0.42,
			"similarity_boost": 0.85,
			"speed":            speed,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(voice) +
		"?output_format=" + url.QueryEscape(p.cfg.OutputFormat)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", p.cfg.APIKey)

	res, err := p.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Result{}, &ProviderError{
			Provider:  p.Name(),
			Status:    res.StatusCode,
			Detail:    strings.TrimSpace(string(detail)),
			Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
		}
	}

	clip, err := io.ReadAll(res.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read audio: %w", err)
	}
	return Result{Audio: clip, Format: formatLabel(p.cfg.OutputFormat)}, nil
}

// StartStream opens the persistent stream-input websocket used by the
// continuous segmentation policy.
func (p *ElevenLabsProvider) StartStream(ctx context.Context, language, voice string) (Stream, error) {
	voice = strings.TrimSpace(voice)
	if voice == "" {
		voice = p.cfg.DefaultVoice
	}
	if voice == "" {
		return nil, fmt.Errorf("elevenlabs: no voice configured for %s", language)
	}

	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(voice) + "/stream-input")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model_id", p.cfg.ModelID)
	q.Set("output_format", p.cfg.OutputFormat)
	q.Set("auto_mode", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("dial tts websocket: %w", err)
	}

	s := &elevenStream{conn: conn, format: formatLabel(p.cfg.OutputFormat), events: make(chan StreamEvent, 512)}
	go s.readLoop()
	// Prime the stream as documented for the stream-input flow.
	_ = s.writeJSON(map[string]any{
		"text": " ",
		"voice_settings": map[string]any{
			"stability":        0.42,
			"similarity_boost": 0.85,
		},
	})
	return s, nil
}

func clampSpeed(rate float64) float64 {
	if rate <= 0 {
		return 1.0
	}
	if rate < 0.7 {
		return 0.7
	}
	if rate > 1.2 {
		return 1.2
	}
	return rate
}

func formatLabel(outputFormat string) string {
	switch {
	case strings.HasPrefix(outputFormat, "mp3"):
		return "mp3"
	case strings.HasPrefix(outputFormat, "pcm"):
		return "pcm"
	case strings.HasPrefix(outputFormat, "ulaw"):
		return "ulaw"
	default:
		return outputFormat
	}
}

type elevenStream struct {
	conn      *websocket.Conn
	format    string
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan StreamEvent
}

func (s *elevenStream) SendText(_ context.Context, text string, flush bool) error {
	payload := map[string]any{
		"text":                   text,
		"try_trigger_generation": flush,
	}
	if flush {
		payload["flush"] = true
	}
	return s.writeJSON(payload)
}

func (s *elevenStream) CloseInput(_ context.Context) error {
	return s.writeJSON(map[string]any{"text": ""})
}

func (s *elevenStream) Events() <-chan StreamEvent { return s.events }

func (s *elevenStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		retErr = s.conn.Close()
		close(s.events)
	})
	return retErr
}

func (s *elevenStream) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *elevenStream) readLoop() {
	defer s.safeClose()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}

		if audioB64 := asString(raw["audio"]); audioB64 != "" {
			s.events <- StreamEvent{Type: StreamEventAudio, AudioBase64: audioB64, Format: s.format}
		}
		if asBool(raw["isFinal"]) || asBool(raw["is_final"]) {
			s.events <- StreamEvent{Type: StreamEventFinal}
		}
		if errMsg := asString(raw["error"]); errMsg != "" {
			code := asString(raw["message_type"])
			s.events <- StreamEvent{
				Type:      StreamEventError,
				Code:      code,
				Detail:    errMsg,
				Retryable: reliability.IsRetryableStreamCode(code),
			}
		}
	}
}

func (s *elevenStream) safeClose() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
		close(s.events)
	})
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func asBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return false
}
