package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mtliou/speechrelay/internal/audio"
	"github.com/mtliou/speechrelay/internal/reliability"
)

const (
	cartesiaVersion    = "2024-06-10"
	cartesiaSampleRate = 16000
)

// CartesiaConfig configures the low-latency primary provider.
type CartesiaConfig struct {
	APIKey       string
	BaseURL      string
	ModelID      string
	DefaultVoice string
}

// CartesiaProvider synthesizes via Cartesia's bytes endpoint. It returns raw
// PCM which is wrapped as WAV for listener playback.
type CartesiaProvider struct {
	cfg    CartesiaConfig
	client *http.Client
}

func NewCartesiaProvider(cfg CartesiaConfig) *CartesiaProvider {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.cartesia.ai"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "sonic-2"
	}
	return &CartesiaProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *CartesiaProvider) Name() string { return "cartesia" }

func (p *CartesiaProvider) Synthesize(ctx context.Context, req Request) (Result, error) {
	voice := strings.TrimSpace(req.Voice)
	if voice == "" {
		voice = p.cfg.DefaultVoice
	}
	if voice == "" {
		return Result{}, fmt.Errorf("cartesia: no voice configured for %s", req.Language)
	}

	payload := map[string]any{
		"model_id":   p.cfg.ModelID,
		"transcript": req.Text,
		"language":   req.Language,
		"voice": map[string]any{
			"mode": "id",
			"id":   voice,
		},
		"output_format": map[string]any{
			"container":   "raw",
			"encoding":    "pcm_s16le",
			"sample_rate": cartesiaSampleRate,
		},
	}
	if req.Rate > 0 && req.Rate != 1.0 {
		payload["__experimental_controls"] = map[string]any{"speed": req.Rate}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.cfg.BaseURL, "/")+"/tts/bytes", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", p.cfg.APIKey)
	httpReq.Header.Set("Cartesia-Version", cartesiaVersion)

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

	pcm, err := io.ReadAll(res.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read audio: %w", err)
	}
	wav, err := audio.EncodeWAVPCM16LE(pcm, cartesiaSampleRate)
	if err != nil {
		return Result{}, fmt.Errorf("wrap wav: %w", err)
	}
	return Result{Audio: wav, Format: "wav"}, nil
}

// ProviderError carries enough context for the dispatcher's health tracking.
type ProviderError struct {
	Provider  string
	Status    int
	Detail    string
	Retryable bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Provider, e.Status, e.Detail)
}
