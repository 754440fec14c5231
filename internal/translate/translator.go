// Package translate wraps the external translation provider behind a narrow
// interface with short timeouts, a caching decorator, and a source-echo
// fallback so translation failures never stall the pipeline.
package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Translator is the narrow contract the relay depends on.
type Translator interface {
	// Translate maps text into every target language. A missing target in
	// the result is treated as a failure for that target by callers.
	Translate(ctx context.Context, text, source string, targets []string) (map[string]string, error)
	// TranslateBatch translates several texts in one round trip.
	TranslateBatch(ctx context.Context, texts []string, source string, targets []string) ([]map[string]string, error)
	// Detect guesses the language of a fragment.
	Detect(ctx context.Context, text string) (string, error)
}

// HTTPTranslator talks to a LibreTranslate-compatible JSON endpoint.
type HTTPTranslator struct {
	baseURL          string
	apiKey           string
	client           *http.Client
	translateTimeout time.Duration
	detectTimeout    time.Duration
}

type HTTPConfig struct {
	BaseURL          string
	APIKey           string
	TranslateTimeout time.Duration
	DetectTimeout    time.Duration
}

func NewHTTPTranslator(cfg HTTPConfig) *HTTPTranslator {
	if cfg.TranslateTimeout <= 0 {
		cfg.TranslateTimeout = 2 * time.Second
	}
	if cfg.DetectTimeout <= 0 {
		cfg.DetectTimeout = time.Second
	}
	return &HTTPTranslator{
		baseURL:          strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:           cfg.APIKey,
		translateTimeout: cfg.TranslateTimeout,
		detectTimeout:    cfg.DetectTimeout,
		client:           &http.Client{Timeout: cfg.TranslateTimeout + time.Second},
	}
}

type translateRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
	APIKey string `json:"api_key,omitempty"`
}

type translateResponse struct {
	TranslatedText string `json:"translatedText"`
}

type detectResponse struct {
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

func (t *HTTPTranslator) Translate(ctx context.Context, text, source string, targets []string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.translateTimeout)
	defer cancel()

	out := make(map[string]string, len(targets))
	for _, target := range targets {
		if target == source {
			out[target] = text
			continue
		}
		translated, err := t.translateOne(ctx, text, source, target)
		if err != nil {
			return out, fmt.Errorf("translate to %s: %w", target, err)
		}
		out[target] = translated
	}
	return out, nil
}

func (t *HTTPTranslator) TranslateBatch(ctx context.Context, texts []string, source string, targets []string) ([]map[string]string, error) {
	out := make([]map[string]string, 0, len(texts))
	for _, text := range texts {
		m, err := t.Translate(ctx, text, source, targets)
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (t *HTTPTranslator) translateOne(ctx context.Context, text, source, target string) (string, error) {
	payload, err := json.Marshal(translateRequest{
		Q:      text,
		Source: source,
		Target: target,
		Format: "text",
		APIKey: t.apiKey,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/translate", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", fmt.Errorf("translator status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed translateResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return parsed.TranslatedText, nil
}

func (t *HTTPTranslator) Detect(ctx context.Context, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.detectTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{"q": text, "api_key": t.apiKey})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/detect", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", fmt.Errorf("detect status %d", res.StatusCode)
	}

	var parsed []detectResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed) == 0 {
		return "", fmt.Errorf("detect returned no candidates")
	}
	return parsed[0].Language, nil
}

// WithFallback decorates a translator so failures echo the source text per
// target instead of surfacing errors. Translation loss is survivable;
// a stalled pipeline is not.
func WithFallback(inner Translator) Translator {
	return &fallbackTranslator{inner: inner}
}

type fallbackTranslator struct {
	inner Translator
}

func (f *fallbackTranslator) Translate(ctx context.Context, text, source string, targets []string) (map[string]string, error) {
	out, err := f.inner.Translate(ctx, text, source, targets)
	if err != nil || out == nil {
		out = ensureEcho(out, text, targets)
		return out, nil
	}
	return ensureEcho(out, text, targets), nil
}

func (f *fallbackTranslator) TranslateBatch(ctx context.Context, texts []string, source string, targets []string) ([]map[string]string, error) {
	out, err := f.inner.TranslateBatch(ctx, texts, source, targets)
	if err != nil || len(out) != len(texts) {
		full := make([]map[string]string, len(texts))
		copy(full, out)
		for i := range full {
			full[i] = ensureEcho(full[i], texts[i], targets)
		}
		return full, nil
	}
	for i := range out {
		out[i] = ensureEcho(out[i], texts[i], targets)
	}
	return out, nil
}

func (f *fallbackTranslator) Detect(ctx context.Context, text string) (string, error) {
	return f.inner.Detect(ctx, text)
}

func ensureEcho(m map[string]string, text string, targets []string) map[string]string {
	if m == nil {
		m = make(map[string]string, len(targets))
	}
	for _, target := range targets {
		if strings.TrimSpace(m[target]) == "" {
			m[target] = text
		}
	}
	return m
}
