package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Policy selects the segmentation/stability engine. Exactly one policy is
// active per deployment.
type Policy string

const (
	PolicyFinalOnly       Policy = "final_only"
	PolicyHybrid          Policy = "hybrid"
	PolicyConference      Policy = "conference"
	PolicyNaturalPhrase   Policy = "natural_phrase"
	PolicyUltraLowLatency Policy = "ultra_low_latency"
	PolicyContinuous      Policy = "continuous"
)

func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case PolicyFinalOnly:
		return PolicyFinalOnly, nil
	case PolicyHybrid, "":
		return PolicyHybrid, nil
	case PolicyConference:
		return PolicyConference, nil
	case PolicyNaturalPhrase:
		return PolicyNaturalPhrase, nil
	case PolicyUltraLowLatency:
		return PolicyUltraLowLatency, nil
	case PolicyContinuous:
		return PolicyContinuous, nil
	default:
		return "", fmt.Errorf("unknown segmentation policy %q", raw)
	}
}

// Config contains all runtime settings for the translation relay.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	Version          string
	Development      bool

	AllowAnyOrigin bool

	SegmentationPolicy Policy

	// Translator settings.
	TranslatorBaseURL string
	TranslatorAPIKey  string
	TranslateTimeout  time.Duration
	DetectTimeout     time.Duration
	TranslationCache  bool
	CacheTTL          time.Duration
	DatabaseURL       string

	// TTS settings.
	CartesiaAPIKey          string
	CartesiaBaseURL         string
	CartesiaModel           string
	ElevenLabsAPIKey        string
	ElevenLabsBaseURL       string
	ElevenLabsWSBaseURL     string
	ElevenLabsModel         string
	ElevenLabsOutputFormat  string
	SynthesisTimeout        time.Duration
	QueueThreshold          int
	CriticalQueueSize       int
	MaxPlaybackRate         float64
	RateStep                float64
	ProviderErrorLimit      int
	ProviderDisableInterval time.Duration
	IdleFlushInterval       time.Duration

	// Session lifecycle.
	SessionReapAge     time.Duration
	SessionReapEvery   time.Duration
	HighLatencyWarning time.Duration

	// Speech token issuance for the browser recognizer.
	SpeechTokenSecret string
	SpeechTokenRegion string
	SpeechTokenTTL    time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "speechrelay"),
		Version:          envOrDefault("APP_VERSION", "dev"),
		AllowAnyOrigin:   false,

		TranslatorBaseURL: envOrDefault("TRANSLATOR_BASE_URL", "http://127.0.0.1:5000"),
		TranslatorAPIKey:  stringsTrimSpace("TRANSLATOR_API_KEY"),
		TranslateTimeout:  2 * time.Second,
		DetectTimeout:     1 * time.Second,
		TranslationCache:  true,
		CacheTTL:          5 * time.Minute,
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),

		CartesiaAPIKey:  stringsTrimSpace("CARTESIA_API_KEY"),
		CartesiaBaseURL: envOrDefault("CARTESIA_BASE_URL", "https://api.cartesia.ai"),
		CartesiaModel:   envOrDefault("CARTESIA_MODEL_ID", "sonic-2"),

		ElevenLabsAPIKey:    stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsBaseURL:   envOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsWSBaseURL: envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsModel:     envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_multilingual_v2"),
		// Low-latency MP3 keeps listener playback simple across browsers.
		ElevenLabsOutputFormat: envOrDefault("ELEVENLABS_TTS_OUTPUT_FORMAT", "mp3_44100_128"),

		SynthesisTimeout:        5 * time.Second,
		QueueThreshold:          3,
		CriticalQueueSize:       10,
		MaxPlaybackRate:         1.5,
		RateStep:                0.05,
		ProviderErrorLimit:      5,
		ProviderDisableInterval: 60 * time.Second,
		IdleFlushInterval:       500 * time.Millisecond,

		SessionReapAge:     30 * time.Minute,
		SessionReapEvery:   time.Minute,
		HighLatencyWarning: 200 * time.Millisecond,

		SpeechTokenSecret: stringsTrimSpace("SPEECH_TOKEN_SECRET"),
		SpeechTokenRegion: envOrDefault("SPEECH_TOKEN_REGION", "eastus"),
		SpeechTokenTTL:    9 * time.Minute,

		ShutdownTimeout: 15 * time.Second,
	}

	policy, err := ParsePolicy(os.Getenv("SEGMENTATION_POLICY"))
	if err != nil {
		return Config{}, err
	}
	cfg.SegmentationPolicy = policy

	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TranslateTimeout, err = durationFromEnv("TRANSLATE_TIMEOUT", cfg.TranslateTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DetectTimeout, err = durationFromEnv("DETECT_TIMEOUT", cfg.DetectTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.CacheTTL, err = durationFromEnv("TRANSLATION_CACHE_TTL", cfg.CacheTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.SynthesisTimeout, err = durationFromEnv("TTS_SYNTHESIS_TIMEOUT", cfg.SynthesisTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.IdleFlushInterval, err = durationFromEnv("TTS_IDLE_FLUSH_INTERVAL", cfg.IdleFlushInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ProviderDisableInterval, err = durationFromEnv("TTS_PROVIDER_DISABLE_INTERVAL", cfg.ProviderDisableInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionReapAge, err = durationFromEnv("SESSION_REAP_AGE", cfg.SessionReapAge)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionReapEvery, err = durationFromEnv("SESSION_REAP_INTERVAL", cfg.SessionReapEvery)
	if err != nil {
		return Config{}, err
	}
	cfg.SpeechTokenTTL, err = durationFromEnv("SPEECH_TOKEN_TTL", cfg.SpeechTokenTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.QueueThreshold, err = intFromEnv("TTS_QUEUE_THRESHOLD", cfg.QueueThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.CriticalQueueSize, err = intFromEnv("TTS_CRITICAL_QUEUE_SIZE", cfg.CriticalQueueSize)
	if err != nil {
		return Config{}, err
	}
	cfg.ProviderErrorLimit, err = intFromEnv("TTS_PROVIDER_ERROR_LIMIT", cfg.ProviderErrorLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxPlaybackRate, err = floatFromEnv("TTS_MAX_PLAYBACK_RATE", cfg.MaxPlaybackRate)
	if err != nil {
		return Config{}, err
	}
	cfg.RateStep, err = floatFromEnv("TTS_RATE_STEP", cfg.RateStep)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.Development, err = boolFromEnv("APP_DEVELOPMENT", cfg.Development)
	if err != nil {
		return Config{}, err
	}
	cfg.TranslationCache, err = boolFromEnv("TRANSLATION_CACHE_ENABLED", cfg.TranslationCache)
	if err != nil {
		return Config{}, err
	}

	if cfg.QueueThreshold <= 0 {
		return Config{}, fmt.Errorf("TTS_QUEUE_THRESHOLD must be positive")
	}
	if cfg.CriticalQueueSize <= cfg.QueueThreshold {
		return Config{}, fmt.Errorf("TTS_CRITICAL_QUEUE_SIZE must exceed TTS_QUEUE_THRESHOLD")
	}
	if cfg.MaxPlaybackRate < 1.0 {
		return Config{}, fmt.Errorf("TTS_MAX_PLAYBACK_RATE must be at least 1.0")
	}
	if cfg.RateStep <= 0 {
		return Config{}, fmt.Errorf("TTS_RATE_STEP must be positive")
	}
	if cfg.SessionReapAge < time.Minute {
		return Config{}, fmt.Errorf("SESSION_REAP_AGE must be at least 1m")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
