package app

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mtliou/speechrelay/internal/config"
	"github.com/mtliou/speechrelay/internal/httpapi"
	"github.com/mtliou/speechrelay/internal/logging"
	"github.com/mtliou/speechrelay/internal/observability"
	"github.com/mtliou/speechrelay/internal/relay"
	"github.com/mtliou/speechrelay/internal/session"
	"github.com/mtliou/speechrelay/internal/translate"
	"github.com/mtliou/speechrelay/internal/tts"
)

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	Registry    *httpapi.ConnRegistry
	Sessions    *session.Manager
	Coordinator *relay.Coordinator
	Metrics     *observability.Metrics

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func()
}

// Build wires the full relay stack from configuration.
func Build(ctx context.Context, cfg config.Config, log zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var translator translate.Translator = translate.NewHTTPTranslator(translate.HTTPConfig{
		BaseURL:          cfg.TranslatorBaseURL,
		APIKey:           cfg.TranslatorAPIKey,
		TranslateTimeout: cfg.TranslateTimeout,
		DetectTimeout:    cfg.DetectTimeout,
	})
	var cache translate.Cache
	if cfg.TranslationCache {
		var err error
		cache, err = translate.NewCache(ctx, cfg.DatabaseURL, cfg.CacheTTL)
		if err != nil {
			return nil, err
		}
		translator = translate.WithCache(translator, cache)
	}
	translator = translate.WithFallback(translator)

	primary, secondary, streamProvider := resolveProviders(cfg, log)

	sessions := session.NewManager(cfg.SessionReapAge)
	registry := httpapi.NewConnRegistry(metrics)

	var coordinator *relay.Coordinator
	emit := func(code, language string, a tts.Audio) {
		coordinator.EmitAudio(code, language, a)
	}

	dispatcher := tts.NewDispatcher(tts.Config{
		QueueThreshold:   cfg.QueueThreshold,
		CriticalSize:     cfg.CriticalQueueSize,
		MaxRate:          cfg.MaxPlaybackRate,
		RateStep:         cfg.RateStep,
		SynthesisTimeout: cfg.SynthesisTimeout,
		ErrorLimit:       cfg.ProviderErrorLimit,
		DisableInterval:  cfg.ProviderDisableInterval,
	}, primary, secondary, emit, metrics, logging.Component(log, "tts"))

	var persistent *tts.PersistentManager
	if cfg.SegmentationPolicy == config.PolicyContinuous {
		persistent = tts.NewPersistentManager(streamProvider, emit, cfg.IdleFlushInterval, metrics, logging.Component(log, "tts-stream"))
	}

	coordinator = relay.NewCoordinator(relay.Config{
		Policy:          cfg.SegmentationPolicy,
		HighLatencyWarn: cfg.HighLatencyWarning,
	}, sessions, translator, dispatcher, persistent, metrics, registry, logging.Component(log, "relay"))

	sessions.SetReapHook(coordinator.HandleReap)

	api := httpapi.New(cfg, registry, coordinator, metrics, logging.Component(log, "http"))

	cleanup := func() {
		coordinator.Shutdown()
		dispatcher.Shutdown()
		if persistent != nil {
			persistent.Shutdown()
		}
		if cache != nil {
			cache.Close()
		}
	}

	return &BuildResult{
		Config:      cfg,
		API:         api,
		Registry:    registry,
		Sessions:    sessions,
		Coordinator: coordinator,
		Metrics:     metrics,
		Cleanup:     cleanup,
	}, nil
}

// resolveProviders picks the request-mode pair and the persistent stream
// backend from the configured credentials. Without any credentials the mock
// provider keeps development deployments serviceable.
func resolveProviders(cfg config.Config, log zerolog.Logger) (primary, secondary tts.Synthesizer, stream tts.StreamProvider) {
	if strings.TrimSpace(cfg.CartesiaAPIKey) != "" {
		primary = tts.NewCartesiaProvider(tts.CartesiaConfig{
			APIKey:  cfg.CartesiaAPIKey,
			BaseURL: cfg.CartesiaBaseURL,
			ModelID: cfg.CartesiaModel,
		})
		log.Info().Msg("tts primary: cartesia")
	}
	if strings.TrimSpace(cfg.ElevenLabsAPIKey) != "" {
		eleven := tts.NewElevenLabsProvider(tts.ElevenLabsConfig{
			APIKey:       cfg.ElevenLabsAPIKey,
			BaseURL:      cfg.ElevenLabsBaseURL,
			WSBaseURL:    cfg.ElevenLabsWSBaseURL,
			ModelID:      cfg.ElevenLabsModel,
			OutputFormat: cfg.ElevenLabsOutputFormat,
		})
		secondary = eleven
		stream = eleven
		log.Info().Msg("tts secondary: elevenlabs")
	}
	if primary == nil && secondary == nil {
		mock := tts.NewMockProvider()
		primary = mock
		stream = mock
		log.Warn().Msg("no tts credentials configured, using mock provider")
	}
	if primary == nil {
		primary = secondary
		secondary = nil
	}
	if stream == nil {
		stream = tts.NewMockProvider()
	}
	return primary, secondary, stream
}
