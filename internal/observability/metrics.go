package observability

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the relay plus the
// process-local rollup served on /api/metrics.
type Metrics struct {
	ActiveConnections  prometheus.Gauge
	PeakConnections    prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	WSWriteErrors      *prometheus.CounterVec
	Translations       prometheus.Counter
	TranslationLatency prometheus.Histogram
	ErrorsTotal        *prometheus.CounterVec
	TTSRequests        *prometheus.CounterVec
	RateAdjustments    prometheus.Counter
	QueueDepth         *prometheus.GaugeVec
	DroppedEntries     prometheus.Counter

	latencies *latencyWindow

	mu           sync.Mutex
	windowStart  time.Time
	window       rollupCounters
	allTime      rollupCounters
	activeConns  int
	peakConns    int
	maxQueueSeen int
}

type rollupCounters struct {
	Translations    int64
	LatencySumMS    float64
	LatencyCount    int64
	Errors          map[string]int64
	TTSUsage        map[string]int64
	RateAdjustments int64
	Dropped         int64
}

func newRollupCounters() rollupCounters {
	return rollupCounters{
		Errors:   make(map[string]int64),
		TTSUsage: make(map[string]int64),
	}
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of open edge connections.",
		}),
		PeakConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peak_connections",
			Help:      "High-water mark of simultaneous edge connections.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write errors by reason.",
		}, []string{"reason"}),
		Translations: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "translations_total",
			Help:      "Completed translation requests.",
		}),
		TranslationLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "translation_latency_ms",
			Help:      "Translation round-trip latency in milliseconds.",
			Buckets:   []float64{20, 50, 100, 200, 350, 500, 800, 1200, 2000},
		}),
		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by kind.",
		}, []string{"kind"}),
		TTSRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_requests_total",
			Help:      "TTS synthesis attempts by provider and result.",
		}, []string{"provider", "result"}),
		RateAdjustments: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_adjustments_total",
			Help:      "Adaptive playback-rate changes.",
		}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tts_queue_depth",
			Help:      "Current TTS queue depth by language.",
		}, []string{"language"}),
		DroppedEntries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_dropped_entries_total",
			Help:      "Queue entries dropped by the overflow policy.",
		}),
		latencies:   newLatencyWindow(256),
		windowStart: time.Now().UTC(),
		window:      newRollupCounters(),
		allTime:     newRollupCounters(),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.activeConns++
	if m.activeConns > m.peakConns {
		m.peakConns = m.activeConns
	}
	active, peak := m.activeConns, m.peakConns
	m.mu.Unlock()
	m.ActiveConnections.Set(float64(active))
	m.PeakConnections.Set(float64(peak))
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.activeConns > 0 {
		m.activeConns--
	}
	active := m.activeConns
	m.mu.Unlock()
	m.ActiveConnections.Set(float64(active))
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveTranslation(d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Milliseconds())
	m.Translations.Inc()
	m.TranslationLatency.Observe(ms)
	m.latencies.Observe("translate", ms)
	m.mu.Lock()
	m.window.Translations++
	m.window.LatencySumMS += ms
	m.window.LatencyCount++
	m.allTime.Translations++
	m.allTime.LatencySumMS += ms
	m.allTime.LatencyCount++
	m.mu.Unlock()
}

func (m *Metrics) ObserveError(kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
	m.mu.Lock()
	m.window.Errors[kind]++
	m.allTime.Errors[kind]++
	m.mu.Unlock()
}

func (m *Metrics) ObserveTTSResult(provider, result string) {
	if m == nil {
		return
	}
	m.TTSRequests.WithLabelValues(provider, result).Inc()
	m.mu.Lock()
	m.window.TTSUsage[provider+"_"+result]++
	m.allTime.TTSUsage[provider+"_"+result]++
	m.mu.Unlock()
}

func (m *Metrics) ObserveRateAdjustment() {
	if m == nil {
		return
	}
	m.RateAdjustments.Inc()
	m.mu.Lock()
	m.window.RateAdjustments++
	m.allTime.RateAdjustments++
	m.mu.Unlock()
}

func (m *Metrics) ObserveQueueDepth(language string, depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(language).Set(float64(depth))
	m.mu.Lock()
	if depth > m.maxQueueSeen {
		m.maxQueueSeen = depth
	}
	m.mu.Unlock()
}

func (m *Metrics) ObserveDrops(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.DroppedEntries.Add(float64(count))
	m.mu.Lock()
	m.window.Dropped += int64(count)
	m.allTime.Dropped += int64(count)
	m.mu.Unlock()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.latencies.Observe(stage, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.latencies.ObserveIndicator(name)
}

// Snapshot is the JSON body of /api/metrics.
type Snapshot struct {
	GeneratedAt       time.Time        `json:"generated_at"`
	WindowStart       time.Time        `json:"window_start"`
	ActiveConnections int              `json:"active_connections"`
	PeakConnections   int              `json:"peak_connections"`
	Translations      int64            `json:"translations"`
	AvgLatencyMS      float64          `json:"avg_latency_ms"`
	RunningAvgMS      float64          `json:"running_avg_latency_ms"`
	Errors            map[string]int64 `json:"errors"`
	TTSUsage          map[string]int64 `json:"tts_usage"`
	RateAdjustments   int64            `json:"rate_adjustments"`
	MaxQueueDepth     int              `json:"max_queue_depth"`
	DroppedEntries    int64            `json:"dropped_entries"`
	Stages            StageSnapshot    `json:"stages"`
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	snap := Snapshot{
		GeneratedAt:       time.Now().UTC(),
		WindowStart:       m.windowStart,
		ActiveConnections: m.activeConns,
		PeakConnections:   m.peakConns,
		Translations:      m.window.Translations,
		AvgLatencyMS:      avgMS(m.window),
		RunningAvgMS:      avgMS(m.allTime),
		Errors:            copyCounts(m.window.Errors),
		TTSUsage:          copyCounts(m.window.TTSUsage),
		RateAdjustments:   m.window.RateAdjustments,
		MaxQueueDepth:     m.maxQueueSeen,
		DroppedEntries:    m.window.Dropped,
	}
	m.mu.Unlock()
	snap.Stages = m.latencies.Snapshot()
	return snap
}

// StartHourlyRollup resets the windowed counters every hour while the
// all-time running averages survive.
func (m *Metrics) StartHourlyRollup(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.rollup()
			}
		}
	}()
}

func (m *Metrics) rollup() {
	m.mu.Lock()
	m.window = newRollupCounters()
	m.windowStart = time.Now().UTC()
	m.maxQueueSeen = 0
	m.mu.Unlock()
	m.latencies.Reset()
}

func avgMS(c rollupCounters) float64 {
	if c.LatencyCount == 0 {
		return 0
	}
	return round2(c.LatencySumMS / float64(c.LatencyCount))
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
