package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mtliou/speechrelay/internal/config"
	"github.com/mtliou/speechrelay/internal/observability"
	"github.com/mtliou/speechrelay/internal/protocol"
)

// Coordinator is the relay surface the edge transport drives.
type Coordinator interface {
	HandleSpeakerJoin(connID string, ev protocol.SpeakerJoin)
	HandleTranscript(connID string, ev protocol.Transcript)
	HandleListenerJoin(connID string, ev protocol.ListenerJoin)
	HandleChangeLanguage(connID string, ev protocol.ChangeLanguage)
	HandleUpdateVoice(connID string, ev protocol.UpdateVoice)
	HandleListenerLeave(connID string, ev protocol.ListenerLeave)
	HandleDisconnect(connID string)
}

type Server struct {
	cfg         config.Config
	coordinator Coordinator
	registry    *ConnRegistry
	metrics     *observability.Metrics
	log         zerolog.Logger
	upgrader    websocket.Upgrader
}

func New(cfg config.Config, registry *ConnRegistry, coordinator Coordinator, metrics *observability.Metrics, log zerolog.Logger) *Server {
	return &Server{
		cfg:         cfg,
		coordinator: coordinator,
		registry:    registry,
		metrics:     metrics,
		log:         log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so third-party pages cannot drive a session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/api/metrics", s.handleMetricsSnapshot)
	r.Get("/api/speech/token", s.handleSpeechToken)
	r.Get("/ws", s.handleWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"method":  r.Method,
		"version": s.cfg.Version,
	})
}

func (s *Server) handleMetricsSnapshot(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	outbound := s.registry.register(connID)
	s.metrics.ConnectionOpened()
	s.log.Debug().Str("conn", connID).Msg("edge connection opened")

	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writePump(conn, outbound, done, s.metrics)
	}()

	conn.SetReadLimit(2 << 20)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.registry.Send(connID, protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Detail: err.Error(),
			})
			continue
		}
		if t, ok := protocol.MessageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		s.dispatch(connID, parsed)
	}

	close(done)
	s.registry.unregister(connID)
	s.coordinator.HandleDisconnect(connID)
	s.metrics.ConnectionClosed()
	<-writerDone
	s.log.Debug().Str("conn", connID).Msg("edge connection closed")
}

func (s *Server) dispatch(connID string, parsed any) {
	switch ev := parsed.(type) {
	case protocol.SpeakerJoin:
		s.coordinator.HandleSpeakerJoin(connID, ev)
	case protocol.Transcript:
		s.coordinator.HandleTranscript(connID, ev)
	case protocol.ListenerJoin:
		s.coordinator.HandleListenerJoin(connID, ev)
	case protocol.ChangeLanguage:
		s.coordinator.HandleChangeLanguage(connID, ev)
	case protocol.UpdateVoice:
		s.coordinator.HandleUpdateVoice(connID, ev)
	case protocol.ListenerLeave:
		s.coordinator.HandleListenerLeave(connID, ev)
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
