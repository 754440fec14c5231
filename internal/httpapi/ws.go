package httpapi

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mtliou/speechrelay/internal/observability"
	"github.com/mtliou/speechrelay/internal/protocol"
)

const outboundBuffer = 256

// ConnRegistry tracks live websocket connections and implements the relay's
// Sender contract. Writes stay single-threaded per connection via the
// outbound pump; a saturated queue drops the message rather than blocking
// the pipeline.
type ConnRegistry struct {
	mu      sync.RWMutex
	conns   map[string]chan any
	metrics *observability.Metrics
}

func NewConnRegistry(metrics *observability.Metrics) *ConnRegistry {
	return &ConnRegistry{
		conns:   make(map[string]chan any),
		metrics: metrics,
	}
}

func (r *ConnRegistry) register(connID string) chan any {
	outbound := make(chan any, outboundBuffer)
	r.mu.Lock()
	r.conns[connID] = outbound
	r.mu.Unlock()
	return outbound
}

func (r *ConnRegistry) unregister(connID string) {
	r.mu.Lock()
	delete(r.conns, connID)
	r.mu.Unlock()
}

// Send queues one message for a connection. False means the connection is
// gone or its queue is saturated.
func (r *ConnRegistry) Send(connID string, msg any) bool {
	r.mu.RLock()
	outbound, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case outbound <- msg:
		if t, ok := protocol.MessageTypeOf(msg); ok {
			r.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
		}
		return true
	default:
		r.metrics.WSWriteErrors.WithLabelValues("queue_full").Inc()
		return false
	}
}

// writePump drains the outbound queue onto the websocket until done is
// closed, the queue is closed, or a write fails.
func writePump(conn *websocket.Conn, outbound <-chan any, done <-chan struct{}, metrics *observability.Metrics) {
	for {
		select {
		case <-done:
			return
		case msg, ok := <-outbound:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
				return
			}
		}
	}
}
