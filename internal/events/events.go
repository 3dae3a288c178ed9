// Package events implements the job-status broadcast surface: every
// transition internal/jobs.Tracker makes (registered, started, progress,
// completed, failed) can be published to one or more EventSink
// implementations, one of which is a websocket broadcast Hub admin
// observers can subscribe to. It is grounded on coordinator/coordinator.go's
// buffered-send-channel-plus-goroutine shape, re-purposed from an
// outbound reconnecting client (one connection to when-v3) into an
// inbound broadcast hub (N subscriber connections, no reconnect logic
// needed since the server is the stable endpoint here).
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/sourcewell/goldenindex/internal/model"
)

// Event is one job-lifecycle notification.
type Event struct {
	Type          string            `json:"type"`
	JobID         string            `json:"jobID"`
	OperationType model.JobOperation `json:"operationType"`
	Status        model.JobStatus   `json:"status"`
	RepoAlias     string            `json:"repoAlias,omitempty"`
	Progress      int               `json:"progress,omitempty"`
	Error         string            `json:"error,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Event type constants.
const (
	TypeJobRegistered = "job_registered"
	TypeJobStarted    = "job_started"
	TypeJobProgress   = "job_progress"
	TypeJobCompleted  = "job_completed"
	TypeJobFailed     = "job_failed"
)

// Sink receives job-lifecycle events. Publish must never block the
// caller on a slow subscriber -- implementations that fan out to
// network clients (Hub) drop rather than stall.
type Sink interface {
	Publish(evt Event)
}

// LogSink publishes every event as a structured log line. Grounded on
// the teacher's component-scoped *logrus.Entry convention used
// throughout (e.g. coordinator.Coordinator.logger).
type LogSink struct {
	log *logrus.Entry
}

// NewLogSink builds a LogSink.
func NewLogSink(log *logrus.Entry) *LogSink {
	return &LogSink{log: log.WithField("component", "events")}
}

// Publish logs evt at Info level with its fields flattened.
func (s *LogSink) Publish(evt Event) {
	s.log.WithFields(logrus.Fields{
		"event_type":     evt.Type,
		"job_id":         evt.JobID,
		"operation_type": evt.OperationType,
		"status":         evt.Status,
		"repo_alias":     evt.RepoAlias,
		"progress":       evt.Progress,
	}).Info("job event")
}

// MultiSink fans a single Publish call out to every wrapped Sink.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink composes sinks into one.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Publish calls Publish on every wrapped sink.
func (m *MultiSink) Publish(evt Event) {
	for _, s := range m.sinks {
		s.Publish(evt)
	}
}

// Hub is a websocket broadcast Sink: every event Published is fanned out
// to every currently-registered client connection. Grounded on
// coordinator.Coordinator's buffered sendChan + dedicated sender
// goroutine per connection (here: one sender goroutine per *subscriber*
// instead of one per outbound dial).
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	log     *logrus.Entry
}

type client struct {
	conn *websocket.Conn
	send chan Event
}

// NewHub builds an empty Hub.
func NewHub(log *logrus.Entry) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		log:     log.WithField("component", "events.hub"),
	}
}

// Register adopts conn as a broadcast subscriber and starts its writer
// goroutine plus a reader goroutine that discards incoming frames. The
// client is released when the reader sees the peer disconnect or the
// writer loop exits on a write error.
func (h *Hub) Register(conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan Event, 32)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.unregister(c)
				return
			}
		}
	}()
}

// unregister removes c and closes its send channel. Safe to call even if
// the client was already removed.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Publish fans evt out to every registered client. A client whose send
// buffer is full is dropped rather than allowed to stall the broadcast
// for everyone else.
func (h *Hub) Publish(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- evt:
		default:
			h.log.Warn("subscriber send buffer full, dropping connection")
			delete(h.clients, c)
			close(c.send)
			_ = c.conn.Close()
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	defer func() {
		h.unregister(c)
		_ = c.conn.Close()
	}()

	for evt := range c.send {
		data, err := json.Marshal(evt)
		if err != nil {
			h.log.WithError(err).Warn("failed to marshal event")
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.log.WithError(err).Debug("subscriber write failed, disconnecting")
			return
		}
	}
}

// ClientCount reports the number of currently-registered subscribers,
// for diagnostics.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
