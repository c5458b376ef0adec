// Package gateway is the subscription fabric: long-lived websocket
// sessions, each holding at most one (symbol, timeframe) subscription,
// receiving topic-filtered candle, prediction, and training broadcasts.
package gateway

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"prediction-systemv1/internal/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Hub is the session registry and broadcast fan-out. It implements
// model.Broadcaster. The registry is guarded by a reader-writer lock:
// register/remove take the writer, broadcast iteration the reader.
type Hub struct {
	// Snapshot sources for new subscriptions; either may be nil.
	candles model.CandleStore
	audit   model.AuditStore

	queueDepth  int
	heartbeat   time.Duration
	pongTimeout time.Duration

	// Metric observers; either may be nil.
	onDrop     func(kind string)
	onSessions func(count int)

	mu       sync.RWMutex
	sessions map[*Session]model.Topic // zero Topic = connected, unsubscribed
	byTopic  map[model.Topic]map[*Session]struct{}
}

// HubConfig configures the fabric.
type HubConfig struct {
	Candles    model.CandleStore
	Audit      model.AuditStore
	QueueDepth int

	// Heartbeat is the server ping interval; PongTimeout drops sessions
	// that stay quiet past it. Zero takes the defaults.
	Heartbeat   time.Duration
	PongTimeout time.Duration

	OnDrop     func(kind string)
	OnSessions func(count int)
}

// NewHub creates the fabric.
func NewHub(cfg HubConfig) *Hub {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = DefaultPongTimeout
	}
	return &Hub{
		candles:     cfg.Candles,
		audit:       cfg.Audit,
		queueDepth:  cfg.QueueDepth,
		heartbeat:   cfg.Heartbeat,
		pongTimeout: cfg.PongTimeout,
		onDrop:      cfg.OnDrop,
		onSessions:  cfg.OnSessions,
		sessions:    make(map[*Session]model.Topic),
		byTopic:     make(map[model.Topic]map[*Session]struct{}),
	}
}

// HandleWS upgrades the request and runs the session pumps.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[fabric] upgrade failed: %v", err)
		return
	}

	s := newSession(h, conn)
	h.mu.Lock()
	h.sessions[s] = model.Topic{}
	count := len(h.sessions)
	h.mu.Unlock()
	log.Printf("[fabric] session connected (%d total)", count)
	h.noteSessions(count)

	go s.writePump()
	go s.readPump()
}

// subscribe points the session at topic, replacing any prior topic.
func (h *Hub) subscribe(s *Session, topic model.Topic) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev, ok := h.sessions[s]
	if !ok {
		return // already removed
	}
	h.detachLocked(s, prev)
	h.sessions[s] = topic
	set, ok := h.byTopic[topic]
	if !ok {
		set = make(map[*Session]struct{})
		h.byTopic[topic] = set
	}
	set[s] = struct{}{}
	log.Printf("[fabric] session subscribed to %s", topic.Key())
}

// unsubscribe clears the session's topic but keeps it connected.
func (h *Hub) unsubscribe(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev, ok := h.sessions[s]
	if !ok {
		return
	}
	h.detachLocked(s, prev)
	h.sessions[s] = model.Topic{}
}

// removeSession deregisters the session. Safe to call from any
// disconnect path; Session.close guarantees it runs once.
func (h *Hub) removeSession(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev, ok := h.sessions[s]
	if !ok {
		return
	}
	h.detachLocked(s, prev)
	delete(h.sessions, s)
	count := len(h.sessions)
	log.Printf("[fabric] session disconnected (%d total)", count)
	h.noteSessions(count)
}

func (h *Hub) detachLocked(s *Session, topic model.Topic) {
	if topic == (model.Topic{}) {
		return
	}
	if set, ok := h.byTopic[topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.byTopic, topic)
		}
	}
}

// BroadcastCandle implements model.Broadcaster.
func (h *Hub) BroadcastCandle(c *model.Candle) {
	h.broadcast(MsgCandle, model.Topic{Symbol: c.Symbol, Timeframe: c.Timeframe}, c)
}

// BroadcastPrediction implements model.Broadcaster.
func (h *Hub) BroadcastPrediction(p *model.MergedPrediction) {
	h.broadcast(MsgPrediction, model.Topic{Symbol: p.Symbol, Timeframe: p.Timeframe}, p)
}

// BroadcastTraining implements model.Broadcaster.
func (h *Hub) BroadcastTraining(rec *model.TrainingRecord) {
	h.broadcast(MsgTraining, model.Topic{Symbol: rec.Symbol, Timeframe: rec.Timeframe}, rec)
}

func (h *Hub) broadcast(kind string, topic model.Topic, payload any) {
	h.mu.RLock()
	set := h.byTopic[topic]
	if len(set) == 0 {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Session, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	m := dataFrame(kind, topic, payload)
	for _, s := range targets {
		s.send(m)
	}
}

// ActiveTopics implements model.Broadcaster: the topics with at least
// one subscribed session.
func (h *Hub) ActiveTopics() []model.Topic {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]model.Topic, 0, len(h.byTopic))
	for topic := range h.byTopic {
		out = append(out, topic)
	}
	return out
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) noteDrop(kind string) {
	if h.onDrop != nil {
		h.onDrop(kind)
	}
}

func (h *Hub) noteSessions(count int) {
	if h.onSessions != nil {
		h.onSessions(count)
	}
}
