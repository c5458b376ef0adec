package gateway

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"prediction-systemv1/internal/model"
)

const (
	// DefaultHeartbeat and DefaultPongTimeout apply when the hub config
	// leaves them zero.
	DefaultHeartbeat   = 30 * time.Second
	DefaultPongTimeout = 60 * time.Second

	writeTimeout    = 10 * time.Second
	maxInboundBytes = 4096

	// sendFailLimit closes the session after this many consecutive
	// socket write failures.
	sendFailLimit = 2
)

// wsConn is the slice of *websocket.Conn the session uses; tests
// substitute a scripted connection.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Session is one websocket peer. It holds at most one subscription at a
// time; subscribing to a new topic replaces the old one. Closure is
// terminal and idempotent across the disconnect paths.
type Session struct {
	hub  *Hub
	conn wsConn
	out  *outbox
	done chan struct{}
	once sync.Once
}

func newSession(hub *Hub, conn wsConn) *Session {
	return &Session{
		hub:  hub,
		conn: conn,
		out:  newOutbox(hub.queueDepth),
		done: make(chan struct{}),
	}
}

// send queues a frame, reporting drops to the hub's observer.
func (s *Session) send(m outMsg) {
	if dropped := s.out.push(m); dropped != "" {
		s.hub.noteDrop(dropped)
	}
}

// close tears the session down exactly once: deregisters it, stops the
// outbox, and closes the socket. Every disconnect path funnels here.
func (s *Session) close() {
	s.once.Do(func() {
		s.hub.removeSession(s)
		s.out.close()
		close(s.done)
		s.conn.Close()
	})
}

// writePump drains the outbox serially and owns all socket writes,
// including the heartbeat ping.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.hub.heartbeat)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	failures := 0
	for {
		select {
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-s.out.notify:
			for _, m := range s.out.drain() {
				s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := s.conn.WriteMessage(websocket.TextMessage, m.payload); err != nil {
					failures++
					if failures >= sendFailLimit {
						log.Printf("[fabric] closing session after %d consecutive send failures: %v", failures, err)
						return
					}
					continue
				}
				failures = 0
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes client messages until the connection drops or the
// peer goes quiet past the pong timeout.
func (s *Session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(maxInboundBytes)
	s.conn.SetReadDeadline(time.Now().Add(s.hub.pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.hub.pongTimeout))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.hub.pongTimeout))

		var msg clientMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.send(errorFrame("invalid message"))
			continue
		}
		s.handle(msg)
	}
}

func (s *Session) handle(msg clientMsg) {
	switch msg.Action {
	case actionSubscribe:
		s.handleSubscribe(msg)
	case actionUnsubscribe:
		s.hub.unsubscribe(s)
	case actionPing:
		s.send(pongFrame())
	default:
		s.send(errorFrame("unknown action"))
	}
}

func (s *Session) handleSubscribe(msg clientMsg) {
	if !model.ValidSymbol(msg.Symbol) {
		s.send(errorFrame("invalid symbol"))
		return
	}
	tf, err := model.ParseTimeframe(msg.Timeframe)
	if err != nil {
		s.send(errorFrame("invalid timeframe"))
		return
	}

	topic := model.Topic{Symbol: msg.Symbol, Timeframe: tf}
	s.hub.subscribe(s, topic)
	s.send(frame(serverMsg{Type: MsgSubscribed, Symbol: topic.Symbol, Timeframe: string(tf)}))
	s.sendSnapshot(topic)
}

// sendSnapshot pushes the latest known candle and prediction for the new
// topic so the client renders immediately instead of waiting for the
// next scheduler tick.
func (s *Session) sendSnapshot(topic model.Topic) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.hub.candles != nil {
		if c, err := s.hub.candles.Latest(ctx, topic.Symbol, topic.Timeframe); err == nil && c != nil {
			s.send(dataFrame(MsgCandle, topic, c))
		}
	}
	if s.hub.audit != nil {
		if p, err := s.hub.audit.LatestPrediction(ctx, topic.Symbol, topic.Timeframe); err == nil && p != nil {
			s.send(dataFrame(MsgPrediction, topic, p))
		}
	}
}

func dataFrame(kind string, topic model.Topic, payload any) outMsg {
	raw, _ := json.Marshal(payload)
	return frame(serverMsg{
		Type:      kind,
		Symbol:    topic.Symbol,
		Timeframe: string(topic.Timeframe),
		Data:      raw,
	})
}
