package gateway

import (
	"encoding/json"
	"time"
)

// Server message types. The type string doubles as the drop-priority
// class: candle updates are the only droppable kind under backpressure.
const (
	MsgSubscribed = "subscribed"
	MsgCandle     = "candle:update"
	MsgPrediction = "prediction:update"
	MsgTraining   = "training:status"
	MsgPong       = "pong"
	MsgError      = "error"
)

// Client actions.
const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
	actionPing        = "ping"
)

// clientMsg is the single inbound message shape.
type clientMsg struct {
	Action    string `json:"action"`
	Symbol    string `json:"symbol,omitempty"`
	Timeframe string `json:"timeframe,omitempty"`
}

// serverMsg is the outbound envelope.
type serverMsg struct {
	Type      string          `json:"type"`
	Symbol    string          `json:"symbol,omitempty"`
	Timeframe string          `json:"timeframe,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	ServerTS  int64           `json:"server_ts,omitempty"`
}

// frame encodes a server message. Marshal of this shape cannot fail.
func frame(msg serverMsg) outMsg {
	b, _ := json.Marshal(msg)
	return outMsg{kind: msg.Type, payload: b}
}

func pongFrame() outMsg {
	return frame(serverMsg{Type: MsgPong, ServerTS: time.Now().UnixMilli()})
}

func errorFrame(message string) outMsg {
	return frame(serverMsg{Type: MsgError, Message: message})
}
