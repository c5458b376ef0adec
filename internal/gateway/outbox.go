package gateway

import "sync"

// DefaultQueueDepth bounds each session's outbound queue.
const DefaultQueueDepth = 64

// outMsg is one queued outbound frame.
type outMsg struct {
	kind    string
	payload []byte
}

// outbox is a session's outbound queue with type-aware backpressure: the
// depth bounds candle traffic only. Candles overflow oldest-first (or the
// incoming one loses when none are queued); prediction and training
// messages are always admitted, even past depth. The writer drains it
// serially, so per-session writes never interleave.
type outbox struct {
	mu     sync.Mutex
	depth  int
	msgs   []outMsg
	notify chan struct{}
	closed bool
}

func newOutbox(depth int) *outbox {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &outbox{
		depth:  depth,
		msgs:   make([]outMsg, 0, depth),
		notify: make(chan struct{}, 1),
	}
}

// push enqueues m, evicting per the overflow policy when full. Returns
// the kind of the message dropped, or "" when nothing was dropped.
func (o *outbox) push(m outMsg) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ""
	}

	dropped := ""
	if m.kind == MsgCandle && len(o.msgs) >= o.depth {
		if i := o.oldestCandle(); i >= 0 {
			dropped = o.msgs[i].kind
			o.msgs = append(o.msgs[:i], o.msgs[i+1:]...)
		} else {
			// Queue is all non-droppable traffic; the incoming candle
			// loses instead.
			return m.kind
		}
	}

	o.msgs = append(o.msgs, m)
	select {
	case o.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (o *outbox) oldestCandle() int {
	for i := range o.msgs {
		if o.msgs[i].kind == MsgCandle {
			return i
		}
	}
	return -1
}

// drain returns and clears all queued messages.
func (o *outbox) drain() []outMsg {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.msgs
	o.msgs = make([]outMsg, 0, o.depth)
	return out
}

// close stops accepting messages.
func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.msgs = nil
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.msgs)
}
