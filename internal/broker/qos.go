package broker

import (
	"sync"
	"time"

	"github.com/sablemq/sablemq/internal/packet"
)

// Priority is the delivery band a queued message waits in when a
// client is offline or its inflight window is full.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	priorityCount
)

// InflightMessage is one QoS 1/2 message awaiting acknowledgment. It
// holds a reference into the Publication arena rather than its own
// payload copy, so N recipients of the same PUBLISH share one backing
// byte slice, interned and reference-counted.
type InflightMessage struct {
	MsgID    uint16
	Pub      *Publication
	QoS      packet.QoSLevel
	Retain   bool
	Sent     time.Time
	Retries  int
	PubRecvd bool // true once PUBREC has been received (QoS 2 only)
}

func (m *InflightMessage) Topic() string   { return m.Pub.Topic }
func (m *InflightMessage) Payload() []byte { return m.Pub.Payload }

// QueuedMessage is a message waiting for inflight capacity or for the
// client to reconnect, likewise holding a Publication reference
// instead of a private payload copy.
type QueuedMessage struct {
	Pub      *Publication
	QoS      packet.QoSLevel
	Retain   bool
	Priority Priority
}

func (m QueuedMessage) Topic() string   { return m.Pub.Topic }
func (m QueuedMessage) Payload() []byte { return m.Pub.Payload }

// InboundPublish is a QoS 2 PUBLISH body held by the receiver between
// PUBREC and PUBREL: a QoS 2 message must not be routed to
// subscribers until the sender's PUBREL confirms it, so the body has
// to be kept somewhere in the meantime instead of routed on arrival.
type InboundPublish struct {
	Topic   string
	Payload []byte
	QoS     packet.QoSLevel
	Retain  bool
}

// ClientQoS tracks one client's message-id allocation, outbound/inbound
// inflight windows, and queued bands. Owned exclusively by its Client;
// every method takes ClientQoS.mu itself, so callers need no lock of
// their own — no locking crosses client boundaries.
type ClientQoS struct {
	mu sync.Mutex

	nextMsgID uint16

	outboundInflight map[uint16]*InflightMessage
	inboundInflight  map[uint16]*InboundPublish // QoS2 packet ids received, awaiting PUBREL

	queued [priorityCount][]QueuedMessage

	maxInflight int
	maxQueued   int

	arena *PublicationArena
}

func NewClientQoS(maxInflight, maxQueued int, arena *PublicationArena) *ClientQoS {
	return &ClientQoS{
		outboundInflight: make(map[uint16]*InflightMessage),
		inboundInflight:  make(map[uint16]*InboundPublish),
		maxInflight:      maxInflight,
		maxQueued:        maxQueued,
		arena:            arena,
	}
}

// NextMessageID allocates the next free message id in 1..65535,
// skipping any id already in the outbound inflight table, and
// wrapping past 65535 back to 1. Returns false if every id is in use.
func (q *ClientQoS) NextMessageID() (uint16, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := 0; i < 65535; i++ {
		q.nextMsgID++
		if q.nextMsgID == 0 {
			q.nextMsgID = 1
		}
		if _, inUse := q.outboundInflight[q.nextMsgID]; !inUse {
			return q.nextMsgID, true
		}
	}
	return 0, false
}

// CanSendInflight reports whether the outbound inflight window has
// room for one more message.
func (q *ClientQoS) CanSendInflight() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.outboundInflight) < q.maxInflight
}

func (q *ClientQoS) AddOutboundInflight(msg *InflightMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.outboundInflight[msg.MsgID] = msg
}

// AckPuback removes a QoS 1 message once its PUBACK arrives.
func (q *ClientQoS) AckPuback(msgID uint16) (*InflightMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.outboundInflight[msgID]
	if ok {
		delete(q.outboundInflight, msgID)
	}
	return msg, ok
}

// AckPubrec marks a QoS 2 message as received by the peer; it stays
// inflight (now awaiting PUBCOMP) until AckPubcomp.
func (q *ClientQoS) AckPubrec(msgID uint16) (*InflightMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.outboundInflight[msgID]
	if ok {
		msg.PubRecvd = true
	}
	return msg, ok
}

func (q *ClientQoS) AckPubcomp(msgID uint16) (*InflightMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg, ok := q.outboundInflight[msgID]
	if ok {
		delete(q.outboundInflight, msgID)
	}
	return msg, ok
}

// MarkInboundReceived records a QoS 2 PUBLISH's body as received,
// awaiting the sender's PUBREL — we are the receiver and must not
// route it to subscribers until then, and must not store it twice on
// retransmit. Returns true if this is the first time this id was
// seen.
func (q *ClientQoS) MarkInboundReceived(msgID uint16, pub InboundPublish) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.inboundInflight[msgID]; dup {
		return false
	}
	q.inboundInflight[msgID] = &pub
	return true
}

// TakeInbound removes and returns the QoS 2 publish body stored under
// msgID, once its PUBREL has arrived — the only point at which a QoS
// 2 message may be routed to subscribers. ok is false if no publish
// was ever recorded under this id (PUBREL with no matching PUBLISH).
func (q *ClientQoS) TakeInbound(msgID uint16) (InboundPublish, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pub, ok := q.inboundInflight[msgID]
	if !ok {
		return InboundPublish{}, false
	}
	delete(q.inboundInflight, msgID)
	return *pub, true
}

// RetryDue returns every outbound inflight message still awaiting
// PUBACK/PUBREC (PubRecvd == false) older than interval, marking them
// for retransmission with DUP set.
func (q *ClientQoS) RetryDue(interval time.Duration) []*InflightMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var due []*InflightMessage
	for _, msg := range q.outboundInflight {
		if msg.PubRecvd {
			continue // PUBREL retries, see RetryDuePubrel
		}
		if now.Sub(msg.Sent) >= interval {
			msg.Sent = now
			msg.Retries++
			due = append(due, msg)
		}
	}
	return due
}

// RetryDuePubrel returns every outbound QoS 2 message in the
// PUBREL_SENT state (PubRecvd == true, awaiting PUBCOMP) older than
// interval, for PUBREL resend.
func (q *ClientQoS) RetryDuePubrel(interval time.Duration) []*InflightMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var due []*InflightMessage
	for _, msg := range q.outboundInflight {
		if !msg.PubRecvd {
			continue
		}
		if now.Sub(msg.Sent) >= interval {
			msg.Sent = now
			msg.Retries++
			due = append(due, msg)
		}
	}
	return due
}

// Enqueue appends a message to its priority band. Once maxQueued is
// reached the two QoS bands are dropped differently: a
// new QoS 0 message evicts the oldest queued QoS 0 message to make
// room (oldest-first, since QoS 0 has no redelivery guarantee to lose),
// and is itself discarded if every queued message is QoS 1/2;
// a new QoS ≥ 1 message is itself rejected instead (newest-first),
// so the sender never gets an ack and its own retry timer provides
// backpressure. Returns false if the message was discarded.
func (q *ClientQoS) Enqueue(msg QueuedMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := 0
	for _, band := range q.queued {
		total += len(band)
	}

	if total >= q.maxQueued {
		if msg.QoS != packet.QoSAtMostOnce {
			return false
		}
		if !q.evictOldestLocked() {
			return false
		}
	}

	q.queued[msg.Priority] = append(q.queued[msg.Priority], msg)
	return true
}

func (q *ClientQoS) evictOldestLocked() bool {
	for p := PriorityLow; p < priorityCount; p++ {
		for i, evicted := range q.queued[p] {
			if evicted.QoS != packet.QoSAtMostOnce {
				continue
			}
			q.queued[p] = append(q.queued[p][:i], q.queued[p][i+1:]...)
			if q.arena != nil {
				q.arena.Release(evicted.Pub)
			}
			return true
		}
	}
	return false
}

// DrainQueued removes and returns every queued message, high priority
// first, for replay once the client reconnects or inflight capacity
// frees up.
func (q *ClientQoS) DrainQueued() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []QueuedMessage
	for p := PriorityHigh; p >= PriorityLow; p-- {
		out = append(out, q.queued[p]...)
		q.queued[p] = nil
	}
	return out
}

// ReleaseAll releases the arena reference held by every outbound
// inflight and queued message, then clears both tables. Called when a
// session is torn down (clean-session disconnect, or a persistent
// session displaced by a clean reconnect under the same client id) so
// abandoned Publications don't linger in the arena forever.
func (q *ClientQoS) ReleaseAll() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.arena != nil {
		for _, msg := range q.outboundInflight {
			q.arena.Release(msg.Pub)
		}
		for _, band := range q.queued {
			for _, msg := range band {
				q.arena.Release(msg.Pub)
			}
		}
	}
	q.outboundInflight = make(map[uint16]*InflightMessage)
	for p := range q.queued {
		q.queued[p] = nil
	}
}

// QueuedCount reports how many messages across all bands are waiting.
func (q *ClientQoS) QueuedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, band := range q.queued {
		total += len(band)
	}
	return total
}
