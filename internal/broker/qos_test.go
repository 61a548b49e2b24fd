package broker

import (
	"testing"
	"time"

	"github.com/sablemq/sablemq/internal/packet"
)

func TestNextMessageIDSkipsInflight(t *testing.T) {
	q := NewClientQoS(10, 10, nil)

	first, ok := q.NextMessageID()
	if !ok || first != 1 {
		t.Fatalf("first id = %d, %v, want 1, true", first, ok)
	}
	q.AddOutboundInflight(&InflightMessage{MsgID: first})
	q.nextMsgID = 0 // rewind so the next candidate is the inflight id 1

	second, ok := q.NextMessageID()
	if !ok || second != 2 {
		t.Fatalf("second id = %d, %v, want 2, true (must skip id 1, still inflight)", second, ok)
	}
}

func TestNextMessageIDWrapsPast65535(t *testing.T) {
	q := NewClientQoS(10, 10, nil)
	q.nextMsgID = 65535

	id, ok := q.NextMessageID()
	if !ok || id != 1 {
		t.Fatalf("id after wrap = %d, %v, want 1, true", id, ok)
	}
}

func TestCanSendInflightRespectsMax(t *testing.T) {
	q := NewClientQoS(1, 10, nil)
	if !q.CanSendInflight() {
		t.Fatal("expected room for the first inflight message")
	}
	q.AddOutboundInflight(&InflightMessage{MsgID: 1})
	if q.CanSendInflight() {
		t.Fatal("expected no room once maxInflight is reached")
	}
}

func TestEnqueueQoS0EvictsOldestWhenFull(t *testing.T) {
	arena := NewPublicationArena()
	q := NewClientQoS(1, 2, arena)

	mk := func(topic string) *Publication { return arena.New(topic, []byte("x"), packet.QoSAtMostOnce, false) }

	q.Enqueue(QueuedMessage{Pub: mk("a"), QoS: packet.QoSAtMostOnce, Priority: PriorityNormal})
	q.Enqueue(QueuedMessage{Pub: mk("b"), QoS: packet.QoSAtMostOnce, Priority: PriorityNormal})
	if !q.Enqueue(QueuedMessage{Pub: mk("c"), QoS: packet.QoSAtMostOnce, Priority: PriorityNormal}) {
		t.Fatal("QoS 0 enqueue at capacity should evict the oldest and succeed")
	}

	drained := q.DrainQueued()
	if len(drained) != 2 {
		t.Fatalf("drained %d messages, want 2 (one evicted)", len(drained))
	}
	if drained[0].Topic() == "a" {
		t.Fatal("expected the oldest (a) to have been evicted, not retained")
	}
}

func TestEnqueueQoS1RejectsNewestWhenFull(t *testing.T) {
	arena := NewPublicationArena()
	q := NewClientQoS(1, 1, arena)

	q.Enqueue(QueuedMessage{Pub: arena.New("a", []byte("x"), packet.QoSAtLeastOnce, false), QoS: packet.QoSAtLeastOnce, Priority: PriorityNormal})

	if q.Enqueue(QueuedMessage{Pub: arena.New("b", []byte("y"), packet.QoSAtLeastOnce, false), QoS: packet.QoSAtLeastOnce, Priority: PriorityNormal}) {
		t.Fatal("QoS 1 enqueue at capacity must be rejected (newest-first drop), not evict the old one")
	}

	if got := q.QueuedCount(); got != 1 {
		t.Fatalf("QueuedCount = %d, want 1 (original message must survive)", got)
	}
}

func TestAckPubackReleasesInflightSlot(t *testing.T) {
	arena := NewPublicationArena()
	q := NewClientQoS(1, 10, arena)
	pub := arena.New("a", []byte("x"), packet.QoSAtLeastOnce, false)
	q.AddOutboundInflight(&InflightMessage{MsgID: 1, Pub: pub, QoS: packet.QoSAtLeastOnce, Sent: time.Now()})

	if q.CanSendInflight() {
		t.Fatal("window should be full before the ack")
	}

	msg, ok := q.AckPuback(1)
	if !ok || msg.Pub != pub {
		t.Fatalf("AckPuback() = %v, %v, want the original message", msg, ok)
	}
	if !q.CanSendInflight() {
		t.Fatal("window should have a free slot after the ack")
	}
}

func TestPublicationRefcountMatchesReferences(t *testing.T) {
	arena := NewPublicationArena()
	pub := arena.New("t", []byte("v"), packet.QoSAtLeastOnce, false)

	arena.Retain(pub)
	arena.Retain(pub)
	if pub.refCount != 3 {
		t.Fatalf("refCount = %d, want 3 (1 creation + 2 retains)", pub.refCount)
	}

	arena.Release(pub)
	arena.Release(pub)
	if _, ok := arena.Get(pub.ID); !ok {
		t.Fatal("publication should still be live with one reference left")
	}

	arena.Release(pub)
	if _, ok := arena.Get(pub.ID); ok {
		t.Fatal("publication should be gone once refcount reaches zero")
	}
}

func TestQoS2InboundDedup(t *testing.T) {
	q := NewClientQoS(10, 10, nil)
	pub := InboundPublish{Topic: "a", Payload: []byte("x"), QoS: packet.QoSExactlyOnce}

	if !q.MarkInboundReceived(5, pub) {
		t.Fatal("first receipt of msg id 5 should not be a duplicate")
	}
	if q.MarkInboundReceived(5, pub) {
		t.Fatal("second receipt of msg id 5 (retransmit) should be flagged a duplicate")
	}

	got, ok := q.TakeInbound(5)
	if !ok || got.Topic != "a" {
		t.Fatalf("TakeInbound(5) = %v, %v, want the stashed publish", got, ok)
	}
	if _, ok := q.TakeInbound(5); ok {
		t.Fatal("TakeInbound should only yield the publish once (PUBREL is not retried at this layer)")
	}

	if !q.MarkInboundReceived(5, pub) {
		t.Fatal("after TakeInbound clears the id, a fresh PUBLISH with the same id is not a duplicate")
	}
}
