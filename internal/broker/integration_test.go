package broker

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sablemq/sablemq/internal/config"
	"github.com/sablemq/sablemq/internal/logger"
	"github.com/sablemq/sablemq/internal/metrics"
	"github.com/sablemq/sablemq/internal/packet"
)

// These tests drive HandleConnect/HandlePublish/HandlePubRel/HandlePubAck
// together over in-memory net.Pipe() connections, exercising the same
// protocol state machine a live TCP client would, end to end.

func newTestBroker() *Broker {
	cfg := &config.Config{
		MaxInflightMessages: 10,
		MaxQueuedMessages:   10,
		RetryIntervalSec:    30,
	}
	log := logger.New(logger.Config{Level: logger.LevelError, Format: "text", Output: io.Discard})
	return New(cfg, nil, metrics.New(prometheus.NewRegistry()), log)
}

// connectClient runs HandleConnect over one end of a net.Pipe and
// attaches the other end as the client's live connection, returning
// the Client and that far end for the test to read/write on.
func connectClient(t *testing.T, b *Broker, id string, cleanSession bool) (*Client, net.Conn) {
	t.Helper()
	serverSide, clientSide := net.Pipe()

	ack, client, ok := b.HandleConnect(serverSide, &packet.ConnectPacket{ClientID: id, CleanSession: cleanSession})
	if !ok {
		t.Fatalf("HandleConnect(%s) rejected the session", id)
	}
	if len(ack) == 0 {
		t.Fatalf("HandleConnect(%s) returned no CONNACK", id)
	}
	return client, clientSide
}

// readPacket reads and parses exactly one packet from conn, failing the
// test if none arrives within the deadline.
func readPacket(t *testing.T, conn net.Conn, timeout time.Duration) *packet.ParsedPacket {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("expected a packet, got read error: %v", err)
	}
	parsed, err := packet.Parse(buf[:n])
	if err != nil {
		t.Fatalf("failed to parse received packet: %v", err)
	}
	return parsed
}

// expectNoPacket asserts no bytes arrive on conn within timeout.
func expectNoPacket(t *testing.T, conn net.Conn, timeout time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if err == nil {
		t.Fatalf("expected no packet, got %d bytes", n)
	}
}

// Scenario 1: QoS 0 delivery reaches the subscriber exactly once, with
// no PUBACK exchanged on either side.
func TestIntegrationQoS0Delivery(t *testing.T) {
	b := newTestBroker()

	a, aConn := connectClient(t, b, "a", true)
	_, bConn := connectClient(t, b, "b", true)
	defer aConn.Close()
	defer bConn.Close()

	bClient, _ := b.registry.Get("b")
	suback, ok := b.HandleSubscribe(bClient, &packet.SubscribePacket{
		PacketID: 1,
		Filters:  []packet.SubscribeFilter{{Topic: "topic/x", QoS: packet.QoSAtMostOnce}},
	})
	if !ok || suback == nil {
		t.Fatal("subscribe to topic/x should be granted")
	}

	go func() {
		ack := b.HandlePublish(a, &packet.PublishPacket{Topic: "topic/x", Payload: []byte("hi"), QoS: packet.QoSAtMostOnce})
		if ack != nil {
			t.Error("QoS 0 publish must produce no ack")
		}
	}()

	got := readPacket(t, bConn, time.Second)
	if got.Type != packet.PUBLISH || got.Publish.Topic != "topic/x" || string(got.Publish.Payload) != "hi" {
		t.Fatalf("B received %+v, want PUBLISH topic/x \"hi\"", got)
	}
	if got.Publish.QoS != packet.QoSAtMostOnce {
		t.Fatalf("delivered QoS = %v, want QoS 0", got.Publish.QoS)
	}

	expectNoPacket(t, bConn, 50*time.Millisecond)
}

// Scenario 2: an unacknowledged QoS 1 delivery is resent with DUP=1
// after the retry interval, and freed once the real PUBACK arrives.
func TestIntegrationQoS1Retry(t *testing.T) {
	b := newTestBroker()

	a, aConn := connectClient(t, b, "a", true)
	bClient, bConn := connectClient(t, b, "b", true)
	defer aConn.Close()
	defer bConn.Close()

	if _, ok := b.HandleSubscribe(bClient, &packet.SubscribePacket{
		PacketID: 1,
		Filters:  []packet.SubscribeFilter{{Topic: "topic/x", QoS: packet.QoSAtLeastOnce}},
	}); !ok {
		t.Fatal("subscribe to topic/x should be granted")
	}

	packetID := uint16(7)
	var ack []byte
	done := make(chan struct{})
	go func() {
		ack = b.HandlePublish(a, &packet.PublishPacket{
			Topic: "topic/x", Payload: []byte("p"), QoS: packet.QoSAtLeastOnce, PacketID: &packetID,
		})
		close(done)
	}()

	first := readPacket(t, bConn, time.Second)
	<-done
	if first.Type != packet.PUBLISH || first.Publish.DUP {
		t.Fatalf("first delivery = %+v, want PUBLISH with DUP=0", first)
	}
	if ack == nil {
		t.Fatal("A's QoS 1 publish should get a PUBACK")
	}

	// Force the inflight entry to look overdue and let the
	// housekeeping retry sweep resend it.
	bClient.QoS.mu.Lock()
	for _, msg := range bClient.QoS.outboundInflight {
		msg.Sent = time.Now().Add(-time.Hour)
	}
	bClient.QoS.mu.Unlock()

	b.retryInflight(0)

	second := readPacket(t, bConn, time.Second)
	if second.Type != packet.PUBLISH || !second.Publish.DUP {
		t.Fatalf("retried delivery = %+v, want PUBLISH with DUP=1", second)
	}
	if second.Publish.PacketID == nil || string(second.Publish.Payload) != "p" {
		t.Fatalf("retried delivery payload/id mismatch: %+v", second)
	}

	b.HandlePubAck(bClient, *second.Publish.PacketID)
	if bClient.QoS.CanSendInflight() != true || len(bClient.QoS.outboundInflight) != 0 {
		t.Fatal("PUBACK should free the inflight slot")
	}
}

// Scenario 3: a QoS 2 publish is only routed to subscribers once PUBREL
// arrives, a retransmitted PUBLISH re-acks without double-routing, and a
// retransmitted PUBREL re-acks without double-delivering.
func TestIntegrationQoS2ExactlyOnce(t *testing.T) {
	b := newTestBroker()

	a, aConn := connectClient(t, b, "a", true)
	bClient, bConn := connectClient(t, b, "b", true)
	defer aConn.Close()
	defer bConn.Close()

	if _, ok := b.HandleSubscribe(bClient, &packet.SubscribePacket{
		PacketID: 1,
		Filters:  []packet.SubscribeFilter{{Topic: "topic/x", QoS: packet.QoSExactlyOnce}},
	}); !ok {
		t.Fatal("subscribe to topic/x should be granted")
	}

	packetID := uint16(1)
	pubPkt := &packet.PublishPacket{Topic: "topic/x", Payload: []byte("p"), QoS: packet.QoSExactlyOnce, PacketID: &packetID}

	ack := b.HandlePublish(a, pubPkt)
	if len(ack) == 0 {
		t.Fatal("first PUBLISH(1) should get a PUBREC")
	}
	pubrec, err := packet.ParseAck(ack, packet.PUBREC)
	if err != nil || pubrec.PacketID != 1 {
		t.Fatalf("expected PUBREC(1), got %v, %v", pubrec, err)
	}

	// Nothing must reach B before PUBREL.
	expectNoPacket(t, bConn, 50*time.Millisecond)

	// Sender retries the PUBLISH (DUP=1): must ack again, without
	// routing a second time.
	pubPkt.DUP = true
	ack = b.HandlePublish(a, pubPkt)
	pubrec, err = packet.ParseAck(ack, packet.PUBREC)
	if err != nil || pubrec.PacketID != 1 {
		t.Fatalf("retried PUBLISH(1) should still get PUBREC(1), got %v, %v", pubrec, err)
	}
	expectNoPacket(t, bConn, 50*time.Millisecond)

	var compAck []byte
	done := make(chan struct{})
	go func() {
		compAck = b.HandlePubRel(a, 1)
		close(done)
	}()

	delivered := readPacket(t, bConn, time.Second)
	<-done
	if delivered.Type != packet.PUBLISH || string(delivered.Publish.Payload) != "p" {
		t.Fatalf("B should receive PUBLISH(\"p\") only after PUBREL, got %+v", delivered)
	}
	pubcomp, err := packet.ParseAck(compAck, packet.PUBCOMP)
	if err != nil || pubcomp.PacketID != 1 {
		t.Fatalf("expected PUBCOMP(1), got %v, %v", pubcomp, err)
	}

	// A retransmitted PUBREL (no matching stashed publish left) must
	// ack again without delivering a second copy to B.
	compAck = b.HandlePubRel(a, 1)
	if _, err := packet.ParseAck(compAck, packet.PUBCOMP); err != nil {
		t.Fatalf("repeated PUBREL(1) should still produce a PUBCOMP, got %v", err)
	}
	expectNoPacket(t, bConn, 50*time.Millisecond)
}

// Scenario 4: a persistent session's queued message is delivered fresh
// (DUP=0) on reconnect, rather than waiting for a retry-tick resend.
func TestIntegrationPersistentSessionResume(t *testing.T) {
	b := newTestBroker()

	bClient, bConn := connectClient(t, b, "b", false)
	if _, ok := b.HandleSubscribe(bClient, &packet.SubscribePacket{
		PacketID: 1,
		Filters:  []packet.SubscribeFilter{{Topic: "foo", QoS: packet.QoSAtLeastOnce}},
	}); !ok {
		t.Fatal("subscribe to foo should be granted")
	}

	b.HandleDisconnect(bClient)
	bConn.Close()
	if bClient.Connected {
		t.Fatal("B should be marked disconnected after a graceful DISCONNECT")
	}

	a, aConn := connectClient(t, b, "a", true)
	defer aConn.Close()

	packetID := uint16(1)
	b.HandlePublish(a, &packet.PublishPacket{Topic: "foo", Payload: []byte("1"), QoS: packet.QoSAtLeastOnce, PacketID: &packetID})

	if bClient.QoS.QueuedCount() != 1 {
		t.Fatalf("message to an offline persistent client should be queued, QueuedCount = %d", bClient.QoS.QueuedCount())
	}
	if len(bClient.QoS.outboundInflight) != 0 {
		t.Fatal("an offline client must never be handed an inflight slot")
	}

	newServerSide, newClientSide := net.Pipe()
	defer newClientSide.Close()

	// HandleConnect's flushQueued call writes the queued PUBLISH
	// synchronously, which blocks on the unbuffered pipe until this
	// test reads it below, so it must run off the test goroutine.
	var ack []byte
	var resumed *Client
	var ok bool
	done := make(chan struct{})
	go func() {
		ack, resumed, ok = b.HandleConnect(newServerSide, &packet.ConnectPacket{ClientID: "b", CleanSession: false})
		close(done)
	}()

	delivered := readPacket(t, newClientSide, time.Second)
	<-done
	if !ok {
		t.Fatal("B's resume CONNECT should be accepted")
	}
	if resumed != bClient {
		t.Fatal("reconnecting with the same client id and clean=false should resume the existing session")
	}
	if len(ack) != 4 || ack[2]&0x01 == 0 {
		t.Fatalf("resume CONNACK should set the session-present flag, got %v", ack)
	}

	if delivered.Type != packet.PUBLISH || string(delivered.Publish.Payload) != "1" {
		t.Fatalf("queued message should flush on resume, got %+v", delivered)
	}
	if delivered.Publish.DUP {
		t.Fatal("first send of a queued message after reconnect must have DUP=0")
	}
	if delivered.Publish.Retain {
		t.Fatal("foo was published without retain, delivery must not set it either")
	}
}

// Scenario 5: a retained message replays to a new subscriber, and an
// empty-payload retained publish clears it for subsequent subscribers.
func TestIntegrationRetainedLifecycle(t *testing.T) {
	b := newTestBroker()

	a, aConn := connectClient(t, b, "a", true)
	defer aConn.Close()

	packetID := uint16(1)
	b.HandlePublish(a, &packet.PublishPacket{
		Topic: "cfg/k", Payload: []byte("v"), QoS: packet.QoSAtLeastOnce, Retain: true, PacketID: &packetID,
	})

	bClient, bConn := connectClient(t, b, "b", true)
	defer bConn.Close()

	// SUBSCRIBE's retained replay writes synchronously inside
	// HandleSubscribe, which blocks on the unbuffered pipe until this
	// test reads it below, so it must run off the test goroutine.
	var subOK bool
	done := make(chan struct{})
	go func() {
		_, subOK = b.HandleSubscribe(bClient, &packet.SubscribePacket{
			PacketID: 1,
			Filters:  []packet.SubscribeFilter{{Topic: "cfg/#", QoS: packet.QoSAtLeastOnce}},
		})
		close(done)
	}()

	retained := readPacket(t, bConn, time.Second)
	<-done
	if !subOK {
		t.Fatal("subscribe to cfg/# should be granted")
	}
	if retained.Type != packet.PUBLISH || retained.Publish.Topic != "cfg/k" || !retained.Publish.Retain || string(retained.Publish.Payload) != "v" {
		t.Fatalf("expected retained replay of cfg/k=\"v\", got %+v", retained)
	}

	// This also fans out live to B, still subscribed to cfg/#, which
	// blocks on the pipe the same way the retained replay did above.
	packetID2 := uint16(2)
	clearDone := make(chan struct{})
	go func() {
		b.HandlePublish(a, &packet.PublishPacket{
			Topic: "cfg/k", Payload: nil, QoS: packet.QoSAtLeastOnce, Retain: true, PacketID: &packetID2,
		})
		close(clearDone)
	}()
	readPacket(t, bConn, time.Second)
	<-clearDone

	cClient, cConn := connectClient(t, b, "c", true)
	defer cConn.Close()
	if _, ok := b.HandleSubscribe(cClient, &packet.SubscribePacket{
		PacketID: 1,
		Filters:  []packet.SubscribeFilter{{Topic: "cfg/#", QoS: packet.QoSAtLeastOnce}},
	}); !ok {
		t.Fatal("subscribe to cfg/# should be granted")
	}

	expectNoPacket(t, cConn, 50*time.Millisecond)
}

// Scenario 6: an ungraceful disconnect publishes the client's will,
// retained, to every matching subscriber.
func TestIntegrationWillOnUncleanDisconnect(t *testing.T) {
	b := newTestBroker()

	willTopic := "status/a"
	willMessage := "down"
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	_, a, ok := b.HandleConnect(serverSide, &packet.ConnectPacket{
		ClientID: "a", CleanSession: true,
		WillFlag: true, WillTopic: &willTopic, WillMessage: &willMessage, WillQoS: byte(packet.QoSAtLeastOnce), WillRetain: true,
	})
	if !ok {
		t.Fatal("A's CONNECT with a will should be accepted")
	}

	bClient, bConn := connectClient(t, b, "b", true)
	defer bConn.Close()
	if _, ok := b.HandleSubscribe(bClient, &packet.SubscribePacket{
		PacketID: 1,
		Filters:  []packet.SubscribeFilter{{Topic: "status/#", QoS: packet.QoSAtLeastOnce}},
	}); !ok {
		t.Fatal("subscribe to status/# should be granted")
	}

	go b.HandleClientGone(a)

	will := readPacket(t, bConn, time.Second)
	if will.Type != packet.PUBLISH || will.Publish.Topic != "status/a" || string(will.Publish.Payload) != "down" || !will.Publish.Retain {
		t.Fatalf("expected the will PUBLISH(status/a, \"down\", retain=1), got %+v", will)
	}

	retained := b.subs.MatchRetained("status/#")
	if len(retained) != 1 || string(retained[0].Payload) != "down" {
		t.Fatalf("will publish should leave status/a retained as \"down\", got %+v", retained)
	}
}
