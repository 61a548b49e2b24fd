// Package bridge implements outbound bridge connections: the broker
// dials a remote broker as an ordinary client, running the same
// CONNECT/SUBSCRIBE/PUBLISH state machine any other client would,
// with address failover and exponential reconnect backoff. QoS 1/2
// acknowledgments and keepalive are driven on the same cadence as an
// inbound client's, just from the other side of the wire.
package bridge

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sablemq/sablemq/internal/config"
	"github.com/sablemq/sablemq/internal/logger"
	"github.com/sablemq/sablemq/internal/packet"
)

// Inbound is called for every PUBLISH arriving from the remote broker,
// letting the owner route it into the local subscription engine under
// the mapped local topic.
type Inbound func(topic string, payload []byte, qos packet.QoSLevel, retain bool)

type connState int32

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
)

// retryInterval is how long an unacked outbound QoS 1/2 publish or an
// unanswered PUBREL waits before the bridge resends it with DUP set.
// Bridges don't carry their own retry_interval config knob, so this
// mirrors the broker's own default cadence for the same handshake.
const retryInterval = 20 * time.Second

// pendingOutbound is a QoS 1/2 PUBLISH this bridge sent to the remote
// broker, awaiting PUBACK (QoS 1) or PUBREC/PUBCOMP (QoS 2).
type pendingOutbound struct {
	Topic    string
	Payload  []byte
	QoS      packet.QoSLevel
	Retain   bool
	Sent     time.Time
	PubRecvd bool // PUBREC seen, now awaiting PUBCOMP
}

// pendingInbound is a QoS 2 PUBLISH received from the remote broker,
// held between PUBREC and the remote's PUBREL — routed to onMsg only
// once that PUBREL arrives, same as the broker's own inbound clients.
type pendingInbound struct {
	Topic   string
	Payload []byte
	QoS     packet.QoSLevel
	Retain  bool
}

// Bridge is one outbound connection to a remote broker, reconnected
// with exponential backoff and failed over across cfg.Addresses.
type Bridge struct {
	cfg    config.Bridge
	logger *logger.Logger
	onMsg  Inbound

	mu      sync.Mutex
	conn    net.Conn
	state   atomic.Int32
	addrIdx int
	backoff time.Duration
	nextTry time.Time

	packetID uint16

	outboundInflight map[uint16]*pendingOutbound
	inboundInflight  map[uint16]*pendingInbound

	// privateRejected remembers a prior CONNACK rejection of the
	// "-priv" client id suffix, so the next connect attempt falls back
	// to a standard CONNECT instead of retrying the same rejected id
	// forever.
	privateRejected bool

	lastSent       time.Time
	pingOutstanding bool
	pingSentAt     time.Time
}

// New builds a Bridge from its configuration. Call Tick periodically
// (from the broker's housekeeping loop) to drive connection attempts
// and keepalives.
func New(cfg config.Bridge, log *logger.Logger, onMsg Inbound) *Bridge {
	b := &Bridge{
		cfg:              cfg,
		logger:           log,
		onMsg:            onMsg,
		backoff:          time.Duration(cfg.ReconnectMinBackoffSec) * time.Second,
		outboundInflight: make(map[uint16]*pendingOutbound),
		inboundInflight:  make(map[uint16]*pendingInbound),
	}
	if b.backoff <= 0 {
		b.backoff = time.Second
	}
	b.state.Store(int32(stateDisconnected))
	return b
}

// Tick advances the bridge's reconnect state machine, resends overdue
// unacked publishes, and drives the keepalive PINGREQ/PINGRESP
// exchange. A reconnect attempt blocks it for one address at most:
// up to 10s for the dial, then up to 10s waiting for the CONNACK.
func (b *Bridge) Tick(now time.Time) {
	if connState(b.state.Load()) != stateConnected {
		if now.Before(b.nextTry) {
			return
		}
		b.connect()
		return
	}

	b.retryOverdue(now)
	b.checkKeepalive(now)
}

func (b *Bridge) nextAddress() string {
	if len(b.cfg.Addresses) == 0 {
		return ""
	}
	addr := b.cfg.Addresses[b.addrIdx%len(b.cfg.Addresses)]
	b.addrIdx++
	return addr
}

func (b *Bridge) connect() {
	addr := b.nextAddress()
	if addr == "" {
		return
	}

	b.state.Store(int32(stateConnecting))
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		b.logger.Warn("bridge connect failed", slog.String("address", addr), slog.String("error", err.Error()))
		b.scheduleRetry()
		return
	}

	usePrivate := b.cfg.TryPrivate && !b.privateRejected
	clientID := b.cfg.ClientID
	if usePrivate {
		clientID = clientID + "-priv"
	}

	connectPkt := packet.NewConnect(packet.ConnectOptions{
		ClientID:     clientID,
		CleanSession: b.cfg.CleanSession,
		KeepAlive:    b.cfg.KeepAlive,
		Username:     b.cfg.Username,
		Password:     b.cfg.Password,
	})
	if _, err := conn.Write(connectPkt); err != nil {
		conn.Close()
		b.scheduleRetry()
		return
	}

	ack := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, err = readFull(conn, ack)
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		b.scheduleRetry()
		return
	}
	if ack[3] != packet.ConnectionAccepted {
		if usePrivate && ack[3] == packet.UnacceptableProtocolVersion {
			// The remote won't accept the "-priv" suffixed id as a
			// valid client id; remember that and fall back to a
			// standard CONNECT on the next attempt instead of
			// retrying the same rejected id forever.
			b.privateRejected = true
		}
		conn.Close()
		b.scheduleRetry()
		return
	}

	b.mu.Lock()
	b.conn = conn
	b.outboundInflight = make(map[uint16]*pendingOutbound)
	b.inboundInflight = make(map[uint16]*pendingInbound)
	b.pingOutstanding = false
	b.lastSent = time.Now()
	b.mu.Unlock()
	b.state.Store(int32(stateConnected))
	b.backoff = time.Duration(b.cfg.ReconnectMinBackoffSec) * time.Second
	if b.backoff <= 0 {
		b.backoff = time.Second
	}
	b.logger.Info("bridge connected", slog.String("address", addr))

	b.subscribeRemote()
	go b.readLoop(conn)
}

func (b *Bridge) subscribeRemote() {
	var filters []packet.SubscribeFilter
	for _, t := range b.cfg.Topics {
		if t.Direction == "out" {
			continue
		}
		filters = append(filters, packet.SubscribeFilter{Topic: t.RemoteFilter, QoS: packet.QoSAtLeastOnce})
	}
	if len(filters) == 0 {
		return
	}

	b.mu.Lock()
	b.packetID++
	id := b.packetID
	b.mu.Unlock()

	sub := packet.NewSubscribe(id, filters)
	b.writeLocked(sub)
}

// Publish forwards a locally published message to the remote broker,
// rewriting topic through the bridge's direction=="out"/"both"
// mappings. QoS 1/2 sends are tracked in outboundInflight so Tick can
// resend them with DUP if the remote never acks.
func (b *Bridge) Publish(topic string, payload []byte, qos packet.QoSLevel, retain bool) {
	if connState(b.state.Load()) != stateConnected {
		return
	}

	remoteTopic, ok := b.mapOutbound(topic)
	if !ok {
		return
	}

	pkt := &packet.PublishPacket{Topic: remoteTopic, Payload: payload, QoS: qos, Retain: retain}

	if qos == packet.QoSAtMostOnce {
		b.writeLocked(pkt.Encode())
		return
	}

	b.mu.Lock()
	b.packetID++
	id := b.packetID
	b.outboundInflight[id] = &pendingOutbound{
		Topic:   remoteTopic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
		Sent:    time.Now(),
	}
	b.mu.Unlock()
	pkt.PacketID = &id

	b.writeLocked(pkt.Encode())
}

// mapOutbound maps a local topic to the remote_filter of the first
// out/both mapping whose local_filter equals the topic exactly or is
// empty; the topic is replaced whole. No prefix rewriting and no
// wildcard matching of local_filter is done.
func (b *Bridge) mapOutbound(topic string) (string, bool) {
	for _, t := range b.cfg.Topics {
		if t.Direction == "in" {
			continue
		}
		if t.LocalFilter == topic || t.LocalFilter == "" {
			return t.RemoteFilter, true
		}
	}
	return "", false
}

func (b *Bridge) readLoop(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			b.disconnect()
			return
		}

		parsed, err := packet.Parse(buf[:n])
		if err != nil {
			continue
		}

		switch parsed.Type {
		case packet.PUBLISH:
			b.handleRemotePublish(parsed.Publish)

		case packet.PUBACK:
			b.mu.Lock()
			delete(b.outboundInflight, parsed.PubAck.PacketID)
			b.mu.Unlock()

		case packet.PUBREC:
			b.mu.Lock()
			if msg, ok := b.outboundInflight[parsed.PubRec.PacketID]; ok {
				msg.PubRecvd = true
			}
			b.mu.Unlock()
			b.writeLocked(packet.NewPubRel(parsed.PubRec.PacketID))

		case packet.PUBREL:
			b.mu.Lock()
			pub, ok := b.inboundInflight[parsed.PubRel.PacketID]
			delete(b.inboundInflight, parsed.PubRel.PacketID)
			b.mu.Unlock()
			if ok {
				b.routeInbound(pub.Topic, pub.Payload, pub.QoS, pub.Retain)
			}
			b.writeLocked(packet.NewPubComp(parsed.PubRel.PacketID))

		case packet.PUBCOMP:
			b.mu.Lock()
			delete(b.outboundInflight, parsed.PubComp.PacketID)
			b.mu.Unlock()

		case packet.SUBACK:
			// Granted QoS per filter isn't tracked any further: the
			// bridge always subscribes at QoS 1 and accepts whatever
			// the remote grants.

		case packet.PINGRESP:
			b.mu.Lock()
			b.pingOutstanding = false
			b.mu.Unlock()
		}
	}
}

// handleRemotePublish processes a PUBLISH received from the remote
// broker: QoS 0/1 route to onMsg immediately (acking QoS 1 right
// away), QoS 2 is stashed until the remote's PUBREL confirms it,
// mirroring the broker's own receiver-side QoS 2 handshake.
func (b *Bridge) handleRemotePublish(pp *packet.PublishPacket) {
	localTopic, ok := b.mapInbound(pp.Topic)
	if !ok {
		if pp.QoS == packet.QoSAtLeastOnce && pp.PacketID != nil {
			b.writeLocked(packet.NewPubAck(*pp.PacketID))
		} else if pp.QoS == packet.QoSExactlyOnce && pp.PacketID != nil {
			b.writeLocked(packet.NewPubRec(*pp.PacketID))
		}
		return
	}

	switch pp.QoS {
	case packet.QoSExactlyOnce:
		if pp.PacketID == nil {
			return
		}
		b.mu.Lock()
		b.inboundInflight[*pp.PacketID] = &pendingInbound{
			Topic:   localTopic,
			Payload: pp.Payload,
			QoS:     pp.QoS,
			Retain:  pp.Retain,
		}
		b.mu.Unlock()
		b.writeLocked(packet.NewPubRec(*pp.PacketID))

	case packet.QoSAtLeastOnce:
		b.routeInbound(localTopic, pp.Payload, pp.QoS, pp.Retain)
		if pp.PacketID != nil {
			b.writeLocked(packet.NewPubAck(*pp.PacketID))
		}

	default:
		b.routeInbound(localTopic, pp.Payload, pp.QoS, pp.Retain)
	}
}

func (b *Bridge) routeInbound(topic string, payload []byte, qos packet.QoSLevel, retain bool) {
	if b.onMsg != nil {
		b.onMsg(topic, payload, qos, retain)
	}
}

func (b *Bridge) mapInbound(remoteTopic string) (string, bool) {
	for _, t := range b.cfg.Topics {
		if t.Direction == "out" {
			continue
		}
		if t.RemoteFilter == remoteTopic || t.RemoteFilter == "" {
			return t.LocalFilter, true
		}
	}
	return "", false
}

// retryOverdue resends any outbound PUBLISH/PUBREL that hasn't moved
// forward within retryInterval, with DUP set on the PUBLISH resend.
func (b *Bridge) retryOverdue(now time.Time) {
	b.mu.Lock()
	var resendPublish []uint16
	var resendPubrel []uint16
	for id, msg := range b.outboundInflight {
		if now.Sub(msg.Sent) < retryInterval {
			continue
		}
		msg.Sent = now
		if msg.PubRecvd {
			resendPubrel = append(resendPubrel, id)
		} else {
			resendPublish = append(resendPublish, id)
		}
	}
	msgs := make(map[uint16]*pendingOutbound, len(resendPublish))
	for _, id := range resendPublish {
		msgs[id] = b.outboundInflight[id]
	}
	b.mu.Unlock()

	for _, id := range resendPublish {
		msg := msgs[id]
		if msg == nil {
			continue
		}
		msgID := id
		pkt := &packet.PublishPacket{
			DUP:      true,
			Topic:    msg.Topic,
			Payload:  msg.Payload,
			QoS:      msg.QoS,
			Retain:   msg.Retain,
			PacketID: &msgID,
		}
		b.writeLocked(pkt.Encode())
	}
	for _, id := range resendPubrel {
		b.writeLocked(packet.NewPubRel(id))
	}
}

// checkKeepalive sends a PINGREQ once the connection has been idle for
// half the negotiated keepalive, and treats a PINGRESP that never
// arrives within the full keepalive window as a dead connection.
func (b *Bridge) checkKeepalive(now time.Time) {
	if b.cfg.KeepAlive == 0 {
		return
	}
	interval := time.Duration(b.cfg.KeepAlive) * time.Second

	b.mu.Lock()
	outstanding := b.pingOutstanding
	sentAt := b.pingSentAt
	idleSince := b.lastSent
	b.mu.Unlock()

	if outstanding {
		if now.Sub(sentAt) > interval {
			b.logger.Warn("bridge keepalive timeout", slog.String("name", b.cfg.Name))
			b.disconnect()
		}
		return
	}

	if now.Sub(idleSince) >= interval/2 {
		b.mu.Lock()
		b.pingOutstanding = true
		b.pingSentAt = now
		b.mu.Unlock()
		b.writeLocked(packet.NewPingReq())
	}
}

// writeLocked writes one frame to the bridge's connection. b.mu only
// guards reading b.conn and stamping lastSent; the Write itself runs
// outside the lock. PUBLISH/PUBACK/PUBREL/PINGREQ frames can originate
// from the housekeeping tick and from a locally published message's
// goroutine at the same time, and each whole-frame Write relies on
// net.Conn being safe for concurrent Write calls.
func (b *Bridge) writeLocked(data []byte) {
	b.mu.Lock()
	conn := b.conn
	if conn != nil {
		b.lastSent = time.Now()
	}
	b.mu.Unlock()
	if conn == nil {
		return
	}
	if _, err := conn.Write(data); err != nil {
		b.disconnect()
	}
}

func (b *Bridge) disconnect() {
	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.mu.Unlock()
	b.state.Store(int32(stateDisconnected))
	b.scheduleRetry()
}

func (b *Bridge) scheduleRetry() {
	b.nextTry = time.Now().Add(b.backoff)

	max := time.Duration(b.cfg.ReconnectMaxBackoffSec) * time.Second
	if max <= 0 {
		max = 5 * time.Minute
	}
	b.backoff *= 2
	if b.backoff > max {
		b.backoff = max
	}
}

// Connected reports whether the bridge currently has a live connection.
func (b *Bridge) Connected() bool {
	return connState(b.state.Load()) == stateConnected
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
