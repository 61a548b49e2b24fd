package broker

import (
	"net"
	"time"

	"github.com/sablemq/sablemq/internal/packet"
	"github.com/sablemq/sablemq/pkg/er"
)

// HandleConnect processes a CONNECT packet: authenticates, enforces
// the configured client-id prefix allow-list, resumes or creates a
// session, and returns the CONNACK bytes to write back. ok is false
// if the connection must be closed after the CONNACK.
func (b *Broker) HandleConnect(conn net.Conn, cp *packet.ConnectPacket) (ack []byte, client *Client, ok bool) {
	if !b.config.AllowsClientID(cp.ClientID) {
		return packet.NewConnAck(false, packet.IdentifierRejected), nil, false
	}

	var username string
	if cp.Username != nil {
		username = *cp.Username
	}
	var password string
	if cp.Password != nil {
		password = *cp.Password
	}

	if b.auth != nil {
		if err := b.auth.Authenticate(username, password); err != nil {
			b.logger.LogAuth(cp.ClientID, username, false, err.Error())
			return packet.NewConnAck(false, packet.BadUsernameOrPassword), nil, false
		}
	}

	existing, hadSession := b.registry.Get(cp.ClientID)
	sessionPresent := hadSession && !cp.CleanSession

	if hadSession && existing.Connected && existing.Conn != conn {
		// Same client id reconnecting while an old socket is still
		// open: kick the old one silently, no will fired. Superseded
		// tells the old connection's own cleanup path not to fire the
		// will or touch the registry again once its read loop
		// unblocks from the Close below.
		existing.Superseded = true
		existing.Conn.Close()
		existing.MarkDisconnected()
	}

	var c *Client
	if sessionPresent {
		c = existing
		if existing.Superseded {
			// The kicked connection's goroutine still holds existing and
			// will run HandleClientGone on it; resume on a fresh Client
			// that shares the session's QoS state so that cleanup stays
			// a no-op.
			c = &Client{ID: cp.ClientID, QoS: existing.QoS}
		}
	} else {
		if hadSession {
			b.subs.UnsubscribeAll(cp.ClientID)
			if existing.QoS != nil {
				existing.QoS.ReleaseAll()
			}
		}
		c = &Client{ID: cp.ClientID}
	}

	c.Superseded = false
	c.CleanSession = cp.CleanSession
	c.WillTopic = cp.WillTopic
	c.WillMessage = cp.WillMessage
	c.WillQoS = cp.WillQoS
	c.WillRetain = cp.WillRetain
	c.Username = username
	c.KeepAlive = cp.KeepAlive
	c.ConnectedAt = time.Now()
	c.Conn = conn
	c.Connected = true
	c.Touch()
	if c.QoS == nil {
		c.QoS = NewClientQoS(b.config.MaxInflightMessages, b.config.MaxQueuedMessages, b.pubs)
	}

	b.registry.Store(c)
	b.metrics.ClientConnected()
	b.logger.LogClientConnection(cp.ClientID, "", "connect")

	if sessionPresent {
		b.flushQueued(c)
	}

	return packet.NewConnAck(sessionPresent, packet.ConnectionAccepted), c, true
}

// HandlePublish applies a PUBLISH from client: ACL-checks it and
// returns the ack bytes to send (nil for QoS 0, which has none). QoS
// 0/1 fan out to subscribers immediately via publish(); a QoS 2
// publish is only ever stashed here — it is not routed until the
// matching PUBREL arrives in HandlePubRel.
func (b *Broker) HandlePublish(client *Client, pp *packet.PublishPacket) []byte {
	if b.acl != nil && !b.acl.CheckPublish(client.Username, pp.Topic) {
		b.logger.LogAuth(client.ID, client.Username, false, "publish denied by acl")
		return nil
	}

	b.metrics.IncMsgsReceived()

	if pp.QoS == packet.QoSExactlyOnce {
		if pp.PacketID == nil {
			return nil
		}
		client.QoS.MarkInboundReceived(*pp.PacketID, InboundPublish{
			Topic:   pp.Topic,
			Payload: pp.Payload,
			QoS:     pp.QoS,
			Retain:  pp.Retain,
		})
		return packet.NewPubRec(*pp.PacketID)
	}

	b.publish(pp.Topic, pp.Payload, pp.QoS, pp.Retain)

	if pp.QoS == packet.QoSAtLeastOnce && pp.PacketID != nil {
		return packet.NewPubAck(*pp.PacketID)
	}
	return nil
}

// HandlePubRel completes the receiver side of a QoS 2 handshake: the
// PUBLISH stashed in HandlePublish is routed to subscribers only now,
// and the inbound entry is removed once PUBCOMP is sent.
func (b *Broker) HandlePubRel(client *Client, msgID uint16) []byte {
	if pub, ok := client.QoS.TakeInbound(msgID); ok {
		b.publish(pub.Topic, pub.Payload, pub.QoS, pub.Retain)
	}
	return packet.NewPubComp(msgID)
}

// HandlePubAck completes a QoS 1 outbound delivery and frees a slot
// for queued messages.
func (b *Broker) HandlePubAck(client *Client, msgID uint16) {
	if msg, ok := client.QoS.AckPuback(msgID); ok {
		b.pubs.Release(msg.Pub)
		b.flushQueued(client)
	}
}

// HandlePubRec advances a QoS 2 outbound delivery to the PUBREL step.
func (b *Broker) HandlePubRec(client *Client, msgID uint16) []byte {
	if _, ok := client.QoS.AckPubrec(msgID); ok {
		return packet.NewPubRel(msgID)
	}
	return nil
}

// HandlePubComp completes a QoS 2 outbound delivery and frees a slot.
func (b *Broker) HandlePubComp(client *Client, msgID uint16) {
	if msg, ok := client.QoS.AckPubcomp(msgID); ok {
		b.pubs.Release(msg.Pub)
		b.flushQueued(client)
	}
}

// HandleSubscribe processes a SUBSCRIBE packet, applying ACL checks
// per filter, and returns the SUBACK to send. A deny on any filter
// drops the connection outright rather than granting a partial
// SUBACK, so ok is false in that case and suback is nil.
func (b *Broker) HandleSubscribe(client *Client, sp *packet.SubscribePacket) (suback *packet.SubackPacket, ok bool) {
	returnCodes := make([]byte, len(sp.Filters))

	for i, filter := range sp.Filters {
		if b.acl != nil && !b.acl.CheckSubscribe(client.Username, filter.Topic) {
			b.logger.LogAuth(client.ID, client.Username, false, "subscribe denied by acl")
			return nil, false
		}

		sub := &Subscription{
			ClientID: client.ID,
			Filter:   filter.Topic,
			QoS:      filter.QoS,
			Durable:  !client.CleanSession,
			Priority: PriorityNormal,
		}
		b.subs.Subscribe(sub)
		b.logger.LogSubscription(client.ID, filter.Topic, int(filter.QoS), "subscribe")

		switch filter.QoS {
		case packet.QoSAtMostOnce:
			returnCodes[i] = packet.SubackMaxQoS0
		case packet.QoSAtLeastOnce:
			returnCodes[i] = packet.SubackMaxQoS1
		default:
			returnCodes[i] = packet.SubackMaxQoS2
		}

		b.sendRetained(client, filter.Topic, filter.QoS)
	}

	return packet.NewSubAck(sp, returnCodes), true
}

// HandleUnsubscribe processes an UNSUBSCRIBE packet.
func (b *Broker) HandleUnsubscribe(client *Client, up *packet.UnsubscribePacket) *packet.UnsubackPacket {
	for _, filter := range up.TopicFilters {
		b.subs.Unsubscribe(client.ID, filter)
		b.logger.LogSubscription(client.ID, filter, 0, "unsubscribe")
	}
	return packet.NewUnsubAck(up)
}

// HandleDisconnect processes a graceful DISCONNECT: the client asked
// to leave, so its will (if any) must NOT fire, per MQTT 3.1.1 §3.14.
func (b *Broker) HandleDisconnect(client *Client) {
	client.WillTopic = nil
	client.WillMessage = nil
	b.closeClient(client)
}

// HandleClientGone processes an unexpected connection loss: the will
// message, if set, is published before the session is torn down. A
// session already superseded by a newer CONNECT under the same client
// id (see HandleConnect) is a no-op here: it was silently kicked, and
// the registry entry now belongs to the new connection.
func (b *Broker) HandleClientGone(client *Client) {
	if client.Superseded {
		return
	}
	if client.WillTopic != nil && client.WillMessage != nil {
		b.publish(*client.WillTopic, []byte(*client.WillMessage), packet.QoSLevel(client.WillQoS), client.WillRetain)
	}
	b.closeClient(client)
}

func (b *Broker) closeClient(client *Client) {
	client.MarkDisconnected()
	b.metrics.ClientDisconnected()
	b.logger.LogClientConnection(client.ID, "", "disconnect")

	if client.CleanSession {
		b.subs.UnsubscribeAll(client.ID)
		b.registry.Delete(client.ID)
		if client.QoS != nil {
			client.QoS.ReleaseAll()
		}
	}
}

// ClassifyAndRespond maps a packet-parsing error to a CONNACK return
// code when it occurred during CONNECT, or reports that the
// connection should simply be dropped otherwise.
func ClassifyAndRespond(err error) (ack []byte, shouldRespond bool) {
	kind := er.ClassifyConnect(err)
	switch kind {
	case er.KindAuth:
		return packet.NewConnAck(false, packet.BadUsernameOrPassword), true
	case er.KindProtocol:
		return packet.NewConnAck(false, packet.IdentifierRejected), true
	default:
		return nil, false
	}
}
