package broker

import (
	"time"

	"github.com/sablemq/sablemq/internal/bridge"
	"github.com/sablemq/sablemq/internal/packet"
)

// minQoS returns the lower of the two QoS levels, the delivery QoS
// MQTT uses when a publisher's QoS exceeds a subscriber's granted
// QoS.
func minQoS(a, b packet.QoSLevel) packet.QoSLevel {
	if a < b {
		return a
	}
	return b
}

// deliver sends one Publication to client at the given QoS, either
// immediately (QoS 0, or QoS 1/2 with inflight room on a connected
// client) or by queuing it in the client's priority bands for the
// housekeeping tick / session resume to flush — a QoS 1/2 message to
// an offline persistent client always gets queued, never handed an
// inflight slot (QoS 0 to an offline client is dropped), so the
// eventual resend on reconnect goes out fresh with DUP=0 instead of
// waiting for a retry tick to notice a write that silently no-op'd.
// pub's refcount must already account for this recipient (the caller
// Retains before calling, deliver Releases on every path that doesn't
// end up holding a reference).
func (b *Broker) deliver(client *Client, pub *Publication, qos packet.QoSLevel, retain bool, priority Priority) {
	if qos == packet.QoSAtMostOnce {
		pkt := &packet.PublishPacket{Topic: pub.Topic, Payload: pub.Payload, QoS: qos, Retain: retain}
		if sent, err := client.Write(pkt.Encode()); !sent || err != nil {
			// QoS 0 has no redelivery guarantee; drop silently on a
			// closed connection.
			if err != nil {
				b.metrics.IncDiscarded()
			}
		} else {
			b.metrics.IncMsgsSent()
		}
		b.pubs.Release(pub)
		return
	}

	if !client.IsConnected() || !client.QoS.CanSendInflight() {
		if !client.QoS.Enqueue(QueuedMessage{Pub: pub, QoS: qos, Retain: retain, Priority: priority}) {
			b.metrics.IncDiscarded()
			b.pubs.Release(pub)
		}
		return
	}

	b.sendInflight(client, pub, qos, retain)
}

// sendInflight allocates a message id, records the inflight entry,
// and writes the PUBLISH to the wire. It takes ownership of pub's
// reference: either it ends up in outboundInflight, or it's handed
// to Enqueue (msg-id exhaustion), both of which release it later; if
// Enqueue rejects it, it is counted as discarded and released here.
func (b *Broker) sendInflight(client *Client, pub *Publication, qos packet.QoSLevel, retain bool) {
	msgID, ok := client.QoS.NextMessageID()
	if !ok {
		if !client.QoS.Enqueue(QueuedMessage{Pub: pub, QoS: qos, Retain: retain, Priority: PriorityNormal}) {
			b.metrics.IncDiscarded()
			b.pubs.Release(pub)
		}
		return
	}

	pkt := &packet.PublishPacket{Topic: pub.Topic, Payload: pub.Payload, QoS: qos, Retain: retain, PacketID: &msgID}

	client.QoS.AddOutboundInflight(&InflightMessage{
		MsgID:  msgID,
		Pub:    pub,
		QoS:    qos,
		Retain: retain,
		Sent:   time.Now(),
	})

	if sent, err := client.Write(pkt.Encode()); sent && err == nil {
		b.metrics.IncMsgsSent()
	}
}

// flushQueued drains a client's queued bands into its inflight window
// as capacity allows, called on reconnect and after each ack frees a
// slot.
func (b *Broker) flushQueued(client *Client) {
	for client.QoS.CanSendInflight() {
		queued := client.QoS.DrainQueued()
		if len(queued) == 0 {
			return
		}
		for _, msg := range queued {
			if !client.QoS.CanSendInflight() {
				client.QoS.Enqueue(msg)
				continue
			}
			b.sendInflight(client, msg.Pub, msg.QoS, msg.Retain)
		}
		return
	}
}

// publish fans a PUBLISH out to every matching subscriber, storing it
// as retained first when requested.
func (b *Broker) publish(topic string, payload []byte, qos packet.QoSLevel, retain bool) {
	b.publishExcluding(topic, payload, qos, retain, nil)
}

// publishExcluding is publish's general form: exclude, when non-nil,
// is the bridge this message just arrived from, which must never
// receive it back out — otherwise a two-way bridge mapping echoes
// every inbound message straight back to the remote it came from.
//
// The Publication is created once (refcount 1, the routing-in-progress
// reference) and Retained once per matching subscriber before
// deliver() takes over that reference; the routing-in-progress
// reference is Released once fan-out completes, leaving refcount equal
// to the number of Message records (queued or inflight) still holding
// it.
func (b *Broker) publishExcluding(topic string, payload []byte, qos packet.QoSLevel, retain bool, exclude *bridge.Bridge) {
	if retain {
		b.subs.SetRetained(topic, payload, qos)
		b.changesSinceSave.Add(1)
		b.logger.LogRetainedMessage(topic, "store", len(payload))
	}

	pub := b.pubs.New(topic, payload, qos, retain)

	matches := b.subs.Match(topic)
	for _, sub := range matches {
		client, ok := b.registry.Get(sub.ClientID)
		if !ok {
			continue
		}
		deliveryQoS := minQoS(qos, sub.QoS)
		b.pubs.Retain(pub)
		b.deliver(client, pub, deliveryQoS, retain, sub.Priority)
	}
	b.pubs.Release(pub) // drop the routing-in-progress reference

	b.forwardToBridgesExcluding(topic, payload, qos, retain, exclude)

	b.logger.LogPublish("", topic, int(qos), retain, len(payload))
}

// sendRetained delivers every retained message matching filter to a
// freshly subscribed client, at the minimum of the retained message's
// QoS and the subscription's granted QoS. Each replay gets its own
// single-recipient Publication built from the RetainedMessage record,
// which holds its own payload outside the arena.
func (b *Broker) sendRetained(client *Client, filter string, grantedQoS packet.QoSLevel) {
	for _, msg := range b.subs.MatchRetained(filter) {
		deliveryQoS := minQoS(msg.QoS, grantedQoS)
		pub := b.pubs.New(msg.Topic, msg.Payload, msg.QoS, true)
		b.deliver(client, pub, deliveryQoS, true, PriorityNormal)
	}
}
