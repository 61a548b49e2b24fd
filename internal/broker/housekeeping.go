package broker

import (
	"time"

	"github.com/sablemq/sablemq/internal/bridge"
	"github.com/sablemq/sablemq/internal/logger"
	"github.com/sablemq/sablemq/internal/packet"
)

// housekeepingLoop drives keepalive timeout checks, QoS retries,
// bridge reconnection, and autosave on a fixed tick, all from one
// goroutine. It runs alongside the clients' connection goroutines:
// inflight entries are read and updated under ClientQoS.mu, writes go
// through Client.Write, and a keepalive timeout tears the client down
// via HandleClientGone.
func (b *Broker) housekeepingLoop(done <-chan struct{}) {
	interval := time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	retryInterval := time.Duration(b.config.RetryIntervalSec) * time.Second
	autosaveInterval := time.Duration(b.config.AutosaveIntervalSec) * time.Second
	var lastAutosave time.Time

	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			if b.reloadRequested() {
				b.logger.Info("configuration reload requested")
			}

			b.checkKeepalives(now)
			b.retryInflight(retryInterval)
			b.tickBridges(now)

			if b.store != nil && b.config.Persistence {
				due := b.config.AutosaveOnChanges && b.changesSinceSave.Load() >= int64(b.config.AutosaveChangeThreshold)
				due = due || now.Sub(lastAutosave) >= autosaveInterval
				if due {
					if err := b.store.Save(b.Snapshot()); err != nil {
						b.logger.Error("autosave failed", logger.ErrorAttr(err))
					}
					lastAutosave = now
					b.changesSinceSave.Store(0)
				}
			}

			b.publishSysStats(now)
		}
	}
}

// checkKeepalives disconnects any client silent for more than 1.5x
// its negotiated keepalive, per MQTT 3.1.1 §3.1.2.10.
func (b *Broker) checkKeepalives(now time.Time) {
	for _, client := range b.registry.All() {
		if !client.Connected || client.KeepAlive == 0 {
			continue
		}
		timeout := time.Duration(float64(client.KeepAlive)*1.5) * time.Second
		last := time.Unix(0, client.LastActive)
		if now.Sub(last) > timeout {
			b.logger.LogClientConnection(client.ID, "", "keepalive_timeout")
			b.HandleClientGone(client)
		}
	}
}

// retryInflight resends any outbound QoS 1/2 message that hasn't been
// acknowledged within interval, with DUP set.
func (b *Broker) retryInflight(interval time.Duration) {
	for _, client := range b.registry.All() {
		if !client.Connected || client.QoS == nil {
			continue
		}
		for _, msg := range client.QoS.RetryDue(interval) {
			pkt := &packet.PublishPacket{
				DUP:      true,
				Topic:    msg.Topic(),
				Payload:  msg.Payload(),
				QoS:      msg.QoS,
				Retain:   msg.Retain,
				PacketID: &msg.MsgID,
			}
			client.Write(pkt.Encode())
		}
		for _, msg := range client.QoS.RetryDuePubrel(interval) {
			client.Write(packet.NewPubRel(msg.MsgID))
		}
	}
}

func (b *Broker) tickBridges(now time.Time) {
	b.bridgesMu.Lock()
	bridges := append([]*bridge.Bridge(nil), b.bridges...)
	b.bridgesMu.Unlock()

	for _, br := range bridges {
		br.Tick(now)
	}
}

// publishSysStats republishes the $SYS broker statistics tree as
// retained messages: uptime, traffic counters, and client counts.
func (b *Broker) publishSysStats(now time.Time) {
	snap := b.metrics.Snapshot()

	b.publishSysValue("$SYS/broker/uptime", itoa(snap.UptimeSeconds))
	b.publishSysValue("$SYS/broker/clients/connected", itoa(snap.ClientsActive))
	b.publishSysValue("$SYS/broker/clients/total", itoa(int64(snap.ClientsTotal)))
	b.publishSysValue("$SYS/broker/messages/received", itoa(int64(snap.MsgsReceived)))
	b.publishSysValue("$SYS/broker/messages/sent", itoa(int64(snap.MsgsSent)))
	b.publishSysValue("$SYS/broker/bytes/received", itoa(int64(snap.BytesReceived)))
	b.publishSysValue("$SYS/broker/bytes/sent", itoa(int64(snap.BytesSent)))
	b.publishSysValue("$SYS/broker/version", b.config.Version)
}

func (b *Broker) publishSysValue(topic, value string) {
	b.subs.SetRetained(topic, []byte(value), packet.QoSAtMostOnce)
	for _, sub := range b.subs.Match(topic) {
		client, ok := b.registry.Get(sub.ClientID)
		if !ok {
			continue
		}
		pub := b.pubs.New(topic, []byte(value), packet.QoSAtMostOnce, true)
		b.deliver(client, pub, packet.QoSAtMostOnce, true, PriorityLow)
	}
}

func itoa(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
