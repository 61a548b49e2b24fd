// Package broker implements the publish/subscribe engine: client
// session registry, topic subscription index, QoS 1/2 delivery state
// machine, retained messages, and the housekeeping tick that drives
// keepalive timeouts, inflight retries, and autosave.
package broker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sablemq/sablemq/internal/auth"
	"github.com/sablemq/sablemq/internal/bridge"
	"github.com/sablemq/sablemq/internal/config"
	"github.com/sablemq/sablemq/internal/logger"
	"github.com/sablemq/sablemq/internal/metrics"
	"github.com/sablemq/sablemq/internal/packet"
	"github.com/sablemq/sablemq/internal/persistence"
)

// RunState tracks whether the broker is stopped, running, or
// shutting down.
type RunState int32

const (
	StateStopped RunState = iota
	StateRunning
	StateStopping
)

// Broker is the broker's full in-memory state: tuning, the
// subscription engine, the client registry, auth/ACL, and counters.
type Broker struct {
	config *config.Config

	registry *Registry
	subs     *SubscriptionEngine
	pubs     *PublicationArena

	auth *auth.Store
	acl  *auth.ACL

	store   *persistence.Store
	metrics *metrics.Metrics
	logger  *logger.Logger

	state    atomic.Int32
	hup      atomic.Bool
	startAt  time.Time
	changesSinceSave atomic.Int64

	bridges   []*bridge.Bridge
	bridgesMu sync.Mutex
}

// New builds a Broker ready to accept connections. Callers must still
// call Start to begin the housekeeping tick.
func New(cfg *config.Config, store *persistence.Store, m *metrics.Metrics, log *logger.Logger) *Broker {
	b := &Broker{
		config:   cfg,
		registry: NewRegistry(),
		subs:     NewSubscriptionEngine(),
		pubs:     NewPublicationArena(),
		store:    store,
		metrics:  m,
		logger:   log,
	}
	b.state.Store(int32(StateStopped))
	return b
}

// SetAuth wires an authentication store (and optional ACL) into the
// broker. Both are optional: a nil auth store accepts every CONNECT.
func (b *Broker) SetAuth(store *auth.Store, acl *auth.ACL) {
	b.auth = store
	b.acl = acl
}

// Restore loads the last persisted snapshot (retained messages plus
// durable subscriptions) into the broker's in-memory state. Call
// before Start.
func (b *Broker) Restore() error {
	if b.store == nil {
		return nil
	}

	snap, err := b.store.Load()
	if err != nil {
		return err
	}

	for _, r := range snap.Retained {
		b.subs.SetRetained(r.Topic, r.Payload, packet.QoSLevel(r.QoS))
	}

	for _, s := range snap.Subscriptions {
		b.subs.Subscribe(&Subscription{
			ClientID: s.ClientID,
			Filter:   s.TopicFiler,
			QoS:      packet.QoSLevel(s.QoS),
			NoLocal:  s.NoLocal,
			Durable:  true,
			Priority: Priority(s.Priority),
		})
	}

	return nil
}

// Snapshot captures the broker's durable state for persistence.
func (b *Broker) Snapshot() persistence.Snapshot {
	var retained []persistence.RetainedRecord
	for _, r := range b.subs.AllRetained() {
		retained = append(retained, persistence.RetainedRecord{Topic: r.Topic, QoS: byte(r.QoS), Payload: r.Payload})
	}

	var subs []persistence.SubscriptionRecord
	for _, client := range b.registry.All() {
		if client.CleanSession {
			continue
		}
		for _, sub := range b.subs.ClientSubscriptions(client.ID) {
			subs = append(subs, persistence.SubscriptionRecord{
				ClientID:   sub.ClientID,
				TopicFiler: sub.Filter,
				QoS:        byte(sub.QoS),
				NoLocal:    sub.NoLocal,
				Priority:   int(sub.Priority),
			})
		}
	}

	return persistence.Snapshot{
		SavedAt:       time.Now(),
		Retained:      retained,
		Subscriptions: subs,
	}
}

// Start marks the broker running and launches the housekeeping tick.
// It returns a stop function to call during graceful shutdown.
func (b *Broker) Start() (stop func()) {
	b.state.Store(int32(StateRunning))
	b.startAt = time.Now()

	done := make(chan struct{})
	go b.housekeepingLoop(done)

	return func() {
		b.state.Store(int32(StateStopping))
		close(done)
		b.state.Store(int32(StateStopped))
	}
}

// SetupBridges constructs one Bridge per configured remote broker.
// Inbound messages from a bridge are republished locally as if they
// arrived over any other connection; local publishes are forwarded
// out through publish() -> forwardToBridgesExcluding.
func (b *Broker) SetupBridges() {
	b.bridgesMu.Lock()
	defer b.bridgesMu.Unlock()

	for _, cfg := range b.config.Bridges {
		var br *bridge.Bridge
		br = bridge.New(cfg, b.logger, func(topic string, payload []byte, qos packet.QoSLevel, retain bool) {
			// no_local: a message arriving from this bridge is routed
			// locally but never re-forwarded back out the same bridge,
			// which is how a "both" direction mapping would otherwise
			// echo it straight back to the remote it came from.
			b.publishExcluding(topic, payload, qos, retain, br)
		})
		b.bridges = append(b.bridges, br)
	}
}

func (b *Broker) forwardToBridgesExcluding(topic string, payload []byte, qos packet.QoSLevel, retain bool, exclude *bridge.Bridge) {
	b.bridgesMu.Lock()
	bridges := append([]*bridge.Bridge(nil), b.bridges...)
	b.bridgesMu.Unlock()

	for _, br := range bridges {
		if br == exclude {
			continue
		}
		br.Publish(topic, payload, qos, retain)
	}
}

// RequestReload sets a flag consulted by the housekeeping tick, which
// logs the request; the configuration file is not re-read.
func (b *Broker) RequestReload() {
	b.hup.Store(true)
}

func (b *Broker) reloadRequested() bool {
	return b.hup.Swap(false)
}

func (b *Broker) State() RunState {
	return RunState(b.state.Load())
}

func (b *Broker) Registry() *Registry               { return b.registry }
func (b *Broker) Subscriptions() *SubscriptionEngine { return b.subs }
func (b *Broker) Config() *config.Config             { return b.config }
