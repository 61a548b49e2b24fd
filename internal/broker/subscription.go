package broker

import (
	"sync"

	"github.com/sablemq/sablemq/internal/packet"
)

// Subscription is one client's interest in a topic filter.
type Subscription struct {
	ClientID string
	Filter   string
	QoS      packet.QoSLevel
	NoLocal  bool
	Durable  bool
	Priority Priority
}

// RetainedMessage is the last retained PUBLISH seen for a topic.
type RetainedMessage struct {
	Topic   string
	Payload []byte
	QoS     packet.QoSLevel
}

// SubscriptionEngine indexes subscriptions two ways: concreteSubs is
// an exact-match fast path (the common case — most filters have no
// wildcard), wildcardSubs is a linear scan fallback for the rest.
// Retained messages on "$"-prefixed topics are kept in a separate
// systemRetained map; subscriptions to such topics are not mirrored
// and live in the same concreteSubs/wildcardSubs index as all others.
type SubscriptionEngine struct {
	mu sync.RWMutex

	concreteSubs map[string]map[string]*Subscription // topic filter -> clientID -> sub
	wildcardSubs map[string]map[string]*Subscription

	retained       map[string]*RetainedMessage
	systemRetained map[string]*RetainedMessage

	byClient map[string]map[string]*Subscription // clientID -> filter -> sub, for fast unsubscribe-all
}

func NewSubscriptionEngine() *SubscriptionEngine {
	return &SubscriptionEngine{
		concreteSubs:   make(map[string]map[string]*Subscription),
		wildcardSubs:   make(map[string]map[string]*Subscription),
		retained:       make(map[string]*RetainedMessage),
		systemRetained: make(map[string]*RetainedMessage),
		byClient:       make(map[string]map[string]*Subscription),
	}
}

// Subscribe adds or replaces clientID's subscription to filter.
func (e *SubscriptionEngine) Subscribe(sub *Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()

	index := e.concreteSubs
	if HasWildcards(sub.Filter) {
		index = e.wildcardSubs
	}

	if index[sub.Filter] == nil {
		index[sub.Filter] = make(map[string]*Subscription)
	}
	index[sub.Filter][sub.ClientID] = sub

	if e.byClient[sub.ClientID] == nil {
		e.byClient[sub.ClientID] = make(map[string]*Subscription)
	}
	e.byClient[sub.ClientID][sub.Filter] = sub
}

// Unsubscribe removes clientID's subscription to filter.
func (e *SubscriptionEngine) Unsubscribe(clientID, filter string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	index := e.concreteSubs
	if HasWildcards(filter) {
		index = e.wildcardSubs
	}

	if clients, ok := index[filter]; ok {
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(index, filter)
		}
	}

	if filters, ok := e.byClient[clientID]; ok {
		delete(filters, filter)
		if len(filters) == 0 {
			delete(e.byClient, clientID)
		}
	}
}

// UnsubscribeAll removes every subscription owned by clientID, used
// on clean-session disconnect.
func (e *SubscriptionEngine) UnsubscribeAll(clientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for filter := range e.byClient[clientID] {
		index := e.concreteSubs
		if HasWildcards(filter) {
			index = e.wildcardSubs
		}
		if clients, ok := index[filter]; ok {
			delete(clients, clientID)
			if len(clients) == 0 {
				delete(index, filter)
			}
		}
	}
	delete(e.byClient, clientID)
}

// Match returns every subscription across every client whose filter
// matches topic, with at most one Subscription per client: when a
// client has multiple matching filters, the most specific one wins.
func (e *SubscriptionEngine) Match(topic string) []*Subscription {
	e.mu.RLock()
	defer e.mu.RUnlock()

	best := make(map[string]*Subscription)

	consider := func(sub *Subscription) {
		if current, ok := best[sub.ClientID]; !ok || Specificity(sub.Filter) > Specificity(current.Filter) {
			best[sub.ClientID] = sub
		}
	}

	if clients, ok := e.concreteSubs[topic]; ok {
		for _, sub := range clients {
			consider(sub)
		}
	}

	for filter, clients := range e.wildcardSubs {
		if !Matches(filter, topic) {
			continue
		}
		for _, sub := range clients {
			consider(sub)
		}
	}

	out := make([]*Subscription, 0, len(best))
	for _, sub := range best {
		out = append(out, sub)
	}
	return out
}

// ClientSubscriptions returns every subscription owned by clientID.
func (e *SubscriptionEngine) ClientSubscriptions(clientID string) []*Subscription {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*Subscription, 0, len(e.byClient[clientID]))
	for _, sub := range e.byClient[clientID] {
		out = append(out, sub)
	}
	return out
}

// SetRetained stores or, for an empty payload, clears the retained
// message for topic.
func (e *SubscriptionEngine) SetRetained(topic string, payload []byte, qos packet.QoSLevel) {
	e.mu.Lock()
	defer e.mu.Unlock()

	store := e.retained
	if IsSystemTopic(topic) {
		store = e.systemRetained
	}

	if len(payload) == 0 {
		delete(store, topic)
		return
	}

	store[topic] = &RetainedMessage{Topic: topic, Payload: payload, QoS: qos}
}

// MatchRetained returns every retained message matching filter,
// mirroring the $SYS / non-$SYS split Matches already enforces.
func (e *SubscriptionEngine) MatchRetained(filter string) []*RetainedMessage {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []*RetainedMessage

	if IsSystemTopic(filter) {
		for topic, msg := range e.systemRetained {
			if Matches(filter, topic) {
				out = append(out, msg)
			}
		}
		return out
	}

	for topic, msg := range e.retained {
		if Matches(filter, topic) {
			out = append(out, msg)
		}
	}
	return out
}

// RetainedCount reports the number of retained (non-$SYS) messages.
func (e *SubscriptionEngine) RetainedCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.retained)
}

// AllRetained returns a snapshot of every non-$SYS retained message,
// used by the persistence snapshot path.
func (e *SubscriptionEngine) AllRetained() []*RetainedMessage {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*RetainedMessage, 0, len(e.retained))
	for _, msg := range e.retained {
		out = append(out, msg)
	}
	return out
}
