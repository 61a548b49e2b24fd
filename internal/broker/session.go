package broker

import (
	"maps"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Client is one connected (or, for a persistent session, previously
// connected) MQTT client. Registry lookups return a pointer so
// in-flight state (inflight tables, queued messages) mutates in
// place; the session map itself is still swapped copy-on-write so
// registry-wide iteration never races a concurrent Store/Delete.
type Client struct {
	ID           string
	CleanSession bool

	WillTopic   *string
	WillMessage *string
	WillQoS     byte
	WillRetain  bool

	Username string

	KeepAlive   uint16
	ConnectedAt time.Time
	LastActive  int64 // unix nanos, updated atomically on every inbound packet

	Conn      net.Conn
	Connected bool

	// Superseded marks a session object that HandleConnect has already
	// kicked in favor of a new CONNECT under the same client id; its
	// connection goroutine's own cleanup must treat that as a no-op
	// instead of firing the will or re-touching the registry.
	Superseded bool

	mu sync.Mutex

	QoS *ClientQoS
}

type sessionMap map[string]*Client

// Registry is the broker's client/session table: copy-on-write so
// readers (the publish fan-out path) never block on a mutex.
type Registry struct {
	sessions atomic.Value
	mu       sync.Mutex
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.sessions.Store(make(sessionMap))
	return r
}

// Store registers or replaces a client's session (used on CONNECT and
// on session resume).
func (r *Registry) Store(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.sessions.Load().(sessionMap)
	updated := make(sessionMap, len(current)+1)
	maps.Copy(updated, current)
	updated[c.ID] = c
	r.sessions.Store(updated)
}

// Get looks up a client by id.
func (r *Registry) Get(id string) (*Client, bool) {
	current := r.sessions.Load().(sessionMap)
	c, ok := current[id]
	return c, ok
}

// Delete removes a client's session entirely (clean-session
// disconnect). Persistent sessions instead mark Connected = false via
// MarkDisconnected and are kept until their next resume; there is no
// expiry sweep.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.sessions.Load().(sessionMap)
	if _, ok := current[id]; !ok {
		return
	}
	updated := make(sessionMap, len(current))
	maps.Copy(updated, current)
	delete(updated, id)
	r.sessions.Store(updated)
}

// All returns a snapshot slice of every registered client, safe to
// range over without holding any lock.
func (r *Registry) All() []*Client {
	current := r.sessions.Load().(sessionMap)
	out := make([]*Client, 0, len(current))
	for _, c := range current {
		out = append(out, c)
	}
	return out
}

// Count returns the number of registered sessions (connected or
// persistent-but-disconnected).
func (r *Registry) Count() int {
	return len(r.sessions.Load().(sessionMap))
}

// MarkDisconnected flips Connected off without removing the session,
// so a persistent client's subscriptions and inflight state survive
// until it resumes.
func (c *Client) MarkDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Connected = false
	c.Conn = nil
}

// Touch records inbound activity, consulted by the keepalive check.
func (c *Client) Touch() {
	atomic.StoreInt64(&c.LastActive, time.Now().UnixNano())
}

// IsConnected reports whether the client currently has a live
// connection, consulted by the delivery path to decide between
// sending inflight and queuing for later.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Connected && c.Conn != nil
}

// Write sends raw bytes to the client's live connection. Returns
// false if the client has no live connection (queued for later
// delivery by the caller).
func (c *Client) Write(data []byte) (bool, error) {
	c.mu.Lock()
	conn := c.Conn
	connected := c.Connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return false, nil
	}

	_, err := conn.Write(data)
	return true, err
}
