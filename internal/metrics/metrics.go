// Package metrics exposes the broker's $SYS counters through
// Prometheus using the promauto registration style.
package metrics

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the broker's running counters. Every field is safe for
// concurrent use; the Prometheus gauges/counters are updated from the
// same atomic values the $SYS publisher reads in housekeeping.
type Metrics struct {
	startTime time.Time

	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64
	msgsReceived  atomic.Uint64
	msgsSent      atomic.Uint64
	clientsTotal  atomic.Uint64
	clientsActive atomic.Int64

	bytesReceivedCounter prometheus.Counter
	bytesSentCounter     prometheus.Counter
	msgsReceivedCounter  prometheus.Counter
	msgsSentCounter      prometheus.Counter
	clientsTotalCounter  prometheus.Counter
	clientsActiveGauge   prometheus.Gauge
	uptimeGauge          prometheus.GaugeFunc
	discardedCounter     prometheus.Counter
}

// New registers the broker's collectors against reg. Pass
// prometheus.NewRegistry() for an isolated registry (tests) or nil to
// use the default global registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{startTime: time.Now()}

	m.bytesReceivedCounter = factory.NewCounter(prometheus.CounterOpts{
		Name: "sablemq_bytes_received_total",
		Help: "Total bytes received from clients.",
	})
	m.bytesSentCounter = factory.NewCounter(prometheus.CounterOpts{
		Name: "sablemq_bytes_sent_total",
		Help: "Total bytes sent to clients.",
	})
	m.msgsReceivedCounter = factory.NewCounter(prometheus.CounterOpts{
		Name: "sablemq_messages_received_total",
		Help: "Total PUBLISH packets received from clients.",
	})
	m.msgsSentCounter = factory.NewCounter(prometheus.CounterOpts{
		Name: "sablemq_messages_sent_total",
		Help: "Total PUBLISH packets sent to clients.",
	})
	m.clientsTotalCounter = factory.NewCounter(prometheus.CounterOpts{
		Name: "sablemq_clients_total",
		Help: "Total number of CONNECT packets accepted since start.",
	})
	m.clientsActiveGauge = factory.NewGauge(prometheus.GaugeOpts{
		Name: "sablemq_clients_connected",
		Help: "Number of currently connected clients.",
	})
	m.discardedCounter = factory.NewCounter(prometheus.CounterOpts{
		Name: "sablemq_messages_discarded_total",
		Help: "Total messages dropped due to queue exhaustion.",
	})
	m.uptimeGauge = factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "sablemq_uptime_seconds",
		Help: "Seconds since the broker started.",
	}, func() float64 {
		return time.Since(m.startTime).Seconds()
	})

	return m
}

func (m *Metrics) AddBytesReceived(n int) {
	m.bytesReceived.Add(uint64(n))
	m.bytesReceivedCounter.Add(float64(n))
}

func (m *Metrics) AddBytesSent(n int) {
	m.bytesSent.Add(uint64(n))
	m.bytesSentCounter.Add(float64(n))
}

func (m *Metrics) IncMsgsReceived() {
	m.msgsReceived.Add(1)
	m.msgsReceivedCounter.Inc()
}

func (m *Metrics) IncMsgsSent() {
	m.msgsSent.Add(1)
	m.msgsSentCounter.Inc()
}

func (m *Metrics) IncDiscarded() {
	m.discardedCounter.Inc()
}

func (m *Metrics) ClientConnected() {
	m.clientsTotal.Add(1)
	m.clientsActive.Add(1)
	m.clientsTotalCounter.Inc()
	m.clientsActiveGauge.Inc()
}

func (m *Metrics) ClientDisconnected() {
	m.clientsActive.Add(-1)
	m.clientsActiveGauge.Dec()
}

// Snapshot is a point-in-time read of every counter, used by the
// housekeeping tick to publish $SYS/broker/... retained messages.
type Snapshot struct {
	UptimeSeconds int64
	BytesReceived uint64
	BytesSent     uint64
	MsgsReceived  uint64
	MsgsSent      uint64
	ClientsTotal  uint64
	ClientsActive int64
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		UptimeSeconds: int64(time.Since(m.startTime).Seconds()),
		BytesReceived: m.bytesReceived.Load(),
		BytesSent:     m.bytesSent.Load(),
		MsgsReceived:  m.msgsReceived.Load(),
		MsgsSent:      m.msgsSent.Load(),
		ClientsTotal:  m.clientsTotal.Load(),
		ClientsActive: m.clientsActive.Load(),
	}
}

// Serve runs a /metrics HTTP endpoint until ctx is cancelled. It is a
// side listener, independent of the MQTT TCP listeners.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
