package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	connectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wireserv",
			Subsystem: "server",
			Name:      "connections_total",
			Help:      "Total accepted connections.",
		},
	)
	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wireserv",
			Subsystem: "server",
			Name:      "connections_active",
			Help:      "Currently open connections.",
		},
	)
	requestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wireserv",
			Subsystem: "server",
			Name:      "requests_in_flight",
			Help:      "Requests dispatched and not yet responded to.",
		},
	)
	requestsServed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wireserv",
			Subsystem: "server",
			Name:      "requests_served_total",
			Help:      "Requests whose response was fully written.",
		},
	)
	processingErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wireserv",
			Subsystem: "server",
			Name:      "processing_errors_total",
			Help:      "Dispatched requests that failed in the handler.",
		},
	)
	memoryWaits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wireserv",
			Subsystem: "server",
			Name:      "memory_waits_total",
			Help:      "Requests that had to wait for memory admission.",
		},
	)
	bytesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wireserv",
			Subsystem: "server",
			Name:      "bytes_sent_total",
			Help:      "Response bytes written to client sockets.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			connectionsTotal,
			connectionsActive,
			requestsInFlight,
			requestsServed,
			processingErrors,
			memoryWaits,
			bytesSent,
		)
	})
}

// Probe records server lifecycle counters. All methods are safe on a nil
// receiver so callers never need to guard observability calls.
type Probe struct{}

func NewProbe() *Probe {
	RegisterMetrics()
	return &Probe{}
}

func (p *Probe) ConnectionEstablished() {
	if p == nil {
		return
	}
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

func (p *Probe) ConnectionClosed() {
	if p == nil {
		return
	}
	connectionsActive.Dec()
}

func (p *Probe) ServingRequest() {
	if p == nil {
		return
	}
	requestsInFlight.Inc()
}

func (p *Probe) RequestServed() {
	if p == nil {
		return
	}
	requestsInFlight.Dec()
	requestsServed.Inc()
}

func (p *Probe) RequestProcessingError() {
	if p == nil {
		return
	}
	requestsInFlight.Dec()
	processingErrors.Inc()
}

func (p *Probe) WaitingForAvailableMemory() {
	if p == nil {
		return
	}
	memoryWaits.Inc()
}

func (p *Probe) AddBytesSent(n int) {
	if p == nil {
		return
	}
	bytesSent.Add(float64(n))
}
