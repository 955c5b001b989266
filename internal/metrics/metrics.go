// Package metrics registers and updates the Prometheus collectors exposed
// by the admin HTTP surface, per spec.md §4.6.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Labels is the label set attached to every data-plane metric observation,
// derived from a connection's Context at the moment of observation.
type Labels struct {
	Consumer  string
	Namespace string
	Instance  string
	Tier      string
}

func (l Labels) values() prometheus.Labels {
	return prometheus.Labels{
		"consumer":  l.Consumer,
		"namespace": l.Namespace,
		"instance":  l.Instance,
		"tier":      l.Tier,
	}
}

// Metrics holds every collector the proxy exposes.
type Metrics struct {
	TotalPackagesBytes *prometheus.CounterVec
	TotalConnections   *prometheus.GaugeVec
	ConnectionsDenied  *prometheus.CounterVec
}

// New registers and returns the proxy's metric collectors against reg.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		TotalPackagesBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "total_packages_bytes",
			Help: "Total bytes forwarded between client and upstream.",
		}, []string{"consumer", "namespace", "instance", "tier"}),
		TotalConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "total_connections",
			Help: "Currently open forwarded connections.",
		}, []string{"consumer", "namespace", "instance", "tier"}),
		ConnectionsDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "total_connections_denied",
			Help: "Connections rejected at admission.",
		}, []string{"consumer", "namespace", "instance", "tier"}),
	}
	reg.MustRegister(m.TotalPackagesBytes, m.TotalConnections, m.ConnectionsDenied)
	return m
}

// CountBytes records n bytes transferred under labels.
func (m *Metrics) CountBytes(l Labels, n int) {
	m.TotalPackagesBytes.With(l.values()).Add(float64(n))
}

// ConnectionOpened increments the open-connections gauge under labels.
func (m *Metrics) ConnectionOpened(l Labels) {
	m.TotalConnections.With(l.values()).Inc()
}

// ConnectionClosed decrements the open-connections gauge under labels.
func (m *Metrics) ConnectionClosed(l Labels) {
	m.TotalConnections.With(l.values()).Dec()
}

// DenyConnection increments the denied-connections counter under labels, per
// spec.md §4.2 steps 3-4 (unknown consumers are never labeled, so this is
// only called once a consumer is resolved).
func (m *Metrics) DenyConnection(l Labels) {
	m.ConnectionsDenied.With(l.values()).Inc()
}
