package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func gaugeValue(t *testing.T, g *prometheus.GaugeVec, l Labels) float64 {
	t.Helper()
	return testutil.ToFloat64(g.With(l.values()))
}

func counterValue(t *testing.T, c *prometheus.CounterVec, l Labels) float64 {
	t.Helper()
	return testutil.ToFloat64(c.With(l.values()))
}

func TestConnectionOpenedAndClosed(t *testing.T) {
	mx := New(prometheus.NewRegistry())
	labels := Labels{Consumer: "c1", Namespace: "ns", Instance: "i1", Tier: "free"}

	mx.ConnectionOpened(labels)
	if got := gaugeValue(t, mx.TotalConnections, labels); got != 1 {
		t.Errorf("TotalConnections = %v, want 1", got)
	}

	mx.ConnectionClosed(labels)
	if got := gaugeValue(t, mx.TotalConnections, labels); got != 0 {
		t.Errorf("TotalConnections = %v, want 0", got)
	}
}

func TestCountBytesAccumulates(t *testing.T) {
	mx := New(prometheus.NewRegistry())
	labels := Labels{Consumer: "c1", Namespace: "ns", Instance: "i1", Tier: "free"}

	mx.CountBytes(labels, 4)
	mx.CountBytes(labels, 4)

	if got := counterValue(t, mx.TotalPackagesBytes, labels); got != 8 {
		t.Errorf("TotalPackagesBytes = %v, want 8", got)
	}
}

func TestDenyConnectionIncrements(t *testing.T) {
	mx := New(prometheus.NewRegistry())
	labels := Labels{Consumer: "c1", Namespace: "ns", Instance: "", Tier: "free"}

	mx.DenyConnection(labels)
	mx.DenyConnection(labels)

	if got := counterValue(t, mx.ConnectionsDenied, labels); got != 2 {
		t.Errorf("ConnectionsDenied = %v, want 2", got)
	}
}
