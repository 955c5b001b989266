// Package admission implements the SNI-driven authorization step between
// the Listener and the Forwarder, per spec.md §4.2.
package admission

import (
	"context"
	"net"
	"regexp"
	"time"

	"github.com/demeter-run/cardano-node-proxy/internal/config"
	"github.com/demeter-run/cardano-node-proxy/internal/consumer"
	"github.com/demeter-run/cardano-node-proxy/internal/metrics"
	"github.com/demeter-run/cardano-node-proxy/internal/registry"
	"github.com/demeter-run/cardano-node-proxy/pkg/proxyerr"
)

// hostnameRe captures (token, network, version) out of the SNI hostname,
// exactly the grammar in spec.md §6.
var hostnameRe = regexp.MustCompile(`^(dmtr_[A-Za-z0-9-]+)\.([A-Za-z]+)-([A-Za-z0-9]+)\..+$`)

const upstreamDialTimeout = 10 * time.Second

// Context is the per-connection snapshot handed off to the Forwarder, per
// spec.md §3.
type Context struct {
	Consumer  consumer.Consumer
	Namespace string
	Instance  string
}

// Admitter runs the admission algorithm against the shared Registry.
type Admitter struct {
	reg *registry.Registry
	cfg *config.Config
	mx  *metrics.Metrics

	// resolveUpstream and dialUpstream are overridable for tests.
	resolveUpstream func(ctx context.Context, host string) ([]string, error)
	dialUpstream    func(ctx context.Context, addr string) (net.Conn, error)
}

// New builds an Admitter over the shared registry, config, and metrics.
func New(reg *registry.Registry, cfg *config.Config, mx *metrics.Metrics) *Admitter {
	return &Admitter{
		reg: reg,
		cfg: cfg,
		mx:  mx,
		resolveUpstream: func(ctx context.Context, host string) ([]string, error) {
			return net.DefaultResolver.LookupHost(ctx, host)
		},
		dialUpstream: func(ctx context.Context, addr string) (net.Conn, error) {
			d := net.Dialer{Timeout: upstreamDialTimeout}
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

// Admit runs the seven-step algorithm of spec.md §4.2 against an already
// TLS-handshaken connection and its extracted SNI hostname. On success it
// returns the forwarding Context and an already-dialed upstream connection;
// on rejection it returns a proxyerr.AdmissionReject error and no upstream.
func (a *Admitter) Admit(ctx context.Context, sni string) (*Context, net.Conn, error) {
	m := hostnameRe.FindStringSubmatch(sni)
	if m == nil {
		return nil, nil, proxyerr.New(proxyerr.AdmissionReject, "invalid hostname")
	}
	token, network, version := m[1], m[2], m[3]

	key, err := consumer.DecodeAuthToken(token)
	if err != nil {
		// An undecodable token never matches any consumer; treat it the
		// same as an unknown-token miss.
		return nil, nil, proxyerr.New(proxyerr.AdmissionReject, "unknown consumer")
	}

	c, ok := a.reg.Consumer(key)
	if !ok {
		// Unknown consumers are never labeled: no metric here, per spec.md §4.2 step 2.
		return nil, nil, proxyerr.New(proxyerr.AdmissionReject, "unknown consumer")
	}

	t, ok := a.reg.Tier(c.TierName)
	if !ok {
		a.mx.DenyConnection(labelsFor(c, a.cfg.ProxyNamespace, ""))
		return nil, nil, proxyerr.New(proxyerr.AdmissionReject, "unresolved tier")
	}

	if c.ActiveConnections >= t.MaxConnections {
		a.mx.DenyConnection(labelsFor(c, a.cfg.ProxyNamespace, ""))
		return nil, nil, proxyerr.New(proxyerr.AdmissionReject, "tier connection cap")
	}

	instanceHost := a.cfg.UpstreamHostname(network, version)
	addrs, err := a.resolveUpstream(ctx, instanceHost)
	if err != nil || len(addrs) == 0 {
		return nil, nil, proxyerr.Wrap(proxyerr.AdmissionReject, "upstream unresolved", err)
	}
	upstreamAddr := net.JoinHostPort(addrs[0], a.cfg.NodePort)

	upstream, err := a.dialUpstream(ctx, upstreamAddr)
	if err != nil {
		return nil, nil, proxyerr.Wrap(proxyerr.AdmissionReject, "upstream unreachable", err)
	}

	instance := net.JoinHostPort(instanceHost, a.cfg.NodePort)
	return &Context{
		Consumer:  c,
		Namespace: a.cfg.ProxyNamespace,
		Instance:  instance,
	}, upstream, nil
}

func labelsFor(c consumer.Consumer, namespace, instance string) metrics.Labels {
	return metrics.Labels{
		Consumer:  string(c.Key),
		Namespace: namespace,
		Instance:  instance,
		Tier:      c.TierName,
	}
}
