// Package listener binds the TLS-terminating accept loop described in
// spec.md §4.1: one task per accepted connection, SNI extracted during the
// handshake, no other per-connection work done on the accept path.
package listener

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/demeter-run/cardano-node-proxy/internal/admission"
	"github.com/demeter-run/cardano-node-proxy/internal/forwarder"
	"github.com/demeter-run/cardano-node-proxy/internal/metrics"
	"github.com/demeter-run/cardano-node-proxy/internal/registry"
	"github.com/demeter-run/cardano-node-proxy/pkg/logging"
)

// Listener owns the bound plain TCP socket, the server certificate, and the
// dependencies each accepted connection needs to run Admission then
// Forwarder.
type Listener struct {
	ln   net.Listener
	cert tls.Certificate
	reg  *registry.Registry
	mx   *metrics.Metrics
	adm  *admission.Admitter
}

// New loads the certificate/key pair and binds addr, per the PROXY_ADDR /
// SSL_CRT_PATH / SSL_KEY_PATH configuration in spec.md §6.
func New(addr, certPath, keyPath string, reg *registry.Registry, mx *metrics.Metrics, adm *admission.Admitter) (*Listener, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	return &Listener{ln: ln, cert: cert, reg: reg, mx: mx, adm: adm}, nil
}

// Serve accepts connections until ctx is cancelled, spawning one goroutine
// per connection. It returns nil on a clean ctx-driven shutdown.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logging.WithErrKind(logging.Default, err).Warn("accept error")
			continue
		}
		go l.handle(ctx, conn)
	}
}

// handle performs the TLS handshake, capturing the SNI via
// GetConfigForClient, then hands the connection and the observed hostname
// to Admission. Connections with no or malformed SNI are closed without
// allocating a forwarding Context, per spec.md §4.1.
func (l *Listener) handle(ctx context.Context, raw net.Conn) {
	var sni string
	cfg := &tls.Config{
		Certificates: []tls.Certificate{l.cert},
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			sni = hello.ServerName
			return nil, nil
		},
	}

	tlsConn := tls.Server(raw, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return
	}

	if sni == "" {
		_ = tlsConn.Close()
		return
	}

	fctx, upstream, err := l.adm.Admit(ctx, sni)
	if err != nil {
		logging.WithErrKind(logging.Default, err).Debug("admission rejected")
		_ = tlsConn.Close()
		return
	}

	forwarder.Forward(ctx, l.reg, l.mx, fctx, tlsConn, upstream)
}
