// Package forwarder drives the bidirectional byte pump between a client and
// its resolved upstream, with byte accounting and upstream→client rate
// limiting, per spec.md §4.3.
package forwarder

import (
	"context"
	"net"

	"github.com/demeter-run/cardano-node-proxy/internal/admission"
	"github.com/demeter-run/cardano-node-proxy/internal/consumer"
	"github.com/demeter-run/cardano-node-proxy/internal/metrics"
	"github.com/demeter-run/cardano-node-proxy/internal/registry"
	"github.com/demeter-run/cardano-node-proxy/pkg/logging"
	"github.com/demeter-run/cardano-node-proxy/pkg/proxyerr"
)

// bufferSize is the fixed, identical size of both read buffers. Its exact
// value is not semantically significant per spec.md §4.3.
const bufferSize = 1024

// readResult is one side's outcome from a single buffered read.
type readResult struct {
	n   int
	err error
}

// sideReader keeps exactly one Read call in flight on a connection at a
// time, handing its result to the forwarding loop over resultCh and waiting
// on proceedCh before issuing the next Read. This is the Go equivalent of
// racing two async reads with select, per original_source/proxy/src/proxy.rs.
type sideReader struct {
	resultCh  chan readResult
	proceedCh chan struct{}
}

func startReader(conn net.Conn, buf []byte) *sideReader {
	sr := &sideReader{
		resultCh:  make(chan readResult, 1),
		proceedCh: make(chan struct{}, 1),
	}
	go func() {
		for {
			n, err := conn.Read(buf)
			sr.resultCh <- readResult{n, err}
			if err != nil || n == 0 {
				return
			}
			if _, ok := <-sr.proceedCh; !ok {
				return
			}
		}
	}()
	return sr
}

// Forward runs the Open→Closing→Closed state machine for one admitted
// connection until either side observes EOF or error. client and upstream
// are both closed on return.
func Forward(ctx context.Context, reg *registry.Registry, mx *metrics.Metrics, fctx *admission.Context, client, upstream net.Conn) {
	defer client.Close()
	defer upstream.Close()

	labels := metrics.Labels{
		Consumer:  string(fctx.Consumer.Key),
		Namespace: fctx.Namespace,
		Instance:  fctx.Instance,
		Tier:      fctx.Consumer.TierName,
	}
	log := logging.WithConsumer(labels.Consumer, labels.Namespace, labels.Instance)

	t, _ := reg.Tier(fctx.Consumer.TierName)
	if !reg.TryIncrementActiveConnections(fctx.Consumer.Key, t.MaxConnections) {
		// The consumer vanished or hit its cap between Admission's read and
		// here; close without ever having opened.
		log.Debug("connection cap reached between admission and forwarding, closing")
		return
	}
	mx.ConnectionOpened(labels)
	defer func() {
		reg.DecrementActiveConnections(fctx.Consumer.Key)
		mx.ConnectionClosed(labels)
	}()

	clientBuf := make([]byte, bufferSize)
	upstreamBuf := make([]byte, bufferSize)
	clientReader := startReader(client, clientBuf)
	upstreamReader := startReader(upstream, upstreamBuf)

	for {
		select {
		case r := <-clientReader.resultCh:
			if r.err != nil || r.n == 0 {
				return
			}
			mx.CountBytes(labels, r.n)
			if err := writeAll(upstream, clientBuf[:r.n]); err != nil {
				logging.WithErrKind(log, err).Debug("upstream write failed")
				return
			}
			clientReader.proceedCh <- struct{}{}

		case r := <-upstreamReader.resultCh:
			if r.err != nil || r.n == 0 {
				return
			}
			if err := acquireRate(ctx, reg, fctx.Consumer.Key, r.n); err != nil {
				logging.WithErrKind(log, err).Debug("rate limiter acquisition refused")
				return
			}
			mx.CountBytes(labels, r.n)
			if err := writeAll(client, upstreamBuf[:r.n]); err != nil {
				logging.WithErrKind(log, err).Debug("client write failed")
				return
			}
			upstreamReader.proceedCh <- struct{}{}
		}
	}
}

// acquireRate resolves the consumer's limiter set (building it lazily if
// absent) and blocks until every bucket in it admits n bytes, per the
// limiter resolution algorithm in spec.md §4.3.
func acquireRate(ctx context.Context, reg *registry.Registry, key consumer.Key, n int) error {
	bs, err := reg.Limiter(key)
	if err != nil {
		return proxyerr.Wrap(proxyerr.ForwardingError, "resolving limiter", err)
	}
	if err := bs.Acquire(ctx, n); err != nil {
		return proxyerr.Wrap(proxyerr.ForwardingError, "rate acquisition", err)
	}
	return nil
}

func writeAll(w net.Conn, b []byte) error {
	if _, err := w.Write(b); err != nil {
		return proxyerr.Wrap(proxyerr.ForwardingError, "write", err)
	}
	return nil
}
