package consumerwatch

import (
	"context"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"

	"github.com/demeter-run/cardano-node-proxy/internal/consumer"
	"github.com/demeter-run/cardano-node-proxy/internal/registry"
	"github.com/demeter-run/cardano-node-proxy/pkg/logging"
	"github.com/demeter-run/cardano-node-proxy/pkg/proxyerr"
)

// relistBackoff bounds the delay between a failed List/Watch call and the
// next relist attempt, per spec.md §4.4's "on empty/error poll: log and
// continue" handling. A var, not a const, so tests can shrink it.
var relistBackoff = 2 * time.Second

// maxConsecutiveFailures bounds how many relist/stream failures in a row Run
// tolerates before giving up and returning a WatcherFatal error, per spec.md
// §4.4 "on fatal subscription failure: exit process".
const maxConsecutiveFailures = 5

// Watcher drives the Disconnected → Listing → Streaming → Disconnected
// state machine of spec.md §9 against the CardanoNodePort CRD.
type Watcher struct {
	client    dynamic.NamespaceableResourceInterface
	namespace string
	reg       *registry.Registry
}

// New builds a Watcher scoped to namespace (empty string watches all
// namespaces the caller's RBAC permits).
func New(client dynamic.Interface, namespace string, reg *registry.Registry) *Watcher {
	return &Watcher{
		client:    client.Resource(GroupVersionResource),
		namespace: namespace,
		reg:       reg,
	}
}

// Run relists and streams until ctx is cancelled or a fatal error occurs, per
// spec.md §4.4. A returned error is always a *proxyerr.Error of kind
// WatcherFatal — either the Kubernetes API rejected the request in a way no
// retry can fix (Forbidden/Unauthorized/NotFound), or relist/stream failed
// maxConsecutiveFailures times in a row — and the caller is expected to exit
// the process on it.
func (w *Watcher) Run(ctx context.Context) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		resourceVersion, err := w.relist(ctx)
		if err != nil {
			entry := logging.WithErrKind(logging.Default, err)
			if isUnrecoverable(err) {
				entry.Error("consumer watcher: relist failed with an unrecoverable API error, exiting")
				return proxyerr.Wrap(proxyerr.WatcherFatal, "relist", err)
			}
			failures++
			entry.WithField("consecutive_failures", failures).Error("consumer watcher: relist failed, retrying")
			if failures >= maxConsecutiveFailures {
				return proxyerr.Wrap(proxyerr.WatcherFatal, "relist failed too many times in a row", err)
			}
			if !sleepOrDone(ctx, relistBackoff) {
				return nil
			}
			continue
		}
		failures = 0

		if err := w.stream(ctx, resourceVersion); err != nil {
			entry := logging.WithErrKind(logging.Default, err)
			if isUnrecoverable(err) {
				entry.Error("consumer watcher: stream failed with an unrecoverable API error, exiting")
				return proxyerr.Wrap(proxyerr.WatcherFatal, "stream", err)
			}
			failures++
			entry.WithField("consecutive_failures", failures).Warn("consumer watcher: stream ended, relisting")
			if failures >= maxConsecutiveFailures {
				return proxyerr.Wrap(proxyerr.WatcherFatal, "stream failed too many times in a row", err)
			}
			if !sleepOrDone(ctx, relistBackoff) {
				return nil
			}
			continue
		}
		failures = 0
	}
}

// isUnrecoverable reports whether err represents a Kubernetes API rejection
// that retrying will not fix: missing RBAC grant, missing CRD, or an expired
// credential. These end the watch loop immediately rather than spinning
// through maxConsecutiveFailures first.
func isUnrecoverable(err error) bool {
	return apierrors.IsForbidden(err) || apierrors.IsUnauthorized(err) || apierrors.IsNotFound(err)
}

// relist fetches the full current port set and applies it as a Restarted
// event, per spec.md §4.4.
func (w *Watcher) relist(ctx context.Context) (string, error) {
	ns := w.resourceInterface()
	list, err := ns.List(ctx, metav1.ListOptions{})
	if err != nil {
		return "", proxyerr.Wrap(proxyerr.WatcherTransient, "listing ports", err)
	}

	consumers := make(map[consumer.Key]consumer.Consumer, len(list.Items))
	for _, item := range list.Items {
		port, err := decodePort(&item)
		if err != nil {
			logging.WithErrKind(logging.Default, err).Warn("consumer watcher: skipping unparsable port")
			continue
		}
		c, ok := toConsumer(port)
		if !ok {
			continue
		}
		consumers[c.Key] = c
	}

	w.reg.ReplaceConsumers(consumers)
	w.reg.ClearLimiters()
	return list.GetResourceVersion(), nil
}

// stream watches for individual changes from resourceVersion onward,
// translating native events into Applied/Deleted handling per spec.md §4.4.
// It returns nil once the watch channel closes (the caller relists).
func (w *Watcher) stream(ctx context.Context, resourceVersion string) error {
	ns := w.resourceInterface()
	wi, err := ns.Watch(ctx, metav1.ListOptions{ResourceVersion: resourceVersion})
	if err != nil {
		return proxyerr.Wrap(proxyerr.WatcherTransient, "opening watch", err)
	}
	defer wi.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-wi.ResultChan():
			if !ok {
				return nil
			}
			w.handleEvent(event)
		}
	}
}

func (w *Watcher) handleEvent(event watch.Event) {
	obj, ok := event.Object.(*unstructured.Unstructured)
	if !ok {
		return
	}
	port, err := decodePort(obj)
	if err != nil {
		logging.WithErrKind(logging.Default, err).Warn("consumer watcher: skipping unparsable event")
		return
	}

	switch event.Type {
	case watch.Added, watch.Modified:
		c, ok := toConsumer(port)
		if !ok {
			// Status not yet populated by the operator; a later Applied
			// event will carry it, per spec.md §4.4.
			return
		}
		w.reg.UpsertConsumer(c)
		w.reg.DropLimiter(c.Key)

	case watch.Deleted:
		c, ok := toConsumer(port)
		if !ok {
			return
		}
		w.reg.DeleteConsumer(c.Key)
		w.reg.DropLimiter(c.Key)

	case watch.Error:
		err := proxyerr.New(proxyerr.WatcherTransient, "received watch.Error event")
		logging.WithErrKind(logging.Default, err).Warn("consumer watcher: received watch.Error event")
	}
}

func (w *Watcher) resourceInterface() dynamic.ResourceInterface {
	return w.client.Namespace(w.namespace)
}

func decodePort(obj *unstructured.Unstructured) (*CardanoNodePort, error) {
	var port CardanoNodePort
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.UnstructuredContent(), &port); err != nil {
		return nil, proxyerr.Wrap(proxyerr.WatcherTransient, "decoding port", err)
	}
	return &port, nil
}

// toConsumer derives a Consumer from a port record. A port whose status is
// not yet populated, or whose auth token fails to decode, yields ok=false.
func toConsumer(port *CardanoNodePort) (consumer.Consumer, bool) {
	if port.Status == nil || port.Status.AuthToken == "" {
		return consumer.Consumer{}, false
	}
	key, err := consumer.DecodeAuthToken(port.Status.AuthToken)
	if err != nil {
		wrapped := proxyerr.Wrap(proxyerr.WatcherTransient, "invalid auth token", err)
		logging.WithErrKind(logging.Default, wrapped).Warn("consumer watcher: invalid auth token")
		return consumer.Consumer{}, false
	}
	return consumer.Consumer{
		Namespace: port.Namespace,
		PortName:  port.Name,
		TierName:  port.Spec.TierName,
		Key:       key,
		Network:   port.Spec.Network,
		Version:   port.Spec.Version,
	}, true
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
