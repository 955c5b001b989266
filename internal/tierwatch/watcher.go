// Package tierwatch subscribes to the tier configuration ConfigMap and
// keeps the shared Registry's tier table coherent with it, per spec.md §4.5.
package tierwatch

import (
	"context"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/demeter-run/cardano-node-proxy/internal/registry"
	"github.com/demeter-run/cardano-node-proxy/internal/tier"
	"github.com/demeter-run/cardano-node-proxy/pkg/logging"
	"github.com/demeter-run/cardano-node-proxy/pkg/proxyerr"
)

// relistBackoff bounds the delay between a failed fetch/stream and the next
// attempt. A var, not a const, so tests can shrink it.
var relistBackoff = 2 * time.Second

// maxConsecutiveFailures bounds how many fetch/stream failures in a row Run
// tolerates before giving up and returning a WatcherFatal error, per spec.md
// §4.4 "on fatal subscription failure: exit process".
const maxConsecutiveFailures = 5

// Watcher streams updates to a single named ConfigMap and re-parses its
// data key on every delivery.
type Watcher struct {
	client    kubernetes.Interface
	namespace string
	name      string
	dataKey   string
	reg       *registry.Registry
}

// New builds a Watcher for the ConfigMap named name in namespace, reading
// the tier document out of its dataKey field, per the PROXY_TIERS_NAME /
// PROXY_TIERS_KEY configuration in spec.md §6.
func New(client kubernetes.Interface, namespace, name, dataKey string, reg *registry.Registry) *Watcher {
	return &Watcher{client: client, namespace: namespace, name: name, dataKey: dataKey, reg: reg}
}

// Run fetches the ConfigMap and streams further updates until ctx is
// cancelled or a fatal error occurs, per spec.md §4.4/§4.5. A returned error
// is always a *proxyerr.Error of kind WatcherFatal — either the Kubernetes
// API rejected the request in a way no retry can fix
// (Forbidden/Unauthorized/NotFound), or fetch/stream failed
// maxConsecutiveFailures times in a row — and the caller is expected to exit
// the process on it. Parse failures retain the previous tier snapshot and
// never count as a watcher failure, per spec.md §4.5.
func (w *Watcher) Run(ctx context.Context) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		cm, err := w.client.CoreV1().ConfigMaps(w.namespace).Get(ctx, w.name, metav1.GetOptions{})
		if err != nil {
			entry := logging.WithErrKind(logging.Default, err)
			if isUnrecoverable(err) {
				entry.Error("tier watcher: fetch failed with an unrecoverable API error, exiting")
				return proxyerr.Wrap(proxyerr.WatcherFatal, "fetching tiers config map", err)
			}
			failures++
			entry.WithField("consecutive_failures", failures).Error("tier watcher: fetch failed, retrying")
			if failures >= maxConsecutiveFailures {
				return proxyerr.Wrap(proxyerr.WatcherFatal, "fetching tiers config map failed too many times in a row", err)
			}
			if !sleepOrDone(ctx, relistBackoff) {
				return nil
			}
			continue
		}
		failures = 0
		w.apply(cm)

		if err := w.stream(ctx, cm.ResourceVersion); err != nil {
			entry := logging.WithErrKind(logging.Default, err)
			if isUnrecoverable(err) {
				entry.Error("tier watcher: stream failed with an unrecoverable API error, exiting")
				return proxyerr.Wrap(proxyerr.WatcherFatal, "streaming tiers config map", err)
			}
			failures++
			entry.WithField("consecutive_failures", failures).Warn("tier watcher: stream ended, refetching")
			if failures >= maxConsecutiveFailures {
				return proxyerr.Wrap(proxyerr.WatcherFatal, "streaming tiers config map failed too many times in a row", err)
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
// that retrying will not fix: missing RBAC grant, missing ConfigMap, or an
// expired credential. These end the watch loop immediately rather than
// spinning through maxConsecutiveFailures first.
func isUnrecoverable(err error) bool {
	return apierrors.IsForbidden(err) || apierrors.IsUnauthorized(err) || apierrors.IsNotFound(err)
}

func (w *Watcher) stream(ctx context.Context, resourceVersion string) error {
	wi, err := w.client.CoreV1().ConfigMaps(w.namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector:   fields.OneTermEqualSelector("metadata.name", w.name).String(),
		ResourceVersion: resourceVersion,
	})
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
			switch event.Type {
			case watch.Added, watch.Modified:
				if cm, ok := event.Object.(*corev1.ConfigMap); ok {
					w.apply(cm)
				}
			case watch.Deleted:
				err := proxyerr.New(proxyerr.WatcherTransient, "tiers config map deleted")
				logging.WithErrKind(logging.Default, err).Warn("tier watcher: tiers config map deleted, retaining previous snapshot")
			case watch.Error:
				err := proxyerr.New(proxyerr.WatcherTransient, "received watch.Error event")
				logging.WithErrKind(logging.Default, err).Warn("tier watcher: received watch.Error event")
			}
		}
	}
}

// apply parses cm's data key and, on success, replaces the Registry's tier
// table. Parse failures are logged and the previous snapshot is kept.
func (w *Watcher) apply(cm *corev1.ConfigMap) {
	text, ok := cm.Data[w.dataKey]
	if !ok {
		err := proxyerr.New(proxyerr.WatcherTransient, "data key missing from config map")
		logging.WithErrKind(logging.Default, err).WithField("key", w.dataKey).Warn("tier watcher: data key missing from config map")
		return
	}

	tiers, err := tier.ParseDocument(text)
	if err != nil {
		logging.WithErrKind(logging.Default, err).Warn("tier watcher: parse failed, retaining previous snapshot")
		return
	}

	w.reg.ReplaceTiers(tier.ToMap(tiers))
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
