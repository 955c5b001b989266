package consumerwatch

import (
	"context"
	"errors"
	"testing"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	k8stesting "k8s.io/client-go/testing"

	"github.com/demeter-run/cardano-node-proxy/internal/consumer"
	"github.com/demeter-run/cardano-node-proxy/internal/registry"
	"github.com/demeter-run/cardano-node-proxy/pkg/proxyerr"
)

func newFakeClient(objects ...runtime.Object) *dynamicfake.FakeDynamicClient {
	scheme := runtime.NewScheme()
	listKinds := map[schema.GroupVersionResource]string{
		GroupVersionResource: "CardanoNodePortList",
	}
	return dynamicfake.NewSimpleDynamicClientWithCustomListKinds(scheme, listKinds, objects...)
}

func portObject(name, namespace, network, version, tierName, authToken string) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{
		Object: map[string]interface{}{
			"apiVersion": "demeter.run/v1alpha1",
			"kind":       "CardanoNodePort",
			"metadata": map[string]interface{}{
				"name":      name,
				"namespace": namespace,
			},
			"spec": map[string]interface{}{
				"network":  network,
				"version":  version,
				"tierName": tierName,
			},
		},
	}
	if authToken != "" {
		obj.Object["status"] = map[string]interface{}{
			"authToken": authToken,
		}
	}
	return obj
}

func testToken() string {
	token, _ := consumer.EncodeAuthToken(consumer.Key([]byte("0123456789abcdef")))
	return token
}

func TestRelistPopulatesConsumersAndCarriesOverActiveConnections(t *testing.T) {
	token := testToken()
	client := newFakeClient(portObject("port-a", "demeter", "mainnet", "10", "free", token))
	reg := registry.New()
	w := New(client, "demeter", reg)

	key, _ := consumer.DecodeAuthToken(token)
	reg.UpsertConsumer(consumer.Consumer{Key: key, TierName: "stale"})
	reg.TryIncrementActiveConnections(key, 10)

	if _, err := w.relist(context.Background()); err != nil {
		t.Fatalf("relist: %v", err)
	}

	c, ok := reg.Consumer(key)
	if !ok {
		t.Fatal("expected consumer to be present after relist")
	}
	if c.TierName != "free" {
		t.Errorf("TierName = %q, want %q", c.TierName, "free")
	}
	if c.ActiveConnections != 1 {
		t.Errorf("ActiveConnections = %d, want 1 (carried over)", c.ActiveConnections)
	}
}

func TestRelistSkipsPortsWithoutStatus(t *testing.T) {
	client := newFakeClient(portObject("port-a", "demeter", "mainnet", "10", "free", ""))
	reg := registry.New()
	w := New(client, "demeter", reg)

	if _, err := w.relist(context.Background()); err != nil {
		t.Fatalf("relist: %v", err)
	}
	if reg.ConsumerCount() != 0 {
		t.Errorf("ConsumerCount() = %d, want 0 for a port with no status", reg.ConsumerCount())
	}
}

func TestToConsumerRejectsInvalidToken(t *testing.T) {
	port := &CardanoNodePort{
		Status: &CardanoNodePortStatus{AuthToken: "not-a-valid-token"},
	}
	if _, ok := toConsumer(port); ok {
		t.Error("expected toConsumer to reject an undecodable auth token")
	}
}

func TestHandleEventAppliedAndDeleted(t *testing.T) {
	token := testToken()
	reg := registry.New()
	w := &Watcher{reg: reg}
	key, _ := consumer.DecodeAuthToken(token)

	obj := portObject("port-a", "demeter", "mainnet", "10", "free", token)

	w.handleEvent(watch.Event{Type: watch.Added, Object: obj})
	if _, ok := reg.Consumer(key); !ok {
		t.Fatal("expected Applied to insert the consumer")
	}

	w.handleEvent(watch.Event{Type: watch.Deleted, Object: obj})
	if _, ok := reg.Consumer(key); ok {
		t.Error("expected Deleted to remove the consumer")
	}
}

func TestRunReturnsWatcherFatalOnForbiddenList(t *testing.T) {
	client := newFakeClient()
	client.PrependReactor("list", "cardanonodeports", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(schema.GroupResource{Group: "demeter.run", Resource: "cardanonodeports"}, "", nil)
	})
	w := New(client, "demeter", registry.New())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := w.Run(ctx)
	if err == nil {
		t.Fatal("expected Run to return an error for a Forbidden list response")
	}
	if got := proxyerr.KindOf(err); got != proxyerr.WatcherFatal {
		t.Errorf("KindOf(err) = %q, want %q", got, proxyerr.WatcherFatal)
	}
}

func TestRunReturnsWatcherFatalAfterRepeatedTransientFailures(t *testing.T) {
	old := relistBackoff
	relistBackoff = time.Millisecond
	defer func() { relistBackoff = old }()

	client := newFakeClient()
	client.PrependReactor("list", "cardanonodeports", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("etcd unavailable")
	})
	w := New(client, "demeter", registry.New())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := w.Run(ctx)
	if err == nil {
		t.Fatal("expected Run to return an error after repeated transient failures")
	}
	if got := proxyerr.KindOf(err); got != proxyerr.WatcherFatal {
		t.Errorf("KindOf(err) = %q, want %q", got, proxyerr.WatcherFatal)
	}
}
