// Package registry owns the three maps shared between the watchers, the
// Admission step, and the Forwarder: consumers, their lazily-built limiter
// sets, and tiers. All access goes through reader/writer locks; no caller
// ever holds a lock across a blocking I/O call (spec.md §5).
package registry

import (
	"sync"

	"github.com/demeter-run/cardano-node-proxy/internal/consumer"
	"github.com/demeter-run/cardano-node-proxy/internal/ratelimit"
	"github.com/demeter-run/cardano-node-proxy/internal/tier"
)

// Registry is the shared, process-wide state described in spec.md §3.
type Registry struct {
	consumersMu sync.RWMutex
	consumers   map[consumer.Key]consumer.Consumer

	limitersMu sync.RWMutex
	limiters   map[consumer.Key]*ratelimit.BucketSet

	tiersMu sync.RWMutex
	tiers   map[string]tier.Tier
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		consumers: make(map[consumer.Key]consumer.Consumer),
		limiters:  make(map[consumer.Key]*ratelimit.BucketSet),
		tiers:     make(map[string]tier.Tier),
	}
}

// Consumer returns a cloned snapshot of the consumer for key, and whether it
// exists. Admission takes this snapshot and releases the lock before doing
// any I/O, per spec.md §4.2 step 2.
func (r *Registry) Consumer(key consumer.Key) (consumer.Consumer, bool) {
	r.consumersMu.RLock()
	defer r.consumersMu.RUnlock()
	c, ok := r.consumers[key]
	return c, ok
}

// Tier returns a cloned snapshot of the named tier, and whether it exists.
func (r *Registry) Tier(name string) (tier.Tier, bool) {
	r.tiersMu.RLock()
	defer r.tiersMu.RUnlock()
	t, ok := r.tiers[name]
	return t, ok
}

// TryIncrementActiveConnections increments active_connections for key if the
// consumer is still present and tier.max_connections would not be exceeded.
// It reports whether the increment happened. The capacity check and the
// increment are not globally transactional with Admission's earlier read
// (spec.md §9 "no transactional admit-and-increment"), but they are atomic
// with each other under the consumers write lock.
func (r *Registry) TryIncrementActiveConnections(key consumer.Key, maxConnections int64) bool {
	r.consumersMu.Lock()
	defer r.consumersMu.Unlock()
	c, ok := r.consumers[key]
	if !ok || c.ActiveConnections >= maxConnections {
		return false
	}
	c.ActiveConnections++
	r.consumers[key] = c
	return true
}

// DecrementActiveConnections decrements active_connections for key. If the
// consumer has been deleted mid-flight, this is a silent no-op per spec.md
// §4.3's Closing→Closed transition.
func (r *Registry) DecrementActiveConnections(key consumer.Key) {
	r.consumersMu.Lock()
	defer r.consumersMu.Unlock()
	c, ok := r.consumers[key]
	if !ok {
		return
	}
	if c.ActiveConnections > 0 {
		c.ActiveConnections--
	}
	r.consumers[key] = c
}

// Limiter resolves the BucketSet for key, building and inserting it lazily
// against the consumer's current tier if absent, per the double-checked
// resolution algorithm in spec.md §4.3.
func (r *Registry) Limiter(key consumer.Key) (*ratelimit.BucketSet, error) {
	r.limitersMu.RLock()
	bs, ok := r.limiters[key]
	r.limitersMu.RUnlock()
	if ok {
		return bs, nil
	}

	r.limitersMu.Lock()
	defer r.limitersMu.Unlock()
	if bs, ok = r.limiters[key]; ok {
		return bs, nil
	}

	c, ok := r.Consumer(key)
	if !ok {
		return nil, errAcquisitionRefused("consumer no longer present")
	}
	t, ok := r.Tier(c.TierName)
	if !ok {
		return nil, errAcquisitionRefused("tier no longer resolvable")
	}

	bs = ratelimit.Build(t.Rates)
	r.limiters[key] = bs
	return bs, nil
}

// AcquisitionRefused is returned by Limiter when a consumer's limiter set
// cannot be built because the consumer or its tier is gone.
type AcquisitionRefused struct {
	Reason string
}

func (e *AcquisitionRefused) Error() string { return "acquisition refused: " + e.Reason }

func errAcquisitionRefused(reason string) error {
	return &AcquisitionRefused{Reason: reason}
}

// DropLimiter removes key's limiter entry so the next acquisition rebuilds
// it from the current tier. Called whenever a consumer's membership or tier
// association changes.
func (r *Registry) DropLimiter(key consumer.Key) {
	r.limitersMu.Lock()
	defer r.limitersMu.Unlock()
	delete(r.limiters, key)
}

// ClearLimiters drops every limiter entry, used on a full watcher restart.
func (r *Registry) ClearLimiters() {
	r.limitersMu.Lock()
	defer r.limitersMu.Unlock()
	r.limiters = make(map[consumer.Key]*ratelimit.BucketSet)
}

// ReplaceConsumers atomically swaps in a freshly computed consumer table,
// carrying over active_connections for keys present in both the old and new
// sets, per the Restarted handling in spec.md §4.4.
func (r *Registry) ReplaceConsumers(next map[consumer.Key]consumer.Consumer) {
	r.consumersMu.Lock()
	defer r.consumersMu.Unlock()
	for k, c := range next {
		if old, ok := r.consumers[k]; ok {
			c.ActiveConnections = old.ActiveConnections
			next[k] = c
		}
	}
	r.consumers = next
}

// UpsertConsumer applies an Applied(port) event: carry over
// active_connections from any prior entry for the same key, then replace it.
func (r *Registry) UpsertConsumer(c consumer.Consumer) {
	r.consumersMu.Lock()
	if old, ok := r.consumers[c.Key]; ok {
		c.ActiveConnections = old.ActiveConnections
	}
	r.consumers[c.Key] = c
	r.consumersMu.Unlock()
}

// DeleteConsumer removes a consumer by key, per a Deleted(port) event.
func (r *Registry) DeleteConsumer(key consumer.Key) {
	r.consumersMu.Lock()
	delete(r.consumers, key)
	r.consumersMu.Unlock()
}

// ReplaceTiers atomically swaps in a freshly parsed tier table, per
// spec.md §4.5.
func (r *Registry) ReplaceTiers(next map[string]tier.Tier) {
	r.tiersMu.Lock()
	r.tiers = next
	r.tiersMu.Unlock()
}

// ConsumerCount reports how many consumers are currently registered. Used by
// the admin /status endpoint.
func (r *Registry) ConsumerCount() int {
	r.consumersMu.RLock()
	defer r.consumersMu.RUnlock()
	return len(r.consumers)
}

// TierCount reports how many tiers are currently loaded.
func (r *Registry) TierCount() int {
	r.tiersMu.RLock()
	defer r.tiersMu.RUnlock()
	return len(r.tiers)
}
