package pool

import (
	"context"
	"sort"
	"sync"

	"chanrpc/channel"
	"chanrpc/config"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Manager holds one Pool per remote instance, keyed by group and instance id.
type Manager struct {
	events   channel.Events
	opts     []Option
	registry *channel.Registry
	log      *zap.Logger

	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewManager creates a manager whose pools report to events. All member channels are
// kept in a shared channel registry, see Channels.
func NewManager(events channel.Events, opts ...Option) *Manager {
	o := buildOptions(opts)
	if o.registry == nil {
		o.registry = channel.NewRegistry()
		opts = append(opts, WithRegistry(o.registry))
	}
	return &Manager{
		events:   events,
		opts:     opts,
		registry: o.registry,
		log:      o.log.Named("pool.manager"),
		pools:    map[string]*Pool{},
	}
}

// Channels is the registry of every active member channel across all pools.
func (m *Manager) Channels() *channel.Registry { return m.registry }

// Update makes sure a pool to ep exists. A live pool whose endpoint is compatible with
// ep is kept; otherwise a new pool is built and the old one closed after the swap.
// It reports whether a new pool was installed.
func (m *Manager) Update(ctx context.Context, ep *config.Endpoint) (bool, error) {
	key := ep.GroupAndID()
	m.mu.RLock()
	cur, ok := m.pools[key]
	m.mu.RUnlock()
	if ok && cur.IsActive() && config.Compatible(ep, cur.Endpoint()) {
		return false, nil
	}

	next, err := New(ctx, ep, m.events, m.opts...)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	old := m.pools[key]
	m.pools[key] = next
	m.mu.Unlock()
	if old != nil {
		m.log.Info("replacing pool", zap.String("endpoint", key), zap.String("url", ep.URL()))
		if err := old.Close(); err != nil {
			m.log.Debug("close replaced pool", zap.Error(err))
		}
	}
	return true, nil
}

// Remove closes and forgets the pool for groupAndID.
func (m *Manager) Remove(groupAndID string) error {
	m.mu.Lock()
	p, ok := m.pools[groupAndID]
	delete(m.pools, groupAndID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return p.Close()
}

func (m *Manager) Get(groupAndID string) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[groupAndID]
	return p, ok
}

// Group returns the active pools of a group, ordered by instance key.
func (m *Manager) Group(group string) []*Pool {
	m.mu.RLock()
	out := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		if p.Endpoint().Group == group && p.IsActive() {
			out = append(out, p)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Endpoint().GroupAndID() < out[j].Endpoint().GroupAndID()
	})
	return out
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pools)
}

// Notify syncs the pools of group with a discovery snapshot: every listed endpoint is
// updated, pools of the group that are no longer listed are removed.
func (m *Manager) Notify(group string, eps []*config.Endpoint) {
	keep := make(map[string]bool, len(eps))
	for _, ep := range eps {
		keep[ep.GroupAndID()] = true
		if _, err := m.Update(context.Background(), ep); err != nil {
			m.log.Warn("pool update failed", zap.String("endpoint", ep.GroupAndID()), zap.Error(err))
		}
	}

	m.mu.RLock()
	var stale []string
	for key, p := range m.pools {
		if p.Endpoint().Group == group && !keep[key] {
			stale = append(stale, key)
		}
	}
	m.mu.RUnlock()
	for _, key := range stale {
		m.log.Info("endpoint gone", zap.String("endpoint", key))
		if err := m.Remove(key); err != nil {
			m.log.Debug("close removed pool", zap.Error(err))
		}
	}
}

// Close closes every pool.
func (m *Manager) Close() error {
	m.mu.Lock()
	pools := m.pools
	m.pools = map[string]*Pool{}
	m.mu.Unlock()
	var err error
	for _, p := range pools {
		err = multierr.Append(err, p.Close())
	}
	return err
}
