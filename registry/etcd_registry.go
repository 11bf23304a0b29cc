package registry

import (
	"context"
	"sync"

	"chanrpc/config"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// KeyPrefix roots every key written by EtcdRegistry:
//
//	Key:   /chanrpc/{group}/{group}-{app.id}
//	Value: endpoint descriptor URL
const KeyPrefix = "/chanrpc/"

// EtcdRegistry keeps endpoints in etcd under TTL leases (registry.ttl seconds, renewed
// by KeepAlive), so a crashed provider disappears once its lease expires.
type EtcdRegistry struct {
	client *clientv3.Client
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, log *zap.Logger) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: config.DefaultTimeout,
	})
	if err != nil {
		return nil, err
	}
	return newEtcdRegistry(c, log), nil
}

func newEtcdRegistry(c *clientv3.Client, log *zap.Logger) *EtcdRegistry {
	if log == nil {
		log = zap.L()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{
		client: c,
		log:    log.Named("registry.etcd"),
		ctx:    ctx,
		cancel: cancel,
		leases: map[string]clientv3.LeaseID{},
	}
}

func groupPrefix(group string) string { return KeyPrefix + group + "/" }

func endpointKey(ep *config.Endpoint) string { return groupPrefix(ep.Group) + ep.GroupAndID() }

// Register puts ep under a fresh lease and keeps the lease alive until Deregister or
// Close. Registering the same instance again replaces the entry.
func (r *EtcdRegistry) Register(ctx context.Context, ep *config.Endpoint) error {
	ttl := ep.Int64(config.KeyRegistryTTL, config.DefaultRegistryTTL)
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}
	key := endpointKey(ep)
	if _, err := r.client.Put(ctx, key, ep.URL(), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// renewal must outlive ctx
	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return err
	}
	go func() {
		for range ch {
		}
	}()

	r.mu.Lock()
	old, had := r.leases[key]
	r.leases[key] = lease.ID
	r.mu.Unlock()
	if had {
		_, _ = r.client.Revoke(ctx, old)
	}
	r.log.Info("registered", zap.String("key", key), zap.Int64("ttl", ttl))
	return nil
}

// Deregister removes ep and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, ep *config.Endpoint) error {
	key := endpointKey(ep)
	r.mu.Lock()
	lease, had := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	_, err := r.client.Delete(ctx, key)
	if had {
		_, rerr := r.client.Revoke(ctx, lease)
		err = multierr.Append(err, rerr)
	}
	return err
}

// Discover returns every endpoint currently registered for group.
func (r *EtcdRegistry) Discover(ctx context.Context, group string) ([]*config.Endpoint, error) {
	resp, err := r.client.Get(ctx, groupPrefix(group), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		urls = append(urls, string(kv.Value))
	}
	return parseAll(group, urls, r.skip), nil
}

// Subscribe watches the group prefix. On any change the full list is re-read, which
// is simpler than applying individual watch events.
func (r *EtcdRegistry) Subscribe(ctx context.Context, group string, l Listener) error {
	eps, err := r.Discover(ctx, group)
	if err != nil {
		return err
	}
	watch := r.client.Watch(r.ctx, groupPrefix(group), clientv3.WithPrefix())
	l.Notify(group, eps)
	go func() {
		for wr := range watch {
			if err := wr.Err(); err != nil {
				r.log.Warn("watch error", zap.String("group", group), zap.Error(err))
				continue
			}
			eps, err := r.Discover(r.ctx, group)
			if err != nil {
				r.log.Warn("rediscover failed", zap.String("group", group), zap.Error(err))
				continue
			}
			l.Notify(group, eps)
		}
	}()
	return nil
}

// Close stops renewals and watches and closes the etcd client. Leases expire on
// their own.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	return r.client.Close()
}

func (r *EtcdRegistry) skip(raw string, err error) {
	r.log.Warn("skipping malformed entry", zap.String("value", raw), zap.Error(err))
}
