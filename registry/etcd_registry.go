package registry

// etcd is used as a "distributed phonebook" for services:
//
//	Key:   {prefix}/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL leases: if the server crashes, the lease expires and
// the entry disappears, so callers never resolve a ghost instance.

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// DefaultKeyPrefix is the root under which instances are stored.
const DefaultKeyPrefix = "/mesh-rpc"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	prefix string
	log    *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease, so Deregister can stop KeepAlive
}

type etcdConfig struct {
	logger      *zap.Logger
	dialTimeout time.Duration
	prefix      string
}

// EtcdOption configures NewEtcdRegistry.
type EtcdOption func(*etcdConfig) error

// WithEtcdLogger sets the logger used by the registry and the etcd client.
func WithEtcdLogger(logger *zap.Logger) EtcdOption {
	return func(c *etcdConfig) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithEtcdDialTimeout bounds how long the etcd client waits to connect.
func WithEtcdDialTimeout(timeout time.Duration) EtcdOption {
	return func(c *etcdConfig) error {
		if timeout > 0 {
			c.dialTimeout = timeout
		}
		return nil
	}
}

// WithKeyPrefix isolates one mesh from another sharing the same etcd.
func WithKeyPrefix(prefix string) EtcdOption {
	return func(c *etcdConfig) error {
		if prefix != "" {
			c.prefix = prefix
		}
		return nil
	}
}

// NewEtcdRegistry creates a registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, opts ...EtcdOption) (*EtcdRegistry, error) {
	cfg := etcdConfig{
		logger:      zap.NewNop(),
		dialTimeout: 5 * time.Second,
		prefix:      DefaultKeyPrefix,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: cfg.dialTimeout,
		Logger:      cfg.logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{
		client: c,
		prefix: cfg.prefix,
		log:    cfg.logger,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func (r *EtcdRegistry) servicePrefix(serviceName string) string {
	return r.prefix + "/" + serviceName + "/"
}

// Register adds a service instance under a TTL lease and keeps the lease alive
// in the background until Deregister or Close.
//
// The lease ID is tracked per key, not on the struct, so several servers may
// share one EtcdRegistry.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	if serviceName == "" {
		return ErrEmptyName
	}
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := r.servicePrefix(serviceName) + instance.Addr
	if _, err = r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// KeepAlive must outlive ctx, which is usually scoped to Serve's setup.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return err
	}
	go func() {
		for range ch {
		}
		r.log.Debug("lease keepalive stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()
	return nil
}

// Deregister removes a service instance and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := r.servicePrefix(serviceName) + addr

	r.mu.Lock()
	leaseID, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, key); err != nil {
		return err
	}
	if ok {
		if _, err := r.client.Revoke(ctx, leaseID); err != nil {
			return err
		}
	}
	return nil
}

// Watch emits the full instance list whenever anything under the service
// prefix changes. The channel closes when ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, r.servicePrefix(serviceName), clientv3.WithPrefix())
		for range watchChan {
			// Re-fetching is simpler than folding individual events.
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.log.Warn("rediscover after watch event", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered instances for a service.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, r.servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.log.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops every lease KeepAlive and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
