package registry

import (
	"context"
	"testing"
	"time"

	"chanrpc/config"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const etcdAddr = "localhost:2379"

// etcdRegistry connects to a local etcd or skips the test.
func etcdRegistry(t *testing.T) *EtcdRegistry {
	t.Helper()
	c, err := clientv3.New(clientv3.Config{Endpoints: []string{etcdAddr}, DialTimeout: time.Second})
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.Status(ctx, etcdAddr); err != nil {
		c.Close()
		t.Skipf("etcd unavailable: %v", err)
	}
	r := newEtcdRegistry(c, zap.NewNop())
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestEndpointKey(t *testing.T) {
	ep := config.MustParse("tcp://127.0.0.1:9000/game?app.id=7")
	if got := endpointKey(ep); got != "/chanrpc/game/game-7" {
		t.Fatalf("unexpected key %s", got)
	}
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg := etcdRegistry(t)
	ctx := context.Background()

	ep1 := config.MustParse("tcp://127.0.0.1:8001/arith?app.id=1&weight=10")
	ep2 := config.MustParse("tcp://127.0.0.1:8002/arith?app.id=2&weight=5")
	if err := reg.Register(ctx, ep1); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, ep2); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister(ctx, ep2)

	eps, err := reg.Discover(ctx, "arith")
	if err != nil {
		t.Fatal(err)
	}
	if len(eps) != 2 {
		t.Fatalf("expect 2 endpoints, got %d", len(eps))
	}

	if err := reg.Deregister(ctx, ep1); err != nil {
		t.Fatal(err)
	}
	eps, err = reg.Discover(ctx, "arith")
	if err != nil {
		t.Fatal(err)
	}
	if len(eps) != 1 || eps[0].GroupAndID() != "arith-2" {
		t.Fatalf("expect only arith-2 after deregister, got %v", eps)
	}
}

func TestEtcdSubscribe(t *testing.T) {
	reg := etcdRegistry(t)
	ctx := context.Background()

	updates := make(chan []*config.Endpoint, 8)
	err := reg.Subscribe(ctx, "watched", ListenerFunc(func(group string, eps []*config.Endpoint) {
		updates <- eps
	}))
	if err != nil {
		t.Fatal(err)
	}
	<-updates

	ep := config.MustParse("tcp://127.0.0.1:8003/watched?app.id=1")
	if err := reg.Register(ctx, ep); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister(ctx, ep)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case eps := <-updates:
			if len(eps) == 1 && eps[0].GroupAndID() == "watched-1" {
				return
			}
		case <-deadline:
			t.Fatal("no notification after register")
		}
	}
}
