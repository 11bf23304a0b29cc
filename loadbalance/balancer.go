// Package loadbalance picks the channel that carries a request.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity instances, the default
//   - WeightedRandom:  instances with a weight endpoint parameter
//   - ConsistentHash:  requests keyed to one instance by an attachment
package loadbalance

import (
	"errors"

	"chanrpc/channel"
	"chanrpc/message"
)

// HashKey is the request attachment ConsistentHash routes on. Requests without it are
// routed by API.
const HashKey = "hash.key"

var ErrNoChannel = errors.New("loadbalance: no active channel")

// Balancer is the interface for routing strategies. Pick is called on every request
// and must be goroutine-safe. Inactive candidates are never picked.
type Balancer interface {
	Pick(candidates []*channel.Channel, req *message.Request) (*channel.Channel, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// ByName returns a balancer for "roundrobin", "random" or "hash"; anything else gets
// round robin.
func ByName(name string) Balancer {
	switch name {
	case "random", "weighted":
		return &WeightedRandomBalancer{}
	case "hash", "consistenthash":
		return NewConsistentHashBalancer()
	}
	return &RoundRobinBalancer{}
}

func active(candidates []*channel.Channel) []*channel.Channel {
	out := candidates[:0:0]
	for _, ch := range candidates {
		if ch != nil && ch.IsActive() {
			out = append(out, ch)
		}
	}
	return out
}
