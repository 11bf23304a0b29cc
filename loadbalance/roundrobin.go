package loadbalance

import (
	"sync/atomic"

	"chanrpc/channel"
	"chanrpc/message"
)

// RoundRobinBalancer cycles through the active candidates in order, starting with
// the first. Over m picks from k stable candidates each gets m/k rounded either way.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(candidates []*channel.Channel, _ *message.Request) (*channel.Channel, error) {
	live := active(candidates)
	if len(live) == 0 {
		return nil, ErrNoChannel
	}
	index := (b.counter.Add(1) - 1) % uint64(len(live))
	return live[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
