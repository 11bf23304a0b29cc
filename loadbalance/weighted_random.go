package loadbalance

import (
	"math/rand/v2"

	"chanrpc/channel"
	"chanrpc/message"
)

// WeightedRandomBalancer picks a candidate with probability proportional to its
// weight attribute. Missing or non-positive weights count as 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(candidates []*channel.Channel, _ *message.Request) (*channel.Channel, error) {
	live := active(candidates)
	if len(live) == 0 {
		return nil, ErrNoChannel
	}

	totalWeight := 0
	for _, ch := range live {
		totalWeight += weightOf(ch)
	}

	r := rand.IntN(totalWeight)
	for _, ch := range live {
		r -= weightOf(ch)
		if r < 0 {
			return ch, nil
		}
	}
	return live[len(live)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}

func weightOf(ch *channel.Channel) int {
	v, ok := ch.Attr(channel.AttrWeight)
	if !ok {
		return 1
	}
	if w, ok := v.(int); ok && w > 0 {
		return w
	}
	return 1
}
