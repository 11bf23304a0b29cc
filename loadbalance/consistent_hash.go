package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"chanrpc/channel"
	"chanrpc/message"
)

// ConsistentHashBalancer maps a request key onto a hash ring of the candidates. The
// same key reaches the same channel for as long as the candidate set is unchanged,
// and only keys owned by a departed channel move when it leaves.
//
// Each channel owns replicas virtual nodes hashed from "{id}#{i}". The ring is
// rebuilt only when the candidate set differs from the previous Pick.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	set   string
	ring  []uint32
	nodes map[uint32]*channel.Channel
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

func (b *ConsistentHashBalancer) Pick(candidates []*channel.Channel, req *message.Request) (*channel.Channel, error) {
	live := active(candidates)
	if len(live) == 0 {
		return nil, ErrNoChannel
	}
	key := ""
	if req != nil {
		key = req.Attachment(HashKey)
		if key == "" {
			key = req.API
		}
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	b.mu.Lock()
	defer b.mu.Unlock()
	b.rebuild(live)
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) rebuild(live []*channel.Channel) {
	ids := make([]string, len(live))
	for i, ch := range live {
		ids[i] = ch.ID()
	}
	sort.Strings(ids)
	set := strings.Join(ids, ",")
	if set == b.set {
		return
	}

	b.set = set
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]*channel.Channel, len(live)*b.replicas)
	for _, ch := range live {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ch.ID(), i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = ch
		}
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
