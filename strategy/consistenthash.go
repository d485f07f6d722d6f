package strategy

import (
	"errors"
	"fmt"
	"hash/crc32"
	"sort"

	"providerlb/provider"
)

// ErrEmpty is returned by PickForKey when the eligible set is empty.
var ErrEmpty = errors.New("strategy: eligible set is empty")

// ConsistentHash maps keys onto a hash ring built from virtual nodes, so
// the same key consistently lands on the same item until the ring
// membership changes. Useful for stateful providers needing cache
// affinity. Next (the no-key fallback used by the Dispatch Core's default
// request path) delegates to an internal Random fallback, since
// consistent hashing has no meaning without a key.
type ConsistentHash struct {
	replicas int
	ring     []uint32
	nodes    map[uint32]provider.ID
	items    map[provider.ID]Item
	fallback *Random
}

// NewConsistentHash creates a hash ring with 100 virtual nodes per item.
func NewConsistentHash() *ConsistentHash {
	return &ConsistentHash{
		replicas: 100,
		nodes:    make(map[uint32]provider.ID),
		items:    make(map[provider.ID]Item),
		fallback: NewRandom(nil),
	}
}

func (c *ConsistentHash) HasNext() bool {
	return len(c.items) > 0
}

// Next delegates to the uniform-random fallback; callers that care about
// affinity should use PickForKey instead.
func (c *ConsistentHash) Next() Item {
	return c.fallback.Next()
}

func (c *ConsistentHash) Include(item Item) bool {
	if _, ok := c.items[item.ID]; ok {
		return false
	}
	c.items[item.ID] = item
	c.fallback.Include(item)

	for i := 0; i < c.replicas; i++ {
		key := fmt.Sprintf("%s#%d", item.ID, i)
		hash := crc32.ChecksumIEEE([]byte(key))
		c.ring = append(c.ring, hash)
		c.nodes[hash] = item.ID
	}
	sort.Slice(c.ring, func(i, j int) bool { return c.ring[i] < c.ring[j] })
	return true
}

func (c *ConsistentHash) Exclude(id provider.ID) bool {
	if _, ok := c.items[id]; !ok {
		return false
	}
	delete(c.items, id)
	c.fallback.Exclude(id)

	kept := c.ring[:0]
	for _, h := range c.ring {
		if c.nodes[h] == id {
			delete(c.nodes, h)
			continue
		}
		kept = append(kept, h)
	}
	c.ring = kept
	return true
}

// PickForKey deterministically selects the item responsible for key by
// walking clockwise on the ring to the first node whose hash is >= the
// key's hash, wrapping around to the first node if the key's hash is
// larger than every node on the ring.
func (c *ConsistentHash) PickForKey(key string) (Item, error) {
	if len(c.ring) == 0 {
		return Item{}, ErrEmpty
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(c.ring), func(i int) bool { return c.ring[i] >= hash })
	if idx == len(c.ring) {
		idx = 0
	}
	return c.items[c.nodes[c.ring[idx]]], nil
}
