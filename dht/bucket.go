package dht

import (
	"time"
)

// Per the "Routing Table" section of BEP 5. Buckets hold at most k nodes.
// The table lock covers bucket contents.
type bucket struct {
	nodes       []*node
	lastChanged time.Time
}

func (b *bucket) Len() int {
	return len(b.nodes)
}

func (b *bucket) Contains(n *node) bool {
	for _, e := range b.nodes {
		if e == n {
			return true
		}
	}
	return false
}

// The node we heard from least recently, optionally restricted to
// unverified entries.
func (b *bucket) leastRecent(unverifiedOnly bool) (lru *node) {
	for _, n := range b.nodes {
		if unverifiedOnly && n.verified {
			continue
		}
		if lru == nil || n.lastReceived.Before(lru.lastReceived) {
			lru = n
		}
	}
	return
}

func (b *bucket) remove(n *node) {
	for i, e := range b.nodes {
		if e == n {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			return
		}
	}
}

// Adds n if there's room or a victim can be evicted. Verified entries are
// never displaced by unverified ones. Reports whether n is now in the bucket.
func (b *bucket) add(n *node, k int) bool {
	if len(b.nodes) < k {
		b.nodes = append(b.nodes, n)
		b.lastChanged = time.Now()
		return true
	}
	// Prefer evicting failed nodes, then stale unverified ones.
	for _, e := range b.nodes {
		if e.consecutiveFailures >= nodeMaxFailures {
			b.remove(e)
			b.nodes = append(b.nodes, n)
			b.lastChanged = time.Now()
			return true
		}
	}
	if !n.verified {
		return false
	}
	if victim := b.leastRecent(true); victim != nil {
		b.remove(victim)
		b.nodes = append(b.nodes, n)
		b.lastChanged = time.Now()
		return true
	}
	return false
}
