package dht

import (
	"sort"

	"github.com/dmzoneill/fakeseeder/dht/krpc"
)

// 160 buckets indexed by the length of the common prefix with the local node
// ID. Far nodes land in low indexes.
type table struct {
	localID krpc.ID
	k       int
	buckets [160]bucket
	// Addr string -> node, to find entries without scanning every bucket.
	byAddr map[string]*node
}

func newTable(localID krpc.ID, k int) *table {
	return &table{
		localID: localID,
		k:       k,
		byAddr:  make(map[string]*node),
	}
}

func (t *table) bucketIndex(id krpc.ID) int {
	i := t.localID.Distance(id).LeadingZeros()
	if i >= len(t.buckets) {
		// Only our own ID has distance zero.
		i = len(t.buckets) - 1
	}
	return i
}

func (t *table) getNode(addr krpc.NodeAddr, id krpc.ID) *node {
	n := t.byAddr[addr.String()]
	if n != nil && n.id == id {
		return n
	}
	return nil
}

// Inserts or keeps n. Reports whether the node is tracked afterwards.
func (t *table) maybeAddNode(n *node) bool {
	if n.id == t.localID {
		return false
	}
	b := &t.buckets[t.bucketIndex(n.id)]
	if b.Contains(n) {
		return true
	}
	if prev := t.byAddr[n.addr.String()]; prev != nil {
		// Same endpoint with a new ID: drop the old entry first.
		t.removeNode(prev)
	}
	if !b.add(n, t.k) {
		return false
	}
	t.byAddr[n.addr.String()] = n
	return true
}

func (t *table) removeNode(n *node) {
	t.buckets[t.bucketIndex(n.id)].remove(n)
	if t.byAddr[n.addr.String()] == n {
		delete(t.byAddr, n.addr.String())
	}
}

func (t *table) numNodes() (num int) {
	for i := range t.buckets {
		num += t.buckets[i].Len()
	}
	return
}

func (t *table) forNodes(f func(*node) bool) bool {
	for i := range t.buckets {
		for _, n := range t.buckets[i].nodes {
			if !f(n) {
				return false
			}
		}
	}
	return true
}

// The k nodes closest to target that pass filter.
func (t *table) closestNodes(k int, target krpc.ID, filter func(*node) bool) (ret []*node) {
	t.forNodes(func(n *node) bool {
		if filter == nil || filter(n) {
			ret = append(ret, n)
		}
		return true
	})
	sort.Slice(ret, func(i, j int) bool {
		return target.CloserThan(ret[i].id, ret[j].id) < 0
	})
	if len(ret) > k {
		ret = ret[:k]
	}
	return
}
