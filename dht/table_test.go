package dht

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmzoneill/fakeseeder/dht/krpc"
)

func testNode(id krpc.ID, port int) *node {
	return &node{
		id:           id,
		addr:         krpc.NodeAddr{IP: net.IPv4(127, 0, 0, 1).To4(), Port: port},
		lastReceived: time.Now(),
	}
}

// An ID whose distance from base has exactly depth leading zero bits.
// variant distinguishes IDs at the same depth. Only valid for small depths.
func idAtDepth(base krpc.ID, depth int, variant byte) (id krpc.ID) {
	id = base
	id[depth/8] ^= 1 << uint(7-depth%8)
	id[19] ^= variant
	return
}

func TestBucketEviction(t *testing.T) {
	const k = 2
	var b bucket
	local := krpc.RandomID()
	n1 := testNode(idAtDepth(local, 0, 1), 1001)
	n2 := testNode(idAtDepth(local, 0, 2), 1002)
	require.True(t, b.add(n1, k))
	require.True(t, b.add(n2, k))

	// Full of healthy unverified nodes: another unverified node is refused.
	n3 := testNode(idAtDepth(local, 0, 3), 1003)
	assert.False(t, b.add(n3, k))

	// A verified node displaces the stalest unverified one.
	n1.lastReceived = time.Now().Add(-time.Hour)
	n3.verified = true
	require.True(t, b.add(n3, k))
	assert.False(t, b.Contains(n1))
	assert.True(t, b.Contains(n2))

	// Verified nodes are never displaced by unverified ones.
	n2.verified = true
	n4 := testNode(idAtDepth(local, 0, 4), 1004)
	assert.False(t, b.add(n4, k))

	// Failed nodes are evicted first, verified or not.
	n2.consecutiveFailures = nodeMaxFailures
	require.True(t, b.add(n4, k))
	assert.False(t, b.Contains(n2))
}

func TestTableBucketIndex(t *testing.T) {
	local := krpc.RandomID()
	tbl := newTable(local, 8)
	far := local
	far[0] ^= 0x80
	assert.EqualValues(t, 0, tbl.bucketIndex(far))
	near := local
	near[19] ^= 1
	assert.EqualValues(t, 159, tbl.bucketIndex(near))
	// Own ID maps to the last bucket rather than out of range.
	assert.EqualValues(t, 159, tbl.bucketIndex(local))
}

func TestTableAddAndRemove(t *testing.T) {
	local := krpc.RandomID()
	tbl := newTable(local, 8)

	// The local ID is never tracked.
	assert.False(t, tbl.maybeAddNode(testNode(local, 2000)))

	n := testNode(idAtDepth(local, 3, 1), 2001)
	require.True(t, tbl.maybeAddNode(n))
	assert.EqualValues(t, 1, tbl.numNodes())
	assert.Equal(t, n, tbl.getNode(n.addr, n.id))

	// Same endpoint with a new ID replaces the old entry.
	n2 := testNode(idAtDepth(local, 5, 1), 2001)
	require.True(t, tbl.maybeAddNode(n2))
	assert.EqualValues(t, 1, tbl.numNodes())
	assert.Nil(t, tbl.getNode(n.addr, n.id))

	tbl.removeNode(n2)
	assert.EqualValues(t, 0, tbl.numNodes())
}

func TestTableClosestNodes(t *testing.T) {
	local := krpc.RandomID()
	tbl := newTable(local, 8)
	target := krpc.RandomID()
	var added []*node
	for i := 0; i < 20; i++ {
		n := testNode(krpc.RandomID(), 3000+i)
		if tbl.maybeAddNode(n) {
			added = append(added, n)
		}
	}
	require.NotEmpty(t, added)
	closest := tbl.closestNodes(8, target, nil)
	require.True(t, len(closest) <= 8)
	// Returned nodes are sorted by distance to the target.
	for i := 1; i < len(closest); i++ {
		assert.True(t, target.CloserThan(closest[i-1].id, closest[i].id) <= 0)
	}
	// No node outside the result is closer than the furthest inside it.
	if len(closest) == 8 {
		worst := closest[len(closest)-1]
		for _, n := range added {
			in := false
			for _, c := range closest {
				if c == n {
					in = true
					break
				}
			}
			if !in {
				assert.True(t, target.CloserThan(worst.id, n.id) <= 0)
			}
		}
	}
}

func TestTokenServer(t *testing.T) {
	ts := newTokenServer(time.Hour)
	ip := net.IPv4(1, 2, 3, 4).To4()
	tok := ts.CreateToken(ip)
	assert.True(t, ts.ValidToken(tok, ip))
	assert.False(t, ts.ValidToken(tok, net.IPv4(4, 3, 2, 1).To4()))
	assert.False(t, ts.ValidToken("bogus", ip))

	// Tokens minted just before a rotation stay valid for one interval.
	ts.rotatedAt = time.Now().Add(-2 * time.Hour)
	fresh := ts.CreateToken(ip)
	assert.True(t, ts.ValidToken(tok, ip))
	assert.True(t, ts.ValidToken(fresh, ip))
}
