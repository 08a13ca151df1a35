// Package dht implements the node side of BEP 5: a UDP KRPC endpoint with a
// k-bucket routing table, iterative lookups, and peer announces. It exists to
// discover swarm peers without a tracker; it stores no infohash data beyond
// what other nodes announce to it.
package dht

import (
	"time"

	"github.com/dmzoneill/fakeseeder/dht/krpc"
)

// A remote DHT node as tracked in the routing table.
type node struct {
	id   krpc.ID
	addr krpc.NodeAddr

	lastReceived time.Time
	// Set once the node has answered one of our queries from the address we
	// have for it. Only verified nodes displace others in a full bucket.
	verified            bool
	consecutiveFailures int
}

// Nodes that have failed several queries in a row are eligible for
// replacement regardless of verification.
const nodeMaxFailures = 3

func (n *node) IsGood() bool {
	return n.verified && n.consecutiveFailures < nodeMaxFailures
}

func (n *node) NodeInfo() krpc.NodeInfo {
	return krpc.NodeInfo{ID: n.id, Addr: n.addr}
}
