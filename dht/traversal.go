package dht

import (
	"context"
	"net"
	"sort"
	"sync"

	"github.com/dmzoneill/fakeseeder/dht/krpc"
)

const (
	// Concurrent queries per traversal round.
	traversalAlpha = 3
	// Iteration cap, in case the keyspace horizon keeps receding.
	traversalMaxRounds = 24
)

type addrMaybeID struct {
	Addr krpc.NodeAddr
	// Nil for bootstrap seeds we haven't heard from yet.
	ID *krpc.ID
}

type TraversalStats struct {
	NumQueries   int
	NumResponses int
}

// Iterative lookup per the Kademlia notes in BEP 5: query the alpha closest
// unqueried candidates, fold their returned nodes back in, and stop when a
// round gets no closer to target.
func (s *Server) traverse(
	ctx context.Context,
	target krpc.ID,
	start []addrMaybeID,
	query func(ctx context.Context, addr krpc.NodeAddr) ([]krpc.NodeInfo, error),
) (stats TraversalStats) {
	queried := make(map[string]bool)
	candidates := start
	sortCandidates := func() {
		sort.SliceStable(candidates, func(i, j int) bool {
			a, b := candidates[i], candidates[j]
			if a.ID == nil {
				return b.ID != nil // unknown IDs last
			}
			if b.ID == nil {
				return true
			}
			return target.CloserThan(*a.ID, *b.ID) < 0
		})
	}
	var mu sync.Mutex
	closestSeen := func() *krpc.ID {
		for _, c := range candidates {
			if c.ID != nil && queried[c.Addr.String()] {
				return c.ID
			}
		}
		return nil
	}
	for round := 0; round < traversalMaxRounds; round++ {
		if ctx.Err() != nil || s.closed.IsSet() {
			return
		}
		sortCandidates()
		prevClosest := closestSeen()
		var batch []krpc.NodeAddr
		for _, c := range candidates {
			if len(batch) >= traversalAlpha {
				break
			}
			if queried[c.Addr.String()] {
				continue
			}
			batch = append(batch, c.Addr)
			queried[c.Addr.String()] = true
		}
		if len(batch) == 0 {
			return
		}
		stats.NumQueries += len(batch)
		var wg sync.WaitGroup
		for _, addr := range batch {
			wg.Add(1)
			go func(addr krpc.NodeAddr) {
				defer wg.Done()
				nodes, err := query(ctx, addr)
				if err != nil {
					return
				}
				mu.Lock()
				stats.NumResponses++
				for _, ni := range nodes {
					ni := ni
					if validPeerAddr(ni.Addr) {
						candidates = append(candidates, addrMaybeID{Addr: ni.Addr, ID: &ni.ID})
					}
				}
				mu.Unlock()
			}(addr)
		}
		wg.Wait()
		sortCandidates()
		newClosest := closestSeen()
		if prevClosest != nil && newClosest != nil &&
			target.CloserThan(*newClosest, *prevClosest) >= 0 {
			// No progress this round.
			return
		}
	}
	return
}

func validPeerAddr(a krpc.NodeAddr) bool {
	if a.Port == 0 {
		return false
	}
	if a.IP == nil || a.IP.IsUnspecified() {
		return false
	}
	return true
}

// Populates the routing table by walking toward our own ID from the seeds.
func (s *Server) Bootstrap(ctx context.Context, seeds []string) (TraversalStats, error) {
	var start []addrMaybeID
	for _, hostport := range seeds {
		ua, err := net.ResolveUDPAddr("udp4", hostport)
		if err != nil {
			s.logger.Printf("resolving bootstrap node %q: %v", hostport, err)
			continue
		}
		var na krpc.NodeAddr
		na.FromUDPAddr(ua)
		start = append(start, addrMaybeID{Addr: na})
	}
	s.mu.Lock()
	s.table.forNodes(func(n *node) bool {
		start = append(start, addrMaybeID{Addr: n.addr, ID: &n.id})
		return true
	})
	s.mu.Unlock()
	if len(start) == 0 {
		return TraversalStats{}, ErrNoInitialNode
	}
	stats := s.traverse(ctx, s.id, start, func(ctx context.Context, addr krpc.NodeAddr) ([]krpc.NodeInfo, error) {
		res := s.FindNode(ctx, addr, s.id)
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Reply.R == nil {
			return nil, nil
		}
		return res.Reply.R.Nodes, nil
	})
	return stats, nil
}
