package dht

import (
	"context"
	"sort"
	"sync"

	"github.com/dmzoneill/fakeseeder/dht/krpc"
)

// A node that answered get_peers, with the write token it gave us for a
// later announce_peer.
type PeerSource struct {
	Node  krpc.NodeInfo
	Token string
}

// Iterative get_peers over the closest nodes to infoHash. Returns the swarm
// peers reported, and the responding nodes with tokens, closest first.
func (s *Server) FindPeers(ctx context.Context, infoHash krpc.ID) (peers []krpc.NodeAddr, sources []PeerSource, stats TraversalStats) {
	var mu sync.Mutex
	seen := make(map[string]bool)
	var start []addrMaybeID
	s.mu.Lock()
	s.table.forNodes(func(n *node) bool {
		start = append(start, addrMaybeID{Addr: n.addr, ID: &n.id})
		return true
	})
	s.mu.Unlock()
	stats = s.traverse(ctx, infoHash, start, func(ctx context.Context, addr krpc.NodeAddr) ([]krpc.NodeInfo, error) {
		res := s.GetPeers(ctx, addr, infoHash)
		if res.Err != nil {
			return nil, res.Err
		}
		r := res.Reply.R
		if r == nil {
			return nil, nil
		}
		mu.Lock()
		for _, p := range r.Values {
			if validPeerAddr(p) && !seen[p.String()] {
				seen[p.String()] = true
				peers = append(peers, p)
			}
		}
		if r.Token != "" {
			sources = append(sources, PeerSource{
				Node:  krpc.NodeInfo{ID: r.ID, Addr: addr},
				Token: res.Reply.R.Token,
			})
		}
		mu.Unlock()
		return r.Nodes, nil
	})
	sort.SliceStable(sources, func(i, j int) bool {
		return infoHash.CloserThan(sources[i].Node.ID, sources[j].Node.ID) < 0
	})
	return
}

// Advertises this process as a swarm peer for infoHash: a get_peers
// traversal for tokens, then announce_peer to the closest k responders.
// Returns the peers learned along the way, so an announce doubles as
// discovery.
func (s *Server) Announce(ctx context.Context, infoHash krpc.ID, port int) (peers []krpc.NodeAddr, announced int, err error) {
	if ctx.Err() != nil {
		return nil, 0, ctx.Err()
	}
	peers, sources, _ := s.FindPeers(ctx, infoHash)
	k := s.table.k
	if len(sources) > k {
		sources = sources[:k]
	}
	for _, src := range sources {
		res := s.AnnouncePeer(ctx, src.Node.Addr, infoHash, port, src.Token)
		if res.Err == nil {
			announced++
		}
		if ctx.Err() != nil {
			break
		}
	}
	if announced == 0 && len(sources) > 0 {
		err = ErrQueryTimeout
	}
	return
}
