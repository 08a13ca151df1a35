package fakeseeder

import (
	"context"
	"net"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/multiless"
	"github.com/pkg/errors"

	"github.com/dmzoneill/fakeseeder/btwire"
	"github.com/dmzoneill/fakeseeder/dht/krpc"
)

// peerSource records where we learned of a candidate.
type peerSource string

const (
	peerSourceTracker  peerSource = "tracker"
	peerSourceDht      peerSource = "dht"
	peerSourceIncoming peerSource = "incoming"
)

type knownPeer struct {
	addr       netip.AddrPort
	source     peerSource
	attempts   int
	lastFailed time.Time
}

// TorrentSpec is everything needed to start seeding a swarm. No metainfo
// or piece data is involved; the piece count is taken on faith.
type TorrentSpec struct {
	InfoHash   InfoHash
	PieceCount int
	// Announce URLs in preference order. The first is the primary; the
	// rest are backups used on failover.
	Trackers []string
}

// Torrent is one swarm being seeded. All fields beneath the client lock
// unless noted.
type Torrent struct {
	cl         *Client
	infoHash   InfoHash
	pieceCount int
	trackers   []string
	logger     log.Logger

	// Discovered but unconnected peers, keyed by addr string.
	knownPeers map[string]*knownPeer
	conns      map[*PeerConn]struct{}
	// Addrs with a dial+handshake in flight.
	halfOpen map[string]struct{}

	active bool
	closed chansync.SetOnce

	announcer    *trackerAnnouncer
	lastSeeders  int32
	lastLeechers int32

	// Totals from connections that have since closed. Live conns are
	// summed separately at snapshot time.
	stats ConnStats
}

func (t *Torrent) String() string { return t.infoHash.HexString() }

// InfoHash of the swarm.
func (t *Torrent) InfoHash() InfoHash { return t.infoHash }

// Active reports whether the swarm is maintaining connections.
func (t *Torrent) Active() bool {
	t.cl.lock()
	defer t.cl.unlock()
	return t.active
}

// SetActive selects or deselects the swarm. Deselecting closes every
// connection and stops announcing, but the candidate list is retained so
// reselection warm-starts.
func (t *Torrent) SetActive(active bool) {
	t.cl.lock()
	if t.closed.IsSet() || t.active == active {
		t.cl.unlock()
		return
	}
	t.active = active
	if active {
		t.announcer = t.cl.startAnnouncer(t)
		t.startDhtAnnouncing()
		t.considerDialing()
		t.cl.unlock()
		return
	}
	conns := t.connsAsSlice()
	a := t.announcer
	t.announcer = nil
	t.cl.unlock()
	if a != nil {
		a.Stop()
	}
	t.cl.executor.CancelOwner(dhtAnnounceOwner{t})
	for _, c := range conns {
		c.Close()
	}
}

// addCandidates merges discovered peers into the candidate list. Existing
// entries keep their failure history.
func (t *Torrent) addCandidates(addrs []netip.AddrPort, source peerSource) {
	t.cl.lock()
	defer t.cl.unlock()
	if t.closed.IsSet() {
		return
	}
	added := false
	for _, a := range addrs {
		if !a.IsValid() || a.Port() == 0 {
			continue
		}
		key := a.String()
		if _, ok := t.knownPeers[key]; ok {
			continue
		}
		t.knownPeers[key] = &knownPeer{addr: a, source: source}
		added = true
	}
	if added && t.active {
		t.considerDialing()
	}
}

// dialCandidates returns candidates to dial now, best first, respecting
// the per-torrent and global half-open caps. Client lock held.
func (t *Torrent) dialCandidates() (ret []*knownPeer) {
	budget := t.cl.config.MaxConnsPerTorrent - len(t.conns) - len(t.halfOpen)
	if n := t.cl.config.HalfOpenConnsPerTorrent - len(t.halfOpen); n < budget {
		budget = n
	}
	if n := t.cl.config.TotalHalfOpenConns - t.cl.numHalfOpen; n < budget {
		budget = n
	}
	if budget <= 0 {
		return
	}
	var cands []*knownPeer
	for key, kp := range t.knownPeers {
		if _, ok := t.halfOpen[key]; ok {
			continue
		}
		if t.connToAddr(kp.addr) != nil {
			continue
		}
		cands = append(cands, kp)
	}
	sort.Slice(cands, func(i, j int) bool {
		l, r := cands[i], cands[j]
		return multiless.New().Bool(
			l.attempts > 0, r.attempts > 0,
		).Int(
			l.attempts, r.attempts,
		).Int64(
			l.lastFailed.UnixNano(), r.lastFailed.UnixNano(),
		).Lazy(func() multiless.Computation {
			return multiless.New().Cmp(strings.Compare(l.addr.String(), r.addr.String()))
		}).Less()
	})
	if len(cands) > budget {
		cands = cands[:budget]
	}
	return cands
}

// considerDialing launches dials for the best candidates within the
// half-open budgets. Client lock held.
func (t *Torrent) considerDialing() {
	if !t.active || t.closed.IsSet() || t.cl.closed.IsSet() {
		return
	}
	for _, kp := range t.dialCandidates() {
		key := kp.addr.String()
		t.halfOpen[key] = struct{}{}
		t.cl.numHalfOpen++
		kp.attempts++
		addr := kp.addr
		t.cl.emitConnEvent(ConnEvent{
			InfoHash:  t.infoHash,
			Addr:      addr,
			Direction: ConnDirectionOutbound,
			Phase:     PhaseConnecting,
		})
		if !t.cl.executor.Submit(t, func() { t.dialAndHandshake(addr) }) {
			// Client lock is already held, so undo the reservation inline
			// rather than through dialFinished.
			delete(t.halfOpen, key)
			t.cl.numHalfOpen--
			kp.lastFailed = time.Now()
		}
	}
}

// dialAndHandshake runs on an executor worker.
func (t *Torrent) dialAndHandshake(addr netip.AddrPort) {
	err := t.dialAndHandshakeErr(addr)
	if err != nil {
		t.logger.Levelf(log.Debug, "outbound conn to %v: %v", addr, err)
	}
	t.dialFinished(addr.String(), err == nil)
}

func (t *Torrent) dialAndHandshakeErr(addr netip.AddrPort) error {
	cl := t.cl
	ctx, cancel := context.WithTimeout(context.Background(), cl.config.HandshakeTimeout)
	defer cancel()
	if lim := cl.config.DialRateLimiter; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return errors.Wrap(err, "waiting on dial rate limiter")
		}
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return errors.Wrap(err, "dialing")
	}
	cl.emitConnEvent(ConnEvent{
		InfoHash:  t.infoHash,
		Addr:      addr,
		Direction: ConnDirectionOutbound,
		Phase:     PhaseHandshaking,
	})
	nc.SetDeadline(time.Now().Add(cl.config.HandshakeTimeout))
	ih := [20]byte(t.infoHash)
	res, err := btwire.Handshake(nc, &ih, ih, [20]byte(cl.peerID), cl.extensionBits())
	if err != nil {
		nc.Close()
		handshakesFailed.Add(1)
		return errors.Wrap(ErrHandshakeFailed, err.Error())
	}
	nc.SetDeadline(time.Time{})
	handshakesCompleted.Add(1)
	if !t.addConn(newPeerConn(t, nc, addr, ConnDirectionOutbound, res)) {
		nc.Close()
		return ErrResourceExhausted
	}
	return nil
}

// dialFinished releases the half-open slot taken in considerDialing.
func (t *Torrent) dialFinished(key string, ok bool) {
	t.cl.lock()
	defer t.cl.unlock()
	delete(t.halfOpen, key)
	t.cl.numHalfOpen--
	if kp := t.knownPeers[key]; kp != nil && !ok {
		kp.lastFailed = time.Now()
	}
	t.considerDialing()
}

// addConn registers an established connection and starts its loop. False
// means the swarm can't take it (closed, inactive, full, or duplicate).
func (t *Torrent) addConn(c *PeerConn) bool {
	cl := t.cl
	cl.lock()
	if t.closed.IsSet() || !t.active {
		cl.unlock()
		return false
	}
	if len(t.conns) >= cl.config.MaxConnsPerTorrent {
		cl.unlock()
		return false
	}
	if dup := t.connToAddr(c.addr); dup != nil {
		cl.unlock()
		return false
	}
	t.conns[c] = struct{}{}
	cl.unlock()
	cl.emitConnEvent(ConnEvent{
		InfoHash:  t.infoHash,
		Addr:      c.addr,
		Direction: c.dir,
		Phase:     PhaseEstablished,
	})
	go c.run()
	return true
}

// connToAddr returns the live conn to addr, if any. Client lock held.
func (t *Torrent) connToAddr(addr netip.AddrPort) *PeerConn {
	for c := range t.conns {
		if c.addr == addr {
			return c
		}
	}
	return nil
}

// connClosed is called from PeerConn.Close.
func (t *Torrent) connClosed(c *PeerConn) {
	t.cl.lock()
	defer t.cl.unlock()
	if _, ok := t.conns[c]; !ok {
		return
	}
	delete(t.conns, c)
	t.stats.add(c.stats.Copy())
	t.considerDialing()
}

func (t *Torrent) connsAsSlice() (ret []*PeerConn) {
	for c := range t.conns {
		ret = append(ret, c)
	}
	return
}

// numPeersForAnnounce is what we tell trackers we still want.
func (t *Torrent) numPeersForAnnounce() int {
	t.cl.lock()
	defer t.cl.unlock()
	n := t.cl.config.MaxConnsPerTorrent - len(t.conns)
	if n < 0 {
		n = 0
	}
	return n
}

type dhtAnnounceOwner struct{ t *Torrent }

const dhtAnnounceInterval = 15 * time.Minute

// startDhtAnnouncing schedules periodic DHT announces. Client lock held.
func (t *Torrent) startDhtAnnouncing() {
	if t.cl.dhtServer == nil {
		return
	}
	announce := func() {
		s := t.cl.dhtServer
		if s == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		peers, announced, err := s.Announce(ctx, krpc.ID(t.infoHash), t.cl.listenPort())
		if err != nil {
			t.logger.Levelf(log.Debug, "dht announce: %v", err)
			return
		}
		t.logger.Levelf(log.Debug, "dht announce reached %v nodes, %v peers", announced, len(peers))
		var addrs []netip.AddrPort
		for _, p := range peers {
			if ap, ok := p.ToAddrPort(); ok {
				addrs = append(addrs, ap)
			}
		}
		t.addCandidates(addrs, peerSourceDht)
	}
	if !t.cl.executor.Submit(dhtAnnounceOwner{t}, announce) {
		return
	}
	t.cl.executor.SubmitRecurring(dhtAnnounceOwner{t}, dhtAnnounceInterval, announce)
}

// Stats snapshots the swarm.
func (t *Torrent) Stats() TorrentStats {
	t.cl.lock()
	defer t.cl.unlock()
	return t.statsLocked()
}

func (t *Torrent) statsLocked() TorrentStats {
	ret := TorrentStats{
		InfoHash:   t.infoHash,
		PeerCount:  len(t.conns),
		KnownPeers: len(t.knownPeers),
		HalfOpen:   len(t.halfOpen),
		Seeders:    t.lastSeeders,
		Leechers:   t.lastLeechers,
		Active:     t.active,
	}
	if t.announcer != nil {
		ret.TrackersUnreachable = t.announcer.AllUnreachable()
	}
	total := t.stats.Copy()
	for c := range t.conns {
		total.add(c.stats.Copy())
	}
	ret.Uploaded = total.DataBytesWritten
	ret.Downloaded = total.BytesRead
	return ret
}

// close tears the swarm down. Returns the conns to close so the caller
// can do that outside the client lock.
func (t *Torrent) close() (conns []*PeerConn, a *trackerAnnouncer) {
	if !t.closed.Set() {
		return
	}
	conns = t.connsAsSlice()
	t.conns = make(map[*PeerConn]struct{})
	a = t.announcer
	t.announcer = nil
	t.active = false
	return
}
