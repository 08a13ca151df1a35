package fakeseeder

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"sort"
	"strconv"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/dmzoneill/fakeseeder/btwire"
	"github.com/dmzoneill/fakeseeder/dht"
	"github.com/dmzoneill/fakeseeder/dht/krpc"
)

// Client manages a set of seeded swarms sharing one listener, one DHT
// node and one executor.
type Client struct {
	config *Config
	logger log.Logger
	peerID PeerID

	_mu sync.RWMutex

	torrents    map[InfoHash]*Torrent
	numHalfOpen int

	listener          net.Listener
	dhtServer         *dht.Server
	executor          *executor
	trackerHttpClient *http.Client

	started chansync.SetOnce
	closed  chansync.SetOnce
}

func (cl *Client) lock()   { cl._mu.Lock() }
func (cl *Client) unlock() { cl._mu.Unlock() }

func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	logger := cfg.Logger
	if logger.IsZero() {
		logger = log.Default
	}
	cl := &Client{
		config:            cfg,
		logger:            logger.WithContextText("fakeseeder"),
		peerID:            newPeerID(),
		torrents:          make(map[InfoHash]*Torrent),
		executor:          newExecutor(cfg.ExecutorWorkers),
		trackerHttpClient: &http.Client{},
	}
	return cl, nil
}

// PeerID the client presents in handshakes and announces.
func (cl *Client) PeerID() PeerID { return cl.peerID }

// Start binds the listener and brings up the DHT. Failure to bind the
// peer listener is the only fatal error; a DHT that won't come up just
// means tracker-only operation.
func (cl *Client) Start() error {
	if cl.closed.IsSet() {
		return ErrClientClosed
	}
	if !cl.started.Set() {
		return errors.New("client already started")
	}
	addr := net.JoinHostPort(cl.config.ListenHost, strconv.Itoa(cl.config.ListenPort))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %q", addr)
	}
	cl.lock()
	cl.listener = l
	cl.unlock()
	cl.logger.Levelf(log.Info, "listening for peers on %v", l.Addr())
	go cl.acceptLoop(l)

	if !cl.config.NoDHT {
		s, err := dht.NewServer(&dht.ServerConfig{
			Addr:           net.JoinHostPort(cl.config.ListenHost, strconv.Itoa(cl.listenPort())),
			BucketSize:     cl.config.DhtBucketSize,
			Logger:         cl.logger,
			OnAnnouncePeer: cl.onDhtAnnouncePeer,
		})
		if err != nil {
			cl.logger.Levelf(log.Warning, "starting dht: %v", err)
		} else {
			cl.lock()
			cl.dhtServer = s
			cl.unlock()
			seeds := cl.config.DhtBootstrapNodes
			cl.executor.Submit(cl, func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				stats, err := s.Bootstrap(ctx, seeds)
				if err != nil {
					cl.logger.Levelf(log.Warning, "dht bootstrap: %v", err)
					return
				}
				cl.logger.Levelf(log.Info, "dht bootstrap contacted %v nodes", stats.NumResponses)
			})
		}
	}
	return nil
}

// listenPort is the actual bound TCP port, which differs from the
// configured one when that is zero.
func (cl *Client) listenPort() int {
	cl.lock()
	l := cl.listener
	cl.unlock()
	if l == nil {
		return cl.config.ListenPort
	}
	if ta, ok := l.Addr().(*net.TCPAddr); ok {
		return ta.Port
	}
	return cl.config.ListenPort
}

func (cl *Client) dhtPort() int {
	if cl.dhtServer == nil {
		return 0
	}
	return cl.dhtServer.Port()
}

func (cl *Client) extensionBits() btwire.ExtensionBits {
	bits := btwire.NewExtensionBits(btwire.ExtensionBitLtep)
	if cl.dhtServer != nil {
		bits.SetBit(btwire.ExtensionBitDht, true)
	}
	return bits
}

// onDhtAnnouncePeer feeds peers that announce_peer to us into the
// matching swarm's candidate list.
func (cl *Client) onDhtAnnouncePeer(infoHash krpc.ID, peer krpc.NodeAddr) {
	cl.lock()
	t := cl.torrents[InfoHash(infoHash)]
	cl.unlock()
	if t == nil {
		return
	}
	if ap, ok := peer.ToAddrPort(); ok {
		t.addCandidates([]netip.AddrPort{ap}, peerSourceDht)
	}
}

// AddTorrent starts seeding a swarm. The torrent comes up active. If the
// infohash is already loaded the existing torrent is returned with new
// false.
func (cl *Client) AddTorrent(spec TorrentSpec) (t *Torrent, new bool, err error) {
	if spec.PieceCount <= 0 {
		err = errors.New("piece count must be positive")
		return
	}
	cl.lock()
	if cl.closed.IsSet() {
		cl.unlock()
		err = ErrClientClosed
		return
	}
	if t = cl.torrents[spec.InfoHash]; t != nil {
		cl.unlock()
		return
	}
	t = &Torrent{
		cl:         cl,
		infoHash:   spec.InfoHash,
		pieceCount: spec.PieceCount,
		trackers:   append([]string(nil), spec.Trackers...),
		logger:     cl.logger.WithContextText(spec.InfoHash.HexString()),
		knownPeers: make(map[string]*knownPeer),
		conns:      make(map[*PeerConn]struct{}),
		halfOpen:   make(map[string]struct{}),
	}
	cl.torrents[spec.InfoHash] = t
	cl.unlock()
	new = true
	t.SetActive(true)
	return
}

// Torrent returns the loaded swarm for the infohash, if any.
func (cl *Client) Torrent(ih InfoHash) (t *Torrent, ok bool) {
	cl.lock()
	defer cl.unlock()
	t, ok = cl.torrents[ih]
	return
}

// DropTorrent stops seeding a swarm, sending the tracker stopped event
// and closing its connections.
func (cl *Client) DropTorrent(ih InfoHash) error {
	cl.lock()
	t := cl.torrents[ih]
	if t == nil {
		cl.unlock()
		return errors.Errorf("no such torrent %v", ih)
	}
	delete(cl.torrents, ih)
	conns, a := t.close()
	cl.unlock()
	cl.executor.CancelOwner(t)
	cl.executor.CancelOwner(dhtAnnounceOwner{t})
	for _, c := range conns {
		c.Close()
	}
	if a != nil {
		a.Stop()
	}
	return nil
}

// startAnnouncer is called with the client lock held, from SetActive.
func (cl *Client) startAnnouncer(t *Torrent) *trackerAnnouncer {
	a := newTrackerAnnouncer(t, t.trackers)
	go a.run()
	return a
}

func (cl *Client) acceptLoop(l net.Listener) {
	for {
		nc, err := l.Accept()
		if err != nil {
			if cl.closed.IsSet() {
				return
			}
			cl.logger.Levelf(log.Warning, "accepting connection: %v", err)
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		acceptedConns.Add(1)
		if !cl.executor.Submit(cl, func() { cl.handleInbound(nc) }) {
			nc.Close()
		}
	}
}

// handleInbound performs the receiving side of the handshake and hands
// the socket to the matching swarm.
func (cl *Client) handleInbound(nc net.Conn) {
	nc.SetDeadline(time.Now().Add(cl.config.HandshakeTimeout))
	res, err := btwire.ReadHandshake(nc)
	if err != nil {
		handshakesFailed.Add(1)
		nc.Close()
		return
	}
	cl.lock()
	t := cl.torrents[InfoHash(res.InfoHash)]
	cl.unlock()
	if t == nil {
		unmatchedInfoHashes.Add(1)
		nc.Close()
		return
	}
	addr := addrPortFromNetAddr(nc.RemoteAddr())
	cl.emitConnEvent(ConnEvent{
		InfoHash:  t.infoHash,
		Addr:      addr,
		Direction: ConnDirectionInbound,
		Phase:     PhaseHandshaking,
	})
	_, err = nc.Write(btwire.EncodeHandshake(res.InfoHash, [20]byte(cl.peerID), cl.extensionBits()))
	if err != nil {
		handshakesFailed.Add(1)
		nc.Close()
		return
	}
	nc.SetDeadline(time.Time{})
	handshakesCompleted.Add(1)
	if !t.addConn(newPeerConn(t, nc, addr, ConnDirectionInbound, res)) {
		nc.Close()
		return
	}
	t.addCandidates([]netip.AddrPort{addr}, peerSourceIncoming)
}

func addrPortFromNetAddr(a net.Addr) netip.AddrPort {
	if ta, ok := a.(*net.TCPAddr); ok {
		return ta.AddrPort()
	}
	ap, _ := netip.ParseAddrPort(a.String())
	return ap
}

// Stats snapshots the whole client. Torrents are ordered by infohash.
func (cl *Client) Stats() ClientStats {
	cl.lock()
	defer cl.unlock()
	var ret ClientStats
	for _, t := range cl.torrents {
		ret.Torrents = append(ret.Torrents, t.statsLocked())
	}
	sort.Slice(ret.Torrents, func(i, j int) bool {
		return ret.Torrents[i].InfoHash.HexString() < ret.Torrents[j].InfoHash.HexString()
	})
	ret.TaskCount = cl.config.ExecutorWorkers
	for _, ts := range ret.Torrents {
		ret.TaskCount += ts.PeerCount
	}
	if cl.dhtServer != nil {
		ret.DhtNodes = cl.dhtServer.Stats().Nodes
	}
	return ret
}

// WriteStatus writes a human-readable dump of the client state, for
// status endpoints and debugging.
func (cl *Client) WriteStatus(w io.Writer) {
	stats := cl.Stats()
	fmt.Fprintf(w, "peer id: %v\n", cl.peerID)
	fmt.Fprintf(w, "listen port: %v\n", cl.listenPort())
	fmt.Fprintf(w, "dht nodes: %v\n", stats.DhtNodes)
	fmt.Fprintf(w, "torrents: %v\n", len(stats.Torrents))
	for _, ts := range stats.Torrents {
		state := "active"
		if !ts.Active {
			state = "idle"
		}
		if ts.TrackersUnreachable {
			state += ", trackers unreachable"
		}
		fmt.Fprintf(w, "  %v: %v, %v peers (%v known, %v half-open), %v/%v seeds/leeches, up %v down %v\n",
			ts.InfoHash.HexString(), state,
			ts.PeerCount, ts.KnownPeers, ts.HalfOpen,
			ts.Seeders, ts.Leechers,
			humanize.Bytes(uint64(ts.Uploaded)), humanize.Bytes(uint64(ts.Downloaded)))
	}
}

// Close shuts the client down in two phases against a single wall-clock
// budget: first polite tracker goodbyes for every torrent concurrently,
// then a hard close of whatever remains. The budget does not scale with
// the number of torrents.
func (cl *Client) Close() error {
	if !cl.closed.Set() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), cl.config.ShutdownBudget)
	defer cancel()

	cl.lock()
	if cl.listener != nil {
		cl.listener.Close()
	}
	var announcers []*trackerAnnouncer
	var conns []*PeerConn
	for _, t := range cl.torrents {
		tConns, a := t.close()
		conns = append(conns, tConns...)
		if a != nil {
			announcers = append(announcers, a)
		}
	}
	cl.torrents = make(map[InfoHash]*Torrent)
	cl.unlock()

	var g errgroup.Group
	for _, a := range announcers {
		a := a
		g.Go(func() error {
			a.StopCtx(ctx)
			return nil
		})
	}
	goodbyesDone := make(chan struct{})
	go func() {
		g.Wait()
		close(goodbyesDone)
	}()
	select {
	case <-goodbyesDone:
	case <-ctx.Done():
	}

	for _, c := range conns {
		c.Close()
	}
	if cl.dhtServer != nil {
		cl.dhtServer.Close()
	}
	executorDone := make(chan struct{})
	go func() {
		cl.executor.Close()
		close(executorDone)
	}()
	select {
	case <-executorDone:
	case <-ctx.Done():
	}
	return nil
}
