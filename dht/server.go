package dht

import (
	"context"
	"expvar"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	"github.com/dmzoneill/fakeseeder/bencode"
	"github.com/dmzoneill/fakeseeder/dht/krpc"
)

var vars = expvar.NewMap("dht")

const (
	defaultBucketSize    = 8
	defaultQueryTimeout  = 3 * time.Second
	tokenRotateInterval  = 5 * time.Minute
	tableRefreshInterval = time.Minute
)

type ServerConfig struct {
	// Used if Conn is nil.
	Addr string
	Conn net.PacketConn
	// Zero means generate one.
	NodeID krpc.ID
	// Bucket capacity k. Zero means the default (8).
	BucketSize int
	// Don't answer queries from other nodes.
	Passive bool
	// Zero means the default (3s).
	QueryTimeout time.Duration
	Logger       log.Logger
	// Invoked for each valid announce_peer we receive.
	OnAnnouncePeer func(infoHash krpc.ID, peer krpc.NodeAddr)
}

type ServerStats struct {
	Nodes                   int
	GoodNodes               int
	OutstandingTransactions int
	SuccessfulAnnounces     int
	QueriesReceived         int64
	BadMessages             int64
}

// Uniquely identifies a transaction to us.
type transactionKey struct {
	RemoteAddr string // host:port
	T          string // KRPC transaction ID
}

type transaction struct {
	reply chan krpc.Msg
}

// A DHT node. One per process is plenty; all torrents share it.
type Server struct {
	id           krpc.ID
	conn         net.PacketConn
	logger       log.Logger
	passive      bool
	queryTimeout time.Duration

	mu           sync.Mutex
	table        *table
	transactions map[transactionKey]*transaction
	nextT        uint64
	tokens       *tokenServer
	// Peers other nodes announced to us, per infohash, keyed by addr string.
	announced      map[krpc.ID]map[string]krpc.NodeAddr
	onAnnouncePeer func(krpc.ID, krpc.NodeAddr)
	stats          ServerStats

	closed chansync.SetOnce
}

func NewServer(c *ServerConfig) (s *Server, err error) {
	if c == nil {
		c = &ServerConfig{}
	}
	conn := c.Conn
	if conn == nil {
		addr := c.Addr
		if addr == "" {
			addr = ":0"
		}
		conn, err = net.ListenPacket("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("listening for dht: %w", err)
		}
	}
	id := c.NodeID
	if id.IsZero() {
		id = krpc.RandomID()
	}
	k := c.BucketSize
	if k <= 0 {
		k = defaultBucketSize
	}
	qt := c.QueryTimeout
	if qt <= 0 {
		qt = defaultQueryTimeout
	}
	logger := c.Logger
	if logger.IsZero() {
		logger = log.Default
	}
	s = &Server{
		id:             id,
		conn:           conn,
		logger:         logger.WithContextText("dht"),
		passive:        c.Passive,
		queryTimeout:   qt,
		table:          newTable(id, k),
		transactions:   make(map[transactionKey]*transaction),
		tokens:         newTokenServer(tokenRotateInterval),
		announced:      make(map[krpc.ID]map[string]krpc.NodeAddr),
		onAnnouncePeer: c.OnAnnouncePeer,
	}
	go s.serve()
	go s.tableMaintainer()
	return s, nil
}

func (s *Server) ID() krpc.ID {
	return s.id
}

func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.conn.LocalAddr().String())
	p, _ := strconv.Atoi(port)
	return p
}

func (s *Server) Close() {
	if s.closed.Set() {
		s.conn.Close()
	}
}

func (s *Server) Closed() <-chan struct{} {
	return s.closed.Done()
}

func (s *Server) Stats() ServerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss := s.stats
	ss.Nodes = s.table.numNodes()
	s.table.forNodes(func(n *node) bool {
		if n.IsGood() {
			ss.GoodNodes++
		}
		return true
	})
	ss.OutstandingTransactions = len(s.transactions)
	return ss
}

func (s *Server) serve() {
	b := make([]byte, 0x10000)
	for {
		n, addr, err := s.conn.ReadFrom(b)
		if err != nil {
			if s.closed.IsSet() {
				return
			}
			s.logger.Levelf(log.Debug, "error reading dht packet: %v", err)
			continue
		}
		s.processPacket(b[:n], addr)
	}
}

func (s *Server) processPacket(b []byte, from net.Addr) {
	var m krpc.Msg
	err := bencode.Unmarshal(b, &m)
	if _, ok := err.(bencode.ErrUnusedTrailingBytes); ok {
		err = nil
	}
	if err != nil || m.T == "" {
		// Not worth an error reply; per the abuse guidance in BEP 5 adjacent
		// practice, garbage is dropped.
		s.mu.Lock()
		s.stats.BadMessages++
		s.mu.Unlock()
		vars.Add("malformed packets dropped", 1)
		return
	}
	ua, ok := from.(*net.UDPAddr)
	if !ok {
		return
	}
	var na krpc.NodeAddr
	na.FromUDPAddr(ua)
	switch m.Y {
	case "q":
		s.handleQuery(na, m)
	case "r", "e":
		s.handleReply(na, m)
	default:
		vars.Add("packets with unknown y dropped", 1)
	}
}

func (s *Server) handleReply(from krpc.NodeAddr, m krpc.Msg) {
	s.mu.Lock()
	key := transactionKey{RemoteAddr: from.String(), T: m.T}
	t, ok := s.transactions[key]
	if ok {
		delete(s.transactions, key)
	}
	if id := m.SenderID(); id != nil && m.Y == "r" {
		s.updateNodeLocked(from, *id, true)
	}
	s.mu.Unlock()
	if !ok {
		vars.Add("unmatched replies", 1)
		return
	}
	select {
	case t.reply <- m:
	default:
	}
}

func (s *Server) handleQuery(from krpc.NodeAddr, m krpc.Msg) {
	s.mu.Lock()
	s.stats.QueriesReceived++
	s.mu.Unlock()
	if s.passive {
		return
	}
	if m.A == nil || m.A.ID.IsZero() {
		vars.Add("queries without id dropped", 1)
		return
	}
	s.mu.Lock()
	s.updateNodeLocked(from, m.A.ID, false)
	s.mu.Unlock()
	switch m.Q {
	case "ping":
		s.reply(from, m.T, krpc.Return{ID: s.id})
	case "find_node":
		if m.A.Target.IsZero() {
			return
		}
		s.reply(from, m.T, krpc.Return{
			ID:    s.id,
			Nodes: s.closestGoodNodeInfos(m.A.Target),
		})
	case "get_peers":
		if m.A.InfoHash.IsZero() {
			return
		}
		r := krpc.Return{
			ID:    s.id,
			Token: s.tokens.CreateToken(from.IP),
		}
		s.mu.Lock()
		for _, p := range s.announced[m.A.InfoHash] {
			r.Values = append(r.Values, p)
		}
		s.mu.Unlock()
		if len(r.Values) == 0 {
			r.Nodes = s.closestGoodNodeInfos(m.A.InfoHash)
		}
		s.reply(from, m.T, r)
	case "announce_peer":
		if m.A.InfoHash.IsZero() || !s.tokens.ValidToken(m.A.Token, from.IP) {
			// Spoofed-looking announces don't even deserve an error.
			vars.Add("announces with bad token dropped", 1)
			return
		}
		peer := krpc.NodeAddr{IP: from.IP, Port: m.A.Port}
		if m.A.ImpliedPort != 0 {
			peer.Port = from.Port
		}
		s.mu.Lock()
		byAddr := s.announced[m.A.InfoHash]
		if byAddr == nil {
			byAddr = make(map[string]krpc.NodeAddr)
			s.announced[m.A.InfoHash] = byAddr
		}
		byAddr[peer.String()] = peer
		s.mu.Unlock()
		if s.onAnnouncePeer != nil {
			s.onAnnouncePeer(m.A.InfoHash, peer)
		}
		s.reply(from, m.T, krpc.Return{ID: s.id})
	default:
		s.sendError(from, m.T, krpc.Error{Code: krpc.ErrorCodeMethodUnknown, Msg: "method unknown"})
	}
}

func (s *Server) closestGoodNodeInfos(target krpc.ID) (nis krpc.CompactIPv4NodeInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.table.closestNodes(s.table.k, target, func(n *node) bool {
		return n.IsGood() && n.addr.IP.To4() != nil
	}) {
		nis = append(nis, n.NodeInfo())
	}
	return
}

func (s *Server) reply(to krpc.NodeAddr, t string, r krpc.Return) {
	b := bencode.MustMarshal(krpc.Msg{
		T: t,
		Y: "r",
		R: &r,
	})
	if _, err := s.conn.WriteTo(b, to.UDP()); err != nil {
		s.logger.Levelf(log.Debug, "error replying to %v: %v", to, err)
	}
}

func (s *Server) sendError(to krpc.NodeAddr, t string, e krpc.Error) {
	b := bencode.MustMarshal(krpc.Msg{
		T: t,
		Y: "e",
		E: &e,
	})
	if _, err := s.conn.WriteTo(b, to.UDP()); err != nil {
		s.logger.Levelf(log.Debug, "error sending error to %v: %v", to, err)
	}
}

// Refresh or insert a node we've heard from. Responses verify the node,
// queries alone don't.
func (s *Server) updateNodeLocked(addr krpc.NodeAddr, id krpc.ID, verified bool) {
	n := s.table.getNode(addr, id)
	if n == nil {
		n = &node{id: id, addr: addr}
		if !s.table.maybeAddNode(n) {
			return
		}
	}
	n.lastReceived = time.Now()
	n.consecutiveFailures = 0
	if verified {
		n.verified = true
	}
}

func (s *Server) nextTransactionID() string {
	// Two bytes is enough transaction space per remote addr.
	s.nextT++
	return string([]byte{byte(s.nextT >> 8), byte(s.nextT)})
}

type QueryResult struct {
	Reply krpc.Msg
	Err   error
}

// Sends a single query and waits for the matching reply, the query timeout,
// or ctx. The node's failure count is updated either way.
func (s *Server) query(ctx context.Context, to krpc.NodeAddr, q string, args *krpc.MsgArgs) (ret QueryResult) {
	if args == nil {
		args = &krpc.MsgArgs{}
	}
	args.ID = s.id
	s.mu.Lock()
	tid := s.nextTransactionID()
	t := &transaction{reply: make(chan krpc.Msg, 1)}
	key := transactionKey{RemoteAddr: to.String(), T: tid}
	s.transactions[key] = t
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.transactions, key)
		if ret.Err != nil {
			if n := s.table.byAddr[to.String()]; n != nil {
				n.consecutiveFailures++
			}
		}
		s.mu.Unlock()
	}()
	b := bencode.MustMarshal(krpc.Msg{
		T: tid,
		Y: "q",
		Q: q,
		A: args,
	})
	if _, err := s.conn.WriteTo(b, to.UDP()); err != nil {
		ret.Err = fmt.Errorf("writing query: %w", err)
		return
	}
	timer := time.NewTimer(s.queryTimeout)
	defer timer.Stop()
	select {
	case m := <-t.reply:
		if e := m.Error(); e != nil {
			ret.Err = *e
			return
		}
		ret.Reply = m
	case <-timer.C:
		ret.Err = ErrQueryTimeout
	case <-ctx.Done():
		ret.Err = ctx.Err()
	case <-s.closed.Done():
		ret.Err = ErrServerClosed
	}
	return
}

func (s *Server) Ping(ctx context.Context, to krpc.NodeAddr) QueryResult {
	return s.query(ctx, to, "ping", nil)
}

func (s *Server) FindNode(ctx context.Context, to krpc.NodeAddr, target krpc.ID) QueryResult {
	return s.query(ctx, to, "find_node", &krpc.MsgArgs{Target: target})
}

func (s *Server) GetPeers(ctx context.Context, to krpc.NodeAddr, infoHash krpc.ID) QueryResult {
	return s.query(ctx, to, "get_peers", &krpc.MsgArgs{InfoHash: infoHash})
}

func (s *Server) AnnouncePeer(
	ctx context.Context, to krpc.NodeAddr, infoHash krpc.ID, port int, token string,
) QueryResult {
	ret := s.query(ctx, to, "announce_peer", &krpc.MsgArgs{
		InfoHash: infoHash,
		Port:     port,
		Token:    token,
	})
	if ret.Err == nil {
		s.mu.Lock()
		s.stats.SuccessfulAnnounces++
		s.mu.Unlock()
	}
	return ret
}

// Seeds the routing table directly, bypassing verification. Used with
// bootstrap node addresses where the ID isn't known yet: those are pinged
// instead.
func (s *Server) AddNode(ni krpc.NodeInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ni.ID.IsZero() {
		return
	}
	s.updateNodeLocked(ni.Addr, ni.ID, false)
}

// Pings the least-recently-heard node in each bucket, dropping the ones that
// are past saving.
func (s *Server) tableMaintainer() {
	for {
		select {
		case <-s.closed.Done():
			return
		case <-time.After(tableRefreshInterval):
		}
		s.mu.Lock()
		var questionable []*node
		for i := range s.table.buckets {
			b := &s.table.buckets[i]
			if n := b.leastRecent(false); n != nil {
				if n.consecutiveFailures >= nodeMaxFailures {
					s.table.removeNode(n)
				} else if time.Since(n.lastReceived) > tableRefreshInterval {
					questionable = append(questionable, n)
				}
			}
		}
		s.mu.Unlock()
		for _, n := range questionable {
			ctx, cancel := context.WithTimeout(context.Background(), s.queryTimeout)
			s.Ping(ctx, n.addr)
			cancel()
			if s.closed.IsSet() {
				return
			}
		}
	}
}
