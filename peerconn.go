package fakeseeder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/pkg/errors"

	"github.com/dmzoneill/fakeseeder/bencode"
	"github.com/dmzoneill/fakeseeder/btwire"
	"github.com/dmzoneill/fakeseeder/dht/krpc"
)

// ConnPhase is where a connection is in its lifecycle. Reported in
// ConnEvents and in status output.
type ConnPhase int

const (
	PhaseConnecting ConnPhase = iota
	PhaseHandshaking
	PhaseEstablished
	PhaseClosing
	PhaseClosed
)

func (p ConnPhase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseHandshaking:
		return "handshaking"
	case PhaseEstablished:
		return "established"
	case PhaseClosing:
		return "closing"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnPhase(%d)", int(p))
	}
}

// PeerConn is an established wire connection to a remote peer. We always
// present as a seeder: full bitfield, unchoked, never interested.
type PeerConn struct {
	t       *Torrent
	conn    net.Conn
	addr    netip.AddrPort
	dir     ConnDirection
	peerID  PeerID
	bits    btwire.ExtensionBits
	stats   ConnStats
	created time.Time

	closed chansync.SetOnce

	writeMu sync.Mutex

	// Guards the peer state below, which the read loop updates.
	mu             sync.Mutex
	peerPieces     *roaring.Bitmap
	peerChoking    bool
	peerInterested bool

	// Owned by the read loop.
	readTimeouts int

	logger log.Logger
}

func newPeerConn(t *Torrent, nc net.Conn, addr netip.AddrPort, dir ConnDirection, res btwire.HandshakeResult) *PeerConn {
	c := &PeerConn{
		t:           t,
		conn:        nc,
		addr:        addr,
		dir:         dir,
		peerID:      PeerID(res.PeerID),
		bits:        res.Bits,
		created:     time.Now(),
		peerPieces:  roaring.New(),
		peerChoking: true,
	}
	c.logger = t.logger.WithContextText(fmt.Sprintf("conn to %v", addr))
	return c
}

// run services the connection until it closes. Caller's goroutine.
func (c *PeerConn) run() {
	defer c.Close()
	if err := c.sendInitial(); err != nil {
		c.logger.Levelf(log.Debug, "sending initial messages: %v", err)
		return
	}
	c.t.cl.executor.SubmitRecurring(c, c.t.cl.config.KeepAliveInterval, c.writeKeepalive)
	if err := c.readLoop(); err != nil && !c.closed.IsSet() {
		c.logger.Levelf(log.Debug, "read loop: %v", err)
	}
}

// sendInitial advertises the full bitfield and unchokes. Seeders have
// nothing to request so no interested message ever follows.
func (c *PeerConn) sendInitial() (err error) {
	if c.bits.SupportsLtep() {
		if err = c.sendExtendedHandshake(); err != nil {
			return
		}
	}
	bf := make([]bool, c.t.pieceCount)
	for i := range bf {
		bf[i] = true
	}
	err = c.writeMessage(btwire.Message{Type: btwire.Bitfield, Bitfield: bf})
	if err != nil {
		return
	}
	err = c.writeMessage(btwire.Message{Type: btwire.Unchoke})
	if err != nil {
		return
	}
	if c.bits.SupportsDht() && c.t.cl.dhtServer != nil {
		err = c.writeMessage(btwire.Message{
			Type:    btwire.Port,
			DhtPort: uint16(c.t.cl.dhtPort()),
		})
	}
	return
}

// The BEP 10 extended handshake payload. We support no extension
// messages, so m is empty, but a peer that saw our reserved bit still
// expects the handshake itself.
type extendedHandshakeMsg struct {
	M map[string]int `bencode:"m"`
	P int            `bencode:"p,omitempty"`
	V string         `bencode:"v,omitempty"`
}

func (c *PeerConn) sendExtendedHandshake() error {
	payload, err := bencode.Marshal(extendedHandshakeMsg{
		M: map[string]int{},
		P: c.t.cl.listenPort(),
		V: clientVersion,
	})
	if err != nil {
		return err
	}
	return c.writeMessage(btwire.Message{
		Type:            btwire.Extended,
		ExtendedID:      0,
		ExtendedPayload: payload,
	})
}

func (c *PeerConn) writeMessage(m btwire.Message) error {
	b, err := m.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "marshalling message")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.IsSet() {
		return ErrTorrentClosed
	}
	n, err := c.conn.Write(b)
	c.stats.wroteBytes(int64(n))
	return err
}

func (c *PeerConn) writeKeepalive() {
	if c.closed.IsSet() {
		return
	}
	if err := c.writeMessage(btwire.MakeKeepalive()); err != nil {
		c.Close()
		return
	}
	keepAlivesSent.Add(1)
}

// readLoop decodes messages until error or close. An idle read timeout
// prompts one keep-alive; a second consecutive timeout with no traffic in
// between means the peer is gone.
func (c *PeerConn) readLoop() error {
	cr := &countingReader{r: c.conn, stats: &c.stats}
	d := btwire.Decoder{
		R:         bufio.NewReader(cr),
		MaxLength: 256 * 1024,
	}
	for {
		c.conn.SetReadDeadline(time.Now().Add(c.t.cl.config.ReadTimeout))
		before := atomic.LoadInt64(&c.stats.BytesRead)
		var msg btwire.Message
		err := d.Decode(&msg)
		if err != nil {
			if c.closed.IsSet() {
				return nil
			}
			if ne, ok := errors.Cause(err).(net.Error); ok && ne.Timeout() {
				if atomic.LoadInt64(&c.stats.BytesRead) != before {
					// Mid-message stall. Treat like idleness rather than
					// tearing down on a slow link.
					continue
				}
				c.readTimeouts++
				if c.readTimeouts >= 2 {
					return errors.New("peer idle past two read timeouts")
				}
				c.writeKeepalive()
				continue
			}
			if errors.Cause(err) == io.EOF {
				return nil
			}
			return err
		}
		c.readTimeouts = 0
		atomic.AddInt64(&c.stats.MessagesReceived, 1)
		if err := c.handleMessage(msg); err != nil {
			return err
		}
	}
}

func (c *PeerConn) handleMessage(m btwire.Message) error {
	if m.Keepalive {
		return nil
	}
	switch m.Type {
	case btwire.Choke:
		c.mu.Lock()
		c.peerChoking = true
		c.mu.Unlock()
	case btwire.Unchoke:
		c.mu.Lock()
		c.peerChoking = false
		c.mu.Unlock()
	case btwire.Interested:
		c.mu.Lock()
		c.peerInterested = true
		c.mu.Unlock()
	case btwire.NotInterested:
		c.mu.Lock()
		c.peerInterested = false
		c.mu.Unlock()
	case btwire.Have:
		if int(m.Index) >= c.t.pieceCount {
			return errors.Wrapf(ErrMalformedWireData, "have for piece %v of %v", m.Index, c.t.pieceCount)
		}
		c.mu.Lock()
		c.peerPieces.Add(uint32(m.Index))
		c.mu.Unlock()
	case btwire.Bitfield:
		if len(m.Bitfield) < c.t.pieceCount {
			return errors.Wrapf(ErrMalformedWireData, "bitfield of %v bits for %v pieces", len(m.Bitfield), c.t.pieceCount)
		}
		c.mu.Lock()
		for i, have := range m.Bitfield[:c.t.pieceCount] {
			if have {
				c.peerPieces.Add(uint32(i))
			}
		}
		c.mu.Unlock()
	case btwire.Request:
		return c.fabricatePiece(m)
	case btwire.Cancel:
		// Requests are answered inline so there's never a queued block
		// to cancel.
	case btwire.Piece:
		// We never request, but peers occasionally push anyway. Count
		// it and move on.
	case btwire.Port:
		c.onPortMessage(m.DhtPort)
	case btwire.Extended:
		// Payload is opaque to us.
	default:
		return errors.Errorf("unexpected message type %v", m.Type)
	}
	return nil
}

// fabricatePiece answers a request with a zero-filled block of the
// requested length. No data is read from anywhere.
func (c *PeerConn) fabricatePiece(m btwire.Message) error {
	if int(m.Index) >= c.t.pieceCount {
		return errors.Wrapf(ErrMalformedWireData, "request for piece %v of %v", m.Index, c.t.pieceCount)
	}
	if m.Length > 128*1024 {
		return errors.Wrapf(ErrMalformedWireData, "request of %v bytes", m.Length)
	}
	err := c.writeMessage(btwire.Message{
		Type:  btwire.Piece,
		Index: m.Index,
		Begin: m.Begin,
		Piece: make([]byte, m.Length),
	})
	if err != nil {
		return err
	}
	c.stats.wroteData(int64(m.Length))
	fabricatedPieces.Add(1)
	return nil
}

// PeerHasPiece reports whether the remote claimed the piece via bitfield
// or have messages.
func (c *PeerConn) PeerHasPiece(i int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerPieces.Contains(uint32(i))
}

// PeerInterested reports whether the remote last declared interest.
func (c *PeerConn) PeerInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerInterested
}

// onPortMessage feeds the peer's DHT node into our routing table. We
// don't know its node ID yet so it's pinged rather than added outright.
func (c *PeerConn) onPortMessage(port uint16) {
	s := c.t.cl.dhtServer
	if s == nil || port == 0 {
		return
	}
	host := c.addr.Addr().Unmap()
	if !host.Is4() {
		return
	}
	na := krpc.NodeAddr{IP: host.AsSlice(), Port: int(port)}
	c.t.cl.executor.Submit(c, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.Ping(ctx, na)
	})
}

// Close shuts down the connection. Safe to call from any goroutine,
// repeatedly.
func (c *PeerConn) Close() {
	if !c.closed.Set() {
		return
	}
	c.t.cl.emitConnEvent(ConnEvent{
		InfoHash:  c.t.infoHash,
		Addr:      c.addr,
		Direction: c.dir,
		Phase:     PhaseClosing,
	})
	c.t.cl.executor.CancelOwner(c)
	c.conn.Close()
	c.t.connClosed(c)
	c.t.cl.emitConnEvent(ConnEvent{
		InfoHash:  c.t.infoHash,
		Addr:      c.addr,
		Direction: c.dir,
		Phase:     PhaseClosed,
	})
}

type countingReader struct {
	r     io.Reader
	stats *ConnStats
}

func (me *countingReader) Read(p []byte) (n int, err error) {
	n, err = me.r.Read(p)
	me.stats.readBytes(int64(n))
	return
}
