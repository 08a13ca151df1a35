package tracker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/url"
	"time"

	"github.com/dmzoneill/fakeseeder/dht/krpc"
)

// BEP 15 wire constants.
type udpAction int32

const (
	actionConnect udpAction = iota
	actionAnnounce
	actionScrape
	actionError

	// The connection ID used in connect requests.
	connectRequestConnectionId = 0x41727101980

	// Server-issued connection IDs may be cached this long.
	connectionIdLifetime = time.Minute
)

type udpRequestHeader struct {
	ConnectionId  int64
	Action        udpAction
	TransactionId int32
}

type udpResponseHeader struct {
	Action        udpAction
	TransactionId int32
}

type udpConnectionResponse struct {
	ConnectionId int64
}

type udpAnnounceResponseHeader struct {
	Interval int32
	Leechers int32
	Seeders  int32
}

func newTransactionId() int32 {
	return int32(rand.Uint32())
}

// The retransmit schedule from BEP 15: 15 * 2^n seconds, n capped at 8.
func udpTimeout(contiguousTimeouts int) (d time.Duration) {
	if contiguousTimeouts > 8 {
		contiguousTimeouts = 8
	}
	d = 15 * time.Second
	for ; contiguousTimeouts > 0; contiguousTimeouts-- {
		d *= 2
	}
	return
}

type udpAnnounce struct {
	contiguousTimeouts   int
	connectionIdReceived time.Time
	connectionId         int64
	socket               net.Conn
	url                  *url.URL
	opt                  Announce
}

func (c *udpAnnounce) Close() error {
	if c.socket != nil {
		return c.socket.Close()
	}
	return nil
}

func (c *udpAnnounce) ipv6() bool {
	if c.opt.UdpNetwork == "udp6" {
		return true
	}
	rip := addrIP(c.socket.RemoteAddr())
	return rip.To16() != nil && rip.To4() == nil
}

func addrIP(addr net.Addr) net.IP {
	if addr == nil {
		return nil
	}
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP
	case *net.TCPAddr:
		return a.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func (c *udpAnnounce) write(h *udpRequestHeader, body interface{}) (err error) {
	var buf bytes.Buffer
	err = binary.Write(&buf, binary.BigEndian, h)
	if err != nil {
		panic(err)
	}
	if body != nil {
		err = binary.Write(&buf, binary.BigEndian, body)
		if err != nil {
			panic(err)
		}
	}
	n, err := c.socket.Write(buf.Bytes())
	if err != nil {
		return
	}
	if n != buf.Len() {
		panic("write should send all or error")
	}
	return
}

// One request/response round trip. Each attempt gets a fresh transaction ID;
// stray and mismatched responses are ignored, and the read deadline grows
// with the number of contiguous timeouts per BEP 15.
func (c *udpAnnounce) request(action udpAction, args interface{}) (responseBody *bytes.Reader, err error) {
	for {
		if err = c.opt.Context.Err(); err != nil {
			return
		}
		tid := newTransactionId()
		err = c.write(&udpRequestHeader{
			ConnectionId:  c.connectionId,
			Action:        action,
			TransactionId: tid,
		}, args)
		if err != nil {
			return
		}
		deadline := time.Now().Add(udpTimeout(c.contiguousTimeouts))
		if ctxDeadline, ok := c.opt.Context.Deadline(); ok && ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
		c.socket.SetReadDeadline(deadline)
		b := make([]byte, 0x10000) // IP limits packet size to 64KB
		var n int
		n, err = c.socket.Read(b)
		if opE, ok := err.(*net.OpError); ok && opE.Timeout() {
			c.contiguousTimeouts++
			if c.opt.Context.Err() != nil {
				err = c.opt.Context.Err()
				return
			}
			// Retry with a new transaction ID and a longer deadline.
			continue
		}
		if err != nil {
			return
		}
		buf := bytes.NewBuffer(b[:n])
		var h udpResponseHeader
		err = binary.Read(buf, binary.BigEndian, &h)
		switch err {
		case io.ErrUnexpectedEOF:
			continue
		case nil:
		default:
			return
		}
		if h.TransactionId != tid {
			continue
		}
		c.contiguousTimeouts = 0
		if h.Action == actionError {
			err = errors.New(buf.String())
		}
		responseBody = bytes.NewReader(buf.Bytes())
		return
	}
}

func readBody(r *bytes.Reader, data ...interface{}) (err error) {
	for _, datum := range data {
		err = binary.Read(r, binary.BigEndian, datum)
		if err != nil {
			break
		}
	}
	return
}

func (c *udpAnnounce) connected() bool {
	return !c.connectionIdReceived.IsZero() &&
		time.Now().Before(c.connectionIdReceived.Add(connectionIdLifetime))
}

func (c *udpAnnounce) connect() (err error) {
	if c.connected() {
		return nil
	}
	c.connectionId = connectRequestConnectionId
	if c.socket == nil {
		network := c.opt.UdpNetwork
		if network == "" || network == "udp" {
			network = "udp"
		}
		c.socket, err = net.Dial(network, c.url.Host)
		if err != nil {
			return
		}
	}
	b, err := c.request(actionConnect, nil)
	if err != nil {
		return
	}
	var res udpConnectionResponse
	err = readBody(b, &res)
	if err != nil {
		return
	}
	c.connectionId = res.ConnectionId
	c.connectionIdReceived = time.Now()
	return
}

func (c *udpAnnounce) Do(req AnnounceRequest) (res AnnounceResponse, err error) {
	err = c.connect()
	if err != nil {
		err = fmt.Errorf("connecting to tracker: %w", err)
		return
	}
	b, err := c.request(actionAnnounce, req)
	if err != nil {
		return
	}
	var h udpAnnounceResponseHeader
	err = readBody(b, &h)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		err = fmt.Errorf("reading announce response header: %w", err)
		return
	}
	res.Interval = h.Interval
	res.Leechers = h.Leechers
	res.Seeders = h.Seeders
	remaining := make([]byte, b.Len())
	b.Read(remaining)
	if c.ipv6() {
		var cnas krpc.CompactIPv6NodeAddrs
		if err = cnas.UnmarshalBinary(remaining); err != nil {
			return
		}
		for _, na := range cnas {
			res.Peers = append(res.Peers, Peer{}.FromNodeAddr(na))
		}
	} else {
		var cnas krpc.CompactIPv4NodeAddrs
		if err = cnas.UnmarshalBinary(remaining); err != nil {
			return
		}
		for _, na := range cnas {
			res.Peers = append(res.Peers, Peer{}.FromNodeAddr(na))
		}
	}
	return
}

func announceUDP(opt Announce, _url *url.URL) (AnnounceResponse, error) {
	ua := udpAnnounce{
		url: _url,
		opt: opt,
	}
	defer ua.Close()
	return ua.Do(opt.Request)
}
