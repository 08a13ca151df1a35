package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A minimal BEP 15 tracker for loopback tests. One goroutine, answers
// connect and announce, and can be told to drop packets.
type fakeUdpTracker struct {
	conn net.PacketConn
	// How many requests to ignore before answering.
	drop int

	gotAnnounce chan AnnounceRequest
}

func newFakeUdpTracker(t *testing.T) *fakeUdpTracker {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	ft := &fakeUdpTracker{
		conn:        conn,
		gotAnnounce: make(chan AnnounceRequest, 4),
	}
	t.Cleanup(func() { conn.Close() })
	go ft.serve()
	return ft
}

func (ft *fakeUdpTracker) url() string {
	return "udp://" + ft.conn.LocalAddr().String() + "/announce"
}

const fakeConnectionId = 0x1122334455667788

func (ft *fakeUdpTracker) serve() {
	b := make([]byte, 0x1000)
	for {
		n, addr, err := ft.conn.ReadFrom(b)
		if err != nil {
			return
		}
		if ft.drop > 0 {
			ft.drop--
			continue
		}
		r := bytes.NewReader(b[:n])
		var h udpRequestHeader
		if binary.Read(r, binary.BigEndian, &h) != nil {
			continue
		}
		var resp bytes.Buffer
		switch h.Action {
		case actionConnect:
			if h.ConnectionId != connectRequestConnectionId {
				continue
			}
			binary.Write(&resp, binary.BigEndian, udpResponseHeader{
				Action:        actionConnect,
				TransactionId: h.TransactionId,
			})
			binary.Write(&resp, binary.BigEndian, udpConnectionResponse{
				ConnectionId: fakeConnectionId,
			})
		case actionAnnounce:
			if h.ConnectionId != fakeConnectionId {
				binary.Write(&resp, binary.BigEndian, udpResponseHeader{
					Action:        actionError,
					TransactionId: h.TransactionId,
				})
				resp.WriteString("bad connection id")
				break
			}
			var ar AnnounceRequest
			if binary.Read(r, binary.BigEndian, &ar) != nil {
				continue
			}
			select {
			case ft.gotAnnounce <- ar:
			default:
			}
			binary.Write(&resp, binary.BigEndian, udpResponseHeader{
				Action:        actionAnnounce,
				TransactionId: h.TransactionId,
			})
			binary.Write(&resp, binary.BigEndian, udpAnnounceResponseHeader{
				Interval: 1800,
				Leechers: 3,
				Seeders:  9,
			})
			// Two compact IPv4 peers.
			resp.Write([]byte("\x0a\x00\x00\x01\x1a\xe1\x0a\x00\x00\x02\x00\x50"))
		default:
			continue
		}
		ft.conn.WriteTo(resp.Bytes(), addr)
	}
}

func TestUdpTimeoutSchedule(t *testing.T) {
	assert.EqualValues(t, 15*time.Second, udpTimeout(0))
	assert.EqualValues(t, 30*time.Second, udpTimeout(1))
	assert.EqualValues(t, 3840*time.Second, udpTimeout(8))
	// n caps at 8.
	assert.EqualValues(t, 3840*time.Second, udpTimeout(9))
	assert.EqualValues(t, 3840*time.Second, udpTimeout(100))
}

func TestAnnounceUDP(t *testing.T) {
	ft := newFakeUdpTracker(t)
	req := testAnnounceRequest()
	req.Uploaded = 12345
	res, err := Announce{
		TrackerUrl: ft.url(),
		Request:    req,
	}.Do()
	require.NoError(t, err)
	assert.EqualValues(t, 1800, res.Interval)
	assert.EqualValues(t, 3, res.Leechers)
	assert.EqualValues(t, 9, res.Seeders)
	require.Len(t, res.Peers, 2)
	assert.True(t, res.Peers[0].IP.Equal(net.IPv4(10, 0, 0, 1)))
	assert.EqualValues(t, 6881, res.Peers[0].Port)
	assert.EqualValues(t, 80, res.Peers[1].Port)

	// The request arrives with its fields intact.
	got := <-ft.gotAnnounce
	assert.EqualValues(t, req.InfoHash, got.InfoHash)
	assert.EqualValues(t, req.PeerId, got.PeerId)
	assert.EqualValues(t, 12345, got.Uploaded)
	assert.EqualValues(t, Started, got.Event)
	assert.EqualValues(t, 6881, got.Port)
}

func TestAnnounceUDPContextDeadline(t *testing.T) {
	ft := newFakeUdpTracker(t)
	// Never answered; the context bounds the retry loop well under the
	// 15s first BEP 15 timeout.
	ft.drop = 1 << 30
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	started := time.Now()
	_, err := Announce{
		Context:    ctx,
		TrackerUrl: ft.url(),
		Request:    testAnnounceRequest(),
	}.Do()
	require.Error(t, err)
	assert.Less(t, time.Since(started), 5*time.Second)
}

func TestAnnounceUDPServerError(t *testing.T) {
	ft := newFakeUdpTracker(t)
	conn, err := net.Dial("udp", ft.conn.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ua := udpAnnounce{
		socket: conn,
		opt:    Announce{Context: ctx},
		// Pretend we hold a stale connection ID so the announce goes
		// straight out and the tracker rejects it.
		connectionId:         0xdead,
		connectionIdReceived: time.Now(),
	}
	_, err = ua.Do(testAnnounceRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad connection id")
}
