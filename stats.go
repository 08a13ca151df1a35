package fakeseeder

import (
	"sync/atomic"
)

// Counters shared between a connection's reader, writer and closers, so all
// access is atomic.
type ConnStats struct {
	BytesWritten int64
	BytesRead    int64
	// Payload bytes of fabricated piece messages we served.
	DataBytesWritten int64
	MessagesReceived int64
}

func (me *ConnStats) wroteBytes(n int64) {
	atomic.AddInt64(&me.BytesWritten, n)
}

func (me *ConnStats) readBytes(n int64) {
	atomic.AddInt64(&me.BytesRead, n)
}

func (me *ConnStats) wroteData(n int64) {
	atomic.AddInt64(&me.DataBytesWritten, n)
}

func (me *ConnStats) Copy() (ret ConnStats) {
	ret.BytesWritten = atomic.LoadInt64(&me.BytesWritten)
	ret.BytesRead = atomic.LoadInt64(&me.BytesRead)
	ret.DataBytesWritten = atomic.LoadInt64(&me.DataBytesWritten)
	ret.MessagesReceived = atomic.LoadInt64(&me.MessagesReceived)
	return
}

func (me *ConnStats) add(other ConnStats) {
	atomic.AddInt64(&me.BytesWritten, other.BytesWritten)
	atomic.AddInt64(&me.BytesRead, other.BytesRead)
	atomic.AddInt64(&me.DataBytesWritten, other.DataBytesWritten)
	atomic.AddInt64(&me.MessagesReceived, other.MessagesReceived)
}

// Read-only view handed to the embedding application.
type TorrentStats struct {
	InfoHash   InfoHash
	Uploaded   int64
	Downloaded int64
	// Live established connections.
	PeerCount int
	// Discovered but not connected.
	KnownPeers int
	HalfOpen   int
	Seeders    int32
	Leechers   int32
	Active     bool
	// All configured trackers failing past the failover threshold.
	TrackersUnreachable bool
}

type ClientStats struct {
	Torrents []TorrentStats
	// Goroutine-backed tasks the client currently runs: conn loops plus
	// executor workers.
	TaskCount int
	DhtNodes  int
}
