package fakeseeder

import (
	"time"

	"github.com/anacrolix/log"
	"golang.org/x/time/rate"
)

// Probably not safe to modify this after it's given to a Client.
type Config struct {
	// The address to listen on for inbound peer connections. Empty host means
	// all interfaces.
	ListenHost string
	ListenPort int

	// Don't create a DHT node.
	NoDHT bool
	// host:port addresses used to seed the DHT routing table.
	DhtBootstrapNodes []string
	// Routing table bucket capacity k. Zero for the dht package default.
	DhtBucketSize int

	// Established connections allowed per torrent.
	MaxConnsPerTorrent int
	// Simultaneous in-flight dial+handshake attempts per torrent. This is the
	// admission control point: a tracker response with hundreds of peers must
	// not translate into hundreds of sockets at once.
	HalfOpenConnsPerTorrent int
	// Same, across all torrents.
	TotalHalfOpenConns int

	// Limit how long handshakes can take. This is to reduce the lingering
	// impact of a few bad apples.
	HandshakeTimeout time.Duration
	// How long to wait for a single message before prodding the peer. A
	// connection is only closed after two of these pass with zero activity.
	ReadTimeout time.Duration
	// Send a keep-alive if we haven't written for this long.
	KeepAliveInterval time.Duration

	// Fraction of the tracker-provided interval used as random announce
	// jitter, to avoid synchronized announce storms across torrents.
	AnnounceJitterFrac float64
	// Consecutive failed announces before failing over to a backup tracker.
	TrackerFailureThreshold int
	// Backoff ceiling used when every configured tracker is unreachable.
	TrackerBackoffMax time.Duration

	// Wall-clock budget for Client.Close, shared by every component
	// regardless of how many torrents are loaded.
	ShutdownBudget time.Duration

	// Fixed worker count for the shared executor.
	ExecutorWorkers int
	// Rate limit on outbound dials across all torrents.
	DialRateLimiter *rate.Limiter

	// Buffered connection-event stream for the embedding application. Nil
	// disables events.
	ConnEvents chan<- ConnEvent

	Logger log.Logger
}

func NewDefaultConfig() *Config {
	return &Config{
		ListenPort:              6881,
		MaxConnsPerTorrent:      50,
		HalfOpenConnsPerTorrent: 10,
		TotalHalfOpenConns:      100,
		HandshakeTimeout:        4 * time.Second,
		ReadTimeout:             time.Minute,
		KeepAliveInterval:       110 * time.Second,
		AnnounceJitterFrac:      0.1,
		TrackerFailureThreshold: 3,
		TrackerBackoffMax:       30 * time.Minute,
		ShutdownBudget:          5 * time.Second,
		ExecutorWorkers:         16,
		DialRateLimiter:         rate.NewLimiter(10, 10),
		DhtBootstrapNodes: []string{
			"router.bittorrent.com:6881",
			"dht.transmissionbt.com:6881",
			"router.utorrent.com:6881",
		},
	}
}
