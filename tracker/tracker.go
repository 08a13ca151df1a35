// Package tracker announces torrents to HTTP (BEP 3) and UDP (BEP 15)
// trackers behind one front-end.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Marshalled as binary by the UDP client, so field order and widths matter.
type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerId     [20]byte
	Downloaded int64
	// If less than 0, math.MaxInt64 is used for HTTP trackers instead.
	Left     int64
	Uploaded int64
	// None is fine for announces done at regular intervals.
	Event     AnnounceEvent
	IPAddress uint32
	Key       int32
	// How many peer addresses are desired. -1 for default.
	NumWant int32
	Port    uint16
}

type AnnounceResponse struct {
	// Minimum seconds to wait before the next announce.
	Interval int32
	Leechers int32
	Seeders  int32
	Peers    []Peer
}

type AnnounceEvent int32

var announceEventStrings = []string{"", "completed", "started", "stopped"}

const (
	None AnnounceEvent = iota
	Completed
	Started
	Stopped
)

// See BEP 3, "event". Out-of-range values come out as the safe default.
func (e AnnounceEvent) String() string {
	if e < 0 || int(e) >= len(announceEventStrings) {
		return ""
	}
	return announceEventStrings[e]
}

const DefaultAnnounceTimeout = 15 * time.Second

var ErrBadScheme = errors.New("unknown scheme")

// One announce. Zero-value optional fields get defaults.
type Announce struct {
	Context    context.Context
	TrackerUrl string
	Request    AnnounceRequest
	// Used by the HTTP variant.
	HttpClient *http.Client
	UserAgent  string
	HostHeader string
	// Overrides the dial network for UDP trackers ("udp4"/"udp6").
	UdpNetwork string
}

func (me Announce) Do() (res AnnounceResponse, err error) {
	_url, err := url.Parse(me.TrackerUrl)
	if err != nil {
		return
	}
	if me.Context == nil {
		// This is just to maintain the old behaviour that should be a timeout
		// of 15s. Users can set their own Context if they want.
		ctx, cancel := context.WithTimeout(context.Background(), DefaultAnnounceTimeout)
		defer cancel()
		me.Context = ctx
	}
	switch _url.Scheme {
	case "http", "https":
		return announceHTTP(me, _url)
	case "udp", "udp4", "udp6":
		return announceUDP(me, _url)
	default:
		err = fmt.Errorf("%w %q", ErrBadScheme, _url.Scheme)
		return
	}
}
