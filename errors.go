package fakeseeder

import (
	"fmt"

	"github.com/pkg/errors"
)

// Connection-scoped failures. None of these are fatal to the torrent, let
// alone the process: the connection they occurred on is closed and the swarm
// moves on to other candidates.
var (
	// The peer spoke something other than BitTorrent, or framed a message
	// wrong.
	ErrMalformedWireData = errors.New("malformed wire data")
	// The handshake didn't complete, or completed with the wrong info hash.
	ErrHandshakeFailed = errors.New("handshake failed")
	// A torrent or global connection cap refused admission. Not surfaced to
	// callers as a failure; the candidate just isn't dialed.
	ErrResourceExhausted = errors.New("connection limit reached")

	ErrTorrentClosed = errors.New("torrent closed")
	ErrClientClosed  = errors.New("client closed")
)

// Every configured tracker for a torrent has been failing for a while.
// Surfaced via stats, since it's the only tracker condition worth showing a
// user.
type AllTrackersUnreachableError struct {
	InfoHash InfoHash
}

func (e AllTrackersUnreachableError) Error() string {
	return fmt.Sprintf("all trackers unreachable for %v", e.InfoHash)
}
