package btwire

import (
	"fmt"
	"io"

	"github.com/anacrolix/missinggo/v2"
)

// The fixed-size handshake exchanged at the start of every peer connection:
// length-prefixed protocol string, 8 reserved bytes, info hash, peer id.
const HandshakeLen = len(Protocol) + 8 + 20 + 20

type HandshakeResult struct {
	Bits     ExtensionBits
	InfoHash [20]byte
	PeerID   [20]byte
}

func EncodeHandshake(infoHash, peerID [20]byte, bits ExtensionBits) []byte {
	b := make([]byte, 0, HandshakeLen)
	b = append(b, Protocol...)
	b = append(b, bits[:]...)
	b = append(b, infoHash[:]...)
	b = append(b, peerID[:]...)
	return b
}

func DecodeHandshake(b []byte) (res HandshakeResult, err error) {
	if len(b) != HandshakeLen {
		err = fmt.Errorf("handshake has %d bytes, expected %d", len(b), HandshakeLen)
		return
	}
	if string(b[:len(Protocol)]) != Protocol {
		err = fmt.Errorf("unexpected protocol string %q", b[:len(Protocol)])
		return
	}
	b = b[len(Protocol):]
	missinggo.CopyExact(&res.Bits, b[:8])
	missinggo.CopyExact(&res.InfoHash, b[8:28])
	missinggo.CopyExact(&res.PeerID, b[28:])
	return
}

// Performs both halves of the handshake on rw. Timeouts are the caller's
// responsibility, via connection deadlines. If expectInfoHash is non-nil, the
// peer's declared info hash must match it.
func Handshake(
	rw io.ReadWriter,
	expectInfoHash *[20]byte,
	infoHash, peerID [20]byte,
	bits ExtensionBits,
) (res HandshakeResult, err error) {
	if _, err = rw.Write(EncodeHandshake(infoHash, peerID, bits)); err != nil {
		err = fmt.Errorf("writing handshake: %w", err)
		return
	}
	b := make([]byte, HandshakeLen)
	if _, err = io.ReadFull(rw, b); err != nil {
		err = fmt.Errorf("reading handshake: %w", err)
		return
	}
	res, err = DecodeHandshake(b)
	if err != nil {
		return
	}
	if expectInfoHash != nil && res.InfoHash != *expectInfoHash {
		err = fmt.Errorf("peer declared info hash %x, expected %x", res.InfoHash, *expectInfoHash)
	}
	return
}

// Reads only the remote half of an inbound handshake. Used by the accept
// loop, which must know the info hash before it can pick a torrent to hand
// the socket to.
func ReadHandshake(r io.Reader) (res HandshakeResult, err error) {
	b := make([]byte, HandshakeLen)
	if _, err = io.ReadFull(r, b); err != nil {
		err = fmt.Errorf("reading handshake: %w", err)
		return
	}
	return DecodeHandshake(b)
}
