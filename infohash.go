package fakeseeder

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// BitTorrent v1 info hash.
type InfoHash [20]byte

func (ih InfoHash) String() string {
	return ih.HexString()
}

func (ih InfoHash) HexString() string {
	return hex.EncodeToString(ih[:])
}

func InfoHashFromHex(s string) (ih InfoHash, err error) {
	if len(s) != 40 {
		err = fmt.Errorf("hex info hash has %d chars, expected 40", len(s))
		return
	}
	_, err = hex.Decode(ih[:], []byte(s))
	return
}

type PeerID [20]byte

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// Azureus-style peer ID: client tag then random bytes.
const peerIDPrefix = "-FS0100-"

// Sent as v in the extended handshake.
const clientVersion = "fakeseeder 1.0.0"

func newPeerID() (id PeerID) {
	copy(id[:], peerIDPrefix)
	if _, err := rand.Read(id[len(peerIDPrefix):]); err != nil {
		panic(err)
	}
	return
}
