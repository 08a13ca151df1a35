// Package krpc contains the types exchanged in DHT messages per BEP 5:
// bencoded query/response dicts, and the compact node and peer encodings.
package krpc

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/dmzoneill/fakeseeder/bencode"
)

// A node or info-hash identifier in the 160-bit DHT keyspace.
type ID [20]byte

func RandomID() (id ID) {
	if _, err := rand.Read(id[:]); err != nil {
		panic(err)
	}
	return
}

func IDFromString(s string) (id ID, err error) {
	if len(s) != 20 {
		err = fmt.Errorf("string has %d bytes, expected 20", len(s))
		return
	}
	copy(id[:], s)
	return
}

func (id ID) IsZero() bool {
	return id == ID{}
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// XOR distance between two IDs, per the Kademlia metric.
func (id ID) Distance(other ID) (d ID) {
	for i := range d {
		d[i] = id[i] ^ other[i]
	}
	return
}

// Number of leading zero bits in the distance. 160 for the zero distance.
func (d ID) LeadingZeros() int {
	for i, b := range d {
		for j := 7; j >= 0; j-- {
			if b&(1<<uint(j)) != 0 {
				return i*8 + (7 - j)
			}
		}
	}
	return 160
}

// Compares the distances of a and b from id. Returns -1 if a is closer, 1 if
// b is closer, 0 if equidistant.
func (id ID) CloserThan(a, b ID) int {
	for i := range id {
		da := a[i] ^ id[i]
		db := b[i] ^ id[i]
		if da < db {
			return -1
		}
		if da > db {
			return 1
		}
	}
	return 0
}

var (
	_ bencode.Marshaler   = ID{}
	_ bencode.Unmarshaler = (*ID)(nil)
)

func (id ID) MarshalBencode() ([]byte, error) {
	return bencode.Marshal(id[:])
}

func (id *ID) UnmarshalBencode(b []byte) error {
	var s string
	if err := bencode.Unmarshal(b, &s); err != nil {
		return err
	}
	if len(s) != 20 {
		return fmt.Errorf("expected 20 bytes, got %d", len(s))
	}
	copy(id[:], s)
	return nil
}
