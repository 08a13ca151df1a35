package krpc

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/dmzoneill/fakeseeder/bencode"
)

// Compact node info per BEP 5: 20-byte node ID followed by a 6-byte
// IPv4 addr/port.
type NodeInfo struct {
	ID   ID
	Addr NodeAddr
}

func (ni NodeInfo) MarshalBinary() ([]byte, error) {
	var w bytes.Buffer
	w.Write(ni.ID[:])
	ip4 := ni.Addr.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("not an ipv4 addr: %v", ni.Addr.IP)
	}
	w.Write(ip4)
	binary.Write(&w, binary.BigEndian, uint16(ni.Addr.Port))
	return w.Bytes(), nil
}

func (ni *NodeInfo) UnmarshalBinary(b []byte) error {
	if len(b) != 26 {
		return fmt.Errorf("compact node info has %d bytes, expected 26", len(b))
	}
	copy(ni.ID[:], b)
	return ni.Addr.UnmarshalBinary(b[20:])
}

type CompactIPv4NodeInfo []NodeInfo

var (
	_ bencode.Marshaler   = CompactIPv4NodeInfo(nil)
	_ bencode.Unmarshaler = (*CompactIPv4NodeInfo)(nil)
)

func (me CompactIPv4NodeInfo) MarshalBencode() ([]byte, error) {
	var w bytes.Buffer
	for _, ni := range me {
		b, err := ni.MarshalBinary()
		if err != nil {
			return nil, err
		}
		w.Write(b)
	}
	return bencode.Marshal(w.Bytes())
}

func (me *CompactIPv4NodeInfo) UnmarshalBencode(b []byte) error {
	var _b []byte
	if err := bencode.Unmarshal(b, &_b); err != nil {
		return err
	}
	if len(_b)%26 != 0 {
		return fmt.Errorf("compact node info has %d bytes, not a multiple of 26", len(_b))
	}
	*me = make(CompactIPv4NodeInfo, 0, len(_b)/26)
	for i := 0; i < len(_b); i += 26 {
		var ni NodeInfo
		if err := ni.UnmarshalBinary(_b[i : i+26]); err != nil {
			return err
		}
		*me = append(*me, ni)
	}
	return nil
}
