package krpc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/dmzoneill/fakeseeder/bencode"
)

// An IP and port as packed into compact peer info: 4 bytes IPv4 (or 16 bytes
// IPv6) followed by a big-endian port.
type NodeAddr struct {
	IP   net.IP
	Port int
}

func (me NodeAddr) String() string {
	return net.JoinHostPort(me.IP.String(), strconv.Itoa(me.Port))
}

func (me NodeAddr) UDP() *net.UDPAddr {
	return &net.UDPAddr{IP: me.IP, Port: me.Port}
}

func (me *NodeAddr) FromUDPAddr(ua *net.UDPAddr) {
	me.IP = ua.IP
	me.Port = ua.Port
}

func (me NodeAddr) ToAddrPort() (_ netip.AddrPort, ok bool) {
	addr, ok := netip.AddrFromSlice(me.IP)
	return netip.AddrPortFrom(addr.Unmap(), uint16(me.Port)), ok
}

func (me NodeAddr) Equal(x NodeAddr) bool {
	return me.IP.Equal(x.IP) && me.Port == x.Port
}

func (me NodeAddr) MarshalBinary() ([]byte, error) {
	var b bytes.Buffer
	b.Write(me.IP)
	binary.Write(&b, binary.BigEndian, uint16(me.Port))
	return b.Bytes(), nil
}

func (me *NodeAddr) UnmarshalBinary(b []byte) error {
	if len(b) < 6 {
		return fmt.Errorf("%d bytes is too short for a node addr", len(b))
	}
	me.IP = make(net.IP, len(b)-2)
	copy(me.IP, b[:len(b)-2])
	me.Port = int(binary.BigEndian.Uint16(b[len(b)-2:]))
	return nil
}

func (me NodeAddr) MarshalBencode() ([]byte, error) {
	b, err := me.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return bencode.Marshal(b)
}

func (me *NodeAddr) UnmarshalBencode(b []byte) (err error) {
	var _b []byte
	err = bencode.Unmarshal(b, &_b)
	if err != nil {
		return
	}
	return me.UnmarshalBinary(_b)
}

// Compact IPv4 peers: 6 bytes each, per BEP 5 ("values") and BEP 23.
type CompactIPv4NodeAddrs []NodeAddr

func (me CompactIPv4NodeAddrs) MarshalBinary() ([]byte, error) {
	var b bytes.Buffer
	for _, na := range me {
		ip4 := na.IP.To4()
		if ip4 == nil {
			return nil, fmt.Errorf("not an ipv4 addr: %v", na.IP)
		}
		b.Write(ip4)
		binary.Write(&b, binary.BigEndian, uint16(na.Port))
	}
	return b.Bytes(), nil
}

func (me *CompactIPv4NodeAddrs) UnmarshalBinary(b []byte) error {
	if len(b)%6 != 0 {
		return fmt.Errorf("compact ipv4 peers has %d bytes, not a multiple of 6", len(b))
	}
	*me = make(CompactIPv4NodeAddrs, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		var na NodeAddr
		if err := na.UnmarshalBinary(b[i : i+6]); err != nil {
			return err
		}
		*me = append(*me, na)
	}
	return nil
}

func (me CompactIPv4NodeAddrs) MarshalBencode() ([]byte, error) {
	b, err := me.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return bencode.Marshal(b)
}

func (me *CompactIPv4NodeAddrs) UnmarshalBencode(b []byte) error {
	var _b []byte
	if err := bencode.Unmarshal(b, &_b); err != nil {
		return err
	}
	return me.UnmarshalBinary(_b)
}

func (me CompactIPv4NodeAddrs) NodeAddrs() []NodeAddr {
	return me
}

// Compact IPv6 peers: 18 bytes each, per BEP 7.
type CompactIPv6NodeAddrs []NodeAddr

func (me *CompactIPv6NodeAddrs) UnmarshalBinary(b []byte) error {
	if len(b)%18 != 0 {
		return fmt.Errorf("compact ipv6 peers has %d bytes, not a multiple of 18", len(b))
	}
	*me = make(CompactIPv6NodeAddrs, 0, len(b)/18)
	for i := 0; i < len(b); i += 18 {
		var na NodeAddr
		if err := na.UnmarshalBinary(b[i : i+18]); err != nil {
			return err
		}
		*me = append(*me, na)
	}
	return nil
}

func (me *CompactIPv6NodeAddrs) UnmarshalBencode(b []byte) error {
	var _b []byte
	if err := bencode.Unmarshal(b, &_b); err != nil {
		return err
	}
	return me.UnmarshalBinary(_b)
}

func (me CompactIPv6NodeAddrs) NodeAddrs() []NodeAddr {
	return me
}
