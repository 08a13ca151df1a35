package tracker

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/dmzoneill/fakeseeder/dht/krpc"
)

type Peer struct {
	IP   net.IP `bencode:"ip"`
	Port int    `bencode:"port"`
	ID   []byte `bencode:"peer id"`
}

func (p Peer) String() string {
	loc := net.JoinHostPort(p.IP.String(), fmt.Sprintf("%d", p.Port))
	if len(p.ID) != 0 {
		return fmt.Sprintf("%x at %s", p.ID, loc)
	}
	return loc
}

// Set from the non-compact dict form in BEP 3.
func (p *Peer) FromDictInterface(d map[string]interface{}) {
	p.IP = net.ParseIP(d["ip"].(string))
	if _, ok := d["peer id"]; ok {
		p.ID = []byte(d["peer id"].(string))
	}
	p.Port = int(d["port"].(int64))
}

func (p Peer) FromNodeAddr(na krpc.NodeAddr) Peer {
	p.IP = na.IP
	p.Port = na.Port
	return p
}

func (p Peer) ToAddrPort() (_ netip.AddrPort, ok bool) {
	addr, ok := netip.AddrFromSlice(p.IP)
	if !ok {
		return
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(p.Port)), true
}
