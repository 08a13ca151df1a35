// Package btwire implements the BitTorrent peer wire protocol per BEP 3: the
// 68-byte handshake, reserved-bit extensions, and length-prefixed messages.
package btwire

type MessageType byte

// https://www.bittorrent.org/beps/bep_0003.html
const (
	Choke         MessageType = iota // 0
	Unchoke                          // 1
	Interested                       // 2
	NotInterested                    // 3
	Have                             // 4
	Bitfield                         // 5
	Request                          // 6
	Piece                            // 7
	Cancel                           // 8
	// BEP 5, for advertising the sender's DHT port.
	Port MessageType = 9

	// BEP 10. The payload is opaque at this layer.
	Extended MessageType = 20
)

const Protocol = "\x13BitTorrent protocol"

func (mt MessageType) String() string {
	switch mt {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	case Extended:
		return "extended"
	default:
		return "unknown"
	}
}

type ExtensionBit uint

// Bit positions are from the low end of the 8 reserved handshake bytes.
const (
	ExtensionBitDht  ExtensionBit = 0 // http://www.bittorrent.org/beps/bep_0005.html
	ExtensionBitLtep ExtensionBit = 20
)

type ExtensionBits [8]byte

func NewExtensionBits(bits ...ExtensionBit) (ret ExtensionBits) {
	for _, b := range bits {
		ret.SetBit(b, true)
	}
	return
}

func (eb *ExtensionBits) SetBit(bit ExtensionBit, on bool) {
	if on {
		eb[7-bit/8] |= 1 << (bit % 8)
	} else {
		eb[7-bit/8] &^= 1 << (bit % 8)
	}
}

func (eb ExtensionBits) GetBit(bit ExtensionBit) bool {
	return eb[7-bit/8]&(1<<(bit%8)) != 0
}

func (eb ExtensionBits) SupportsDht() bool {
	return eb.GetBit(ExtensionBitDht)
}

func (eb ExtensionBits) SupportsLtep() bool {
	return eb.GetBit(ExtensionBitLtep)
}
