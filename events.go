package fakeseeder

import "net/netip"

type ConnDirection string

const (
	ConnDirectionInbound  ConnDirection = "inbound"
	ConnDirectionOutbound ConnDirection = "outbound"
)

// Emitted on every connection phase change, for live display by the
// embedding application. Delivery is best-effort: if the consumer falls
// behind, events are dropped rather than stalling protocol work.
type ConnEvent struct {
	InfoHash  InfoHash
	Addr      netip.AddrPort
	Direction ConnDirection
	Phase     ConnPhase
}

func (cl *Client) emitConnEvent(ev ConnEvent) {
	ch := cl.config.ConnEvents
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	default:
		connEventsDropped.Add(1)
	}
}
