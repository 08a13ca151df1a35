package krpc

import (
	"fmt"

	"github.com/dmzoneill/fakeseeder/bencode"
)

// The KRPC message dict. Queries carry q and a, responses carry r, errors
// carry e. t is the transaction ID echoed by the responder.
type Msg struct {
	T string      `bencode:"t"`
	Y string      `bencode:"y"`
	Q string      `bencode:"q,omitempty"`
	A *MsgArgs    `bencode:"a,omitempty"`
	R *Return     `bencode:"r,omitempty"`
	E *Error      `bencode:"e,omitempty"`
	// BEP 42, set by some nodes to tell us our external addr.
	IP *NodeAddr `bencode:"ip,omitempty"`
}

type MsgArgs struct {
	ID       ID     `bencode:"id"`
	Target   ID     `bencode:"target,omitempty"`
	InfoHash ID     `bencode:"info_hash,omitempty"`
	Token    string `bencode:"token,omitempty"`
	Port     int    `bencode:"port,omitempty"`
	// If non-zero, the announced port is implied by the UDP source port.
	ImpliedPort int `bencode:"implied_port,omitempty"`
}

type Return struct {
	ID    ID                  `bencode:"id"`
	Nodes CompactIPv4NodeInfo `bencode:"nodes,omitempty"`
	Token string              `bencode:"token,omitempty"`
	// Per BEP 5 this is a list of 6-byte strings, unlike nodes which is one
	// concatenated string.
	Values []NodeAddr `bencode:"values,omitempty"`
}

// The node ID of whoever sent this message, however they sent it.
func (m Msg) SenderID() *ID {
	switch m.Y {
	case "q":
		if m.A != nil {
			return &m.A.ID
		}
	case "r":
		if m.R != nil {
			return &m.R.ID
		}
	}
	return nil
}

func (m Msg) Error() *Error {
	if m.Y != "e" {
		return nil
	}
	return m.E
}

func (m Msg) String() string {
	return fmt.Sprintf("krpc.Msg{t=%q y=%q q=%q}", m.T, m.Y, m.Q)
}

// Error response payload: a list of [code, message].
type Error struct {
	Code int
	Msg  string
}

// Error codes from BEP 5.
const (
	ErrorCodeGeneric       = 201
	ErrorCodeServer        = 202
	ErrorCodeProtocol      = 203
	ErrorCodeMethodUnknown = 204
)

var (
	_ bencode.Marshaler   = Error{}
	_ bencode.Unmarshaler = (*Error)(nil)
	_ error               = Error{}
)

func (e Error) MarshalBencode() ([]byte, error) {
	return bencode.Marshal([]interface{}{e.Code, e.Msg})
}

func (e *Error) UnmarshalBencode(b []byte) error {
	var l []interface{}
	if err := bencode.Unmarshal(b, &l); err != nil {
		return err
	}
	if len(l) != 2 {
		return fmt.Errorf("krpc error has %d elements, expected 2", len(l))
	}
	code, ok := l[0].(int64)
	if !ok {
		return fmt.Errorf("krpc error code is %T, expected integer", l[0])
	}
	msg, ok := l[1].(string)
	if !ok {
		return fmt.Errorf("krpc error message is %T, expected string", l[1])
	}
	e.Code = int(code)
	e.Msg = msg
	return nil
}

func (e Error) Error() string {
	return fmt.Sprintf("krpc error %d: %s", e.Code, e.Msg)
}
