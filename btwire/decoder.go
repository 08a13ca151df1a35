package btwire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Frame sizes that are wrong for the declared message type produce decode
// errors, never panics. The connection owning the Decoder is expected to
// close on any error.
type Decoder struct {
	R *bufio.Reader
	// Largest frame the decoder will accept, excluding the length header. A
	// bitfield for a large torrent is the usual worst case.
	MaxLength Integer
}

// io.EOF is returned only if the source terminates cleanly on a message
// boundary.
func (d *Decoder) Decode(msg *Message) (err error) {
	var length Integer
	err = length.Read(d.R)
	if err != nil {
		if err == io.EOF {
			return err
		}
		return fmt.Errorf("reading message length: %w", err)
	}
	if length > d.MaxLength {
		return errors.New("message too long")
	}
	if length == 0 {
		*msg = Message{Keepalive: true}
		return
	}
	*msg = Message{}
	r := d.R
	// From this point onwards, EOF is unexpected.
	defer func() {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
	}()
	c, err := r.ReadByte()
	if err != nil {
		return
	}
	length--
	msg.Type = MessageType(c)
	// Guard fixed-size payloads before reading them: length is unsigned,
	// so subtracting first would wrap a short frame into a huge one.
	tooShort := func() error {
		return fmt.Errorf("%v byte payload too short for message type %v", length, msg.Type)
	}
	switch msg.Type {
	case Choke, Unchoke, Interested, NotInterested:
	case Have:
		if length < 4 {
			return tooShort()
		}
		err = msg.Index.Read(r)
		length -= 4
	case Request, Cancel:
		if length < 12 {
			return tooShort()
		}
		for _, data := range []*Integer{&msg.Index, &msg.Begin, &msg.Length} {
			err = data.Read(r)
			if err != nil {
				break
			}
		}
		length -= 12
	case Bitfield:
		b := make([]byte, length)
		_, err = io.ReadFull(r, b)
		length = 0
		msg.Bitfield = unmarshalBitfield(b)
	case Piece:
		if length < 8 {
			return tooShort()
		}
		for _, pi := range []*Integer{&msg.Index, &msg.Begin} {
			err = pi.Read(r)
			if err != nil {
				return
			}
		}
		length -= 8
		msg.Piece = make([]byte, length)
		_, err = io.ReadFull(r, msg.Piece)
		length = 0
	case Port:
		if length < 2 {
			return tooShort()
		}
		err = binary.Read(r, binary.BigEndian, &msg.DhtPort)
		length -= 2
	case Extended:
		if length < 1 {
			return tooShort()
		}
		var b byte
		b, err = r.ReadByte()
		if err != nil {
			return
		}
		length--
		msg.ExtendedID = b
		msg.ExtendedPayload = make([]byte, length)
		_, err = io.ReadFull(r, msg.ExtendedPayload)
		length = 0
	default:
		err = fmt.Errorf("unknown message type %#v", c)
	}
	if err == nil && length != 0 {
		err = fmt.Errorf("%v unused bytes in message type %v", length, msg.Type)
	}
	return
}
