package btwire

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstants(t *testing.T) {
	// iota must line up with the wire values in BEP 3.
	if NotInterested != 3 {
		t.FailNow()
	}
	assert.EqualValues(t, 9, Port)
	assert.EqualValues(t, 20, Extended)
}

func TestMarshalKeepalive(t *testing.T) {
	b, err := MakeKeepalive().MarshalBinary()
	require.NoError(t, err)
	assert.EqualValues(t, "\x00\x00\x00\x00", string(b))
}

func TestMarshalHave(t *testing.T) {
	b, err := Message{Type: Have, Index: 42}.MarshalBinary()
	require.NoError(t, err)
	assert.EqualValues(t, "\x00\x00\x00\x05\x04\x00\x00\x00\x2a", string(b))
}

func TestMarshalBitfield(t *testing.T) {
	bf := make([]bool, 37)
	bf[2] = true
	bf[7] = true
	bf[32] = true
	b, err := Message{Type: Bitfield, Bitfield: bf}.MarshalBinary()
	require.NoError(t, err)
	assert.EqualValues(t, "\x00\x00\x00\x06\x05\x21\x00\x00\x00\x80", string(b))
}

func TestMarshalUnmarshalRequest(t *testing.T) {
	orig := Message{Type: Request, Index: 1, Begin: 2, Length: 3}
	b, err := orig.MarshalBinary()
	require.NoError(t, err)
	var got Message
	require.NoError(t, got.UnmarshalBinary(b))
	assert.EqualValues(t, orig, got)
}

func TestMarshalUnmarshalPort(t *testing.T) {
	orig := Message{Type: Port, DhtPort: 6881}
	b, err := orig.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, b, 4+3)
	var got Message
	require.NoError(t, got.UnmarshalBinary(b))
	assert.EqualValues(t, orig, got)
}

func TestUnmarshalBinaryTrailingBytes(t *testing.T) {
	b, err := Message{Type: Choke}.MarshalBinary()
	require.NoError(t, err)
	var got Message
	assert.Error(t, got.UnmarshalBinary(append(b, 0)))
}

func decodeOne(t *testing.T, b []byte, maxLength Integer) (Message, error) {
	t.Helper()
	d := Decoder{
		R:         bufio.NewReader(bytes.NewReader(b)),
		MaxLength: maxLength,
	}
	var msg Message
	err := d.Decode(&msg)
	return msg, err
}

func TestDecodeKeepalive(t *testing.T) {
	msg, err := decodeOne(t, []byte("\x00\x00\x00\x00"), 1<<18)
	require.NoError(t, err)
	assert.True(t, msg.Keepalive)
}

func TestDecodeOverlongMessage(t *testing.T) {
	_, err := decodeOne(t, []byte("\x00\x01\x00\x00\x07"), 16)
	require.Error(t, err)
}

func TestDecodeTruncatedMessage(t *testing.T) {
	// Length prefix says 13 bytes but only the type arrives.
	_, err := decodeOne(t, []byte("\x00\x00\x00\x0d\x06"), 1<<18)
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

// A declared length below the fixed part of the payload must fail cleanly
// rather than wrapping the unsigned remainder into a giant read.
func TestDecodeFrameShorterThanHeader(t *testing.T) {
	for _, b := range [][]byte{
		// Piece needs index and begin: 9 bytes minimum, 5 declared.
		[]byte("\x00\x00\x00\x05\x07\x00\x00\x00\x00"),
		// Have with a 2-byte payload.
		[]byte("\x00\x00\x00\x03\x04\x00\x00"),
		// Request cut to 4 payload bytes.
		[]byte("\x00\x00\x00\x05\x06\x00\x00\x00\x00"),
		// Port with 1 payload byte.
		[]byte("\x00\x00\x00\x02\x09\x00"),
		// Extended with no id byte.
		[]byte("\x00\x00\x00\x01\x14"),
	} {
		_, err := decodeOne(t, b, 1<<18)
		require.Error(t, err, "%x", b)
		assert.NotErrorIs(t, err, io.ErrUnexpectedEOF, "%x", b)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := decodeOne(t, []byte("\x00\x00\x00\x01\x63"), 1<<18)
	require.Error(t, err)
}

func TestDecodeStream(t *testing.T) {
	var buf bytes.Buffer
	msgs := []Message{
		{Type: Unchoke},
		{Keepalive: true},
		{Type: Piece, Index: 3, Begin: 512, Piece: make([]byte, 1024)},
		{Type: Extended, ExtendedID: 1, ExtendedPayload: []byte("d1:md0:dee")},
	}
	for _, m := range msgs {
		buf.Write(m.MustMarshalBinary())
	}
	d := Decoder{R: bufio.NewReader(&buf), MaxLength: 1 << 18}
	for i, want := range msgs {
		var got Message
		require.NoError(t, d.Decode(&got), "message %d", i)
		assert.EqualValues(t, want, got, "message %d", i)
	}
	var msg Message
	assert.ErrorIs(t, d.Decode(&msg), io.EOF)
}

func TestExtensionBits(t *testing.T) {
	bits := NewExtensionBits(ExtensionBitDht, ExtensionBitLtep)
	assert.True(t, bits.SupportsDht())
	assert.True(t, bits.SupportsLtep())
	assert.EqualValues(t, 1, bits[7]&1)
	assert.EqualValues(t, 0x10, bits[5]&0x10)
	bits.SetBit(ExtensionBitDht, false)
	assert.False(t, bits.SupportsDht())
	assert.True(t, bits.SupportsLtep())
}
