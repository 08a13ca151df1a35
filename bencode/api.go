// Package bencode implements the bencoding described in BEP 3. It is used for
// HTTP tracker responses and all DHT KRPC traffic.
package bencode

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"reflect"
	"strconv"
)

// Returned by the marshaller for types that have no bencode representation,
// such as floats.
type MarshalTypeError struct {
	Type reflect.Type
}

func (e *MarshalTypeError) Error() string {
	return "bencode: unsupported type: " + e.Type.String()
}

// Unmarshal argument must be a non-nil value of some pointer type.
type UnmarshalInvalidArgError struct {
	Type reflect.Type
}

func (e *UnmarshalInvalidArgError) Error() string {
	if e.Type == nil {
		return "bencode: Unmarshal(nil)"
	}
	if e.Type.Kind() != reflect.Ptr {
		return "bencode: Unmarshal(non-pointer " + e.Type.String() + ")"
	}
	return "bencode: Unmarshal(nil " + e.Type.String() + ")"
}

// The decoder found a value that doesn't fit the destination type.
type UnmarshalTypeError struct {
	BencodeTypeName string
	TargetType      reflect.Type
}

func (e *UnmarshalTypeError) Error() string {
	return fmt.Sprintf("bencode: can't unmarshal %s into %v", e.BencodeTypeName, e.TargetType)
}

type SyntaxError struct {
	Offset int64
	What   string
}

func (e *SyntaxError) Error() string {
	return "bencode: syntax error (offset: " + strconv.FormatInt(e.Offset, 10) + "): " + e.What
}

// Data after the first complete value. Some trackers append junk; callers may
// choose to ignore this error.
type ErrUnusedTrailingBytes struct {
	NumUnusedBytes int
}

func (e ErrUnusedTrailingBytes) Error() string {
	return fmt.Sprintf("%d unused trailing bytes", e.NumUnusedBytes)
}

type Marshaler interface {
	MarshalBencode() ([]byte, error)
}

type Unmarshaler interface {
	UnmarshalBencode([]byte) error
}

// Bytes is raw bencode that passes through marshalling untouched.
type Bytes []byte

var (
	_ Unmarshaler = (*Bytes)(nil)
	_ Marshaler   = Bytes(nil)
)

func (me *Bytes) UnmarshalBencode(b []byte) error {
	*me = append([]byte(nil), b...)
	return nil
}

func (me Bytes) MarshalBencode() ([]byte, error) {
	if len(me) == 0 {
		return nil, fmt.Errorf("marshalled Bytes should not be zero-length")
	}
	return me, nil
}

func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	e := Encoder{w: &buf}
	if err := e.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func MustMarshal(v interface{}) []byte {
	b, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// Unmarshal the first bencode value in data into the value pointed to by v.
// If there are bytes left over after that value, ErrUnusedTrailingBytes is
// returned with v still populated.
func Unmarshal(data []byte, v interface{}) (err error) {
	d := Decoder{r: bufio.NewReader(bytes.NewReader(data))}
	err = d.Decode(v)
	if err == nil {
		if n := d.r.Buffered(); n != 0 {
			err = ErrUnusedTrailingBytes{n}
		}
	}
	return
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}
