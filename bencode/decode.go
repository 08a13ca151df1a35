package bencode

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"reflect"
	"strconv"
)

type Decoder struct {
	r *bufio.Reader
	// Sum of bytes used to decode values.
	Offset int64
}

var unmarshalerType = reflect.TypeOf((*Unmarshaler)(nil)).Elem()

func (d *Decoder) Decode(v interface{}) (err error) {
	defer func() {
		if e := recover(); e != nil {
			se, ok := e.(*SyntaxError)
			if !ok {
				panic(e)
			}
			err = se
		}
	}()
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return &UnmarshalInvalidArgError{reflect.TypeOf(v)}
	}
	return d.decodeValue(rv.Elem())
}

func (d *Decoder) raiseSyntaxError(what string) {
	panic(&SyntaxError{Offset: d.Offset, What: what})
}

func (d *Decoder) readByte() byte {
	b, err := d.r.ReadByte()
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		d.raiseSyntaxError(err.Error())
	}
	d.Offset++
	return b
}

func (d *Decoder) peekByte() byte {
	b, err := d.r.Peek(1)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		d.raiseSyntaxError(err.Error())
	}
	return b[0]
}

// Reads digits up to the terminator byte, returning the digits as a string.
func (d *Decoder) readDigitsUntil(term byte) string {
	var sb []byte
	for {
		b := d.readByte()
		if b == term {
			break
		}
		if !(b >= '0' && b <= '9') && b != '-' {
			d.raiseSyntaxError("non-digit " + strconv.QuoteRune(rune(b)) + " in number")
		}
		sb = append(sb, b)
	}
	if len(sb) == 0 {
		d.raiseSyntaxError("empty number")
	}
	return string(sb)
}

func (d *Decoder) parseString() []byte {
	s := d.readDigitsUntil(':')
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		d.raiseSyntaxError("bad string length " + strconv.Quote(s))
	}
	// Copy rather than allocate up front: the declared length is attacker
	// controlled and can exceed the input by orders of magnitude.
	var buf bytes.Buffer
	nn, err := io.CopyN(&buf, d.r, n)
	d.Offset += nn
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		d.raiseSyntaxError("short string read: " + err.Error())
	}
	return buf.Bytes()
}

func (d *Decoder) parseInt() int64 {
	s := d.readDigitsUntil('e')
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		d.raiseSyntaxError("bad integer " + strconv.Quote(s))
	}
	return i
}

// Copies the next complete bencode value, verbatim, into w.
func (d *Decoder) copyValue(w *bytes.Buffer) {
	b := d.peekByte()
	switch {
	case b == 'i':
		w.WriteByte(d.readByte())
		s := d.readDigitsUntil('e')
		w.WriteString(s)
		w.WriteByte('e')
	case b == 'l', b == 'd':
		w.WriteByte(d.readByte())
		for d.peekByte() != 'e' {
			d.copyValue(w)
		}
		w.WriteByte(d.readByte())
	case b >= '0' && b <= '9':
		s := d.parseString()
		w.WriteString(strconv.Itoa(len(s)))
		w.WriteByte(':')
		w.Write(s)
	default:
		d.raiseSyntaxError("unexpected value prefix " + strconv.QuoteRune(rune(b)))
	}
}

func (d *Decoder) decodeValue(v reflect.Value) error {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			v.Set(reflect.New(v.Type().Elem()))
		}
		v = v.Elem()
	}
	if pv := v.Addr(); pv.Type().Implements(unmarshalerType) {
		var raw bytes.Buffer
		d.copyValue(&raw)
		return pv.Interface().(Unmarshaler).UnmarshalBencode(raw.Bytes())
	}

	b := d.peekByte()
	switch {
	case b == 'i':
		return d.decodeInt(v)
	case b == 'l':
		return d.decodeList(v)
	case b == 'd':
		return d.decodeDict(v)
	case b >= '0' && b <= '9':
		return d.decodeString(v)
	default:
		d.raiseSyntaxError("unexpected value prefix " + strconv.QuoteRune(rune(b)))
	}
	panic("unreachable")
}

func (d *Decoder) decodeInt(v reflect.Value) error {
	d.readByte() // 'i'
	i := d.parseInt()
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		v.SetInt(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if i < 0 {
			return &UnmarshalTypeError{"negative integer", v.Type()}
		}
		v.SetUint(uint64(i))
	case reflect.Bool:
		v.SetBool(i != 0)
	case reflect.Interface:
		v.Set(reflect.ValueOf(i))
	default:
		return &UnmarshalTypeError{"integer", v.Type()}
	}
	return nil
}

func (d *Decoder) decodeString(v reflect.Value) error {
	b := d.parseString()
	switch v.Kind() {
	case reflect.String:
		v.SetString(string(b))
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.Uint8 {
			return &UnmarshalTypeError{"string", v.Type()}
		}
		v.SetBytes(b)
	case reflect.Array:
		if v.Type().Elem().Kind() != reflect.Uint8 || v.Len() != len(b) {
			return &UnmarshalTypeError{"string", v.Type()}
		}
		reflect.Copy(v, reflect.ValueOf(b))
	case reflect.Interface:
		v.Set(reflect.ValueOf(string(b)))
	default:
		return &UnmarshalTypeError{"string", v.Type()}
	}
	return nil
}

func (d *Decoder) decodeList(v reflect.Value) error {
	d.readByte() // 'l'
	if v.Kind() == reflect.Interface {
		var list []interface{}
		for d.peekByte() != 'e' {
			var elem interface{}
			if err := d.decodeValue(reflect.ValueOf(&elem).Elem()); err != nil {
				return err
			}
			list = append(list, elem)
		}
		d.readByte()
		v.Set(reflect.ValueOf(list))
		return nil
	}
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return &UnmarshalTypeError{"list", v.Type()}
	}
	i := 0
	for d.peekByte() != 'e' {
		if v.Kind() == reflect.Slice {
			v.Set(reflect.Append(v, reflect.Zero(v.Type().Elem())))
		}
		if i >= v.Len() {
			return &UnmarshalTypeError{"list", v.Type()}
		}
		if err := d.decodeValue(v.Index(i)); err != nil {
			return err
		}
		i++
	}
	d.readByte()
	return nil
}

func (d *Decoder) decodeDict(v reflect.Value) error {
	d.readByte() // 'd'
	switch v.Kind() {
	case reflect.Interface:
		m := make(map[string]interface{})
		for d.peekByte() != 'e' {
			key := string(d.parseString())
			var elem interface{}
			if err := d.decodeValue(reflect.ValueOf(&elem).Elem()); err != nil {
				return err
			}
			m[key] = elem
		}
		d.readByte()
		v.Set(reflect.ValueOf(m))
		return nil
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return &UnmarshalTypeError{"dict", v.Type()}
		}
		if v.IsNil() {
			v.Set(reflect.MakeMap(v.Type()))
		}
		for d.peekByte() != 'e' {
			key := string(d.parseString())
			elem := reflect.New(v.Type().Elem()).Elem()
			if err := d.decodeValue(elem); err != nil {
				return err
			}
			v.SetMapIndex(reflect.ValueOf(key).Convert(v.Type().Key()), elem)
		}
		d.readByte()
		return nil
	case reflect.Struct:
		fields := structFields(v.Type())
		for d.peekByte() != 'e' {
			key := string(d.parseString())
			var field reflect.Value
			for _, f := range fields {
				if f.key == key {
					field = v.Field(f.index)
					break
				}
			}
			if !field.IsValid() {
				// Unknown key, skip its value.
				var discard bytes.Buffer
				d.copyValue(&discard)
				continue
			}
			if err := d.decodeValue(field); err != nil {
				return err
			}
		}
		d.readByte()
		return nil
	default:
		return &UnmarshalTypeError{"dict", v.Type()}
	}
}

var ErrNotDict = errors.New("not a bencode dict")
