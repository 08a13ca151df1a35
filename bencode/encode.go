package bencode

import (
	"io"
	"reflect"
	"sort"
	"strconv"
)

type Encoder struct {
	w       io.Writer
	scratch [64]byte
}

func (e *Encoder) Encode(v interface{}) error {
	return e.encodeValue(reflect.ValueOf(v))
}

var (
	marshalerType = reflect.TypeOf((*Marshaler)(nil)).Elem()
	byteSliceType = reflect.TypeOf([]byte(nil))
)

func (e *Encoder) write(b []byte) error {
	_, err := e.w.Write(b)
	return err
}

func (e *Encoder) writeString(s string) error {
	_, err := io.WriteString(e.w, s)
	return err
}

func (e *Encoder) writeStringPrefixed(b []byte) error {
	n := strconv.AppendInt(e.scratch[:0], int64(len(b)), 10)
	n = append(n, ':')
	if err := e.write(n); err != nil {
		return err
	}
	return e.write(b)
}

func (e *Encoder) writeInt(i int64) error {
	b := e.scratch[:0]
	b = append(b, 'i')
	b = strconv.AppendInt(b, i, 10)
	b = append(b, 'e')
	return e.write(b)
}

func (e *Encoder) writeUint(i uint64) error {
	b := e.scratch[:0]
	b = append(b, 'i')
	b = strconv.AppendUint(b, i, 10)
	b = append(b, 'e')
	return e.write(b)
}

func (e *Encoder) encodeValue(v reflect.Value) error {
	if v.Type().Implements(marshalerType) {
		if v.Kind() == reflect.Ptr && v.IsNil() {
			return nil
		}
		b, err := v.Interface().(Marshaler).MarshalBencode()
		if err != nil {
			return &MarshalerError{v.Type(), err}
		}
		return e.write(b)
	}
	if v.CanAddr() && v.Addr().Type().Implements(marshalerType) {
		b, err := v.Addr().Interface().(Marshaler).MarshalBencode()
		if err != nil {
			return &MarshalerError{v.Type(), err}
		}
		return e.write(b)
	}

	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return e.writeInt(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return e.writeUint(v.Uint())
	case reflect.Bool:
		if v.Bool() {
			return e.writeInt(1)
		}
		return e.writeInt(0)
	case reflect.String:
		s := v.String()
		n := strconv.AppendInt(e.scratch[:0], int64(len(s)), 10)
		n = append(n, ':')
		if err := e.write(n); err != nil {
			return err
		}
		return e.writeString(s)
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return e.writeStringPrefixed(v.Bytes())
		}
		fallthrough
	case reflect.Array:
		if v.Kind() == reflect.Array && v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			return e.writeStringPrefixed(b)
		}
		if err := e.writeString("l"); err != nil {
			return err
		}
		for i := 0; i < v.Len(); i++ {
			if err := e.encodeValue(v.Index(i)); err != nil {
				return err
			}
		}
		return e.writeString("e")
	case reflect.Map:
		return e.encodeMap(v)
	case reflect.Struct:
		return e.encodeStruct(v)
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return e.encodeValue(v.Elem())
	default:
		return &MarshalTypeError{v.Type()}
	}
}

func (e *Encoder) encodeMap(v reflect.Value) error {
	if v.Type().Key().Kind() != reflect.String {
		return &MarshalTypeError{v.Type()}
	}
	keys := v.MapKeys()
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	if err := e.writeString("d"); err != nil {
		return err
	}
	for _, k := range keys {
		mv := v.MapIndex(k)
		if isNilValue(mv) {
			continue
		}
		if err := e.writeStringPrefixed([]byte(k.String())); err != nil {
			return err
		}
		if err := e.encodeValue(mv); err != nil {
			return err
		}
	}
	return e.writeString("e")
}

func (e *Encoder) encodeStruct(v reflect.Value) error {
	fields := structFields(v.Type())
	// Dict keys must come out in sorted order, which the field cache
	// guarantees.
	if err := e.writeString("d"); err != nil {
		return err
	}
	for _, f := range fields {
		fv := v.Field(f.index)
		if f.omitEmpty && isEmptyValue(fv) {
			continue
		}
		// A nil here would emit a key with no value.
		if isNilValue(fv) {
			continue
		}
		if err := e.writeStringPrefixed([]byte(f.key)); err != nil {
			return err
		}
		if err := e.encodeValue(fv); err != nil {
			return err
		}
	}
	return e.writeString("e")
}

type MarshalerError struct {
	Type reflect.Type
	Err  error
}

func (e *MarshalerError) Error() string {
	return "bencode: error calling MarshalBencode for type " + e.Type.String() + ": " + e.Err.Error()
}

func isNilValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map:
		return v.IsNil()
	}
	return false
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array:
		return v.IsZero()
	case reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() == 0
	case reflect.Interface, reflect.Ptr:
		return v.IsNil()
	}
	return false
}
