package bencode

import (
	"reflect"
	"sort"
	"strings"
	"sync"
)

type structField struct {
	key       string
	index     int
	omitEmpty bool
}

var (
	fieldCacheMu sync.RWMutex
	fieldCache   = make(map[reflect.Type][]structField)
)

// Returns the exported fields of t with their bencode keys, sorted by key as
// required for dict encoding.
func structFields(t reflect.Type) []structField {
	fieldCacheMu.RLock()
	fs, ok := fieldCache[t]
	fieldCacheMu.RUnlock()
	if ok {
		return fs
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" && !f.Anonymous {
			continue
		}
		tag := f.Tag.Get("bencode")
		if tag == "-" {
			continue
		}
		key, opts := parseTag(tag)
		if key == "" {
			key = f.Name
		}
		fs = append(fs, structField{
			key:       key,
			index:     i,
			omitEmpty: opts.contains("omitempty"),
		})
	}
	sort.Slice(fs, func(i, j int) bool { return fs[i].key < fs[j].key })
	fieldCacheMu.Lock()
	fieldCache[t] = fs
	fieldCacheMu.Unlock()
	return fs
}

type tagOptions string

func parseTag(tag string) (string, tagOptions) {
	if i := strings.Index(tag, ","); i != -1 {
		return tag[:i], tagOptions(tag[i+1:])
	}
	return tag, ""
}

func (o tagOptions) contains(name string) bool {
	s := string(o)
	for s != "" {
		var next string
		if i := strings.Index(s, ","); i != -1 {
			s, next = s[:i], s[i+1:]
		} else {
			next = ""
		}
		if s == name {
			return true
		}
		s = next
	}
	return false
}
