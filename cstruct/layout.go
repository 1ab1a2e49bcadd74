// Package cstruct maps tagged Go structs onto fixed C record layouts.
//
// Every field of a record carries a `native` tag naming its C shape:
//
//	str      const char*            (string)
//	i32      int32_t                (int32)
//	i64      int64_t                (int64)
//	u64      uint64_t               (uint64)
//	f64      double                 (float64)
//	bool     bool, one byte         (bool)
//	bool32   int32_t used as bool   (bool)
//	ptr      opaque pointer         (uintptr)
//	ref      T*                     (*T)
//	strs     const char* const*     ([]string)
//	refs     const T* const*        ([]T)
//	len=X    int32_t count of X     (int32, usually a blank field)
//
// Options follow the kind: "opt" encodes an empty str as NULL, "nullterm"
// terminates a strs/refs array with a NULL entry. Field order in the Go
// struct is the C field order.
package cstruct

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unsafe"
)

const ptrSize = unsafe.Sizeof(uintptr(0))

type kind uint8

const (
	kindStr kind = iota + 1
	kindI32
	kindI64
	kindU64
	kindF64
	kindBool
	kindBool32
	kindPtr
	kindRef
	kindStrs
	kindRefs
	kindLen
)

var kindNames = map[string]kind{
	"str":    kindStr,
	"i32":    kindI32,
	"i64":    kindI64,
	"u64":    kindU64,
	"f64":    kindF64,
	"bool":   kindBool,
	"bool32": kindBool32,
	"ptr":    kindPtr,
	"ref":    kindRef,
	"strs":   kindStrs,
	"refs":   kindRefs,
}

// field is one C slot of a record.
type field struct {
	name     string
	index    int
	kind     kind
	offset   uintptr
	size     uintptr
	align    uintptr
	opt      bool
	nullterm bool
	lenOf    string // kindLen: name of the slice it counts
	sliceIdx int    // kindLen: reflect index of that slice
	countIdx int    // kindStrs/kindRefs: position in fields of the count slot, -1 if none
	elem     reflect.Type
}

// Layout is the computed C layout of one record type.
type Layout struct {
	typ    reflect.Type
	size   uintptr
	align  uintptr
	fields []field
}

// Size is the C sizeof of the record, padding included.
func (l *Layout) Size() uintptr { return l.size }

// Align is the C alignof of the record.
func (l *Layout) Align() uintptr { return l.align }

// Offset returns the C offset of the named Go field.
func (l *Layout) Offset(name string) (uintptr, bool) {
	for _, f := range l.fields {
		if f.name == name {
			return f.offset, true
		}
	}
	return 0, false
}

// Fields returns the Go field names in C order, count slots included.
func (l *Layout) Fields() []string {
	names := make([]string, len(l.fields))
	for i, f := range l.fields {
		names[i] = f.name
	}
	return names
}

var layouts sync.Map // reflect.Type -> *Layout

// LayoutOf computes (once) the C layout of a tagged record type.
func LayoutOf(t reflect.Type) (*Layout, error) {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if cached, ok := layouts.Load(t); ok {
		return cached.(*Layout), nil
	}
	l, err := buildLayout(t)
	if err != nil {
		return nil, err
	}
	actual, _ := layouts.LoadOrStore(t, l)
	return actual.(*Layout), nil
}

// LayoutFor is LayoutOf for a value.
func LayoutFor(v any) (*Layout, error) {
	return LayoutOf(reflect.TypeOf(v))
}

func buildLayout(t reflect.Type) (*Layout, error) {
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("cstruct: %s is not a struct", t)
	}
	l := &Layout{typ: t, align: 1}
	var off uintptr
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		tag, ok := sf.Tag.Lookup("native")
		if !ok {
			return nil, fmt.Errorf("cstruct: %s.%s has no native tag", t.Name(), sf.Name)
		}
		if tag == "-" {
			continue
		}
		f, err := parseField(t, sf, tag)
		if err != nil {
			return nil, err
		}
		f.index = i
		off = alignUp(off, f.align)
		f.offset = off
		off += f.size
		if f.align > l.align {
			l.align = f.align
		}
		l.fields = append(l.fields, f)
	}
	l.size = alignUp(off, l.align)
	if err := bindCounts(t, l); err != nil {
		return nil, err
	}
	return l, nil
}

func parseField(t reflect.Type, sf reflect.StructField, tag string) (field, error) {
	parts := strings.Split(tag, ",")
	f := field{name: sf.Name, countIdx: -1, sliceIdx: -1}
	head := strings.TrimSpace(parts[0])
	if strings.HasPrefix(head, "len=") {
		f.kind = kindLen
		f.lenOf = strings.TrimPrefix(head, "len=")
	} else {
		k, ok := kindNames[head]
		if !ok {
			return f, fmt.Errorf("cstruct: %s.%s: unknown kind %q", t.Name(), sf.Name, head)
		}
		f.kind = k
	}
	for _, opt := range parts[1:] {
		switch strings.TrimSpace(opt) {
		case "opt":
			f.opt = true
		case "nullterm":
			f.nullterm = true
		default:
			return f, fmt.Errorf("cstruct: %s.%s: unknown option %q", t.Name(), sf.Name, opt)
		}
	}

	want := map[kind]reflect.Kind{
		kindStr:    reflect.String,
		kindI32:    reflect.Int32,
		kindI64:    reflect.Int64,
		kindU64:    reflect.Uint64,
		kindF64:    reflect.Float64,
		kindBool:   reflect.Bool,
		kindBool32: reflect.Bool,
		kindPtr:    reflect.Uintptr,
		kindRef:    reflect.Ptr,
		kindStrs:   reflect.Slice,
		kindRefs:   reflect.Slice,
		kindLen:    reflect.Int32,
	}[f.kind]
	if sf.Type.Kind() != want {
		return f, fmt.Errorf("cstruct: %s.%s: kind %s needs a Go %s, have %s", t.Name(), sf.Name, head, want, sf.Type)
	}

	switch f.kind {
	case kindBool:
		f.size, f.align = 1, 1
	case kindI32, kindBool32, kindLen:
		f.size, f.align = 4, 4
	case kindI64, kindU64, kindF64:
		f.size, f.align = 8, 8
	default:
		f.size, f.align = ptrSize, ptrSize
	}

	switch f.kind {
	case kindRef:
		f.elem = sf.Type.Elem()
		if f.elem.Kind() != reflect.Struct {
			return f, fmt.Errorf("cstruct: %s.%s: ref must point to a struct", t.Name(), sf.Name)
		}
	case kindStrs:
		if sf.Type.Elem().Kind() != reflect.String {
			return f, fmt.Errorf("cstruct: %s.%s: strs needs []string", t.Name(), sf.Name)
		}
	case kindRefs:
		f.elem = sf.Type.Elem()
		if f.elem.Kind() != reflect.Struct {
			return f, fmt.Errorf("cstruct: %s.%s: refs needs a slice of structs", t.Name(), sf.Name)
		}
	}
	if f.opt && f.kind != kindStr {
		return f, fmt.Errorf("cstruct: %s.%s: opt applies to str only", t.Name(), sf.Name)
	}
	if f.nullterm && f.kind != kindStrs && f.kind != kindRefs {
		return f, fmt.Errorf("cstruct: %s.%s: nullterm applies to arrays only", t.Name(), sf.Name)
	}
	return f, nil
}

// bindCounts pairs every array with its count slot. An array with neither
// a count nor a NULL terminator cannot be walked and is rejected.
func bindCounts(t reflect.Type, l *Layout) error {
	for i := range l.fields {
		f := &l.fields[i]
		if f.kind != kindLen {
			continue
		}
		found := false
		for j := range l.fields {
			s := &l.fields[j]
			if s.name != f.lenOf {
				continue
			}
			if s.kind != kindStrs && s.kind != kindRefs {
				return fmt.Errorf("cstruct: %s.%s counts %s, which is not an array", t.Name(), f.name, f.lenOf)
			}
			if s.countIdx >= 0 {
				return fmt.Errorf("cstruct: %s.%s has two count slots", t.Name(), s.name)
			}
			s.countIdx = i
			f.sliceIdx = s.index
			found = true
		}
		if !found {
			return fmt.Errorf("cstruct: %s.%s counts unknown field %s", t.Name(), f.name, f.lenOf)
		}
	}
	for _, f := range l.fields {
		if (f.kind == kindStrs || f.kind == kindRefs) && f.countIdx < 0 && !f.nullterm {
			return fmt.Errorf("cstruct: %s.%s is an array without count or terminator", t.Name(), f.name)
		}
	}
	return nil
}

func alignUp(off, align uintptr) uintptr {
	return (off + align - 1) &^ (align - 1)
}
