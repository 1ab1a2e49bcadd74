package cstruct

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unsafe"
)

var (
	// ErrNilRecord is returned when decoding from a NULL pointer.
	ErrNilRecord = errors.New("cstruct: nil record pointer")
	// ErrEmbeddedNUL is returned for strings that cannot be NUL-terminated.
	ErrEmbeddedNUL = errors.New("cstruct: string contains NUL byte")
)

// maxArray bounds element counts read from native memory.
const maxArray = 1 << 24

// Encode writes v (a tagged struct or pointer to one) into memory from
// alloc and returns the record address.
func Encode(alloc Allocator, v any) (unsafe.Pointer, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, ErrNilRecord
		}
		rv = rv.Elem()
	}
	l, err := LayoutOf(rv.Type())
	if err != nil {
		return nil, err
	}
	return encodeRecord(alloc, l, rv)
}

func encodeRecord(alloc Allocator, l *Layout, rv reflect.Value) (unsafe.Pointer, error) {
	base := alloc.Alloc(l.size)
	for _, f := range l.fields {
		at := unsafe.Add(base, f.offset)
		fv := rv.Field(f.index)
		switch f.kind {
		case kindStr:
			s := fv.String()
			if s == "" && f.opt {
				storePtr(at, nil)
				continue
			}
			p, err := CString(alloc, s)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", f.name, err)
			}
			storePtr(at, p)
		case kindI32:
			*(*int32)(at) = int32(fv.Int())
		case kindI64:
			*(*int64)(at) = fv.Int()
		case kindU64:
			*(*uint64)(at) = fv.Uint()
		case kindF64:
			*(*float64)(at) = fv.Float()
		case kindBool:
			*(*uint8)(at) = boolByte(fv.Bool())
		case kindBool32:
			*(*int32)(at) = int32(boolByte(fv.Bool()))
		case kindPtr:
			*(*uintptr)(at) = uintptr(fv.Uint())
		case kindRef:
			if fv.IsNil() {
				storePtr(at, nil)
				continue
			}
			el, err := LayoutOf(f.elem)
			if err != nil {
				return nil, err
			}
			p, err := encodeRecord(alloc, el, fv.Elem())
			if err != nil {
				return nil, fmt.Errorf("%s: %w", f.name, err)
			}
			storePtr(at, p)
		case kindStrs, kindRefs:
			p, err := encodeArray(alloc, f, fv)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", f.name, err)
			}
			storePtr(at, p)
		case kindLen:
			*(*int32)(at) = int32(rv.Field(f.sliceIdx).Len())
		}
	}
	return base, nil
}

// encodeArray builds a contiguous array of element pointers. A terminated
// array gets one extra zero slot and is never NULL itself, since readers
// of terminated arrays walk them without a NULL check.
func encodeArray(alloc Allocator, f field, fv reflect.Value) (unsafe.Pointer, error) {
	n := fv.Len()
	if n == 0 && !f.nullterm {
		return nil, nil
	}
	slots := uintptr(n)
	if f.nullterm {
		slots++
	}
	arr := alloc.Alloc(slots * ptrSize)
	var el *Layout
	if f.kind == kindRefs {
		var err error
		if el, err = LayoutOf(f.elem); err != nil {
			return nil, err
		}
	}
	for i := 0; i < n; i++ {
		var (
			p   unsafe.Pointer
			err error
		)
		if f.kind == kindStrs {
			p, err = CString(alloc, fv.Index(i).String())
		} else {
			p, err = encodeRecord(alloc, el, fv.Index(i))
		}
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		storePtr(unsafe.Add(arr, uintptr(i)*ptrSize), p)
	}
	return arr, nil
}

// Decode reads the record at p into out, which must point to a tagged
// struct. Strings are copied, so out never aliases native memory.
func Decode(p unsafe.Pointer, out any) error {
	if p == nil {
		return ErrNilRecord
	}
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("cstruct: decode target must be a non-nil pointer, have %T", out)
	}
	rv = rv.Elem()
	l, err := LayoutOf(rv.Type())
	if err != nil {
		return err
	}
	return decodeRecord(p, l, rv)
}

func decodeRecord(base unsafe.Pointer, l *Layout, rv reflect.Value) error {
	for _, f := range l.fields {
		at := unsafe.Add(base, f.offset)
		fv := rv.Field(f.index)
		switch f.kind {
		case kindStr:
			fv.SetString(GoString(loadPtr(at)))
		case kindI32:
			fv.SetInt(int64(*(*int32)(at)))
		case kindI64:
			fv.SetInt(*(*int64)(at))
		case kindU64:
			fv.SetUint(*(*uint64)(at))
		case kindF64:
			fv.SetFloat(*(*float64)(at))
		case kindBool:
			fv.SetBool(*(*uint8)(at) != 0)
		case kindBool32:
			fv.SetBool(*(*int32)(at) != 0)
		case kindPtr:
			fv.SetUint(uint64(*(*uintptr)(at)))
		case kindRef:
			q := loadPtr(at)
			if q == nil {
				fv.Set(reflect.Zero(fv.Type()))
				continue
			}
			el, err := LayoutOf(f.elem)
			if err != nil {
				return err
			}
			nv := reflect.New(f.elem)
			if err := decodeRecord(q, el, nv.Elem()); err != nil {
				return fmt.Errorf("%s: %w", f.name, err)
			}
			fv.Set(nv)
		case kindStrs, kindRefs:
			if err := decodeArray(base, l, f, fv); err != nil {
				return fmt.Errorf("%s: %w", f.name, err)
			}
		case kindLen:
			if fv.CanSet() {
				fv.SetInt(int64(*(*int32)(at)))
			}
		}
	}
	return nil
}

func decodeArray(base unsafe.Pointer, l *Layout, f field, fv reflect.Value) error {
	arr := loadPtr(unsafe.Add(base, f.offset))
	n := -1
	if f.countIdx >= 0 {
		n = int(*(*int32)(unsafe.Add(base, l.fields[f.countIdx].offset)))
		if n < 0 || n > maxArray {
			return fmt.Errorf("cstruct: bad element count %d", n)
		}
	}
	if arr == nil {
		if n > 0 {
			return fmt.Errorf("cstruct: NULL array with count %d", n)
		}
		fv.Set(reflect.Zero(fv.Type()))
		return nil
	}
	if n < 0 {
		n = 0
		for loadPtr(unsafe.Add(arr, uintptr(n)*ptrSize)) != nil {
			n++
			if n > maxArray {
				return errors.New("cstruct: unterminated array")
			}
		}
	}
	if n == 0 {
		fv.Set(reflect.Zero(fv.Type()))
		return nil
	}
	out := reflect.MakeSlice(fv.Type(), n, n)
	var el *Layout
	if f.kind == kindRefs {
		var err error
		if el, err = LayoutOf(f.elem); err != nil {
			return err
		}
	}
	for i := 0; i < n; i++ {
		q := loadPtr(unsafe.Add(arr, uintptr(i)*ptrSize))
		if f.kind == kindStrs {
			out.Index(i).SetString(GoString(q))
			continue
		}
		if q == nil {
			return fmt.Errorf("cstruct: NULL element %d", i)
		}
		if err := decodeRecord(q, el, out.Index(i)); err != nil {
			return fmt.Errorf("[%d]: %w", i, err)
		}
	}
	fv.Set(out)
	return nil
}

// CString copies s into alloc memory with a trailing NUL.
func CString(alloc Allocator, s string) (unsafe.Pointer, error) {
	if strings.IndexByte(s, 0) >= 0 {
		return nil, ErrEmbeddedNUL
	}
	p := alloc.Alloc(uintptr(len(s)) + 1)
	copy(unsafe.Slice((*byte)(p), len(s)), s)
	return p, nil
}

// GoString copies the NUL-terminated string at p. NULL reads as "".
func GoString(p unsafe.Pointer) string {
	if p == nil {
		return ""
	}
	n := 0
	for *(*byte)(unsafe.Add(p, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(p), n))
}

// Pointer converts an address received from native code.
func Pointer(addr uintptr) unsafe.Pointer {
	return *(*unsafe.Pointer)(unsafe.Pointer(&addr))
}

// Addr is the inverse of Pointer.
func Addr(p unsafe.Pointer) uintptr {
	return uintptr(p)
}

func storePtr(at, p unsafe.Pointer) {
	*(*uintptr)(at) = uintptr(p)
}

func loadPtr(at unsafe.Pointer) unsafe.Pointer {
	return *(*unsafe.Pointer)(at)
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
