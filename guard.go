package openiap

import (
	"github.com/openiap/openiap-go/cstruct"
	"github.com/openiap/openiap-go/native"
	"github.com/openiap/openiap-go/record"
)

// responsePtr constrains P to *R implementing record.Response.
type responsePtr[R any] interface {
	*R
	record.Response
}

// guard takes ownership of the response at addr. NULL is ErrNoResponse
// and is never released. Anything else is decoded into Go memory and
// released with freeSym exactly once, on every path.
func guard[R any, P responsePtr[R]](lib native.Library, op, freeSym string, addr uintptr) (R, error) {
	var out R
	if addr == 0 {
		return out, newError(KindNoResponse, op, "")
	}
	defer lib.Call(freeSym, addr)

	if err := cstruct.Decode(cstruct.Pointer(addr), &out); err != nil {
		return out, wrapError(KindDecode, op, err)
	}
	if ok, msg := P(&out).Status(); !ok {
		if msg == "" {
			msg = "unknown error"
		}
		return out, newError(KindApplication, op, msg)
	}
	return out, nil
}

// takeEvent copies an event record handed to a callback and releases it
// with freeSym, whether or not it decodes. The callback owns the record.
func takeEvent[E any](lib native.Library, freeSym string, addr uintptr) (E, error) {
	var ev E
	if addr == 0 {
		return ev, ErrNoResponse
	}
	defer lib.Call(freeSym, addr)
	err := cstruct.Decode(cstruct.Pointer(addr), &ev)
	return ev, err
}
