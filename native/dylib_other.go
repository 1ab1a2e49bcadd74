//go:build !(darwin || freebsd || linux)

package native

import (
	"errors"
	"runtime"
)

var errUnsupported = errors.New("native: dynamic loading is not supported on " + runtime.GOOS)

// Dylib is unavailable on this platform.
type Dylib struct{}

// Open always fails on platforms without dlopen support.
func Open(path string) (*Dylib, error) {
	return nil, errUnsupported
}

func (d *Dylib) Path() string { return "" }

func (d *Dylib) Call(sym string, args ...uintptr) uintptr {
	panic(errUnsupported)
}

func (d *Dylib) CallF64(sym string, name uintptr, value float64, desc uintptr) {
	panic(errUnsupported)
}

func (d *Dylib) NewCallback(fn func(arg uintptr) uintptr) uintptr {
	panic(errUnsupported)
}

func (d *Dylib) Close() error { return nil }
