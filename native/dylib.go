//go:build darwin || freebsd || linux

package native

import (
	"fmt"
	"sync"

	"github.com/ebitengine/purego"
)

// Dylib is a Library backed by a shared object opened with purego.
type Dylib struct {
	path   string
	handle uintptr

	mu   sync.RWMutex
	syms map[string]uintptr
	f64  map[string]func(uintptr, float64, uintptr)
}

// Open loads the shared library at path and checks it exports every
// Required symbol.
func Open(path string) (*Dylib, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("native: open %s: %w", path, err)
	}
	d := &Dylib{
		path:   path,
		handle: handle,
		syms:   make(map[string]uintptr),
		f64:    make(map[string]func(uintptr, float64, uintptr)),
	}
	for _, name := range Required {
		if _, err := d.Lookup(name); err != nil {
			_ = purego.Dlclose(handle)
			return nil, err
		}
	}
	return d, nil
}

// Path is the file the library was loaded from.
func (d *Dylib) Path() string { return d.path }

// Lookup resolves and caches a symbol address.
func (d *Dylib) Lookup(name string) (uintptr, error) {
	d.mu.RLock()
	addr, ok := d.syms[name]
	d.mu.RUnlock()
	if ok {
		return addr, nil
	}
	addr, err := purego.Dlsym(d.handle, name)
	if err != nil {
		return 0, fmt.Errorf("native: %s: missing symbol %s: %w", d.path, name, err)
	}
	d.mu.Lock()
	d.syms[name] = addr
	d.mu.Unlock()
	return addr, nil
}

func (d *Dylib) mustLookup(name string) uintptr {
	addr, err := d.Lookup(name)
	if err != nil {
		panic(err)
	}
	return addr
}

// Call implements Library.
func (d *Dylib) Call(sym string, args ...uintptr) uintptr {
	r1, _, _ := purego.SyscallN(d.mustLookup(sym), args...)
	return r1
}

// CallF64 implements Library. Float arguments travel in FP registers, so
// the function is bound through RegisterFunc instead of SyscallN.
func (d *Dylib) CallF64(sym string, name uintptr, value float64, desc uintptr) {
	d.mu.RLock()
	fn, ok := d.f64[sym]
	d.mu.RUnlock()
	if !ok {
		purego.RegisterFunc(&fn, d.mustLookup(sym))
		d.mu.Lock()
		d.f64[sym] = fn
		d.mu.Unlock()
	}
	fn(name, value, desc)
}

// NewCallback implements Library.
func (d *Dylib) NewCallback(fn func(arg uintptr) uintptr) uintptr {
	return purego.NewCallback(fn)
}

// Close unloads the library. No client created from it may be live.
func (d *Dylib) Close() error {
	return purego.Dlclose(d.handle)
}
