package native

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolExhausted is returned by Acquire when every slot is in use.
var ErrPoolExhausted = errors.New("native: trampoline pool exhausted")

// DefaultPoolSize caps the number of native callbacks a Pool creates.
// Callback pointers are never reclaimed by the runtime, so slots are
// recycled instead of created per subscription.
const DefaultPoolSize = 512

// Pool hands out reusable native callback pointers.
type Pool struct {
	lib Library
	max int

	mu    sync.Mutex
	slots []*slot
	free  []*slot
}

type slot struct {
	addr uintptr
	fn   atomic.Pointer[func(uintptr)]
}

// Trampoline is an acquired slot. Its address forwards to the bound func
// until Release.
type Trampoline struct {
	s        *slot
	pool     *Pool
	released atomic.Bool
}

// NewPool returns a pool creating at most max callbacks on lib.
func NewPool(lib Library, max int) *Pool {
	if max <= 0 {
		max = DefaultPoolSize
	}
	return &Pool{lib: lib, max: max}
}

// Acquire binds fn to a free slot, creating one if the cap allows.
func (p *Pool) Acquire(fn func(arg uintptr)) (*Trampoline, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s *slot
	if n := len(p.free); n > 0 {
		s = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		if len(p.slots) >= p.max {
			return nil, ErrPoolExhausted
		}
		ns := &slot{}
		ns.addr = p.lib.NewCallback(func(arg uintptr) uintptr {
			if f := ns.fn.Load(); f != nil {
				(*f)(arg)
			}
			return 0
		})
		p.slots = append(p.slots, ns)
		s = ns
	}
	s.fn.Store(&fn)
	return &Trampoline{s: s, pool: p}, nil
}

// Addr is the native function pointer.
func (t *Trampoline) Addr() uintptr { return t.s.addr }

// Release unbinds the func and returns the slot. Invocations arriving
// after Release are dropped. Safe to call more than once.
func (t *Trampoline) Release() {
	if !t.released.CompareAndSwap(false, true) {
		return
	}
	t.s.fn.Store(nil)
	t.pool.mu.Lock()
	t.pool.free = append(t.pool.free, t.s)
	t.pool.mu.Unlock()
}

// Stats reports created and in-use slot counts.
func (p *Pool) Stats() (created, inUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots), len(p.slots) - len(p.free)
}
