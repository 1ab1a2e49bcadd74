package native

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubLib only implements callbacks: addresses index into fns.
type stubLib struct {
	mu  sync.Mutex
	fns []func(uintptr) uintptr
}

func (s *stubLib) Call(sym string, args ...uintptr) uintptr                   { return 0 }
func (s *stubLib) CallF64(sym string, name uintptr, v float64, desc uintptr) {}

func (s *stubLib) NewCallback(fn func(uintptr) uintptr) uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns = append(s.fns, fn)
	return uintptr(len(s.fns))
}

func (s *stubLib) invoke(addr, arg uintptr) {
	s.mu.Lock()
	fn := s.fns[addr-1]
	s.mu.Unlock()
	fn(arg)
}

// TEST621: Test an acquired trampoline forwards native invocations to its func
func TestPoolAcquireForwards(t *testing.T) {
	lib := &stubLib{}
	p := NewPool(lib, 4)

	var got []uintptr
	tr, err := p.Acquire(func(arg uintptr) { got = append(got, arg) })
	require.NoError(t, err)

	lib.invoke(tr.Addr(), 7)
	lib.invoke(tr.Addr(), 9)
	assert.Equal(t, []uintptr{7, 9}, got)
}

// TEST622: Test released slots drop late invocations and are reused without new callbacks
func TestPoolReleaseRecycles(t *testing.T) {
	lib := &stubLib{}
	p := NewPool(lib, 4)

	calls := 0
	tr, err := p.Acquire(func(uintptr) { calls++ })
	require.NoError(t, err)
	addr := tr.Addr()
	tr.Release()
	tr.Release()

	lib.invoke(addr, 1)
	assert.Equal(t, 0, calls)

	again, err := p.Acquire(func(uintptr) { calls += 10 })
	require.NoError(t, err)
	assert.Equal(t, addr, again.Addr())
	lib.invoke(addr, 1)
	assert.Equal(t, 10, calls)

	created, inUse := p.Stats()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, inUse)
	assert.Len(t, lib.fns, 1)
}

// TEST623: Test the pool refuses to grow past its cap
func TestPoolExhausted(t *testing.T) {
	p := NewPool(&stubLib{}, 2)
	a, err := p.Acquire(func(uintptr) {})
	require.NoError(t, err)
	_, err = p.Acquire(func(uintptr) {})
	require.NoError(t, err)

	_, err = p.Acquire(func(uintptr) {})
	assert.ErrorIs(t, err, ErrPoolExhausted)

	a.Release()
	_, err = p.Acquire(func(uintptr) {})
	assert.NoError(t, err)
}
