package nativetest

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/openiap/openiap-go/cstruct"
)

// Heap tracks every record the fake library hands out. A record and all
// of its strings, arrays and nested records form one allocation that must
// be released exactly once with the matching free function.
type Heap struct {
	mu         sync.Mutex
	live       map[uintptr]*allocation
	freed      map[uintptr]*allocation
	frees      []string
	violations []string
}

type allocation struct {
	blocks  [][]uint64
	freeSym string
}

// group collects the blocks of one allocation. It satisfies cstruct.Allocator.
type group struct {
	blocks [][]uint64
}

func (g *group) Alloc(size uintptr) unsafe.Pointer {
	words := (size + 7) / 8
	if words == 0 {
		words = 1
	}
	blk := make([]uint64, words)
	g.blocks = append(g.blocks, blk)
	return unsafe.Pointer(&blk[0])
}

func newHeap() *Heap {
	return &Heap{
		live:  make(map[uintptr]*allocation),
		freed: make(map[uintptr]*allocation),
	}
}

// encode builds v in fresh memory. The caller publishes or discards it.
func (h *Heap) encode(v any) (unsafe.Pointer, *group) {
	g := &group{}
	p, err := cstruct.Encode(g, v)
	if err != nil {
		panic(fmt.Sprintf("nativetest: encode %T: %v", v, err))
	}
	return p, g
}

// publish hands ownership of v to the caller; freeSym must release it.
func (h *Heap) publish(v any, freeSym string) uintptr {
	p, g := h.encode(v)
	addr := uintptr(p)
	h.mu.Lock()
	h.live[addr] = &allocation{blocks: g.blocks, freeSym: freeSym}
	h.mu.Unlock()
	return addr
}

// release is the body of every free_* symbol.
func (h *Heap) release(sym string, addr uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frees = append(h.frees, sym)
	if addr == 0 {
		h.violations = append(h.violations, fmt.Sprintf("%s(NULL)", sym))
		return
	}
	a, ok := h.live[addr]
	if !ok {
		if _, was := h.freed[addr]; was {
			h.violations = append(h.violations, fmt.Sprintf("double free: %s(%#x)", sym, addr))
		} else {
			h.violations = append(h.violations, fmt.Sprintf("unknown pointer: %s(%#x)", sym, addr))
		}
		return
	}
	if a.freeSym != sym {
		h.violations = append(h.violations, fmt.Sprintf("wrong release: %s(%#x), want %s", sym, addr, a.freeSym))
	}
	delete(h.live, addr)
	wipe(a.blocks)
	h.freed[addr] = a
}

// Live reports how many published records are not yet released.
func (h *Heap) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

// LiveSymbols lists the free function owed by every live record.
func (h *Heap) LiveSymbols() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.live))
	for _, a := range h.live {
		out = append(out, a.freeSym)
	}
	return out
}

// Frees lists every free call in order.
func (h *Heap) Frees() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.frees...)
}

// Violations lists double frees, unknown pointers and mismatched frees.
func (h *Heap) Violations() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.violations...)
}

func (h *Heap) violate(format string, args ...any) {
	h.mu.Lock()
	h.violations = append(h.violations, fmt.Sprintf(format, args...))
	h.mu.Unlock()
}

// wipe zeroes released memory so a read after release sees NULLs and
// zeros instead of the old values. Freed blocks stay referenced, so the
// addresses are never reused within a test.
func wipe(blocks [][]uint64) {
	for _, b := range blocks {
		clear(b)
	}
}
