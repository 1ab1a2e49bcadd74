package cstruct

import (
	"runtime"
	"unsafe"
)

// Allocator hands out zeroed, 8-byte aligned memory that stays valid and
// unmoved until its owner releases it.
type Allocator interface {
	Alloc(size uintptr) unsafe.Pointer
}

// Arena owns every allocation made while building the request records of
// one native call. Nothing is released individually: Free drops all blocks
// at once, after the native call has returned.
type Arena struct {
	blocks [][]uint64
	pinner runtime.Pinner
	bytes  uintptr
	freed  bool
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

// Alloc returns a pinned, zeroed block of at least size bytes.
func (a *Arena) Alloc(size uintptr) unsafe.Pointer {
	if a.freed {
		panic("cstruct: arena used after Free")
	}
	words := (size + 7) / 8
	if words == 0 {
		words = 1
	}
	blk := make([]uint64, words)
	a.pinner.Pin(&blk[0])
	a.blocks = append(a.blocks, blk)
	a.bytes += words * 8
	return unsafe.Pointer(&blk[0])
}

// Len is the number of live blocks.
func (a *Arena) Len() int { return len(a.blocks) }

// Bytes is the number of bytes held by live blocks.
func (a *Arena) Bytes() uintptr { return a.bytes }

// Freed reports whether Free has run.
func (a *Arena) Freed() bool { return a.freed }

// Free unpins and drops every block. It is safe to call more than once.
func (a *Arena) Free() {
	if a.freed {
		return
	}
	a.pinner.Unpin()
	a.blocks = nil
	a.bytes = 0
	a.freed = true
}
