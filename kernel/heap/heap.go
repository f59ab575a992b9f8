// Package heap implements the kernel's own dynamic memory allocator: a
// circular doubly linked list of variable-sized blocks, grown in page-group
// strides from the PFA via the VMM. Kernel code calls Malloc and Free
// directly; the Go runtime's own bootstrap shim (kernel/goruntime) maps
// frames through the VMM itself and does not use this package. Nothing
// below this package may allocate.
package heap

import (
	"unsafe"

	"x86kernel/kernel"
	"x86kernel/kernel/kfmt"
	"x86kernel/kernel/mm"
	"x86kernel/kernel/mm/vmm"
	"x86kernel/kernel/sync"
)

const (
	// HeapStart is the fixed virtual address the kernel heap begins at.
	HeapStart = uintptr(0x20000000)

	// HeapSize bounds the virtual range reserved for the heap (256 MiB,
	// by convention). Growth beyond it is a bring-up-time configuration
	// error, not something this package guards against at runtime.
	HeapSize = uintptr(256 * 1024 * 1024)

	blockMagic1 = uint16(0xabcd)
	blockMagic2 = uint8(0xef)
)

// framesPerGroup is how many contiguous frames a single heap growth request
// reserves. One group of 1024 frames is 4 MiB, matching the original
// HEAP_BLOCKS constant. It is a var rather than a const so tests can
// shrink it and exercise growth without backing multi-megabyte scratch
// buffers.
var framesPerGroup uint32 = 1024

// block is the heap's per-allocation header, corresponding to the source's
// LLMalloc: a node in a circular doubly linked list carrying the payload
// size, a used flag, and two magic bytes that let Free detect a corrupted
// or already-freed pointer.
type block struct {
	next, prev *block
	size       uint32
	used       uint8
	magic2     uint8
	magic1     uint16
}

const headerSize = unsafe.Sizeof(block{})

var (
	lock = sync.NewSpinlock(sync.LockHeap)

	// head is the block the next Malloc starts scanning from. It always
	// points at a live node of the list; Free only ever retargets it when
	// the node it points to is coalesced away.
	head *block

	// nextVirtAddr is the first heap-virtual address not yet backed by a
	// frame group.
	nextVirtAddr uintptr

	// allocFrameFn and mapFn are mocked by tests and are automatically
	// inlined by the compiler.
	allocFrameFn = mm.AllocFrame
	mapFn        = vmm.Map

	errMagicMismatch = &kernel.Error{Module: "heap", Message: "heap block magic mismatch or double free"}
	errTooLarge      = &kernel.Error{Module: "heap", Message: "requested allocation exceeds a single heap frame group"}
)

// Init reserves the heap's first frame group at HeapStart. It must run
// exactly once, after the VMM is up and before any call to Malloc or Free.
func Init() {
	nextVirtAddr = HeapStart
	head = growHeap(nil)
}

// Malloc returns the address of a freshly reserved, at-least-n-byte block.
// It never returns a nil/zero address: if the PFA or VMM cannot satisfy a
// growth request the kernel panics, matching the original's treatment of
// heap exhaustion as a fatal bring-up condition.
func Malloc(n uint32) uintptr {
	n = (n + 3) &^ 3 // round up to 4-byte alignment

	if uintptr(n) > mm.PageSize*uintptr(framesPerGroup)-headerSize {
		kfmt.Panic(errTooLarge)
	}

	lock.Acquire()
	defer lock.Release()

	for {
		it := head
		for {
			if it.used == 0 && it.size >= n {
				return allocateFrom(it, n)
			}
			it = it.next
			if it == head {
				break
			}
		}

		// No existing block fits; grow and retry. The new block is
		// spliced in right after the block the scan ended on so the
		// next pass finds it immediately.
		growHeap(it)
	}
}

// allocateFrom carves an n-byte allocation out of a free block it, splitting
// off the remainder as a new free block when there is enough left over to
// be worth tracking on its own, and returns the address of it's payload.
func allocateFrom(it *block, n uint32) uintptr {
	it.used = 1

	if it.size-n > uint32(headerSize) {
		tail := (*block)(unsafe.Pointer(payload(it) + uintptr(n)))
		tail.used = 0
		tail.size = it.size - uint32(headerSize) - n
		tail.magic1 = blockMagic1
		tail.magic2 = blockMagic2

		tail.next = it.next
		tail.prev = it
		it.next.prev = tail
		it.next = tail

		it.size = n
	}

	return payload(it)
}

// Free releases a block previously returned by Malloc. A magic or used-flag
// mismatch - a double free, a pointer that was never allocated, or a
// corrupted header - is fatal.
func Free(p uintptr) {
	lock.Acquire()
	defer lock.Release()

	b := (*block)(unsafe.Pointer(p - headerSize))
	if b.used != 1 || b.magic1 != blockMagic1 || b.magic2 != blockMagic2 {
		kfmt.Panic(errMagicMismatch)
	}
	b.used = 0

	if b.prev != b && b.prev.used == 0 && blockEnd(b.prev) == uintptr(unsafe.Pointer(b)) {
		prev := b.prev
		if head == b {
			head = prev
		}
		b = coalesce(prev, b)
	}

	if b.next != b && b.next.used == 0 && blockEnd(b) == uintptr(unsafe.Pointer(b.next)) {
		next := b.next
		if head == next {
			head = b
		}
		b = coalesce(b, next)
	}
}

// coalesce merges b into a (a absorbs b's payload and b is unlinked) and
// returns a. It relies on next/prev always being correctly maintained in
// both directions, so it needs no special-casing for the two- or
// one-element-list cases the way the original C coalescing logic did.
func coalesce(a, b *block) *block {
	a.size += uint32(headerSize) + b.size
	a.next = b.next
	b.next.prev = a
	return a
}

// growHeap reserves framesPerGroup physical frames, maps them contiguously
// starting at nextVirtAddr, and returns a new free block describing the
// whole group. If prev is non-nil, the new block is spliced into the list
// immediately after it; otherwise the new block becomes a singleton list
// referencing itself, which is how Init seeds head.
func growHeap(prev *block) *block {
	groupStart := nextVirtAddr

	for i := uint32(0); i < framesPerGroup; i++ {
		frame, err := allocFrameFn()
		if err != nil {
			kfmt.Panic(err)
		}
		if err := mapFn(mm.PageFromAddress(nextVirtAddr), frame, vmm.FlagPresent|vmm.FlagRW); err != nil {
			kfmt.Panic(err)
		}
		nextVirtAddr += mm.PageSize
	}

	b := (*block)(unsafe.Pointer(groupStart))
	b.size = uint32(mm.PageSize*uintptr(framesPerGroup)) - uint32(headerSize)
	b.used = 0
	b.magic1 = blockMagic1
	b.magic2 = blockMagic2

	if prev == nil {
		b.next, b.prev = b, b
		return b
	}

	b.next = prev.next
	b.prev = prev
	prev.next.prev = b
	prev.next = b
	return b
}

// payload returns the address a caller may use, immediately past b's header.
func payload(b *block) uintptr {
	return uintptr(unsafe.Pointer(b)) + headerSize
}

// blockEnd returns the address one past the end of b's payload, i.e. where
// an adjacent block's header would begin if one were placed right after it.
func blockEnd(b *block) uintptr {
	return uintptr(unsafe.Pointer(b)) + headerSize + uintptr(b.size)
}
