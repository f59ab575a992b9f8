package heap

import (
	"testing"
	"unsafe"

	"x86kernel/kernel"
	"x86kernel/kernel/mm"
	"x86kernel/kernel/mm/vmm"
)

// withHeap installs a real Go-backed scratch buffer as the heap's backing
// storage, along with a fake frame allocator/mapper, so Malloc/Free can be
// exercised without a real PFA, VMM, or the fixed HeapStart virtual address
// (which a hosted test process cannot dereference). groupFrames shrinks
// framesPerGroup so growth can be tested against small buffers.
func withHeap(t *testing.T, groupFrames uint32, groups int) {
	t.Helper()

	savedHead, savedNext, savedFrames := head, nextVirtAddr, framesPerGroup
	savedAllocFrameFn, savedMapFn := allocFrameFn, mapFn
	t.Cleanup(func() {
		head, nextVirtAddr, framesPerGroup = savedHead, savedNext, savedFrames
		allocFrameFn, mapFn = savedAllocFrameFn, savedMapFn
	})

	framesPerGroup = groupFrames
	backing := make([]byte, uintptr(groupFrames)*mm.PageSize*uintptr(groups))

	allocFrameFn = func() (mm.Frame, *kernel.Error) { return mm.Frame(0), nil }
	mapFn = func(mm.Page, mm.Frame, vmm.PageTableEntryFlag) *kernel.Error { return nil }

	nextVirtAddr = uintptr(unsafe.Pointer(&backing[0]))
	head = growHeap(nil)
}

func TestMallocReturnsDistinctNonOverlappingBlocks(t *testing.T) {
	withHeap(t, 2, 1)

	a := Malloc(64)
	b := Malloc(128)

	if a == b {
		t.Fatal("expected distinct addresses for independent allocations")
	}
	if b < a+64 {
		t.Fatalf("second allocation at %#x overlaps the first (64 bytes from %#x)", b, a)
	}

	// The returned memory must be writable.
	buf := (*[64]byte)(unsafe.Pointer(a))
	for i := range buf {
		buf[i] = byte(i)
	}
	for i := range buf {
		if buf[i] != byte(i) {
			t.Fatalf("byte %d: expected %d, got %d", i, byte(i), buf[i])
		}
	}
}

func TestMallocRoundsUpToFourByteAlignment(t *testing.T) {
	withHeap(t, 2, 1)

	first := Malloc(5)
	second := Malloc(4)

	if second-first != 8+headerSize {
		t.Fatalf("expected a 5-byte request to occupy 8 bytes (rounded up) plus a %d-byte header; got stride %d", headerSize, second-first)
	}
}

func TestFreeThenReallocReturnsSameBlock(t *testing.T) {
	withHeap(t, 2, 1)

	a := Malloc(128)
	Free(a)

	b := Malloc(128)
	if a != b {
		t.Fatalf("expected the freed block to be reused; got %#x, want %#x", b, a)
	}
}

func TestFreeCoalescesAdjacentFreeBlocks(t *testing.T) {
	withHeap(t, 2, 1)

	a := Malloc(64)
	b := Malloc(64)
	c := Malloc(64)

	Free(a)
	Free(b)

	// a and b are now one free block; a large-enough request should reuse
	// the merged span rather than falling through to c or growing.
	merged := Malloc(64 + 64 + uint32(headerSize))
	if merged != a {
		t.Fatalf("expected coalesced block to be reused at %#x, got %#x", a, merged)
	}

	Free(c)
	Free(merged)
}

func TestFreeOfBadMagicPanics(t *testing.T) {
	withHeap(t, 2, 1)

	a := Malloc(64)

	defer func() {
		if recover() == nil {
			t.Fatal("expected Free to panic on a corrupted header")
		}
	}()

	hdr := (*block)(unsafe.Pointer(a - headerSize))
	hdr.magic1 = 0
	Free(a)
}

func TestFreeOfDoubleFreePanics(t *testing.T) {
	withHeap(t, 2, 1)

	a := Malloc(64)
	Free(a)

	defer func() {
		if recover() == nil {
			t.Fatal("expected a double free to panic")
		}
	}()
	Free(a)
}

func TestMallocGrowsHeapWhenNoBlockFits(t *testing.T) {
	withHeap(t, 1, 4)

	// A single-frame group leaves little headroom; request just under a
	// full group repeatedly to force at least one growth.
	groupPayload := uint32(mm.PageSize) - uint32(headerSize)

	first := Malloc(groupPayload - 256)
	second := Malloc(groupPayload - 256)

	if second == first {
		t.Fatal("expected the second allocation, forced by growth, to land on a new block")
	}
}

func TestMallocPanicsWhenRequestExceedsGroupSize(t *testing.T) {
	withHeap(t, 1, 1)

	defer func() {
		if recover() == nil {
			t.Fatal("expected an over-sized request to panic")
		}
	}()

	Malloc(uint32(mm.PageSize))
}
