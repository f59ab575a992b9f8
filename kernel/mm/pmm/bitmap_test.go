package pmm

import (
	"reflect"
	"testing"
	"unsafe"

	"x86kernel/kernel/mm"
)

// withBitmap installs a scratch backing array as the frame bitmap for the
// duration of a test, bypassing Init (which requires a real multiboot memory
// map) so the bit-manipulation primitives can be exercised directly.
func withBitmap(t *testing.T, frames uint32, fn func()) {
	t.Helper()

	savedHdr, savedBitmap, savedTotal, savedScan := bitmapHdr, bitmap, totalFrames, nextScan
	defer func() {
		bitmapHdr, bitmap, totalFrames, nextScan = savedHdr, savedBitmap, savedTotal, savedScan
	}()

	backing := make([]byte, (frames+7)>>3)
	bitmapHdr = reflect.SliceHeader{
		Data: uintptr(unsafe.Pointer(&backing[0])),
		Len:  len(backing),
		Cap:  len(backing),
	}
	bitmap = backing
	totalFrames = frames
	nextScan = 0

	fn()
}

func TestAllocFirst(t *testing.T) {
	withBitmap(t, 8, func() {
		for i := 0; i < 8; i++ {
			frame, err := AllocFirst()
			if err != nil {
				t.Fatalf("alloc %d: unexpected error: %v", i, err)
			}
			if exp := mm.Frame(i); frame != exp {
				t.Fatalf("alloc %d: expected frame %d, got %d", i, exp, frame)
			}
		}

		if _, err := AllocFirst(); err == nil {
			t.Fatal("expected out-of-memory error once all frames are taken")
		}
	})
}

func TestFreeThenRealloc(t *testing.T) {
	withBitmap(t, 4, func() {
		f0, _ := AllocFirst()
		f1, _ := AllocFirst()
		_, _ = AllocFirst()
		_, _ = AllocFirst()

		Free(f1)
		if IsTaken(f1) {
			t.Fatal("expected frame to be free after Free")
		}

		got, err := AllocFirst()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != f1 {
			t.Fatalf("expected reallocation to reuse freed frame %d, got %d", f1, got)
		}

		// Freeing an already-free frame must be a harmless no-op.
		Free(f0)
		Free(f0)
		if IsTaken(f0) {
			t.Fatal("expected frame to remain free after double Free")
		}
	})
}

func TestAllocFirstNFindsContiguousRun(t *testing.T) {
	withBitmap(t, 16, func() {
		setBit(2, true)
		setBit(5, true)

		frame, err := AllocFirstN(4)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if exp := mm.Frame(6); frame != exp {
			t.Fatalf("expected contiguous run to start at frame %d, got %d", exp, frame)
		}

		for f := uint32(6); f < 10; f++ {
			if !IsTaken(mm.Frame(f)) {
				t.Fatalf("expected frame %d to be marked taken", f)
			}
		}
	})
}

func TestAllocFirstNFailsWhenNoRunFits(t *testing.T) {
	withBitmap(t, 8, func() {
		for _, f := range []uint32{1, 3, 5, 7} {
			setBit(f, true)
		}

		if _, err := AllocFirstN(2); err == nil {
			t.Fatal("expected error when no contiguous run of the requested size exists")
		}
	})
}

func TestMarkTakenRoundsToFrameBoundaries(t *testing.T) {
	withBitmap(t, 4, func() {
		MarkTaken(uintptr(mm.PageSize)+1, uintptr(mm.PageSize)*2+1)

		if IsTaken(0) {
			t.Fatal("frame 0 should not be affected")
		}
		if !IsTaken(1) || !IsTaken(2) {
			t.Fatal("expected frames spanning the rounded range to be taken")
		}
	})
}
