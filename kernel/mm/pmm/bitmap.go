package pmm

import (
	"reflect"
	"unsafe"

	"x86kernel/kernel"
	"x86kernel/kernel/hal/multiboot"
	"x86kernel/kernel/kfmt"
	"x86kernel/kernel/mm"
)

var (
	errOutOfMemory = &kernel.Error{Module: "pmm", Message: "no free frames available"}
	errNoRoomForBitmap = &kernel.Error{Module: "pmm", Message: "could not find a region large enough to hold the frame bitmap"}

	// bitmap tracks, one bit per frame, whether a frame is taken (1) or
	// free (0). It covers every frame up to totalFrames, including frames
	// that back reserved or unusable regions, which are pre-marked taken
	// during Init so that AllocFirst never hands them out.
	bitmap    []byte
	bitmapHdr reflect.SliceHeader

	totalFrames uint32

	// nextScan holds the index of the frame right after the last one handed
	// out (Free lowers it to any freed frame below it) so that repeated
	// allocations do not always re-scan from frame 0. It is only a hint:
	// AllocFirst still wraps around and checks every frame.
	nextScan uint32
)

// Init builds the flat frame bitmap that backs the entire physical address
// space reported by the bootloader's memory map, then reserves the frames
// occupied by the kernel image and by the bitmap itself.
//
// Unlike a pool-per-region design, a single flat bitmap is used (see
// original design note: one bit per 4K frame, spanning the highest reported
// address) so that AllocFirst and AllocFirstN can be a single linear scan
// with no pool bookkeeping.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	highestAddr := uint64(0)
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if end := region.PhysAddress + region.Length; end > highestAddr {
			highestAddr = end
		}
		return true
	})

	totalFrames = uint32((highestAddr + uint64(mm.PageSize) - 1) >> mm.PageShift)
	bitmapBytes := uintptr((totalFrames + 7) >> 3)

	bitmapAddr, err := findBitmapHome(bitmapBytes, kernelStart, kernelEnd)
	if err != nil {
		return err
	}

	bitmapHdr.Data = bitmapAddr
	bitmapHdr.Len = int(bitmapBytes)
	bitmapHdr.Cap = int(bitmapBytes)
	bitmap = *(*[]byte)(unsafe.Pointer(&bitmapHdr))

	// Start out with everything taken; available regions are punched out
	// below. This way firmware-reserved gaps and anything past the last
	// reported region default to "taken" without an explicit pass.
	for i := range bitmap {
		bitmap[i] = 0xFF
	}

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}
		markRange(region.PhysAddress, region.PhysAddress+region.Length, false)
		return true
	})

	MarkTaken(kernelStart, kernelEnd)
	MarkTaken(bitmapAddr, bitmapAddr+bitmapBytes)

	mm.SetFrameAllocator(allocFrame)
	printStats()
	return nil
}

// findBitmapHome scans the available regions reported by the bootloader for
// the first one that can hold size contiguous bytes without overlapping the
// kernel image, and returns its starting physical address.
func findBitmapHome(size uintptr, kernelStart, kernelEnd uintptr) (uintptr, *kernel.Error) {
	var (
		home    uintptr
		found   bool
		sizeU64 = uint64(size)
	)

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable || region.Length < sizeU64 {
			return true
		}

		candidate := region.PhysAddress
		if candidate < uint64(kernelEnd) && candidate+sizeU64 > uint64(kernelStart) {
			candidate = uint64(kernelEnd)
			if candidate+sizeU64 > region.PhysAddress+region.Length {
				return true
			}
		}

		home = uintptr(candidate)
		found = true
		return false
	})

	if !found {
		return 0, errNoRoomForBitmap
	}
	return home, nil
}

// markRange flips the bits for every frame fully or partially covered by
// [start, end) to the given taken state. start is rounded down and end is
// rounded up to a frame boundary, matching pmm_mark_mem_taken's contract.
func markRange(start, end uint64, taken bool) {
	pageSizeMinus1 := uint64(mm.PageSize - 1)
	startFrame := uint32((start &^ pageSizeMinus1) >> mm.PageShift)
	endFrame := uint32(((end + pageSizeMinus1) &^ pageSizeMinus1) >> mm.PageShift)

	for f := startFrame; f < endFrame && f < totalFrames; f++ {
		setBit(f, taken)
	}
}

// MarkTaken reserves every frame overlapping [start, end), rounding start
// down and end up to a frame boundary.
func MarkTaken(start, end uintptr) {
	markRange(uint64(start), uint64(end), true)
}

// IsTaken reports whether the given frame is currently reserved.
func IsTaken(frame mm.Frame) bool {
	idx := uint32(frame)
	if idx >= totalFrames {
		return true
	}
	return bitmap[idx>>3]&(1<<(idx&7)) != 0
}

func setBit(frame uint32, taken bool) {
	byteIdx, mask := frame>>3, byte(1<<(frame&7))
	if taken {
		bitmap[byteIdx] |= mask
	} else {
		bitmap[byteIdx] &^= mask
	}
}

// AllocFirst returns the first free frame, marking it taken. It is the
// primitive AllocFirstN and the mm.FrameAllocatorFn wiring build on.
func AllocFirst() (mm.Frame, *kernel.Error) {
	for i := uint32(0); i < totalFrames; i++ {
		idx := (nextScan + i) % totalFrames
		if !IsTaken(mm.Frame(idx)) {
			setBit(idx, true)
			nextScan = idx + 1
			return mm.Frame(idx), nil
		}
	}
	return mm.InvalidFrame, errOutOfMemory
}

// AllocFirstN returns the first frame of a run of n contiguous free frames,
// marking all of them taken. It is used by callers that need physically
// contiguous memory (e.g. DMA buffers); the kernel heap does not use it and
// allocates its frame groups one frame at a time through mm.AllocFrame.
func AllocFirstN(n uint32) (mm.Frame, *kernel.Error) {
	if n == 0 {
		return mm.InvalidFrame, errOutOfMemory
	}

	var runStart, runLen uint32
	for f := uint32(0); f < totalFrames; f++ {
		if IsTaken(mm.Frame(f)) {
			runLen = 0
			continue
		}

		if runLen == 0 {
			runStart = f
		}
		runLen++

		if runLen == n {
			for i := runStart; i < runStart+n; i++ {
				setBit(i, true)
			}
			nextScan = runStart + n
			return mm.Frame(runStart), nil
		}
	}
	return mm.InvalidFrame, errOutOfMemory
}

// Free releases a previously allocated frame. Freeing a frame that is
// already free is a no-op, matching pmm_free's documented behaviour.
func Free(frame mm.Frame) {
	idx := uint32(frame)
	if idx >= totalFrames {
		return
	}
	setBit(idx, false)
	if idx < nextScan {
		nextScan = idx
	}
}

func allocFrame() (mm.Frame, *kernel.Error) {
	return AllocFirst()
}

func printStats() {
	var taken uint32
	for f := uint32(0); f < totalFrames; f++ {
		if IsTaken(mm.Frame(f)) {
			taken++
		}
	}
	kfmt.Printf("[pmm] frame bitmap covers %d frames, %d reserved, %d free\n", totalFrames, taken, totalFrames-taken)
}
