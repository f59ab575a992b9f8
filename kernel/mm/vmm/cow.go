package vmm

import "x86kernel/kernel/mm"

// cowRefCounts tracks, for every frame currently shared between two or more
// address spaces after a fork, how many page table entries point at it with
// FlagCloned set. It is an ordinary Go map rather than a frame-backed table:
// the entries are small, short-lived and their count is not known in
// advance, all of which make the Go runtime's allocator (which backs Go's
// map type) a better fit than reserving whole physical frames to index by
// frame number.
var cowRefCounts = make(map[mm.Frame]uint32)

// cowRetain records a new cloned reference to frame, called once per entry
// when an address space is cloned (see clone.go). A frame with no existing
// entry is assumed to have had exactly one owner before this call, so the
// first retain brings its count to two.
func cowRetain(frame mm.Frame) {
	if n, ok := cowRefCounts[frame]; ok {
		cowRefCounts[frame] = n + 1
		return
	}
	cowRefCounts[frame] = 2
}

// cowRefCount returns the number of cloned references remaining on frame. A
// frame with no recorded references is assumed to have exactly one owner.
func cowRefCount(frame mm.Frame) uint32 {
	if n, ok := cowRefCounts[frame]; ok {
		return n
	}
	return 1
}

// cowRelease drops one cloned reference from frame. Once the count reaches
// zero the bookkeeping entry is removed; the frame itself is left alone,
// since by that point the caller already owns it exclusively.
func cowRelease(frame mm.Frame) {
	n, ok := cowRefCounts[frame]
	if !ok {
		return
	}

	if n <= 1 {
		delete(cowRefCounts, frame)
		return
	}
	cowRefCounts[frame] = n - 1
}
