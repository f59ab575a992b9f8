package sync

import "x86kernel/kernel/cpu"

// maxHeldResources bounds the per-CPU held-resource stack. It only ever
// needs to hold one entry per distinct Resource value, since re-entrant
// acquisition of the same resource is a bug the ordering check above would
// already have caught.
const maxHeldResources = 8

// heldStack tracks the resources a single CPU currently holds, in
// acquisition order. It is only ever touched by the CPU it belongs to, and
// only while that CPU has interrupts disabled (PushCLI runs before any
// push/pop), so no locking of its own is required.
type heldStack struct {
	resources [maxHeldResources]Resource
	n         int
}

var heldResources [cpu.MaxCPUs]heldStack

// cpuIndex returns self's slot in the CPU topology table, or -1 if self is
// not a registered CPU (should not happen once topology setup has run).
func cpuIndex(self *cpu.Descriptor) int {
	for i := 0; i < cpu.Count(); i++ {
		if cpu.ByIndex(i) == self {
			return i
		}
	}
	return -1
}

// highestHeldResource returns the highest-ordered Resource self currently
// holds, or nil if it holds none.
func highestHeldResource(self *cpu.Descriptor) *Resource {
	idx := cpuIndex(self)
	if idx < 0 {
		return nil
	}

	st := &heldResources[idx]
	if st.n == 0 {
		return nil
	}
	return &st.resources[st.n-1]
}

// pushHeldResource records that self has just acquired r.
func pushHeldResource(self *cpu.Descriptor, r Resource) {
	idx := cpuIndex(self)
	if idx < 0 {
		return
	}

	st := &heldResources[idx]
	if st.n >= len(st.resources) {
		return
	}
	st.resources[st.n] = r
	st.n++
}

// popHeldResource records that self has just released r. r is expected to be
// the most recently pushed entry; locks are released in LIFO order by
// construction, since Acquire panics rather than let a CPU hold locks out of
// order.
func popHeldResource(self *cpu.Descriptor, r Resource) {
	idx := cpuIndex(self)
	if idx < 0 {
		return
	}

	st := &heldResources[idx]
	if st.n == 0 {
		return
	}
	st.n--
}
