// Package sync provides synchronization primitive implementations for
// spinlocks.
package sync

import (
	"sync/atomic"

	"x86kernel/kernel"
	"x86kernel/kernel/cpu"
)

var (
	// TODO: replace with real yield function when context-switching is implemented.
	yieldFn func()

	currentCPUFn = cpu.Current
	pushCLIFn    = (*cpu.Descriptor).PushCLI
	popCLIFn     = (*cpu.Descriptor).PopCLI

	errLockOrderViolation = &kernel.Error{Module: "sync", Message: "attempted to acquire a lock out of resource order"}
)

// Resource identifies the shared resource a Spinlock protects. Resources are
// ordered; a CPU already holding a lock may only acquire another lock with a
// strictly higher Resource value. Violating this order is how two CPUs can
// deadlock by acquiring the same two locks in opposite order, so Acquire
// panics instead of allowing it.
//
// Resources that are rarely contended and rarely held while acquiring
// anything else (the console, the heap) sort last; resources close to
// everyday syscalls (the process table, the VFS) sort first.
type Resource uint8

const (
	LockProc Resource = iota
	LockVFS
	LockATA
	LockConsole
	LockHeap
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. While held, interrupts are disabled on
// the acquiring CPU (via cpu.PushCLI), so an interrupt handler can never be
// entered while it holds the same lock it would need to make progress.
type Spinlock struct {
	state uint32

	// Resource fixes this lock's place in the acquisition order.
	Resource Resource
}

// NewSpinlock returns a Spinlock protecting the given Resource.
func NewSpinlock(r Resource) Spinlock {
	return Spinlock{Resource: r}
}

// Acquire blocks until the lock can be acquired by the currently active CPU.
// Acquiring a lock whose Resource sorts at or before a lock this CPU already
// holds panics instead of risking a deadlock against another CPU that
// acquires the same two locks in the opposite order.
func (l *Spinlock) Acquire() {
	self := currentCPUFn()
	pushCLIFn(self)

	if held := highestHeldResource(self); held != nil && l.Resource <= *held {
		panic(errLockOrderViolation)
	}

	archAcquireSpinlock(&l.state, 1)
	pushHeldResource(self, l.Resource)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock
// could be acquired or false otherwise. On success, interrupts are disabled
// exactly as in Acquire; on failure they are left as found.
func (l *Spinlock) TryToAcquire() bool {
	self := currentCPUFn()
	pushCLIFn(self)

	if held := highestHeldResource(self); held != nil && l.Resource <= *held {
		popCLIFn(self)
		return false
	}

	if atomic.SwapUint32(&l.state, 1) == 0 {
		pushHeldResource(self, l.Resource)
		return true
	}

	popCLIFn(self)
	return false
}

// Release relinquishes a held lock allowing other tasks to acquire it, and
// re-enables interrupts once every lock this CPU held has been released.
func (l *Spinlock) Release() {
	self := currentCPUFn()
	atomic.StoreUint32(&l.state, 0)
	popHeldResource(self, l.Resource)
	popCLIFn(self)
}

// archAcquireSpinlock is an arch-specific implementation for acquiring the lock.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32)
