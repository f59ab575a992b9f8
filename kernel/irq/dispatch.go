package irq

import (
	"x86kernel/kernel"
	"x86kernel/kernel/kfmt"
)

var errUnhandledVector = &kernel.Error{Module: "irq", Message: "no handler registered for interrupt vector"}

// HandlerFunc handles an interrupt or exception. Any modifications the
// handler makes to regs are propagated back to the interrupted context when
// it returns.
type HandlerFunc func(regs *Registers)

var handlers [entryCount]HandlerFunc

// HandleVector registers handler as the dispatch target for vector. It
// overwrites any previously registered handler.
func HandleVector(vector Vector, handler HandlerFunc) {
	handlers[vector] = handler
}

// dispatch is the single Go entrypoint invoked by the shared assembly
// trampoline for every vector. It looks up the registered handler for
// regs.IntNo and calls it, falling back to a diagnostic panic for vectors
// nothing has claimed.
func dispatch(regs *Registers) {
	if h := handlers[regs.IntNo]; h != nil {
		h(regs)
		return
	}

	kfmt.Printf("\nunhandled interrupt, vector %d\n", regs.IntNo)
	regs.DumpTo()
	panic(errUnhandledVector)
}
