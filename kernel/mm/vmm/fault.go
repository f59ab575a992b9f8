package vmm

import (
	"x86kernel/kernel"
	"x86kernel/kernel/irq"
	"x86kernel/kernel/kfmt"
	"x86kernel/kernel/mm"
)

var (
	// handleVectorFn is used by tests and is automatically inlined by the
	// compiler.
	handleVectorFn = irq.HandleVector
)

func installFaultHandlers() {
	handleVectorFn(irq.PageFaultException, pageFaultHandler)
	handleVectorFn(irq.GPFException, generalProtectionFaultHandler)
}

// pageFaultHandler is invoked when a page table entry is not present or when
// a privilege/RW protection check fails.
func pageFaultHandler(regs *irq.Registers) {
	var (
		faultAddress = uintptr(readCR2Fn())
		faultPage    = mm.PageFromAddress(faultAddress)
		pageEntry    *pageTableEntry
	)

	walk(faultPage.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		nextIsPresent := pte.HasFlags(FlagPresent)

		if pteLevel == pageLevels-1 && nextIsPresent {
			pageEntry = pte
		}

		return nextIsPresent
	})

	if pageEntry != nil && !pageEntry.HasFlags(FlagRW) && pageEntry.HasFlags(FlagCloned) {
		privatizeClonedPage(faultAddress, faultPage, pageEntry, regs)
		return
	}

	nonRecoverablePageFault(faultAddress, regs, errUnrecoverableFault)
}

// privatizeClonedPage handles a write fault against a page shared between a
// forked address space and its parent: it allocates a fresh frame, copies the
// shared contents into it, drops the reference on the shared frame, and
// rewrites the faulting entry to point at the private copy with RW restored.
func privatizeClonedPage(faultAddress uintptr, faultPage mm.Page, pageEntry *pageTableEntry, regs *irq.Registers) {
	var (
		newFrame mm.Frame
		tmpPage  mm.Page
		err      *kernel.Error
	)

	oldFrame := pageEntry.Frame()

	if oldFrame != ReservedZeroedFrame && cowRefCount(oldFrame) <= 1 {
		// We are the last address space referencing this frame; there is
		// no one left to share it with, so we can keep it and simply
		// restore write access.
		pageEntry.ClearFlags(FlagCloned)
		pageEntry.SetFlags(FlagPresent | FlagRW)
		flushTLBEntryFn(faultPage.Address())
		cowRelease(oldFrame)
		return
	}

	if newFrame, err = mm.AllocFrame(); err != nil {
		nonRecoverablePageFault(faultAddress, regs, err)
		return
	} else if tmpPage, err = mapTemporaryFn(newFrame); err != nil {
		nonRecoverablePageFault(faultAddress, regs, err)
		return
	}

	kernel.Memcopy(faultPage.Address(), tmpPage.Address(), mm.PageSize)
	_ = unmapFn(tmpPage)

	pageEntry.ClearFlags(FlagCloned)
	pageEntry.SetFlags(FlagPresent | FlagRW)
	pageEntry.SetFrame(newFrame)
	flushTLBEntryFn(faultPage.Address())

	cowRelease(oldFrame)
}

func nonRecoverablePageFault(faultAddress uintptr, regs *irq.Registers, err *kernel.Error) {
	kfmt.Printf("\npage fault while accessing address: 0x%x\nreason: ", faultAddress)
	switch regs.ErrCode {
	case 0:
		kfmt.Printf("read from non-present page")
	case 1:
		kfmt.Printf("page protection violation (read)")
	case 2:
		kfmt.Printf("write to non-present page")
	case 3:
		kfmt.Printf("page protection violation (write)")
	case 4:
		kfmt.Printf("page-fault in user-mode")
	case 8:
		kfmt.Printf("page table has reserved bit set")
	case 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nregisters:\n")
	regs.DumpTo()

	// TODO: deliver a recoverable signal to the faulting process instead
	// of halting once user-mode fault recovery is implemented.
	panic(err)
}

func generalProtectionFaultHandler(regs *irq.Registers) {
	kfmt.Printf("\ngeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("registers:\n")
	regs.DumpTo()

	panic(errUnrecoverableFault)
}
