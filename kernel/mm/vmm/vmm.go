package vmm

import (
	"x86kernel/kernel"
	"x86kernel/kernel/cpu"
	"x86kernel/kernel/mm"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	readCR2Fn   = cpu.ReadCR2
	translateFn = Translate

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
)

// Init sets up the kernel page directory table from the loaded kernel
// image's own ELF section headers (so that e.g. .rodata ends up read-only
// and NX while .text stays executable), carries over the existing mappings
// of anything reserved via EarlyReserveRegion, and installs the page-fault and general-protection-
// fault handlers. kernelPageOffset is the kernel's VMA base, used to
// recover each ELF section's physical frame from its virtual address.
func Init(kernelPageOffset uintptr) *kernel.Error {
	if err := setupPDTForKernel(kernelPageOffset); err != nil {
		return err
	}

	installFaultHandlers()

	return reserveZeroedFrame()
}

// reserveZeroedFrame reserves a physical frame to be used together with
// FlagCloned for copy-on-write mappings that have not yet been privatized.
func reserveZeroedFrame() *kernel.Error {
	var (
		err      *kernel.Error
		tempPage mm.Page
	)

	if ReservedZeroedFrame, err = mm.AllocFrame(); err != nil {
		return err
	} else if tempPage, err = mapTemporaryFn(ReservedZeroedFrame); err != nil {
		return err
	}
	kernel.Memset(tempPage.Address(), 0, mm.PageSize)
	_ = unmapFn(tempPage)

	protectReservedZeroedPage = true
	return nil
}
