package vmm

import (
	"unsafe"

	"x86kernel/kernel"
	"x86kernel/kernel/mm"
)

// kernelSplitEntry is the first page directory entry shared verbatim by
// every address space: entries [0, kernelSplitEntry) belong to a single
// process' user mappings, entries [kernelSplitEntry, 1023) are the kernel's
// own mappings (copied, not cloned, into every new address space) and entry
// 1023 is each PDT's private recursive self-map.
const kernelSplitEntry = 768

// selfMapBase is the virtual address of directory index 1023 with table
// index 0, the start of the recursively-mapped 4MB window that exposes the
// currently active PDT's own page tables.
const selfMapBase = uintptr(1023) << 22

// CreateAddressSpace allocates and initializes a new, empty page directory
// table that already has the kernel's own mappings installed, matching the
// source's "create an empty address space that has the kernel mapped in".
func CreateAddressSpace() (PageDirectoryTable, *kernel.Error) {
	var pdt PageDirectoryTable

	frame, err := mm.AllocFrame()
	if err != nil {
		return pdt, err
	}
	if err = pdt.Init(frame); err != nil {
		return pdt, err
	}
	if err = copyKernelEntries(pdt); err != nil {
		return pdt, err
	}

	return pdt, nil
}

// copyKernelEntries copies the shared kernel directory entries from the
// currently active PDT into pdt. It assumes the caller is running with the
// kernel's own PDT active, which always holds during fork: a process only
// ever clones its own, currently active, address space.
func copyKernelEntries(pdt PageDirectoryTable) *kernel.Error {
	newDirPage, err := mapTemporaryFn(pdt.pdtFrame)
	if err != nil {
		return err
	}
	defer func() { _ = unmapFn(newDirPage) }()

	newDir := (*[1024]pageTableEntry)(unsafe.Pointer(newDirPage.Address()))
	curDir := (*[1024]pageTableEntry)(unsafe.Pointer(pdtVirtualAddr))

	for i := kernelSplitEntry; i < 1023; i++ {
		newDir[i] = curDir[i]
	}
	return nil
}

// CloneAddressSpace implements fork()-style address space duplication: it
// builds a new address space sharing the kernel mappings, then walks every
// present user page table entry in the currently active address space,
// privatizes it from RW to read-only+FlagCloned in both the source and the
// new address space, and records the shared reference so the page fault
// handler knows when a privatizing copy is actually needed.
//
// Unlike the source implementation (which marks whole page directory
// entries, i.e. 4MB regions, as cloned), this walks down to individual leaf
// page table entries: the recursive self-map and PageDirectoryTable.Map
// already provide page-granular access, so there is no reason to share
// COW status at a coarser granularity than the MMU itself supports.
func CloneAddressSpace() (PageDirectoryTable, *kernel.Error) {
	to, err := CreateAddressSpace()
	if err != nil {
		return to, err
	}

	fromDir := (*[1024]pageTableEntry)(unsafe.Pointer(pdtVirtualAddr))

	for dirIdx := 0; dirIdx < kernelSplitEntry; dirIdx++ {
		pde := &fromDir[dirIdx]
		if !pde.HasFlags(FlagPresent) {
			continue
		}

		ptEntries := (*[1024]pageTableEntry)(unsafe.Pointer(selfMapBase | (uintptr(dirIdx) << mm.PageShift)))
		for pteIdx := 0; pteIdx < 1024; pteIdx++ {
			pte := &ptEntries[pteIdx]
			if !pte.HasFlags(FlagPresent) || !pte.HasFlags(FlagRW) {
				continue
			}

			frame := pte.Frame()
			page := mm.Page((uintptr(dirIdx) << 10) | uintptr(pteIdx))

			sharedFlags := PageTableEntryFlag(uintptr(*pte)&^ptePhysPageMask) &^ FlagRW | FlagCloned

			pte.ClearFlags(FlagRW)
			pte.SetFlags(FlagCloned)
			flushTLBEntryFn(page.Address())

			if err = to.Map(page, frame, sharedFlags); err != nil {
				return to, err
			}

			cowRetain(frame)
		}
	}

	return to, nil
}
