package vmm

import "math"

const (
	// pageLevels indicates the number of page table levels used by the
	// i386 two-level (non-PAE) paging scheme: a page directory and a page
	// table.
	pageLevels = 2

	// ptePhysPageMask is a mask that allows us to extract the physical
	// memory address pointed to by a page table entry. For this
	// architecture, bits 12-31 contain the physical address.
	ptePhysPageMask = uintptr(0xFFFFF000)

	// tempMappingAddr is a reserved virtual page address used for
	// temporary physical page mappings (e.g. when mapping inactive PDT
	// pages). It lives in directory slot 1022, table slot 1023 so it
	// never overlaps the recursive self-map installed at directory slot
	// 1023 (see pdtVirtualAddr).
	tempMappingAddr = uintptr(0xFFBFF000)
)

var (
	// pdtVirtualAddr exploits the recursive self-map installed at
	// directory slot 1023 of every page directory: setting both the
	// directory and table index bits of a virtual address to all ones
	// makes the MMU walk back into the directory itself, exposing it as
	// if it were an ordinary page of page-table entries.
	pdtVirtualAddr = uintptr(math.MaxUint32 &^ ((1 << 12) - 1))

	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level. Each level uses 10 bits, giving
	// 1024 entries per directory/table.
	pageLevelBits = [pageLevels]uint8{
		10,
		10,
	}

	// pageLevelShifts defines the shift required to access each page
	// table component of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		22,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set when using 4Mb pages instead of 4K pages. Only
	// meaningful on page directory entries.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when switching page directories by updating CR3.
	FlagGlobal

	_ // bit 9: unused, reserved for OS use

	_ // bit 10: unused, reserved for OS use

	// FlagCloned is a software-defined flag (bit 11, ignored by the MMU)
	// used to mark a page table entry as copy-on-write after a fork: the
	// entry is mapped read-only and FlagCloned is set so the page fault
	// handler can tell a legitimate read-only mapping apart from one that
	// needs to be privatized on write (see fault.go).
	FlagCloned = 1 << 11
)
