// Package acpi locates the firmware ACPI tables the bring-up sequence needs
// before paging is enabled: the RSDP, and, through it, the RSDT/XSDT pointer
// array. Every address handled here is physical and dereferenced directly
// (unlike device/acpi, which maps tables through the VMM - this package runs
// earlier in kmain, while the boot-time identity mapping is still whatever
// the bootloader left behind).
package acpi

import (
	"unsafe"

	"x86kernel/device/acpi/table"
	"x86kernel/kernel"
)

const (
	// biosDataAddr is the start of the BIOS Data Area. The word at
	// biosDataAddr+ebdaPtrOffset holds the EBDA's segment, which shifted
	// left 4 gives its physical address.
	biosDataAddr  = uintptr(0x400)
	ebdaPtrOffset = uintptr(0x0e)

	acpiRev2Plus = uint8(2)
)

var (
	rsdpSignature = [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '}

	errNoRSDP        = &kernel.Error{Module: "acpi", Message: "no ACPI RSDP found in the EBDA or BIOS ROM region"}
	errTableNotFound = &kernel.Error{Module: "acpi", Message: "requested ACPI table is not listed in the RSDT/XSDT"}

	rsdtAddr uintptr
	useXSDT  bool

	// The following are vars rather than consts so tests can redirect the
	// scan to a real Go-backed buffer instead of physical addresses a
	// hosted test process cannot dereference.
	ebdaScanLen  = uintptr(1024)
	biosROMStart = uintptr(0xe0000)
	biosROMEnd   = uintptr(0x100000)
	rsdpAlignment = uintptr(16)

	// ebdaBaseFn is mocked by tests, which cannot dereference the real
	// BIOS data area.
	ebdaBaseFn = ebdaBase
)

// Init locates the RSDP (EBDA first, falling back to the BIOS ROM region)
// and records the RSDT/XSDT address it points to. It must be called before
// any use of FindTable, and must run before the VMM is up: every read it
// performs is a direct physical dereference.
func Init() *kernel.Error {
	base := ebdaBaseFn()
	if addr, xsdt, ok := scanForRSDP(base, base+ebdaScanLen); ok {
		rsdtAddr, useXSDT = addr, xsdt
		return nil
	}

	if addr, xsdt, ok := scanForRSDP(biosROMStart, biosROMEnd); ok {
		rsdtAddr, useXSDT = addr, xsdt
		return nil
	}

	return errNoRSDP
}

// ebdaBase reads the EBDA segment pointer out of the BIOS Data Area and
// returns its physical base address.
func ebdaBase() uintptr {
	seg := *(*uint16)(unsafe.Pointer(biosDataAddr + ebdaPtrOffset))
	return uintptr(seg) << 4
}

// scanForRSDP walks [start, end) on 16-byte boundaries looking for a valid
// "RSD PTR " descriptor. A signature match with a bad checksum does not stop
// the scan; it keeps looking for a later, valid candidate.
func scanForRSDP(start, end uintptr) (addr uintptr, xsdt bool, found bool) {
	for cur := start; cur < end; cur += rsdpAlignment {
		rsdp := (*table.RSDPDescriptor)(unsafe.Pointer(cur))
		if rsdp.Signature != rsdpSignature {
			continue
		}

		if rsdp.Revision < acpiRev2Plus {
			if !checksumOK(cur, uint32(unsafe.Sizeof(table.RSDPDescriptor{}))) {
				continue
			}
			return uintptr(rsdp.RSDTAddr), false, true
		}

		ext := (*table.ExtRSDPDescriptor)(unsafe.Pointer(cur))
		if !checksumOK(cur, uint32(unsafe.Sizeof(table.ExtRSDPDescriptor{}))) {
			continue
		}
		return uintptr(ext.XSDTAddr), true, true
	}

	return 0, false, false
}

// checksumOK sums length bytes starting at ptr and reports whether they sum
// to zero mod 256, the standard ACPI table checksum rule.
func checksumOK(ptr uintptr, length uint32) bool {
	var sum uint8
	for i := uint32(0); i < length; i++ {
		sum += *(*uint8)(unsafe.Pointer(ptr + uintptr(i)))
	}
	return sum == 0
}

// FindTable walks the RSDT (or XSDT) pointer array looking for a header
// whose Signature matches. It returns the physical address of the matching
// SDTHeader.
func FindTable(signature [4]byte) (*table.SDTHeader, *kernel.Error) {
	rsdt := (*table.SDTHeader)(unsafe.Pointer(rsdtAddr))
	sizeofHeader := unsafe.Sizeof(table.SDTHeader{})

	ptrSize := uintptr(4)
	if useXSDT {
		ptrSize = 8
	}

	for cur := rsdtAddr + sizeofHeader; cur < rsdtAddr+uintptr(rsdt.Length); cur += ptrSize {
		var entryAddr uintptr
		if useXSDT {
			entryAddr = uintptr(*(*uint64)(unsafe.Pointer(cur)))
		} else {
			entryAddr = uintptr(*(*uint32)(unsafe.Pointer(cur)))
		}

		header := (*table.SDTHeader)(unsafe.Pointer(entryAddr))
		if header.Signature == signature {
			return header, nil
		}
	}

	return nil, errTableNotFound
}
