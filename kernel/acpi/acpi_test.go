package acpi

import (
	"testing"
	"unsafe"

	"x86kernel/device/acpi/table"
)

func withScanWindow(t *testing.T, buf []byte) {
	t.Helper()

	savedEBDAFn := ebdaBaseFn
	savedLen, savedLow, savedHi, savedAlign := ebdaScanLen, biosROMStart, biosROMEnd, rsdpAlignment
	savedRsdt, savedXSDT := rsdtAddr, useXSDT
	t.Cleanup(func() {
		ebdaBaseFn = savedEBDAFn
		ebdaScanLen, biosROMStart, biosROMEnd, rsdpAlignment = savedLen, savedLow, savedHi, savedAlign
		rsdtAddr, useXSDT = savedRsdt, savedXSDT
	})

	base := uintptr(unsafe.Pointer(&buf[0]))
	ebdaBaseFn = func() uintptr { return base }
	ebdaScanLen = 0 // force the EBDA scan to miss so the BIOS-ROM fallback runs
	biosROMStart, biosROMEnd = base, base+uintptr(len(buf))
	// The buffer is not guaranteed to be 16-byte aligned; scan every byte.
	rsdpAlignment = 1
}

func calcChecksum(ptr uintptr, length uintptr) uint8 {
	var sum uint8
	for i := uintptr(0); i < length; i++ {
		sum += *(*uint8)(unsafe.Pointer(ptr + i))
	}
	return sum
}

func TestInitLocatesRSDT(t *testing.T) {
	sizeofRSDP := unsafe.Sizeof(table.RSDPDescriptor{})
	buf := make([]byte, 2*sizeofRSDP)
	withScanWindow(t, buf)

	rsdp := (*table.RSDPDescriptor)(unsafe.Pointer(&buf[sizeofRSDP]))
	rsdp.Signature = rsdpSignature
	rsdp.Revision = 0
	rsdp.RSDTAddr = 0xbadf00
	rsdp.Checksum = -calcChecksum(uintptr(unsafe.Pointer(rsdp)), sizeofRSDP)

	if err := Init(); err != nil {
		t.Fatalf("expected Init to succeed, got %v", err)
	}

	if rsdtAddr != uintptr(rsdp.RSDTAddr) {
		t.Fatalf("expected rsdtAddr 0x%x, got 0x%x", rsdp.RSDTAddr, rsdtAddr)
	}
	if useXSDT {
		t.Fatal("expected an ACPI 1.0 RSDP to select the RSDT, not the XSDT")
	}
}

func TestInitLocatesXSDTForACPI2Plus(t *testing.T) {
	sizeofExtRSDP := unsafe.Sizeof(table.ExtRSDPDescriptor{})
	buf := make([]byte, 2*sizeofExtRSDP)
	withScanWindow(t, buf)

	ext := (*table.ExtRSDPDescriptor)(unsafe.Pointer(&buf[sizeofExtRSDP]))
	ext.Signature = rsdpSignature
	ext.Revision = acpiRev2Plus
	ext.XSDTAddr = 0xcafebabe
	ext.Checksum = -calcChecksum(uintptr(unsafe.Pointer(ext)), sizeofExtRSDP)

	if err := Init(); err != nil {
		t.Fatalf("expected Init to succeed, got %v", err)
	}

	if !useXSDT {
		t.Fatal("expected an ACPI 2.0+ RSDP to select the XSDT")
	}
	if rsdtAddr != uintptr(ext.XSDTAddr) {
		t.Fatalf("expected XSDT address 0x%x, got 0x%x", ext.XSDTAddr, rsdtAddr)
	}
}

func TestInitSkipsBadChecksum(t *testing.T) {
	sizeofRSDP := unsafe.Sizeof(table.RSDPDescriptor{})
	buf := make([]byte, 2*sizeofRSDP)
	withScanWindow(t, buf)

	bad := (*table.RSDPDescriptor)(unsafe.Pointer(&buf[0]))
	bad.Signature = rsdpSignature
	bad.Checksum = 0xff // guaranteed-wrong checksum

	good := (*table.RSDPDescriptor)(unsafe.Pointer(&buf[sizeofRSDP]))
	good.Signature = rsdpSignature
	good.Revision = 0
	good.RSDTAddr = 0x1234
	good.Checksum = -calcChecksum(uintptr(unsafe.Pointer(good)), sizeofRSDP)

	if err := Init(); err != nil {
		t.Fatalf("expected Init to recover past the bad checksum, got %v", err)
	}
	if rsdtAddr != uintptr(good.RSDTAddr) {
		t.Fatalf("expected the scan to continue past the bad entry to 0x%x, got 0x%x", good.RSDTAddr, rsdtAddr)
	}
}

func TestInitFailsWhenNoRSDPPresent(t *testing.T) {
	buf := make([]byte, 64)
	withScanWindow(t, buf)

	if err := Init(); err == nil {
		t.Fatal("expected Init to fail when no RSDP signature is present")
	}
}

func TestFindTableWalksRSDTPointerArray(t *testing.T) {
	const sizeofHeader = unsafe.Sizeof(table.SDTHeader{})

	buf := make([]byte, sizeofHeader+8)
	savedRsdt, savedXSDT := rsdtAddr, useXSDT
	t.Cleanup(func() { rsdtAddr, useXSDT = savedRsdt, savedXSDT })

	rsdtAddr = uintptr(unsafe.Pointer(&buf[0]))
	useXSDT = false

	rsdt := (*table.SDTHeader)(unsafe.Pointer(rsdtAddr))
	rsdt.Length = uint32(sizeofHeader) + 8

	// The pointed-to tables live in their own, independently allocated
	// buffers; only their addresses need to sit in the RSDT's pointer
	// array.
	otherBuf := make([]byte, sizeofHeader)
	other := (*table.SDTHeader)(unsafe.Pointer(&otherBuf[0]))
	copy(other.Signature[:], "FACP")
	*(*uint32)(unsafe.Pointer(rsdtAddr + sizeofHeader)) = uint32(uintptr(unsafe.Pointer(other)))

	madtBuf := make([]byte, sizeofHeader)
	madt := (*table.SDTHeader)(unsafe.Pointer(&madtBuf[0]))
	copy(madt.Signature[:], "APIC")
	*(*uint32)(unsafe.Pointer(rsdtAddr + sizeofHeader + 4)) = uint32(uintptr(unsafe.Pointer(madt)))

	found, err := FindTable([4]byte{'A', 'P', 'I', 'C'})
	if err != nil {
		t.Fatalf("expected to find the MADT, got error %v", err)
	}
	if found != madt {
		t.Fatalf("expected %p, got %p", madt, found)
	}
}

func TestFindTableReportsMissingSignature(t *testing.T) {
	const sizeofHeader = unsafe.Sizeof(table.SDTHeader{})

	buf := make([]byte, sizeofHeader+4)
	savedRsdt, savedXSDT := rsdtAddr, useXSDT
	t.Cleanup(func() { rsdtAddr, useXSDT = savedRsdt, savedXSDT })

	rsdtAddr = uintptr(unsafe.Pointer(&buf[0]))
	useXSDT = false

	rsdt := (*table.SDTHeader)(unsafe.Pointer(rsdtAddr))
	rsdt.Length = uint32(sizeofHeader)

	if _, err := FindTable([4]byte{'A', 'P', 'I', 'C'}); err == nil {
		t.Fatal("expected FindTable to report a missing signature")
	}
}
