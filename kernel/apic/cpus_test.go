package apic

import (
	"testing"
	"unsafe"

	"x86kernel/device/acpi/table"
)

// buildMADT assembles a MADT header followed by one processor-LAPIC record
// per id in lapicIDs and one I/O-APIC record, returning a pointer to it.
func buildMADT(t *testing.T, lapicIDs []uint8) *table.MADT {
	t.Helper()

	headerSize := int(unsafe.Sizeof(table.MADT{}))
	entryHeaderSize := int(unsafe.Sizeof(table.MADTEntry{}))
	lapicRecSize := entryHeaderSize + int(unsafe.Sizeof(table.MADTEntryLocalAPIC{}))
	ioapicRecSize := entryHeaderSize + int(unsafe.Sizeof(table.MADTEntryIOAPIC{}))

	total := headerSize + len(lapicIDs)*lapicRecSize + ioapicRecSize
	buf := make([]byte, total)

	madt := (*table.MADT)(unsafe.Pointer(&buf[0]))
	madt.Signature = [4]byte{'A', 'P', 'I', 'C'}
	madt.Length = uint32(total)
	madt.LocalControllerAddress = 0xfee00000

	cur := headerSize
	for _, id := range lapicIDs {
		entry := (*table.MADTEntry)(unsafe.Pointer(&buf[cur]))
		entry.Type = table.MADTEntryTypeLocalAPIC
		entry.Length = uint8(lapicRecSize)

		rec := (*table.MADTEntryLocalAPIC)(unsafe.Pointer(&buf[cur+entryHeaderSize]))
		rec.APICID = id
		rec.Flags = 1 // processor enabled

		cur += lapicRecSize
	}

	entry := (*table.MADTEntry)(unsafe.Pointer(&buf[cur]))
	entry.Type = table.MADTEntryTypeIOAPIC
	entry.Length = uint8(ioapicRecSize)

	ioRec := (*table.MADTEntryIOAPIC)(unsafe.Pointer(&buf[cur+entryHeaderSize]))
	ioRec.APICID = 0xaa
	ioRec.Address = 0xfec00000
	ioRec.SysInterruptBase = 0

	return madt
}

func TestFindCPUsRegistersEveryProcessorLAPIC(t *testing.T) {
	defer func() { IOAPICs = nil }()
	IOAPICs = nil

	madt := buildMADT(t, []uint8{0, 2, 4})

	n := FindCPUs(madt)
	if n != 3 {
		t.Fatalf("expected 3 CPUs, got %d", n)
	}

	if Base() != uintptr(madt.LocalControllerAddress) {
		t.Fatalf("expected LAPIC base 0x%x, got 0x%x", madt.LocalControllerAddress, Base())
	}

	if len(IOAPICs) != 1 {
		t.Fatalf("expected 1 I/O APIC, got %d", len(IOAPICs))
	}
	if IOAPICs[0].ID != 0xaa || IOAPICs[0].Base != 0xfec00000 {
		t.Fatalf("unexpected I/O APIC record: %+v", IOAPICs[0])
	}
}

func TestFindCPUsWithNoEntriesReportsZero(t *testing.T) {
	defer func() { IOAPICs = nil }()
	IOAPICs = nil

	madt := buildMADT(t, nil)

	if n := FindCPUs(madt); n != 0 {
		t.Fatalf("expected 0 CPUs, got %d", n)
	}
	if len(IOAPICs) != 1 {
		t.Fatalf("expected the lone I/O APIC record to still be collected, got %d", len(IOAPICs))
	}
}
