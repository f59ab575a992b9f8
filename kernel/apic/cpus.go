package apic

import (
	"unsafe"

	"x86kernel/device/acpi/table"
	"x86kernel/kernel/cpu"
)

// IOAPICs holds every I/O APIC FindCPUs discovered while walking the MADT,
// in MADT order.
var IOAPICs []*IOAPIC

// FindCPUs walks the MADT's variable-length record stream, registering every
// processor-LAPIC record with kernel/cpu and collecting every I/O-APIC
// record into IOAPICs. Processors are initialized in MADT order, and the
// first processor-LAPIC record encountered defines the boot CPU, matching
// the original apic_find_cpus walk, which applies the same rule via ret==0.
//
// It also records the Local APIC's MMIO address from the MADT header so
// Install can program it before the VMM remaps it to its virtual alias.
func FindCPUs(madt *table.MADT) (numCPUs int) {
	SetBase(uintptr(madt.LocalControllerAddress))

	headerSize := unsafe.Sizeof(table.MADT{})
	end := uintptr(unsafe.Pointer(madt)) + uintptr(madt.Length)

	for cur := uintptr(unsafe.Pointer(madt)) + headerSize; cur < end; {
		entry := (*table.MADTEntry)(unsafe.Pointer(cur))
		if entry.Length == 0 {
			break // malformed table; stop rather than loop forever
		}

		switch entry.Type {
		case table.MADTEntryTypeLocalAPIC:
			rec := (*table.MADTEntryLocalAPIC)(unsafe.Pointer(cur + unsafe.Sizeof(table.MADTEntry{})))
			cpu.Register(rec.APICID, numCPUs == 0)
			numCPUs++
		case table.MADTEntryTypeIOAPIC:
			rec := (*table.MADTEntryIOAPIC)(unsafe.Pointer(cur + unsafe.Sizeof(table.MADTEntry{})))
			IOAPICs = append(IOAPICs, &IOAPIC{
				ID:            rec.APICID,
				Base:          uintptr(rec.Address),
				GlobalIntBase: rec.SysInterruptBase,
			})
		}

		cur += uintptr(entry.Length)
	}

	return numCPUs
}
