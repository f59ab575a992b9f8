package apic

import "unsafe"

// I/O APIC indirect register indices, selected through REGSEL and read or
// written through IOWIN.
const (
	ioRegID  = 0x00
	ioRegVer = 0x01
	ioRegArb = 0x02

	// ioRedTblBase is the first of 24 two-register pairs (low/high),
	// one pair per redirection entry: entry n sits at
	// ioRedTblBase+2n (low) and ioRedTblBase+2n+1 (high).
	ioRedTblBase = 0x10
)

const (
	regselOffset = 0x00
	iowinOffset  = 0x10
)

const (
	redTblMasked      = 1 << 16
	redTblTriggerLevel = 1 << 15
	redTblDestPhysical = 0
)

// IOAPIC describes one I/O APIC discovered in the MADT: an MMIO base
// address, an APIC id, and the global system interrupt this I/O APIC's
// redirection table entry 0 corresponds to.
type IOAPIC struct {
	ID               uint8
	Base             uintptr
	GlobalIntBase    uint32
	maxRedirectEntry uint8
}

func (io *IOAPIC) regsel() *uint32 { return (*uint32)(unsafe.Pointer(io.Base + regselOffset)) }
func (io *IOAPIC) iowin() *uint32  { return (*uint32)(unsafe.Pointer(io.Base + iowinOffset)) }

func (io *IOAPIC) read(index uint32) uint32 {
	*io.regsel() = index
	return *io.iowin()
}

func (io *IOAPIC) write(index, value uint32) {
	*io.regsel() = index
	*io.iowin() = value
}

// Install masks every redirection entry this I/O APIC exposes. The entry
// count comes from this I/O APIC's OWN version register (bits 16-23): the
// original bring-up code read that field from the Local APIC's version
// register instead, which reports the LAPIC's LVT count and has nothing to
// do with the number of I/O APIC redirection entries. That mismatch is
// fixed here rather than carried forward.
func (io *IOAPIC) Install() {
	io.maxRedirectEntry = uint8((io.read(ioRegVer) >> 16) & 0xFF)

	for i := uint8(0); i <= io.maxRedirectEntry; i++ {
		io.write(ioRedTblBase+2*uint32(i), redTblMasked)
		io.write(ioRedTblBase+2*uint32(i)+1, 0)
	}
}

// EnableIRQ routes global system interrupt gsi to vector on destAPICID,
// unmasking its redirection table entry. levelTriggered selects level vs.
// edge triggering (PCI IRQs routed through an Interrupt Source Override are
// typically level-triggered; legacy ISA IRQs are edge-triggered).
func (io *IOAPIC) EnableIRQ(gsi uint32, vector uint8, destAPICID uint8, levelTriggered bool) {
	entry := gsi - io.GlobalIntBase
	low := uint32(vector) | redTblDestPhysical
	if levelTriggered {
		low |= redTblTriggerLevel
	}

	io.write(ioRedTblBase+2*entry+1, uint32(destAPICID)<<24)
	io.write(ioRedTblBase+2*entry, low)
}

// DisableIRQ masks the redirection table entry serving global system
// interrupt gsi.
func (io *IOAPIC) DisableIRQ(gsi uint32) {
	entry := gsi - io.GlobalIntBase
	low := io.read(ioRedTblBase + 2*entry)
	io.write(ioRedTblBase+2*entry, low|redTblMasked)
}
