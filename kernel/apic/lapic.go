// Package apic drives the Local APIC (one per CPU) and I/O APIC (one per
// system), and walks the ACPI MADT (via kernel/acpi) to discover every CPU
// and I/O APIC the firmware reports. It also disarms the legacy 8259 PIC,
// which must not compete with the APIC for IRQ delivery once both exist.
package apic

import (
	"unsafe"

	"x86kernel/kernel/irq"
)

// Local APIC register byte offsets within its one-page MMIO window.
const (
	regID          = 0x020
	regVersion     = 0x030
	regTPR         = 0x080
	regEOI         = 0x0B0
	regSpurious    = 0x0F0
	regErrorStatus = 0x280
	regICRLow      = 0x300
	regICRHigh     = 0x310
	regLVTTimer    = 0x320
	regLVTLINT0    = 0x350
	regLVTLINT1    = 0x360
	regLVTError    = 0x370
	regTimerInit   = 0x380
	regTimerDivide = 0x3E0
)

const (
	spuriousEnable = 1 << 8

	lvtMasked = 1 << 16

	lvtTimerModePeriodic = 1 << 17

	// timerDivide16 selects a divide-by-16 timer clock, the value the
	// original installer used.
	timerDivide16 = 0x3

	icrLevelAssert    = 1 << 14
	icrTriggerLevel   = 1 << 15
	icrDestAllExclSelf = 3 << 18

	icrDeliveryPending = 1 << 12

	icrDeliveryModeInit    = 5 << 8
	icrDeliveryModeStartup = 6 << 8
)

// base is the physical or virtual address (whichever the caller currently
// dereferences cleanly) of the Local APIC's MMIO window. It starts out as
// the physical address recorded from the MADT (valid while paging is off);
// Remap updates it to the mapped virtual alias once the VMM is up.
var base uintptr

// MaxLVT records the number of LVT entries this Local APIC supports, read
// from the version register's bits 16-23 during Install.
var MaxLVT uint8

// SetBase records the Local APIC's MMIO address. Called once with the
// physical address recorded from the MADT, and again with the mapped
// virtual alias once paging is enabled (see Remap).
func SetBase(addr uintptr) { base = addr }

// Remap is SetBase under the name the VMM bring-up step calls it by: moving
// every subsequent LAPIC access from the identity-mapped physical address to
// the fixed virtual alias reserved for it.
func Remap(virtAddr uintptr) { SetBase(virtAddr) }

// Base returns the address Install and the IRQ EOI path currently use.
func Base() uintptr { return base }

func reg(offset uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(base + offset))
}

func readReg(offset uintptr) uint32  { return *reg(offset) }
func writeReg(offset uintptr, v uint32) { *reg(offset) = v }

// serialize performs a dummy read of the LAPIC ID register after an MMIO
// write, which hardware requires for correct delivery of IPIs.
func serialize() { _ = readReg(regID) }

// Install programs this CPU's Local APIC: enables it via the spurious
// register, configures the periodic timer, masks LINT0/LINT1, routes the
// error LVT, clears a stale error status (the double-write hardware quirk),
// sends an EOI, and sets the task priority to accept all interrupts.
func Install() {
	writeReg(regSpurious, spuriousEnable|uint32(irq.LAPICSpuriousVector))
	serialize()

	writeReg(regTimerDivide, timerDivide16)
	writeReg(regLVTTimer, lvtTimerModePeriodic|uint32(irq.LAPICTimerVector))
	writeReg(regTimerInit, timerInitialCount)
	serialize()

	writeReg(regLVTLINT0, lvtMasked)
	writeReg(regLVTLINT1, lvtMasked)
	writeReg(regLVTError, uint32(irq.LAPICErrorVector))
	serialize()

	// The error status register must be written twice in a row before it
	// can be trusted; the first write's effect is undefined.
	writeReg(regErrorStatus, 0)
	writeReg(regErrorStatus, 0)
	serialize()

	EOI()
	broadcastInitAssertExceptSelf()
	writeReg(regTPR, 0)
	serialize()

	MaxLVT = uint8((readReg(regVersion) >> 16) & 0xFF)
}

// broadcastInitAssertExceptSelf quiesces any CPU left in a half-started
// state from a prior boot attempt before the real per-AP INIT/STARTUP
// protocol in kernel/mp begins.
func broadcastInitAssertExceptSelf() {
	sendIPI(0, icrDeliveryModeInit|icrLevelAssert|icrTriggerLevel|icrDestAllExclSelf)
}

// timerInitialCount is the LAPIC timer's initial count value, loaded after
// every divide-configuration change. This bring-up default matches a
// PIT-calibrated installer; a production build would calibrate this
// against a known-good time source instead of hardcoding it.
var timerInitialCount uint32 = 10000000

// EOI acknowledges the interrupt currently being serviced.
func EOI() { writeReg(regEOI, 0) }

// ID returns this CPU's Local APIC id, as read from the MMIO ID register
// (bits 24-31).
func ID() uint8 { return uint8(readReg(regID) >> 24) }

// sendIPI issues an inter-processor interrupt by writing the destination
// into ICR-high and the command into ICR-low, then spinning until the
// delivery-pending bit clears.
func sendIPI(destAPICID uint8, command uint32) {
	writeReg(regICRHigh, uint32(destAPICID)<<24)
	writeReg(regICRLow, command)
	serialize()

	for readReg(regICRLow)&icrDeliveryPending != 0 {
	}
}

// SendInitAssert issues an INIT-assert IPI to the target LAPIC id and spins
// until delivery completes.
func SendInitAssert(destAPICID uint8) {
	sendIPI(destAPICID, icrDeliveryModeInit|icrLevelAssert)
}

// SendInitDeassert issues an INIT-deassert IPI to the target LAPIC id and
// spins until delivery completes.
func SendInitDeassert(destAPICID uint8) {
	sendIPI(destAPICID, icrDeliveryModeInit)
}

// SendStartup issues a STARTUP IPI whose vector is the trampoline's
// physical page number.
func SendStartup(destAPICID uint8, trampolinePage uint8) {
	sendIPI(destAPICID, icrDeliveryModeStartup|uint32(trampolinePage))
}
