package irq

// Vector identifies an entry in the interrupt dispatch table.
type Vector uint8

// CPU exception vectors, fixed by the x86 architecture.
const (
	DivideByZero     Vector = 0
	Debug            Vector = 1
	NMI              Vector = 2
	Breakpoint       Vector = 3
	Overflow         Vector = 4
	BoundRangeExceed Vector = 5
	InvalidOpcode    Vector = 6
	DeviceNotAvail   Vector = 7
	DoubleFault      Vector = 8
	InvalidTSS       Vector = 10
	SegmentNotPresent Vector = 11
	StackFault       Vector = 12
	GPFException     Vector = 13
	PageFaultException Vector = 14
)

// IRQBase is the vector assigned to IRQ 0 after the legacy 8259 PICs (or the
// I/O APIC, in its place) have been reprogrammed to avoid the CPU exception
// range. IRQ n is delivered at vector IRQBase+n.
const IRQBase Vector = 32

// Legacy ISA IRQ lines, expressed as the vectors they land on once remapped.
const (
	IRQTimer    = IRQBase + 0
	IRQKeyboard = IRQBase + 1
	IRQCOM2     = IRQBase + 3
	IRQCOM1     = IRQBase + 4
	IRQFloppy   = IRQBase + 6
	IRQCMOS     = IRQBase + 8
	IRQPS2Mouse = IRQBase + 12
	IRQATAPrimary   = IRQBase + 14
	IRQATASecondary = IRQBase + 15
)

// LAPICSpuriousVector and LAPICTimerVector are vectors reserved for the
// Local APIC's spurious-interrupt and periodic timer sources, placed above
// the remapped legacy IRQ range so they never collide with it.
const (
	LAPICSpuriousVector Vector = 63
	LAPICTimerVector    Vector = 64
)

// LAPICErrorVector is the vector the Local APIC's error LVT entry is
// routed to.
const LAPICErrorVector Vector = 65

// SyscallVector is the software-interrupt trap gate reserved for system
// calls from user mode. Out of scope for this core (no user-mode program
// loader), but the vector is reserved here so the IDT's unhandled-vector
// fallback doesn't claim it silently.
const SyscallVector Vector = 128
