package apic

import "x86kernel/kernel/cpu"

// Legacy 8259 PIC I/O ports.
const (
	masterCommandPort = 0x20
	masterDataPort    = 0x21
	slaveCommandPort  = 0xA0
	slaveDataPort     = 0xA1
)

// ICW1-4 bits for the standard remap-and-mask sequence.
const (
	icw1Init     = 0x11 // ICW4 needed, cascade mode, edge triggered
	icw4Mode8086 = 0x01

	picMaskAll = 0xFF
)

// DisablePIC remaps both legacy 8259 controllers out of the CPU exception
// range and then masks every line, so a stray PIC interrupt cannot land on
// a vector the IDT considers an exception. The legacy PIC, if present, is
// remapped off the exception vectors and then fully masked before the
// I/O APIC takes over IRQ routing.
func DisablePIC() {
	cpu.Outb(masterCommandPort, icw1Init)
	cpu.Outb(slaveCommandPort, icw1Init)

	cpu.Outb(masterDataPort, uint8(irqRemapBase))
	cpu.Outb(slaveDataPort, uint8(irqRemapBase)+8)

	cpu.Outb(masterDataPort, 4) // tell master a slave sits on IRQ2
	cpu.Outb(slaveDataPort, 2)  // tell slave its cascade identity

	cpu.Outb(masterDataPort, icw4Mode8086)
	cpu.Outb(slaveDataPort, icw4Mode8086)

	cpu.Outb(masterDataPort, picMaskAll)
	cpu.Outb(slaveDataPort, picMaskAll)
}

// irqRemapBase matches irq.IRQBase; duplicated as an untyped constant here
// to avoid importing kernel/irq just for one value.
const irqRemapBase = 32
