package irq

import "x86kernel/kernel/kfmt"

// Registers is a snapshot of the CPU state at the time an interrupt or
// exception occurred. Its field order matches exactly what the low-level
// assembly entry stub pushes onto the stack before calling into dispatch:
// the segment selectors first, then pusha's register order, then the vector
// number and (if the CPU did not push one itself) a zeroed error code,
// followed by the hardware-pushed eip/cs/eflags trio.
type Registers struct {
	GS, FS, ES, DS uint32

	EDI, ESI, EBP, tamperedESP, EBX, EDX, ECX, EAX uint32

	IntNo, ErrCode uint32

	EIP, CS, EFlags uint32
}

// DumpTo prints a register dump to the kernel console.
func (r *Registers) DumpTo() {
	kfmt.Printf("EAX = %8x EBX = %8x ECX = %8x EDX = %8x\n", r.EAX, r.EBX, r.ECX, r.EDX)
	kfmt.Printf("ESI = %8x EDI = %8x EBP = %8x\n", r.ESI, r.EDI, r.EBP)
	kfmt.Printf("DS  = %8x ES  = %8x FS  = %8x GS  = %8x\n", r.DS, r.ES, r.FS, r.GS)
	kfmt.Printf("EIP = %8x CS  = %8x EFL = %8x\n", r.EIP, r.CS, r.EFlags)
	kfmt.Printf("vector = %d, error code = %8x\n", r.IntNo, r.ErrCode)
}
