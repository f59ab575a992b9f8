// Package mp brings up every application processor (AP) recorded in the
// MADT, using the Intel MP specification's INIT/SIPI protocol and a
// trampoline blob that brings each AP from real mode back into the boot
// CPU's protected-mode, paged environment.
package mp

import (
	"unsafe"

	"x86kernel/kernel"
	"x86kernel/kernel/apic"
	"x86kernel/kernel/cpu"
	"x86kernel/kernel/kfmt"
)

const (
	// TrampolineAddr is the fixed physical destination the AP trampoline
	// blob is copied to before startup begins.
	TrampolineAddr = uintptr(0x7000)

	trampolinePage = uint8(TrampolineAddr >> 12)

	// Trampoline parameter block: fixed offsets inside the trampoline
	// page where the boot CPU deposits the values the blob needs before
	// it can resume 32-bit protected-mode execution: a stack pointer, an
	// entry-point address, and the physical address of the kernel page
	// directory. Word-indexed at offsets 4/8/12, leaving the first word
	// of the page for the trampoline's own entry jump.
	offStack   = 0x04
	offEntry   = 0x08
	offPDTAddr = 0x0c

	// kernelStackTop is the top of the per-CPU kernel stack region: 8 KiB
	// per CPU, descending from 4 MiB.
	kernelStackTop = uintptr(0x00400000)
	perCPUStackLen = uintptr(2 * 4096)

	// CMOS shutdown-status byte and the BIOS warm-reset vector, used to
	// tell the BIOS that the next reset on this AP should jump straight
	// back into the trampoline rather than performing a cold POST.
	cmosIndexPort = 0x70
	cmosDataPort  = 0x71
	cmosShutdownStatusReg = 0x0f
	cmosWarmReset         = 0x0a

	warmResetVector = uintptr(0x467)
)

// apEntryFn is the protected-mode entry point the trampoline jumps to once
// it has re-enabled paging; set through SetAPEntry before StartAll runs.
var apEntryFn uintptr

// SetAPEntry records the address each AP's trampoline should jump to after
// it re-establishes 32-bit protected mode with paging on.
func SetAPEntry(entry uintptr) { apEntryFn = entry }

// StartAll brings up every registered non-boot CPU using the INIT/SIPI
// protocol. trampolineSrc/trampolineLen identify the trampoline blob
// already loaded by the bootloader as a module; pdtPhysAddr is the
// physical address of the kernel's page directory, shared by every AP.
//
// Preconditions: paging is on, the heap is up, and the boot CPU has
// already completed its own GDT/IDT/LAPIC install.
func StartAll(trampolineSrc uintptr, trampolineLen uintptr, pdtPhysAddr uintptr) *kernel.Error {
	if apEntryFn == 0 {
		return &kernel.Error{Module: "mp", Message: "SetAPEntry must be called before StartAll"}
	}

	kernel.Memcopy(trampolineSrc, TrampolineAddr, trampolineLen)
	programWarmResetVector()

	*(*uint32)(unsafe.Pointer(TrampolineAddr + offEntry))   = uint32(apEntryFn)
	*(*uint32)(unsafe.Pointer(TrampolineAddr + offPDTAddr)) = uint32(pdtPhysAddr)

	for i := 0; i < cpu.Count(); i++ {
		desc := cpu.ByIndex(i)
		if desc.BootCPU {
			continue
		}

		startAP(i, desc)
	}

	return nil
}

// programWarmResetVector tells the BIOS that the next AP reset should jump
// to the trampoline instead of performing a full POST.
func programWarmResetVector() {
	cpu.Outb(cmosIndexPort, cmosShutdownStatusReg)
	cpu.Outb(cmosDataPort, cmosWarmReset)

	// Two words at 0x0467: IP then CS (as a real-mode segment:offset
	// pair pointing at the trampoline).
	*(*uint16)(unsafe.Pointer(warmResetVector)) = 0
	*(*uint16)(unsafe.Pointer(warmResetVector + 2)) = uint16(trampolinePage) << 8
}

// startAP runs the INIT-assert / INIT-deassert / double-STARTUP sequence
// for a single AP and busy-waits for it to announce itself started.
func startAP(index int, desc *cpu.Descriptor) {
	stackTop := kernelStackTop - uintptr(index)*perCPUStackLen
	*(*uint32)(unsafe.Pointer(TrampolineAddr + offStack)) = uint32(stackTop)

	kfmt.Printf("[mp] starting CPU %d (LAPIC id %d)\n", index, desc.LAPICID)

	apic.SendInitAssert(desc.LAPICID)
	apic.SendInitDeassert(desc.LAPICID)

	apic.SendStartup(desc.LAPICID, trampolinePage)
	apic.SendStartup(desc.LAPICID, trampolinePage)

	for desc.Started == 0 {
	}

	kfmt.Printf("[mp] CPU %d started\n", index)
}
