package cpu

import "unsafe"

// Segment selectors used by the kernel and installed by GDTInstall, matching
// the layout the original C-level gdt_install sets up.
const (
	// SelectorKernelCode is the RPL-0 code segment selector.
	SelectorKernelCode = uint16(1 * 8)

	// SelectorKernelData is the RPL-0 data segment selector.
	SelectorKernelData = uint16(2 * 8)

	// SelectorUserCode is the RPL-3 code segment selector.
	SelectorUserCode = uint16(3*8) | 3

	// SelectorUserData is the RPL-3 data segment selector.
	SelectorUserData = uint16(4*8) | 3

	// SelectorTSS is the TSS descriptor selector.
	SelectorTSS = uint16(5 * 8)

	// SelectorCPU is a data-segment descriptor whose base points at this
	// CPU's own Descriptor. Loading it into GS lets code resolve "the
	// current CPU" by reading a fixed GS-relative offset instead of
	// calling cpu.Current(). Kept available as the fast path, with
	// cpu.Current() as the portable accessor used by Go code, which
	// cannot easily address through segment overrides.
	SelectorCPU = uint16(6 * 8)

	gdtEntryCount = 7

	accessKernelCode = 0x9A
	accessKernelData = 0x92
	accessUserCode   = 0xFA
	accessUserData   = 0xF2
	accessTSS        = 0xE9
	accessCPUGate    = 0x92

	granularity4K32Bit = 0xCF
	granularityByte    = 0x00
)

// gdtEntry is a single entry in the flat Global Descriptor Table, laid out
// exactly as the x86 GDTR-loadable format requires: a fixed-layout record
// with documented field offsets.
type gdtEntry struct {
	limitLow   uint16
	baseLow    uint16
	baseMiddle uint8
	access     uint8
	granularity uint8
	baseHigh   uint8
}

// setGate packs base/limit/access/granularity into the given GDT slot using
// the standard x86 encoding (low 16 limit bits, 3 base halves, 4 granularity
// bits shared with the high limit nibble).
func setGate(e *gdtEntry, base, limit uint32, access, gran uint8) {
	e.baseLow = uint16(base & 0xFFFF)
	e.baseMiddle = uint8((base >> 16) & 0xFF)
	e.baseHigh = uint8((base >> 24) & 0xFF)

	e.limitLow = uint16(limit & 0xFFFF)
	e.granularity = uint8((limit>>16)&0x0F) | (gran & 0xF0)
	e.access = access
}

// taskStateSegment is the i386 hardware TSS. Hardware task switching is not
// used (this kernel switches tasks entirely in software, see kernel/proc);
// the structure is kept only because the CPU requires a valid TSS descriptor
// to know where ESP0/SS0 live for ring3->ring0 transitions. ESP0 always
// points at the top of the current PCB's kernel stack on return from an
// interrupt.
type taskStateSegment struct {
	prevTask                     uint32
	esp0                         uint32
	ss0                          uint32
	esp1, ss1, esp2, ss2         uint32
	cr3, eip, eflags             uint32
	eax, ecx, edx, ebx           uint32
	esp, ebp, esi, edi           uint32
	es, cs, ss, ds, fs, gs       uint32
	ldt                          uint32
	trap                         uint16
	ioMapBase                    uint16
}

// gdtFlush and tssFlush load the GDTR/TR registers respectively. Implemented
// in assembly: gdtFlush issues LGDT followed by reloading every segment
// register; tssFlush issues LTR.
func gdtFlush(gdtPtrAddr uintptr)
func tssFlush(selector uint16)

// setGS loads the GS segment register with the given selector, used to make
// SelectorCPU resolve "the current CPU".
func setGS(selector uint16)

// GDTInstall builds and loads the GDT and TSS for the calling CPU. It is
// invoked once by every CPU (boot CPU and every AP) as the first step of
// its local initialization path. The Descriptor must already exist in the
// topology table (via Register) before this runs.
func (d *Descriptor) GDTInstall(kernelStackTop uint32) {
	setGate(&d.GDT[0], 0, 0, 0, 0)
	setGate(&d.GDT[1], 0, 0xFFFFFFFF, accessKernelCode, granularity4K32Bit)
	setGate(&d.GDT[2], 0, 0xFFFFFFFF, accessKernelData, granularity4K32Bit)
	setGate(&d.GDT[3], 0, 0xFFFFFFFF, accessUserCode, granularity4K32Bit)
	setGate(&d.GDT[4], 0, 0xFFFFFFFF, accessUserData, granularity4K32Bit)

	d.writeTSS(kernelStackTop)

	cpuBase := uint32(uintptr(unsafe.Pointer(d)))
	setGate(&d.GDT[6], cpuBase, cpuBase+4, accessCPUGate, granularity4K32Bit)

	gdtr := struct {
		limit uint16
		base  uint32
	}{
		limit: uint16(unsafe.Sizeof(d.GDT)) - 1,
		base:  uint32(uintptr(unsafe.Pointer(&d.GDT[0]))),
	}
	gdtFlush(uintptr(unsafe.Pointer(&gdtr)))
	setGS(SelectorCPU)
	tssFlush(SelectorTSS)
}

// writeTSS zeroes and populates this CPU's TSS descriptor slot and the TSS
// structure itself, matching the original's write_tss.
func (d *Descriptor) writeTSS(kernelStackTop uint32) {
	base := uint32(uintptr(unsafe.Pointer(&d.TSS)))
	limit := base + uint32(unsafe.Sizeof(d.TSS))
	setGate(&d.GDT[5], base, limit, accessTSS, granularityByte)

	d.TSS = taskStateSegment{}
	d.TSS.eflags = 0x0002
	d.TSS.ss0 = uint32(SelectorKernelData)
	d.TSS.esp0 = kernelStackTop
	d.TSS.cs = uint32(SelectorUserCode)
	d.TSS.ss = uint32(SelectorUserData)
	d.TSS.ds = uint32(SelectorUserData)
	d.TSS.es = uint32(SelectorUserData)
	d.TSS.fs = uint32(SelectorUserData)
	d.TSS.gs = uint32(SelectorCPU) | 3
}

// SetKernelStack updates this CPU's TSS ESP0 field to point at top, the top
// of the currently running process' kernel stack. Called by the scheduler
// on every task switch.
func (d *Descriptor) SetKernelStack(top uint32) {
	d.TSS.esp0 = top
}
