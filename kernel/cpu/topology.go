package cpu

import "x86kernel/kernel"

// MaxCPUs bounds the size of the CPU descriptor table. It replaces the need
// for a dynamically sized slice, which would require the kernel heap to be
// already initialized before CPU topology could be recorded (it isn't: the
// boot CPU populates this table while parsing the MADT, long before the
// heap subsystem comes up).
const MaxCPUs = 32

// Descriptor is the per-CPU record tracked for every CPU the kernel brings
// up. It is populated in two steps: apic.FindCPUs records the LAPIC id and
// the boot flag while walking the MADT, and each CPU itself fills in the
// rest of the fields the first time it runs GDTInstall on itself.
type Descriptor struct {
	// LAPICID is the local APIC id assigned to this CPU by firmware.
	LAPICID uint8

	// BootCPU is true for exactly one entry: the first processor-LAPIC
	// record encountered during the MADT walk.
	BootCPU bool

	// Started transitions 0 -> 1 exactly once, when the AP itself
	// executes past its trampoline entrypoint. Updated with a
	// bus-locked exchange (cpu.XchgUint32) so the bootstrapping CPU's
	// busy-wait observes the transition atomically.
	Started uint32

	// disableDepth counts nested calls to PushCLI. The first push
	// records whether interrupts were enabled in interruptsWereEnabled;
	// only the matching outermost PopCLI restores them.
	disableDepth uint32

	// interruptsWereEnabled records the IF flag at the time the
	// disableDepth counter transitioned from 0 to 1.
	interruptsWereEnabled bool

	// GDT holds this CPU's own GDT entries. Each CPU needs a private GDT
	// because each TSS descriptor embeds the physical address of that
	// CPU's own TSS.
	GDT [gdtEntryCount]gdtEntry

	// TSS is this CPU's task state segment; its ESP0 field always points
	// at the top of the current process' kernel stack.
	TSS taskStateSegment

	// self lets a segment base resolve back to this Descriptor: an
	// explicit "current CPU accessor" that reads the LAPIC id and indexes
	// this table. See Current().
	self *Descriptor
}

var (
	// table is the fixed-size CPU descriptor array, created during MADT
	// parse and never destroyed.
	table [MaxCPUs]Descriptor

	// numCPUs is the number of entries in table populated by the MADT walk.
	numCPUs int

	// bootCPUIndex is the index of the Descriptor for the boot CPU, i.e.
	// the first processor-LAPIC record encountered.
	bootCPUIndex int

	// readLAPICID is mocked by tests.
	readLAPICID = ReadLAPICID

	errUnbalancedCLI = &kernel.Error{Module: "cpu", Message: "PopCLI called without a matching PushCLI"}
)

// Register appends a Descriptor for the given LAPIC id to the topology
// table. isBootCPU must be true only for the very first call made while
// walking the MADT, since the first processor-LAPIC record defines the
// boot CPU. Returns the new Descriptor's index.
func Register(lapicID uint8, isBootCPU bool) int {
	if numCPUs >= MaxCPUs {
		return -1
	}

	idx := numCPUs
	table[idx] = Descriptor{LAPICID: lapicID, BootCPU: isBootCPU}
	table[idx].self = &table[idx]
	if isBootCPU {
		bootCPUIndex = idx
	}
	numCPUs++
	return idx
}

// Count returns the number of CPUs recorded via Register.
func Count() int { return numCPUs }

// ByIndex returns the Descriptor for the i-th registered CPU.
func ByIndex(i int) *Descriptor { return &table[i] }

// BootIndex returns the index of the boot CPU's Descriptor.
func BootIndex() int { return bootCPUIndex }

// ReadLAPICID returns the LAPIC id of the CPU executing this call. It is
// implemented via CPUID leaf 1 (EBX bits 24-31), which works identically
// before and after the Local APIC MMIO region has been mapped.
func ReadLAPICID() uint8 {
	_, ebx, _, _ := ID(1)
	return uint8(ebx >> 24)
}

// Current is an explicit function that reads the LAPIC id and indexes the
// CPU array, replacing the original's segment-base trick. Callers that need
// this on every spinlock acquire should expect it to be inlined by the
// compiler.
func Current() *Descriptor {
	id := readLAPICID()
	for i := 0; i < numCPUs; i++ {
		if table[i].LAPICID == id {
			return &table[i]
		}
	}
	// Should never happen once MADT parsing has completed; the boot CPU
	// is always registered first and every AP only calls Current() after
	// apic.FindCPUs has registered it.
	return &table[bootCPUIndex]
}

// PushCLI disables interrupts on the calling CPU and increments its nested
// disable counter. The very first push (depth 0 -> 1) remembers whether
// interrupts were enabled so that the matching PopCLI can restore them.
// This is the interrupt-disable discipline spinlocks rely on.
func (d *Descriptor) PushCLI() {
	wasEnabled := InterruptsEnabled()
	DisableInterrupts()

	if d.disableDepth == 0 {
		d.interruptsWereEnabled = wasEnabled
	}
	d.disableDepth++
}

// PopCLI decrements the nested disable counter and, once it returns to zero,
// re-enables interrupts if and only if they were enabled at the time of the
// first PushCLI.
func (d *Descriptor) PopCLI() {
	if d.disableDepth == 0 {
		panic(errUnbalancedCLI)
	}

	d.disableDepth--
	if d.disableDepth == 0 && d.interruptsWereEnabled {
		EnableInterrupts()
	}
}
