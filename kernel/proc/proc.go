// Package proc maintains the kernel process table and the timer-driven
// round-robin scheduler that switches between kernel-mode tasks. There is
// no user mode here: every process runs kernel code and shares the
// kernel's half of every address space.
package proc

import (
	"x86kernel/kernel"
	"x86kernel/kernel/cpu"
	"x86kernel/kernel/irq"
	"x86kernel/kernel/mm"
	"x86kernel/kernel/mm/vmm"
)

// MaxPID bounds the number of live processes, replacing the original
// wrap-and-panic counter with a bitmap of in-use PIDs sized to this cap.
const MaxPID = 4096

// KernelStackSize is the size of each process' dedicated kernel stack.
const KernelStackSize = mm.PageSize

// procVMMBase is the start of the virtual range dedicated to per-process
// kernel stacks and scratch address-space pages.
const procVMMBase = uintptr(0x10000000)

// State is a PCB's scheduling state.
type State uint8

const (
	Ready State = iota
	Running
	Blocked
)

// PCB is a process control block.
type PCB struct {
	PID   uint32
	State State

	addrSpace vmm.PageDirectoryTable
	kstack    uintptr

	Regs *irq.Registers

	next *PCB
}

var (
	current *PCB

	pidBitmap [MaxPID / 64]uint64

	errNoFreePID = &kernel.Error{Module: "proc", Message: "no free PID available"}

	// switchTicks controls how often the scheduler actually changes the
	// running process; it switches every 32nd timer tick by default.
	switchTicks    uint32
	ticksPerSwitch = uint32(32)
)

// allocPID finds and claims the lowest-numbered free PID.
func allocPID() (uint32, *kernel.Error) {
	for i := range pidBitmap {
		if pidBitmap[i] == ^uint64(0) {
			continue
		}
		for bit := uint32(0); bit < 64; bit++ {
			pid := uint32(i)*64 + bit
			if pid == 0 || pid >= MaxPID {
				continue // PID 0 is reserved for the bootstrap process
			}
			if pidBitmap[i]&(1<<bit) == 0 {
				pidBitmap[i] |= 1 << bit
				return pid, nil
			}
		}
	}
	return 0, errNoFreePID
}

func freePID(pid uint32) {
	pidBitmap[pid/64] &^= 1 << (pid % 64)
}

// Init fabricates PCB 0 for the boot CPU's current execution context: it
// captures the active page directory as its address space, synthesizes a
// register frame with the kernel's own selectors, and installs itself as
// the running process with its ring pointing at itself.
func Init() (*PCB, *kernel.Error) {
	pidBitmap[0] |= 1 // PID 0 belongs to the bootstrap process

	p := &PCB{
		PID:       0,
		State:     Running,
		addrSpace: vmm.KernelPDT(),
		Regs: &irq.Registers{
			DS:     uint32(cpu.SelectorKernelData),
			ES:     uint32(cpu.SelectorKernelData),
			FS:     uint32(cpu.SelectorKernelData),
			GS:     uint32(cpu.SelectorKernelData),
			CS:     uint32(cpu.SelectorKernelCode),
			EFlags: eflagsInterruptsEnabled,
		},
	}
	p.next = p
	current = p

	return p, nil
}

// eflagsInterruptsEnabled is the reserved bit 1 plus IF (bit 9) that every
// fabricated register frame starts with, matching process_init's
// `regs->eflags = 0x202` in the original bring-up code.
const eflagsInterruptsEnabled = 0x202

// AllocProc assigns a fresh PID, maps a dedicated kernel stack for it at a
// per-PID virtual address, and builds the register frame (EIP set to entry)
// that a return-from-interrupt restores to resume execution at entry. The
// stack page itself is left unwritten.
func AllocProc(entry uintptr) (*PCB, *kernel.Error) {
	pid, err := allocPID()
	if err != nil {
		return nil, err
	}

	virtAddr := procVMMBase + uintptr(pid)*KernelStackSize
	frame, err := mm.AllocFrame()
	if err != nil {
		freePID(pid)
		return nil, err
	}
	if err = vmm.Map(mm.PageFromAddress(virtAddr), frame, vmm.FlagPresent|vmm.FlagRW); err != nil {
		freePID(pid)
		return nil, err
	}

	regs := &irq.Registers{
		EIP:    uint32(entry),
		CS:     uint32(cpu.SelectorKernelCode),
		DS:     uint32(cpu.SelectorKernelData),
		ES:     uint32(cpu.SelectorKernelData),
		FS:     uint32(cpu.SelectorKernelData),
		GS:     uint32(cpu.SelectorKernelData),
		EFlags: eflagsInterruptsEnabled,
	}

	return &PCB{
		PID:    pid,
		State:  Ready,
		kstack: virtAddr,
		Regs:   regs,
	}, nil
}

// Fork duplicates the calling process: a new PCB is created sharing the
// kernel's half of the address space and privatizing the user half via
// copy-on-write, its register frame is a copy of the parent's, and it is
// spliced into the ready ring right after the parent.
// It returns the child's PID; the child's own first return value of 0 is
// arranged by whatever trampoline entry point the caller supplies via
// childEntry.
func Fork(childEntry uintptr) (childPID uint32, err *kernel.Error) {
	cpu.Current().PushCLI()
	defer cpu.Current().PopCLI()

	child, err := AllocProc(childEntry)
	if err != nil {
		return 0, err
	}

	*child.Regs = *current.Regs
	child.Regs.EIP = uint32(childEntry)

	addrSpace, err := vmm.CloneAddressSpace()
	if err != nil {
		freePID(child.PID)
		return 0, err
	}
	child.addrSpace = addrSpace

	child.next = current.next
	current.next = child

	return child.PID, nil
}

// SwitchTask is invoked from the timer ISR. Every ticksPerSwitch-th tick it
// saves incomingFrame into the current PCB, advances to the next PCB in the
// ring, switches the TSS and page directory, and returns the stack pointer
// the ISR should resume at. If there is no other runnable process, it
// returns 0, telling the caller to resume unchanged.
func SwitchTask(incomingFrame *irq.Registers) uintptr {
	switchTicks++
	if switchTicks < ticksPerSwitch {
		return 0
	}
	switchTicks = 0

	if current == nil || current.next == current {
		return 0
	}

	*current.Regs = *incomingFrame
	current.State = Ready

	next := current.next
	current = next
	current.State = Running

	cpu.Current().SetKernelStack(uint32(current.kstack + KernelStackSize))
	current.addrSpace.Activate()

	return uintptr(current.Regs)
}

// Current returns the PCB currently running on this CPU.
func Current() *PCB { return current }
