// Package sched implements sdx's preemptive, priority-ordered round-robin
// scheduler and its Task control block (C7): the heart of the kernel,
// tying together per-task address spaces (VMM), per-task regions (stacks,
// code, data, heap) and the interrupt manager's timer-driven preemption.
package sched

import (
	"math"

	"sdx/kernel"
	"sdx/kernel/gate"
	"sdx/kernel/mm"
	"sdx/kernel/region"
	"sdx/kernel/signal"
	"sdx/kernel/vmm"
)

// PIDMax bounds the PIDs the scheduler assigns: a new PID equal to PIDMax is
// fatal per Open Question 4, so the highest PID ever assigned is PIDMax-1.
const PIDMax = int32(math.MaxInt32)

// Selector values matching the fixed GDT layout the fast-syscall MSRs (and
// every task's initial CS/SS) are pinned to. kernel/syscall's Init verifies
// the boot-installed GDT actually matches these before arming SYSCALL/SYSRET.
const (
	KernelCodeSelector = uint64(0x08)
	KernelDataSelector = uint64(0x10)
	UserCodeSelector   = uint64(0x1b) // 0x18 | RPL 3
	UserDataSelector   = uint64(0x23) // 0x20 | RPL 3
)

const (
	kernelStackPages = 4
	userStackPages   = 16
)

var (
	errNoSuchTask  = &kernel.Error{Module: "sched", Message: "no task with that pid"}
	errPIDExhausted = &kernel.Error{Module: "sched", Message: "pid space exhausted"}

	head    *Task
	current *Task
	idle    *Task
	promoted *Task

	// The following function variables are mocked by tests.
	newAddressSpaceFn = vmm.NewAddressSpace
	switchAddrSpaceFn = vmm.Switch
	rescheduleFn      = gate.Reschedule
)

// Current returns the task currently selected as active, or nil if the
// scheduler has not dispatched for the first time yet.
func Current() *Task { return current }

// Init creates the idle task and installs the scheduler's handlers against
// the timer IRQ and each vector in exceptions, per spec §4.7: a FirstPriority
// handler propagates IM-frame state into/out of the task struct before a
// SecondPriority handler makes the actual scheduling (or fault-reporting)
// decision.
func Init(timerIRQ gate.InterruptNumber, exceptions []gate.InterruptNumber) *kernel.Error {
	head, current, promoted = nil, nil, nil

	it, err := newIdleTask()
	if err != nil {
		return err
	}
	idle = it
	idle.State = Ready
	head = insert(head, idle)

	gate.RegisterHandler(timerIRQ, gate.FirstPriority, updateHandler)
	gate.RegisterHandler(timerIRQ, gate.SecondPriority, timerHandler)

	for _, vec := range exceptions {
		gate.RegisterHandler(vec, gate.FirstPriority, updateHandler)
		gate.RegisterHandler(vec, gate.SecondPriority, exceptionHandler)
	}

	return nil
}

func newIdleTask() (*Task, *kernel.Error) {
	return New("idle", idleEntryAddr(), RingKernel)
}

// idleEntryAddr returns the entry address of the kernel's halt loop, the
// code the idle task runs whenever no other task is Ready.
func idleEntryAddr() uintptr

// New creates a task named name that begins execution at the virtual
// address entry in the given ring, with a freshly allocated address space
// and kernel+user stacks, Ready at PrioLow per spec's initial-state
// paragraph. New does not insert the task into the run queue.
func New(name string, entry uintptr, ring Ring) (*Task, *kernel.Error) {
	if len(name) > NameMax {
		name = name[:NameMax]
	}

	space, err := newAddressSpaceFn()
	if err != nil {
		return nil, err
	}

	t := &Task{
		Name:     name,
		VMM:      space,
		Ticks:    TicksDefault,
		MinTicks: TicksDefault,
		State:    Busy,
		Prio:     PrioLow,
		Ring:     ring,
	}

	kstack := region.New(region.Stack, vmm.KernelVMA, 0, kernelStackPages)
	if err := kstack.Map(); err != nil {
		return nil, err
	}
	t.Regions = region.Add(t.Regions, kstack)
	t.StackKernelTop = kstack.Vaddr + kstack.Num*mm.PageSize

	if ring == RingUser {
		ustack := region.New(region.Stack, vmm.UserVMA, 0, userStackPages)
		if err := ustack.Map(); err != nil {
			return nil, err
		}
		t.Regions = region.Add(t.Regions, ustack)
		t.StackUserTop = ustack.Vaddr + ustack.Num*mm.PageSize
	} else {
		t.StackUserTop = t.StackKernelTop
	}

	// rflags: IF (bit 9) | reserved bit 1, per spec's initial-state rule.
	t.Regs.RFlags = (1 << 1) | (1 << 9)
	t.Regs.RIP = uint64(entry)
	t.Regs.RSP = uint64(t.StackUserTop)

	if ring == RingKernel {
		t.Regs.CS = KernelCodeSelector
		t.Regs.SS = KernelDataSelector
	} else {
		t.Regs.CS = UserCodeSelector
		t.Regs.SS = UserDataSelector
	}

	t.State = Ready
	t.PID = maxPID(head) + 1
	if t.PID == PIDMax {
		panic(errPIDExhausted)
	}

	return t, nil
}

// Add queues t onto the run queue, applying the priority-promotion rule: a
// newly queued task with strictly greater priority than the current task
// preempts it on the very next dispatch.
func Add(t *Task) {
	head = insert(head, t)
	if current != nil && t.Prio > current.Prio {
		promoted = t
	}
}

// Kill transitions task to Dead. If task is not the current task it is
// unlinked and freed immediately (matching the original's synchronous
// path); if it is current, reaping happens on the scheduler's next tick.
func Kill(task *Task) *kernel.Error {
	if task == nil {
		return errNoSuchTask
	}

	task.State = Dead
	notifyParentOfDeath(task)
	if task != current {
		head = remove(head, task)
		freeTask(task)
	}
	return nil
}

func freeTask(t *Task) {
	for r := t.Regions; r != nil; r = r.Next {
		_ = r.Unmap()
		_ = r.Free()
	}
}

// updateHandler is the FirstPriority handler registered against every
// scheduled vector: it propagates the IM frame into/out of current.Regs
// before any SecondPriority handler (the real dispatch decision) runs.
func updateHandler(regs *gate.Registers) {
	if current == nil {
		return
	}
	if current.State == Save {
		*regs = current.Regs
	} else {
		current.Regs = *regs
	}
}

// timerHandler implements spec §4.7's core timer-dispatch algorithm.
func timerHandler(regs *gate.Registers) {
	if current != nil {
		switch current.State {
		case Ready:
			// already copied by updateHandler
		case Save:
			current.State = Ready
		case Wait:
			current.Ticks = 0
		case Dead:
			dead := current
			current = nil
			head = remove(head, dead)
			freeTask(dead)
		case Fork:
			performFork(current)
		default:
			current.State = Ready
		}
	}

	if current == nil || current.Ticks <= 0 {
		candidate := promoted
		promoted = nil
		if candidate == nil {
			candidate = next(head, current)
		}
		if candidate == nil {
			candidate = idle
		}

		if current != nil && current.State == Active {
			current.State = Ready
		}

		if candidate != nil && candidate != current {
			switchTo(candidate, regs)
		}
	}

	if current != nil && !current.SignalQueue.Empty() {
		sig, _ := current.SignalQueue.Pop()
		deliver(current, sig)
	}

	if current != nil {
		current.Ticks--
	}
}

func switchTo(t *Task, regs *gate.Registers) {
	outgoing := current
	current = t
	*regs = t.Regs
	current.State = Active
	current.Ticks = current.MinTicks

	if outgoing == nil || outgoing.VMM != current.VMM {
		switchAddrSpaceFn(current.VMM)
	}
}

// exceptionHandler reports and converts hardware faults taken while a task
// is Active into the corresponding signal, per spec §4.7/§7's per-task
// fault rule. If no task is Active at fault time, this is fatal.
func exceptionHandler(regs *gate.Registers) {
	if current == nil || current.State != Active {
		panic(&kernel.Error{Module: "sched", Message: "fault with no active task"})
	}

	var sig signal.Signal
	switch gate.InterruptNumber(regs.Info) {
	case gate.DivideByZero, gate.InvalidOpcode:
		sig = signal.ILL
	default:
		sig = signal.SEGV
	}

	current.SignalQueue.Push(sig)
}

// Yield voluntarily hands control to the scheduler by raising the timer
// vector through gate.Reschedule.
func Yield() {
	rescheduleFn()
}
