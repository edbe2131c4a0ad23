package sched

import (
	"sdx/kernel/gate"
	"sdx/kernel/region"
	"sdx/kernel/signal"
	"sdx/kernel/vmm"
)

// NameMax is the largest number of bytes (excluding the terminator) a task
// name may occupy.
const NameMax = 31

// FDMax is the largest number of simultaneously open file descriptors a
// task may hold; the file table itself is a placeholder here since the VFS
// layer is an external collaborator outside this core's scope.
const FDMax = 32

// State is one of the seven states a task can be in.
type State uint8

const (
	// Busy means the task is being constructed or mutated and must never
	// be scheduled.
	Busy State = iota
	// Ready means the task is runnable.
	Ready
	// Active means the task is the one currently executing.
	Active
	// Save means regs is authoritative; the scheduler must not overwrite
	// it from the IM frame on this dispatch, only propagate it out.
	Save
	// Wait means the task is blocked on its own wait queue.
	Wait
	// Fork means a fork of this task was requested; the next dispatch
	// performs it.
	Fork
	// Dead means the task is marked for reaping.
	Dead
)

// Ring identifies the privilege level a task runs at.
type Ring uint8

const (
	RingKernel Ring = 0
	RingUser   Ring = 3
)

// Priority bounds, per spec: tasks live in [PrioMin, PrioMax], newly
// created tasks start at PrioLow, and PrioDefault is a mid-range value. The
// scheduler never boosts or decays a task's priority from tick to tick.
const (
	PrioMin     = 0
	PrioMax     = 63
	PrioLow     = 1
	PrioDefault = 20
)

// TicksDefault is the quantum, in timer ticks, a task receives each time it
// is dispatched.
const TicksDefault = 50

// WaitEntry is one link in a task's wait-queue: constructed when a child
// transitions to Dead and popped by the parent's Wait call.
type WaitEntry struct {
	PID    int32
	Status int32
	next   *WaitEntry
}

// Task is the kernel's per-task control block.
type Task struct {
	Name string
	PID  int32
	PPID int32
	CPID int32

	Regs gate.Registers
	VMM  *vmm.PageDirectoryTable

	Ticks    int32
	MinTicks int32

	State State
	Prio  uint8
	Ring  Ring

	Sighand      [signal.Max + 1]signal.Handler
	SignalQueue  signal.Queue

	ExitCode int32
	TermCode int32

	StackKernelTop uintptr
	StackUserTop   uintptr

	Regions *region.Region

	FileTable [FDMax]int32
	FDLast    int32

	LockDepth int32

	waitqHead, waitqTail *WaitEntry

	prev, next *Task
}

// pushWaitq appends entry to t's wait queue and returns whether t was
// blocked in Wait and should now be woken.
func (t *Task) pushWaitq(entry *WaitEntry) bool {
	if t.waitqTail != nil {
		t.waitqTail.next = entry
	} else {
		t.waitqHead = entry
	}
	t.waitqTail = entry

	wasWaiting := t.State == Wait
	if wasWaiting {
		t.State = Ready
	}
	return wasWaiting
}

// popWaitq removes and returns the head of t's wait queue.
func (t *Task) popWaitq() (*WaitEntry, bool) {
	if t.waitqHead == nil {
		return nil, false
	}
	e := t.waitqHead
	t.waitqHead = e.next
	if t.waitqHead == nil {
		t.waitqTail = nil
	}
	return e, true
}

func (t *Task) waitqEmpty() bool { return t.waitqHead == nil }
