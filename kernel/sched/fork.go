package sched

import (
	"sdx/kernel"
	"sdx/kernel/mm"
	"sdx/kernel/region"
	"sdx/kernel/vmm"
)

// Fork requests a clone of the calling task. Per spec §4.7 this does not
// clone synchronously: it flags current for a fork and voluntarily yields,
// so the actual clone happens on the scheduler's own dispatch path
// (performFork), keeping all task-list mutation inside the timer handler.
//
// Return contract: the parent's call to Fork returns the child's PID; the
// child, once first dispatched, observes Fork having returned 0. This is
// implemented by performFork setting the (not-yet-running) child's saved
// RAX to 0 before the child is ever dispatched, while the parent's own RAX
// is set to the child's PID.
func Fork() (int32, *kernel.Error) {
	if current == nil {
		return 0, errNoSuchTask
	}

	current.CPID = 0
	current.State = Fork
	Yield()

	return current.CPID, nil
}

// performFork runs on the scheduler's own dispatch path (current.State ==
// Fork) and carries out the six steps named in spec §4.7.
func performFork(parent *Task) {
	child := &Task{
		Name:     parent.Name,
		PPID:     parent.PID,
		Ticks:    TicksDefault,
		MinTicks: parent.MinTicks,
		State:    Busy,
		Prio:     parent.Prio,
		Ring:     parent.Ring,
		Regs:     parent.Regs,
		Sighand:  parent.Sighand,
	}

	// (b) clone every region via region.Copy, (c) fresh address space with
	// the cloned regions mapped into it.
	space, err := newAddressSpaceFn()
	if err != nil {
		parent.State = Ready
		return
	}
	child.VMM = space

	for r := parent.Regions; r != nil; r = r.Next {
		clone, cerr := r.Copy()
		if cerr != nil {
			continue
		}
		child.Regions = region.Add(child.Regions, clone)
		if clone.Type == region.Stack {
			top := clone.Vaddr + clone.Num*mm.PageSize
			if clone.VMA == vmm.KernelVMA {
				child.StackKernelTop = top
			} else {
				child.StackUserTop = top
			}
		}
	}

	// Region.Copy only reserves and fills fresh frames; the page-table
	// mapping itself must be installed against the child's own address
	// space, so switch into it for the duration of the mapping pass and
	// back out once done.
	switchAddrSpaceFn(child.VMM)
	for r := child.Regions; r != nil; r = r.Next {
		_ = r.Map()
	}
	switchAddrSpaceFn(parent.VMM)

	// (d) regs already copied above via struct assignment.

	// (e) assign a new PID (one past the max in use; panic on wrap).
	child.PID = maxPID(head) + 1
	if child.PID == PIDMax {
		panic(errPIDExhausted)
	}

	// The child's saved RAX is zeroed so that when it is first dispatched
	// it observes Fork() having returned 0; the parent's own RAX already
	// holds whatever value is about to be overwritten with the child PID
	// below.
	child.Regs.RAX = 0
	child.State = Ready

	// (f) insert into the queue.
	head = insert(head, child)

	parent.CPID = child.PID
	parent.Regs.RAX = uint64(child.PID)
	parent.State = Ready
}
