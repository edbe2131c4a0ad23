package sched

import "sdx/kernel/errno"

// Wait implements spec §4.7's wait semantics: if the calling task's wait
// queue is empty and it has no children, ECHILD is returned immediately;
// otherwise the caller blocks (State = Wait) until a waitq entry arrives,
// then pops and returns it.
func Wait() (pid int32, status int32, err errno.Errno) {
	if current == nil {
		return 0, 0, errno.ESRCH
	}

	if current.waitqEmpty() && !hasChildren(head, current.PID) {
		return 0, 0, errno.ECHILD
	}

	for current.waitqEmpty() {
		current.State = Wait
		Yield()
	}

	entry, ok := current.popWaitq()
	if !ok {
		return 0, 0, errno.ECHILD
	}
	return entry.PID, entry.Status, 0
}

// notifyParentOfDeath constructs a wait-queue entry for dead and appends it
// to dead's parent, unblocking the parent if it was Wait-ing, per spec's
// waitq-enqueue rule.
func notifyParentOfDeath(dead *Task) {
	parent := find(head, dead.PPID)
	if parent == nil {
		return
	}

	status := dead.ExitCode<<8 | (dead.TermCode & 0xffff)
	parent.pushWaitq(&WaitEntry{PID: dead.PID, Status: status})
}

// Exit marks the calling task Dead with the given exit code, reparents its
// children to PID 1, notifies its own parent, and yields to the scheduler;
// the reaping pass that actually frees the task struct happens on a
// subsequent timer tick. Exiting from PID 1 (init) is fatal.
func Exit(code int32) {
	if current == nil {
		return
	}

	if current.PID == 1 {
		panic("init exited")
	}

	current.ExitCode = code
	current.TermCode = 0

	for t := head; t != nil; t = t.next {
		if t.PPID == current.PID {
			t.PPID = 1
		}
	}

	notifyParentOfDeath(current)

	current.State = Dead
	Yield()
}
