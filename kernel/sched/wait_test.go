package sched

import (
	"testing"

	"sdx/kernel/errno"
)

func resetSchedState() {
	head, current, idle, promoted = nil, nil, nil, nil
	rescheduleFn = func() {}
}

func TestWaitECHILDWhenNoChildrenAndEmptyWaitq(t *testing.T) {
	defer resetSchedState()
	resetSchedState()

	current = &Task{PID: 1}
	head = insert(head, current)

	pid, status, err := Wait()
	if err != errno.ECHILD {
		t.Fatalf("expected ECHILD; got pid=%d status=%d err=%v", pid, status, err)
	}
}

func TestWaitBlocksUntilWaitqEntryArrives(t *testing.T) {
	defer resetSchedState()
	resetSchedState()

	current = &Task{PID: 1}
	child := &Task{PID: 2, PPID: 1}
	head = insert(head, current)
	head = insert(head, child)

	rescheduleCount := 0
	rescheduleFn = func() {
		rescheduleCount++
		if rescheduleCount == 1 {
			current.pushWaitq(&WaitEntry{PID: 2, Status: 5 << 8})
		}
	}

	pid, status, err := Wait()
	if err != 0 {
		t.Fatalf("unexpected error: %v", err)
	}
	if pid != 2 || status != 5<<8 {
		t.Errorf("expected pid=2 status=%d; got pid=%d status=%d", 5<<8, pid, status)
	}
	if current.State != Ready {
		t.Errorf("expected pushWaitq to flip the woken task back to Ready; got %v", current.State)
	}
	if rescheduleCount != 1 {
		t.Errorf("expected exactly one reschedule before the waitq entry arrived; got %d", rescheduleCount)
	}
}

func TestNotifyParentOfDeathPacksStatus(t *testing.T) {
	defer resetSchedState()
	resetSchedState()

	parent := &Task{PID: 1}
	head = insert(head, parent)

	dead := &Task{PID: 2, PPID: 1, ExitCode: 3, TermCode: 0}
	notifyParentOfDeath(dead)

	entry, ok := parent.popWaitq()
	if !ok {
		t.Fatalf("expected parent to receive a waitq entry")
	}
	if entry.PID != 2 || entry.Status != 3<<8 {
		t.Errorf("expected pid=2 status=%d; got pid=%d status=%d", 3<<8, entry.PID, entry.Status)
	}
}

func TestExitReparentsChildrenAndNotifiesParent(t *testing.T) {
	defer resetSchedState()
	resetSchedState()

	init1 := &Task{PID: 1}
	parent := &Task{PID: 2, PPID: 1}
	child := &Task{PID: 3, PPID: 2}
	head = insert(head, init1)
	head = insert(head, parent)
	head = insert(head, child)
	current = parent

	rescheduleFn = func() {}

	Exit(7)

	if child.PPID != 1 {
		t.Errorf("expected child to be reparented to pid 1; got ppid %d", child.PPID)
	}
	if current.State != Dead {
		t.Errorf("expected exiting task to be marked Dead")
	}
	if current.ExitCode != 7 {
		t.Errorf("expected exit code 7; got %d", current.ExitCode)
	}

	entry, ok := init1.popWaitq()
	if !ok || entry.PID != 2 {
		t.Fatalf("expected init to receive a waitq entry for pid 2; got %+v ok=%v", entry, ok)
	}
}

func TestExitFromInitPanics(t *testing.T) {
	defer resetSchedState()
	resetSchedState()

	current = &Task{PID: 1}
	head = insert(head, current)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected Exit from pid 1 to panic")
		}
	}()
	Exit(0)
}
