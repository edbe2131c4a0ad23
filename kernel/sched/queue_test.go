package sched

import "testing"

func TestInsertPriorityOrder(t *testing.T) {
	a := &Task{PID: 1, Prio: 10}
	b := &Task{PID: 2, Prio: 30}
	c := &Task{PID: 3, Prio: 20}

	var list *Task
	list = insert(list, a)
	list = insert(list, b)
	list = insert(list, c)

	var gotOrder []int32
	for t := list; t != nil; t = t.next {
		gotOrder = append(gotOrder, t.PID)
	}

	expOrder := []int32{2, 3, 1}
	if len(gotOrder) != len(expOrder) {
		t.Fatalf("expected %d tasks; got %d", len(expOrder), len(gotOrder))
	}
	for i := range expOrder {
		if gotOrder[i] != expOrder[i] {
			t.Errorf("position %d: expected pid %d; got %d", i, expOrder[i], gotOrder[i])
		}
	}

	if list.prev != nil {
		t.Errorf("expected head.prev to be nil")
	}
	if b.prev != nil || b.next != c {
		t.Errorf("expected b to be head with next == c")
	}
	if c.prev != b || c.next != a {
		t.Errorf("expected c to sit between b and a")
	}
	if a.prev != c || a.next != nil {
		t.Errorf("expected a to be tail")
	}
}

func TestRemove(t *testing.T) {
	a := &Task{PID: 1, Prio: 10}
	b := &Task{PID: 2, Prio: 20}
	c := &Task{PID: 3, Prio: 30}

	var list *Task
	list = insert(list, a)
	list = insert(list, b)
	list = insert(list, c)

	list = remove(list, b)
	if find(list, 2) != nil {
		t.Errorf("expected pid 2 to be removed")
	}
	if list.next != a || a.prev != list {
		t.Errorf("expected remaining list to be linked c -> a")
	}

	list = remove(list, list)
	if list != a {
		t.Errorf("expected removing head to leave a as the new head")
	}
	if list.prev != nil {
		t.Errorf("expected new head's prev to be nil")
	}
}

func TestFind(t *testing.T) {
	a := &Task{PID: 7}
	b := &Task{PID: 9}
	var list *Task
	list = insert(list, a)
	list = insert(list, b)

	if got := find(list, 9); got != b {
		t.Errorf("expected to find pid 9")
	}
	if got := find(list, 42); got != nil {
		t.Errorf("expected nil for an unknown pid")
	}
}

func TestMaxPID(t *testing.T) {
	if got := maxPID(nil); got != 0 {
		t.Errorf("expected maxPID of an empty list to be 0; got %d", got)
	}

	var list *Task
	list = insert(list, &Task{PID: 3})
	list = insert(list, &Task{PID: 11})
	list = insert(list, &Task{PID: 5})

	if got := maxPID(list); got != 11 {
		t.Errorf("expected maxPID 11; got %d", got)
	}
}

func TestHasChildren(t *testing.T) {
	var list *Task
	list = insert(list, &Task{PID: 1, PPID: 0})
	list = insert(list, &Task{PID: 2, PPID: 1})

	if !hasChildren(list, 1) {
		t.Errorf("expected pid 1 to have children")
	}
	if hasChildren(list, 2) {
		t.Errorf("expected pid 2 to have no children")
	}
}

func TestNextRoundRobin(t *testing.T) {
	a := &Task{PID: 1, Prio: PrioDefault, State: Ready}
	b := &Task{PID: 2, Prio: PrioDefault, State: Ready}
	c := &Task{PID: 3, Prio: PrioDefault, State: Busy}

	var list *Task
	list = insert(list, a)
	list = insert(list, b)
	list = insert(list, c)

	if got := next(list, a); got != b {
		t.Errorf("expected next after a to be b; got %v", got)
	}
	// c is not Ready, so next after b must wrap back to a.
	if got := next(list, b); got != a {
		t.Errorf("expected next after b to wrap to a; got %v", got)
	}
}

func TestNextSingleReadyTask(t *testing.T) {
	a := &Task{PID: 1, Prio: PrioDefault, State: Ready}
	var list *Task
	list = insert(list, a)

	if got := next(list, a); got != a {
		t.Errorf("expected the lone Ready task to be selected again; got %v", got)
	}
}

func TestNextNoReadyTask(t *testing.T) {
	a := &Task{PID: 1, State: Busy}
	var list *Task
	list = insert(list, a)

	if got := next(list, a); got != nil {
		t.Errorf("expected nil when no task is Ready; got %v", got)
	}
}
