package sched

// insert splices task into the doubly-linked run queue headed by head,
// keeping the list ordered by non-increasing priority; ties are broken by
// insertion order (new task goes after existing tasks of equal priority).
// It returns the (possibly updated) head.
func insert(head, task *Task) *Task {
	if head == nil {
		task.prev, task.next = nil, nil
		return task
	}

	if task.Prio > head.Prio {
		task.next = head
		head.prev = task
		task.prev = nil
		return task
	}

	cur := head
	for cur.next != nil && cur.next.Prio >= task.Prio {
		cur = cur.next
	}

	task.next = cur.next
	task.prev = cur
	if cur.next != nil {
		cur.next.prev = task
	}
	cur.next = task

	return head
}

// remove splices task out of the doubly-linked run queue headed by head and
// returns the (possibly updated) head.
func remove(head, task *Task) *Task {
	if task.prev != nil {
		task.prev.next = task.next
	} else {
		head = task.next
	}
	if task.next != nil {
		task.next.prev = task.prev
	}
	task.prev, task.next = nil, nil
	return head
}

// find returns the task in the list headed by head with the given pid, or
// nil if none matches.
func find(head *Task, pid int32) *Task {
	for t := head; t != nil; t = t.next {
		if t.PID == pid {
			return t
		}
	}
	return nil
}

// maxPID returns the highest pid currently in the list headed by head, or 0
// if the list is empty.
func maxPID(head *Task) int32 {
	var max int32
	for t := head; t != nil; t = t.next {
		if t.PID > max {
			max = t.PID
		}
	}
	return max
}

// hasChildren reports whether any task in the list headed by head has ppid
// equal to pid.
func hasChildren(head *Task, pid int32) bool {
	for t := head; t != nil; t = t.next {
		if t.PPID == pid {
			return true
		}
	}
	return false
}

// next returns the next runnable (Ready) task after cur in the doubly
// linked run queue, wrapping at the tail back to head. It returns nil if no
// task in the list is Ready.
func next(head, cur *Task) *Task {
	if head == nil {
		return nil
	}

	start := cur
	if start == nil {
		start = head
	}

	t := start.next
	if t == nil {
		t = head
	}
	for t != start {
		if t.State == Ready {
			return t
		}
		t = t.next
		if t == nil {
			t = head
		}
	}
	if start.State == Ready {
		return start
	}
	return nil
}
