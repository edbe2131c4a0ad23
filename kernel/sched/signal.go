package sched

import "sdx/kernel/signal"

// SendSignal appends sig to task's signal queue; the signal is observed and
// delivered the next time task becomes Active, per spec §4.8.
func SendSignal(task *Task, sig signal.Signal) {
	if task == nil {
		return
	}
	task.SignalQueue.Push(sig)
}

// deliver applies the handler task has installed for sig: Ignore drops it
// (except KILL, which cannot be ignored), Func invokes the user handler,
// and Default runs the built-in behavior for sig.
func deliver(task *Task, sig signal.Signal) {
	handler := task.Sighand[sig]

	if handler.Action == signal.Ignore && sig != signal.KILL {
		return
	}

	if handler.Action == signal.Func && sig != signal.KILL {
		handler.Fn(sig)
		return
	}

	terminateWithSignal(task, sig)
}

// terminateWithSignal implements the default action for every signal sdx
// recognizes: HUP/INT simply terminate; ILL/SEGV additionally call dumpCore
// before terminating; all set the term code to 128+signal.
func terminateWithSignal(task *Task, sig signal.Signal) {
	if signal.CoreDumps(sig) {
		dumpCore(task)
	}

	task.TermCode = signal.DefaultExitCode(sig)
	task.ExitCode = task.TermCode
	notifyParentOfDeath(task)
	task.State = Dead
}

// dumpCore prints nothing: neither the task's register file nor a slice of
// its stack is dumped.
func dumpCore(task *Task) {
	_ = task
}
