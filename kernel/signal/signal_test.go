package signal

import "testing"

func TestCoreDumps(t *testing.T) {
	specs := []struct {
		sig Signal
		exp bool
	}{
		{HUP, false},
		{INT, false},
		{ILL, true},
		{KILL, false},
		{SEGV, true},
	}

	for _, spec := range specs {
		if got := CoreDumps(spec.sig); got != spec.exp {
			t.Errorf("CoreDumps(%d): expected %v; got %v", spec.sig, spec.exp, got)
		}
	}
}

func TestDefaultExitCode(t *testing.T) {
	if got := DefaultExitCode(INT); got != 130 {
		t.Errorf("expected 130; got %d", got)
	}
	if got := DefaultExitCode(SEGV); got != 133 {
		t.Errorf("expected 133; got %d", got)
	}
}

func TestQueueFIFO(t *testing.T) {
	var q Queue

	if !q.Empty() {
		t.Fatalf("expected a fresh queue to be empty")
	}

	q.Push(HUP)
	q.Push(INT)

	if q.Empty() {
		t.Fatalf("expected queue to be non-empty after pushing")
	}

	if sig, ok := q.Pop(); !ok || sig != HUP {
		t.Errorf("expected first popped signal to be HUP; got %v ok=%v", sig, ok)
	}
	if sig, ok := q.Pop(); !ok || sig != INT {
		t.Errorf("expected second popped signal to be INT; got %v ok=%v", sig, ok)
	}
	if !q.Empty() {
		t.Errorf("expected queue to be empty after draining")
	}
	if _, ok := q.Pop(); ok {
		t.Errorf("expected popping an empty queue to report ok=false")
	}
}

func TestNewHandlerTableDefaultsToDefault(t *testing.T) {
	table := NewHandlerTable()
	for sig := HUP; sig <= Max; sig++ {
		if table[sig].Action != Default {
			t.Errorf("signal %d: expected Default action; got %v", sig, table[sig].Action)
		}
	}
}
