package gate

import "testing"

func resetHandlers(vec InterruptNumber) {
	handlerLists[vec] = nil
}

func TestRegisterHandlerOrdering(t *testing.T) {
	const vec = InterruptNumber(200)
	defer resetHandlers(vec)
	resetHandlers(vec)

	var order []string
	RegisterHandler(vec, SecondPriority, func(*Registers) { order = append(order, "second-1") })
	RegisterHandler(vec, FirstPriority, func(*Registers) { order = append(order, "first-1") })
	RegisterHandler(vec, SecondPriority, func(*Registers) { order = append(order, "second-2") })
	RegisterHandler(vec, FirstPriority, func(*Registers) { order = append(order, "first-2") })

	Dispatch(vec, &Registers{})

	exp := []string{"first-1", "first-2", "second-1", "second-2"}
	if len(order) != len(exp) {
		t.Fatalf("expected %d calls; got %d (%v)", len(exp), len(order), order)
	}
	for i := range exp {
		if order[i] != exp[i] {
			t.Errorf("position %d: expected %q; got %q", i, exp[i], order[i])
		}
	}
}

func TestDisableHandlerSuppressesDispatch(t *testing.T) {
	const vec = InterruptNumber(201)
	defer resetHandlers(vec)
	resetHandlers(vec)

	called := false
	entry := RegisterHandler(vec, FirstPriority, func(*Registers) { called = true })

	DisableHandler(entry)
	Dispatch(vec, &Registers{})
	if called {
		t.Fatalf("expected disabled handler not to run")
	}

	EnableHandler(entry)
	Dispatch(vec, &Registers{})
	if !called {
		t.Fatalf("expected re-enabled handler to run")
	}
}

func TestDispatchUnregisteredVectorIsNoop(t *testing.T) {
	const vec = InterruptNumber(202)
	defer resetHandlers(vec)
	resetHandlers(vec)

	// Must not panic when no handler is registered.
	Dispatch(vec, &Registers{})
}
