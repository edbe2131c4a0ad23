package gate

// Priority selects where in a vector's handler list a newly registered
// handler is inserted. Handlers registered with FirstPriority run before any
// SecondPriority handler for the same interrupt vector, regardless of
// registration order; within the same priority tier handlers run in
// registration order.
type Priority uint8

const (
	// FirstPriority handlers run before any SecondPriority handler.
	FirstPriority Priority = iota
	// SecondPriority handlers run after every FirstPriority handler.
	SecondPriority
)

// handlerEntry is a single link in a vector's handler list.
type handlerEntry struct {
	handler  func(*Registers)
	priority Priority
	enabled  bool
}

// handlerLists holds, for every interrupt vector, the ordered list of
// handlers registered against it. Unlike HandleInterrupt (which installs a
// single CPU-level gate handler), RegisterHandler lets multiple independent
// collaborators observe the same vector, each seeing every dispatch unless
// individually disabled.
var handlerLists [256][]*handlerEntry

// RegisterHandler appends handler to intNumber's handler list at the given
// priority tier and returns a token that can be passed to EnableHandler /
// DisableHandler to toggle delivery without removing the registration.
func RegisterHandler(intNumber InterruptNumber, priority Priority, handler func(*Registers)) *handlerEntry {
	entry := &handlerEntry{handler: handler, priority: priority, enabled: true}

	list := handlerLists[intNumber]
	if priority == FirstPriority {
		// Insert after the last FirstPriority entry so FirstPriority
		// handlers remain registration-ordered among themselves and
		// always precede SecondPriority handlers.
		insertAt := 0
		for insertAt < len(list) && list[insertAt].priority == FirstPriority {
			insertAt++
		}
		list = append(list, nil)
		copy(list[insertAt+1:], list[insertAt:])
		list[insertAt] = entry
	} else {
		list = append(list, entry)
	}
	handlerLists[intNumber] = list

	return entry
}

// EnableHandler resumes dispatch to a handler previously registered via
// RegisterHandler.
func EnableHandler(entry *handlerEntry) { entry.enabled = true }

// DisableHandler suspends dispatch to a handler previously registered via
// RegisterHandler without removing it from the list.
func DisableHandler(entry *handlerEntry) { entry.enabled = false }

// Dispatch invokes, in priority order, every enabled handler registered
// against intNumber. It is the Go-side counterpart of the per-vector
// dispatch table that the (architecture-specific, assembly-implemented)
// interrupt gate entries route into.
func Dispatch(intNumber InterruptNumber, regs *Registers) {
	for _, entry := range handlerLists[intNumber] {
		if entry.enabled {
			entry.handler(regs)
		}
	}
}
