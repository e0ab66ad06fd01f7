package emit

// Emitter receives run lifecycle events.
//
// Implementations must be safe for concurrent use and must not block or
// panic; a slow or failing backend may drop events but never stalls the run.
// Event delivery is best-effort: run state transitions are already durable
// in the checkpoint store before any event is emitted, so a lost event never
// loses state.
type Emitter interface {
	Emit(event Event)
}

// Multi fans one event out to several emitters in order.
func Multi(emitters ...Emitter) Emitter {
	return multiEmitter(emitters)
}

type multiEmitter []Emitter

func (m multiEmitter) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
