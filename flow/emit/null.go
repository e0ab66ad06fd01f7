package emit

// NullEmitter discards all events. The default when no emitter is
// configured.
type NullEmitter struct{}

// NewNullEmitter creates an emitter that does nothing.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit implements Emitter.
func (n *NullEmitter) Emit(Event) {}
