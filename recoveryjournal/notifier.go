package recoveryjournal

import "sync"

// Notifier is a minimal, process-wide ReadOnlyNotifier implementation
// (spec.md section 9: "implement as an event emitter owned by the
// higher layer; core components register at construction"). It's the
// one piece of the ReadOnlyNotifier contract this repo actually
// implements, since every other collaborator in section 6 is
// external-only; tests and small standalone deployments use it
// directly.
type Notifier struct {
	mu        sync.Mutex
	readOnly  bool
	err       error
	listeners []ReadOnlyListener
}

// NewNotifier returns a Notifier with no listeners registered.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// RegisterListener adds listener to the notification fan-out. If the
// notifier already entered read-only mode, listener fires immediately.
func (n *Notifier) RegisterListener(listener ReadOnlyListener) {
	n.mu.Lock()
	already := n.readOnly
	err := n.err
	n.listeners = append(n.listeners, listener)
	n.mu.Unlock()
	if already {
		listener(err, func() {})
	}
}

// EnterReadOnlyMode latches read-only permanently and fans err out to
// every registered listener. Idempotent: only the first call has any
// effect (spec.md section 7: read-only is absorbing).
func (n *Notifier) EnterReadOnlyMode(err error) {
	n.mu.Lock()
	if n.readOnly {
		n.mu.Unlock()
		return
	}
	n.readOnly = true
	n.err = err
	listeners := append([]ReadOnlyListener(nil), n.listeners...)
	n.mu.Unlock()
	for _, l := range listeners {
		l(err, func() {})
	}
}

// IsReadOnly reports whether EnterReadOnlyMode has ever been called.
func (n *Notifier) IsReadOnly() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.readOnly
}
