package bus

import "sync"

// Registry collects unsubscribe functions so a component can drop all of
// its subscriptions in one call on teardown.
type Registry struct {
	mu       sync.Mutex
	disposed bool
	fns      []func()
}

// Add records a disposer. If the registry was already disposed the
// function runs immediately.
func (r *Registry) Add(fn func()) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		fn()
		return
	}
	r.fns = append(r.fns, fn)
	r.mu.Unlock()
}

// Dispose runs every recorded disposer once, in reverse order of registration.
func (r *Registry) Dispose() {
	r.mu.Lock()
	fns := r.fns
	r.fns = nil
	r.disposed = true
	r.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}
