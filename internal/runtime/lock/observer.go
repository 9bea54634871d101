package lock

import "sync"

// waiter is shared by every Acquire blocked on the same key. ch is closed
// once when the key is released.
type waiter struct {
	ch   chan struct{}
	refs int
}

// observer maps keys to the waiters blocked on them. The watch loop in
// Locker.Run feeds it release events.
type observer struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

func newObserver() *observer {
	return &observer{waiters: make(map[string]*waiter)}
}

// register returns the waiter for key, creating it if needed.
func (o *observer) register(key string) *waiter {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.waiters[key]
	if !ok {
		w = &waiter{ch: make(chan struct{})}
		o.waiters[key] = w
	}
	w.refs++
	return w
}

// unregister drops one reference. A waiter that was already signalled has
// left the map and is ignored.
func (o *observer) unregister(key string, w *waiter) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.waiters[key] != w {
		return
	}
	w.refs--
	if w.refs <= 0 {
		delete(o.waiters, key)
	}
}

// release wakes everyone waiting on key. Keys nobody waits on are ignored.
func (o *observer) release(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.waiters[key]
	if !ok {
		return false
	}
	delete(o.waiters, key)
	close(w.ch)
	return true
}

// releaseAll wakes every waiter, used when events may have been missed.
func (o *observer) releaseAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for key, w := range o.waiters {
		delete(o.waiters, key)
		close(w.ch)
	}
}

func (o *observer) pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.waiters)
}
