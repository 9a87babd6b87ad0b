package stream

import "sync"

// Registry tracks the live push connections owned by this instance,
// keyed by opaque user key.  It is an explicit, injected object with a
// documented lifecycle: register on connect, deregister on close or
// timeout.  Messages for user keys not present here belong to another
// instance and are simply ignored.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]chan StatusMessage
	bufSize int
}

// NewRegistry returns a registry whose per-connection outbound buffers
// hold bufSize messages.  A slow consumer whose buffer is full loses
// intermediate updates rather than blocking the fan-out; the periodic
// snapshot broadcast repairs any gap.
func NewRegistry(bufSize int) *Registry {
	if bufSize < 1 {
		bufSize = 1
	}
	return &Registry{conns: make(map[string]chan StatusMessage), bufSize: bufSize}
}

// Register creates the outbound channel for a user key and returns it
// together with a deregister func.  Registering the same key again
// replaces the previous connection, which then stops receiving.
// The deregister func is idempotent and must be called when the
// connection closes or times out.
func (r *Registry) Register(userKey string) (<-chan StatusMessage, func()) {
	ch := make(chan StatusMessage, r.bufSize)
	r.mu.Lock()
	r.conns[userKey] = ch
	r.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			if cur, ok := r.conns[userKey]; ok && cur == ch {
				delete(r.conns, userKey)
			}
			r.mu.Unlock()
		})
	}
}

// Send delivers a message to the local connection for userKey, if any.
// The send never blocks: when the buffer is full the message is
// dropped.  It reports whether the key was locally registered.
func (r *Registry) Send(userKey string, msg StatusMessage) bool {
	r.mu.RLock()
	ch, ok := r.conns[userKey]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case ch <- msg:
	default:
	}
	return true
}

// Len returns the number of locally registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
