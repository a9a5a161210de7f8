// Package eventrouter is a synchronous, in-process publish/subscribe router keyed
// by event type.
//
// Post dispatches an event to every handler registered for its concrete type, in
// registration order, on the caller's goroutine. Handlers may post further events.
// A handler that panics propagates the panic to the poster.
//
// Example usage:
//
//	router := eventrouter.New()
//	unsubscribe := eventrouter.Subscribe(router, func(e TwinFound) {
//		follow(e.Twin)
//	})
//	defer unsubscribe()
//	router.Post(TwinFound{Twin: model})
package eventrouter

import (
	"reflect"
	"sync"
)

type handler struct {
	id int64
	fn func(any)
}

// Router holds handler registrations. It is safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	handlers map[reflect.Type][]handler
	nextID   int64
}

// New creates an empty router.
func New() *Router {
	return &Router{handlers: make(map[reflect.Type][]handler)}
}

// Subscribe registers fn for events of type E and returns a function removing it.
func Subscribe[E any](r *Router, fn func(E)) (unsubscribe func()) {
	t := reflect.TypeFor[E]()

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.handlers[t] = append(r.handlers[t], handler{
		id: id,
		fn: func(event any) { fn(event.(E)) },
	})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(t, id) })
	}
}

func (r *Router) remove(t reflect.Type, id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hs := r.handlers[t]
	for i, h := range hs {
		if h.id == id {
			r.handlers[t] = append(hs[:i:i], hs[i+1:]...)
			break
		}
	}
	if len(r.handlers[t]) == 0 {
		delete(r.handlers, t)
	}
}

// Post delivers event to the handlers of its concrete type and returns how many ran.
func (r *Router) Post(event any) int {
	if event == nil {
		return 0
	}
	r.mu.RLock()
	hs := r.handlers[reflect.TypeOf(event)]
	snapshot := make([]handler, len(hs))
	copy(snapshot, hs)
	r.mu.RUnlock()

	for _, h := range snapshot {
		h.fn(event)
	}
	return len(snapshot)
}

// HandlerCount returns the number of handlers registered for type E.
func HandlerCount[E any](r *Router) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[reflect.TypeFor[E]()])
}
