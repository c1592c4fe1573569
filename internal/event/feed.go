// Package event provides the typed, multi-subscriber event feeds the
// components use for their outbound notifications.
package event

import "sync"

// Feed fans a value out to every subscribed handler, synchronously and in
// subscription order. The zero value is ready to use.
type Feed[T any] struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]func(T)
	order    []int
}

// Subscribe registers fn and returns a function that removes it.
func (f *Feed[T]) Subscribe(fn func(T)) (cancel func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[int]func(T))
	}
	id := f.next
	f.next++
	f.handlers[id] = fn
	f.order = append(f.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.handlers, id)
			for i, existing := range f.order {
				if existing == id {
					f.order = append(f.order[:i], f.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit delivers value to every current subscriber. Handlers run without
// the feed lock held, so they may subscribe or cancel.
func (f *Feed[T]) Emit(value T) {
	f.mu.RLock()
	handlers := make([]func(T), 0, len(f.order))
	for _, id := range f.order {
		handlers = append(handlers, f.handlers[id])
	}
	f.mu.RUnlock()

	for _, handler := range handlers {
		handler(value)
	}
}

// Len returns the number of subscribers.
func (f *Feed[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.handlers)
}
