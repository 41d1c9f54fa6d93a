package actor

import "sync"

// Value is an observable current value. Subscribers receive the current value
// on subscribe and every subsequent change; a slow subscriber loses its oldest
// pending values rather than blocking the writer.
type Value[T comparable] struct {
	mu      sync.Mutex
	current T
	subs    map[*valueSub[T]]struct{}
}

type valueSub[T any] struct {
	ch     chan T
	closed bool
}

// NewValue returns a value holding initial.
func NewValue[T comparable](initial T) *Value[T] {
	return &Value[T]{current: initial, subs: make(map[*valueSub[T]]struct{})}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Set stores next and notifies subscribers when it differs from the current value.
// It returns the previous value and whether a change happened.
func (v *Value[T]) Set(next T) (T, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	prev := v.current
	if prev == next {
		return prev, false
	}
	v.current = next
	for sub := range v.subs {
		offer(sub.ch, next)
	}
	return prev, true
}

// Update applies fn to the current value under the lock and stores the result.
func (v *Value[T]) Update(fn func(T) T) (prev, next T, changed bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	prev = v.current
	next = fn(prev)
	if next == prev {
		return prev, next, false
	}
	v.current = next
	for sub := range v.subs {
		offer(sub.ch, next)
	}
	return prev, next, true
}

// Subscribe returns a channel primed with the current value. buffer below 1 is raised to 1.
// cancel closes the channel.
func (v *Value[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &valueSub[T]{ch: make(chan T, buffer)}
	v.mu.Lock()
	sub.ch <- v.current
	v.subs[sub] = struct{}{}
	v.mu.Unlock()

	return sub.ch, func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		if !sub.closed {
			sub.closed = true
			delete(v.subs, sub)
			close(sub.ch)
		}
	}
}

// offer sends x, discarding the oldest pending element when ch is full. Callers hold the owning lock.
func offer[T any](ch chan T, x T) {
	for {
		select {
		case ch <- x:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
