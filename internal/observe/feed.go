// Package observe provides a typed publish/subscribe stream used to pass
// samples and state changes between components without shared mutation.
package observe

import "sync"

// Feed fans values out to every subscriber in publish order.
// The zero value is ready to use.
type Feed[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber[T]
	nextID uint64
	closed bool
}

type subscriber[T any] struct {
	ch   chan T
	done chan struct{}
	once sync.Once
}

func (s *subscriber[T]) stop() {
	s.once.Do(func() { close(s.done) })
}

// Subscribe registers a new subscriber with the given buffer size and returns
// its channel together with a cancel func. Cancel is idempotent and closes the
// channel once no publish is in flight.
func (f *Feed[T]) Subscribe(buffer int) (<-chan T, func()) {
	sub := &subscriber[T]{
		ch:   make(chan T, buffer),
		done: make(chan struct{}),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	if f.subs == nil {
		f.subs = map[uint64]*subscriber[T]{}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = sub
	f.mu.Unlock()

	return sub.ch, func() { f.unsubscribe(id, sub) }
}

func (f *Feed[T]) unsubscribe(id uint64, sub *subscriber[T]) {
	// unblock publishers before taking the write lock
	sub.stop()

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[id]; ok {
		delete(f.subs, id)
		close(sub.ch)
	}
}

// Publish delivers v to every subscriber, waiting while a subscriber's buffer
// is full.
func (f *Feed[T]) Publish(v T) {
	f.PublishUntil(v, nil)
}

// PublishUntil is Publish that gives up on blocked subscribers once abort is
// closed. It reports whether every subscriber received the value.
func (f *Feed[T]) PublishUntil(v T, abort <-chan struct{}) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	delivered := true
	for _, sub := range f.subs {
		select {
		case sub.ch <- v:
		case <-sub.done:
		case <-abort:
			delivered = false
		}
	}
	return delivered
}

// Offer delivers v to subscribers with buffer room and drops it for the rest.
func (f *Feed[T]) Offer(v T) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, sub := range f.subs {
		select {
		case sub.ch <- v:
		default:
		}
	}
}

// Len reports the number of live subscribers.
func (f *Feed[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Close cancels every subscription and rejects future ones.
func (f *Feed[T]) Close() {
	f.mu.RLock()
	for _, sub := range f.subs {
		sub.stop()
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		close(sub.ch)
	}
	f.subs = nil
	f.closed = true
}
