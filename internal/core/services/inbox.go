package services

import "sync"

const defaultInboxSize = 128

// inbox serializes everything that happens to one session onto the
// goroutine draining it. Pushes after close are dropped.
type inbox[E any] struct {
	events    chan E
	done      chan struct{}
	closeOnce sync.Once
}

func newInbox[E any](size int) *inbox[E] {
	if size <= 0 {
		size = defaultInboxSize
	}
	return &inbox[E]{
		events: make(chan E, size),
		done:   make(chan struct{}),
	}
}

func (b *inbox[E]) push(e E) bool {
	select {
	case <-b.done:
		return false
	default:
	}

	select {
	case b.events <- e:
		return true
	case <-b.done:
		return false
	}
}

func (b *inbox[E]) close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

func (b *inbox[E]) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}
