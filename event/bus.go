package event

import "sync"

// Bus is an in-process wakeup channel between the façade and the
// executor. Submit notifies the bus after enqueueing so that the
// executor picks the job up immediately instead of waiting out its
// poll interval. Notifications carry no data and are droppable: a
// subscriber that is already awake needs no second nudge.
type Bus struct {
	mu   sync.Mutex
	subs []chan struct{}
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a wakeup channel. The returned channel has a
// one-slot buffer; at most one notification is pending at a time.
func (b *Bus) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Notify wakes all subscribers without blocking. A subscriber with a
// pending notification is skipped.
func (b *Bus) Notify() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
