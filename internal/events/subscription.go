package events

import "sync/atomic"

// Subscription is a live feed of stored events. Delivery is lossy: when the
// consumer falls behind by more than the buffer size the oldest buffered
// events are dropped and Lossy flips to true. Consumers that need every event
// should note the last id they saw and catch up via EventsAfter.
type Subscription struct {
	store *Store
	ch    chan *StoredEvent
	lossy atomic.Bool
}

// Subscribe registers a new subscriber with the given channel buffer.
// buffer <= 0 uses a reasonable default.
func (s *Store) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{
		store: s,
		ch:    make(chan *StoredEvent, buffer),
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

// C is the event channel. It is closed by Unsubscribe.
func (sub *Subscription) C() <-chan *StoredEvent { return sub.ch }

// Lossy reports whether any event was dropped since the subscription started.
func (sub *Subscription) Lossy() bool { return sub.lossy.Load() }

// Unsubscribe detaches the subscriber and closes its channel.
func (sub *Subscription) Unsubscribe() {
	s := sub.store
	s.mu.Lock()
	_, ok := s.subs[sub]
	delete(s.subs, sub)
	s.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// deliver is called with the store mutex held.
func (sub *Subscription) deliver(se *StoredEvent) {
	for {
		select {
		case sub.ch <- se:
			return
		default:
		}
		// Buffer full: drop the oldest event to make room.
		select {
		case <-sub.ch:
			sub.lossy.Store(true)
		default:
		}
	}
}
