// internal/events/bus.go
package events

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Handler receives events. It runs on the emitter's goroutine and must not block.
type Handler func(ev Event)

// Bus fans every emitted event out to all subscribers in subscription order.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
	logger logrus.FieldLogger
}

type subscription struct {
	id int
	fn Handler
}

func NewBus(logger logrus.FieldLogger) *Bus {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bus{logger: logger}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit delivers ev to the current subscribers.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	if len(subs) == 0 {
		b.logger.Debugf("event %s dropped: no subscribers", ev.Type)
		return
	}
	for _, s := range subs {
		s.fn(ev)
	}
}
