// Package events provides an in-process bus for lifecycle transitions.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jbweber/homelab/director/internal/domain"
)

// Transition records one lifecycle state change of a device.
type Transition struct {
	UUID   string                `json:"uuid"`
	From   domain.LifecycleState `json:"from"`
	To     domain.LifecycleState `json:"to"`
	Reason string                `json:"reason,omitempty"`
	At     time.Time             `json:"at"`
}

// Handler receives published transitions. Handlers run in the publisher's
// goroutine and must not block.
type Handler func(Transition)

// Bus is an in-memory publish/subscribe bus.
type Bus struct {
	mu       sync.RWMutex
	handlers []handlerEntry
	nextID   uint64
	logger   *zap.Logger
}

type handlerEntry struct {
	id      uint64
	handler Handler
}

// NewBus creates a new in-memory event bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logger}
}

// Publish dispatches t synchronously to every subscriber.
func (b *Bus) Publish(t Transition) {
	b.mu.RLock()
	handlers := make([]handlerEntry, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.safeCall(h.handler, t)
	}
}

// Subscribe registers a handler. Returns an unsubscribe function.
func (b *Bus) Subscribe(handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers = append(b.handlers, handlerEntry{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.handlers {
			if e.id == id {
				b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
				return
			}
		}
	}
}

// SubscribeChan delivers transitions to a buffered channel. Transitions are
// dropped while the channel is full.
func (b *Bus) SubscribeChan(size int) (<-chan Transition, func()) {
	ch := make(chan Transition, size)
	var once sync.Once
	var mu sync.Mutex
	closed := false

	unsubscribe := b.Subscribe(func(t Transition) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- t:
		default:
			b.logger.Warn("subscriber buffer full, dropping transition", zap.String("uuid", t.UUID))
		}
	})

	return ch, func() {
		once.Do(func() {
			unsubscribe()
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
}

func (b *Bus) safeCall(handler Handler, t Transition) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("uuid", t.UUID),
				zap.Any("panic", r),
			)
		}
	}()
	handler(t)
}
