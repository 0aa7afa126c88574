package access

import (
	"context"
	"sync"
)

// Revoker fans typed notices out to subscribed sessions. Slow subscribers
// drop notices rather than blocking the publisher.
type Revoker struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*revokerSubscriber
	nextID      int64
	bufferSize  int
}

type revokerSubscriber struct {
	id     int64
	stream chan Notice
}

// NewRevoker constructs an empty notice dispatcher.
func NewRevoker() *Revoker {
	return &Revoker{
		subscribers: make(map[string]map[int64]*revokerSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers for the identity's notices until the context ends. The
// cleanup function may also be called directly.
func (r *Revoker) Subscribe(ctx context.Context, identity string) (<-chan Notice, func()) {
	if identity == "" {
		// A nil stream never delivers; receivers fall back to their context.
		return nil, func() {}
	}
	subscriber := &revokerSubscriber{
		id:     r.nextSequence(),
		stream: make(chan Notice, r.bufferSize),
	}
	r.registerSubscriber(identity, subscriber)
	cleanup := func() {
		r.unregisterSubscriber(identity, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the notice to every subscriber for the identity.
func (r *Revoker) Publish(notice Notice) {
	if notice.Identity == "" || notice.Kind == 0 {
		return
	}
	r.mu.RLock()
	subscribers := r.subscribers[notice.Identity]
	if len(subscribers) == 0 {
		r.mu.RUnlock()
		return
	}
	copies := make([]*revokerSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	r.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- notice:
		default:
		}
	}
}

func (r *Revoker) nextSequence() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	return r.nextID
}

func (r *Revoker) registerSubscriber(identity string, subscriber *revokerSubscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subscribers[identity]; !ok {
		r.subscribers[identity] = make(map[int64]*revokerSubscriber)
	}
	r.subscribers[identity][subscriber.id] = subscriber
}

func (r *Revoker) unregisterSubscriber(identity string, subscriberID int64) {
	r.mu.Lock()
	subscribers := r.subscribers[identity]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(r.subscribers, identity)
		}
	}
	r.mu.Unlock()
}
