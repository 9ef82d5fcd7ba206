package bus

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/firedesk/backend/internal/models"
)

// ErrBusClosed is returned by Subscribe after Close.
var ErrBusClosed = errors.New("event bus closed")

const DefaultQueueSize = 256

// Bus is a single-topic in-process publish/subscribe fan-out. Publish
// never blocks: when a subscriber's queue is full the oldest queued event
// is dropped and that subscriber's drop counter is incremented. Delivery
// order per subscriber equals publication order.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscriber
	nextID uint64
	closed bool
}

type Subscriber struct {
	id     uint64
	ch     chan models.Event
	bus    *Bus
	mu     sync.Mutex
	drops  uint64
	closed bool
}

func New() *Bus {
	return &Bus{subs: map[uint64]*Subscriber{}}
}

// Subscribe registers a subscriber with a bounded FIFO queue. queueSize
// <= 0 selects DefaultQueueSize.
func (b *Bus) Subscribe(queueSize int) (*Subscriber, error) {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	b.nextID++
	sub := &Subscriber{
		id:  b.nextID,
		ch:  make(chan models.Event, queueSize),
		bus: b,
	}
	b.subs[sub.id] = sub
	return sub, nil
}

// Publish fans the event out to every subscriber. Publishing to a closed
// bus is a no-op.
func (b *Bus) Publish(ev models.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.push(ev)
	}
}

// Close rejects future subscribers and closes every queue. Events already
// queued remain readable.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.closeQueue()
		delete(b.subs, id)
	}
}

func (s *Subscriber) push(ev models.Event) {
	// The subscriber holds its own lock so two publishers cannot race a
	// drop against a send and reorder the queue, and so nobody sends on a
	// queue that Unsubscribe already closed.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.drops++
		default:
		}
	}
}

// Events is the subscriber's receive side. The channel is closed when the
// bus closes or the subscriber unsubscribes.
func (s *Subscriber) Events() <-chan models.Event {
	return s.ch
}

// Drops returns how many events were discarded due to queue overflow.
func (s *Subscriber) Drops() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}

// Unsubscribe releases the queue. Safe to call more than once.
func (s *Subscriber) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.closeQueue()
}

func (s *Subscriber) closeQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// BatchEvent builds a batch-level event (ticket id is the zero UUID).
func BatchEvent(batchID uuid.UUID, stage models.Stage, status models.StageStatus, message string, data map[string]any) models.Event {
	return models.Event{
		TicketID:  uuid.Nil,
		BatchID:   batchID,
		Stage:     stage,
		Status:    status,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}
