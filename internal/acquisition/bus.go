package acquisition

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultEventBuffer is the number of frame updates queued per subscriber.
const DefaultEventBuffer = 16

// Bus fans events out to subscribers. Publish never blocks. Each subscriber
// queues at most buffer frame updates; when a lagging subscriber's queue is
// full the oldest queued frame update is discarded. State changes and errors
// are never discarded, and every subscriber sees events in publish order.
type Bus struct {
	buffer int

	mu          sync.Mutex
	subscribers map[string]*subscription
	closed      bool

	dropped atomic.Uint64
}

// subscription feeds one subscriber channel from its queue.
type subscription struct {
	out  chan Event
	wake chan struct{}
	quit chan struct{}

	mu      sync.Mutex
	queue   []Event
	frames  int
	closing bool
}

// NewBus returns a bus that queues up to buffer frame updates per subscriber.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	return &Bus{
		buffer:      buffer,
		subscribers: make(map[string]*subscription),
	}
}

// Subscribe registers a new subscriber. The ID is used to Unsubscribe. After
// Close the returned channel is already closed.
func (b *Bus) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan Event)
		close(ch)
		return id, ch
	}

	s := &subscription{
		out:  make(chan Event),
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	b.subscribers[id] = s
	go s.run()
	return id, s.out
}

// Unsubscribe removes a subscriber. Undelivered events are discarded and the
// channel is closed.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(s.quit)
	}
}

// Publish queues ev for every subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, s := range b.subscribers {
		if s.push(ev, b.buffer) {
			b.dropped.Add(1)
		}
	}
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Dropped counts frame updates discarded because a subscriber lagged.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops accepting events. Each subscriber channel is closed once the
// events already queued for it have been delivered, or on Unsubscribe. Later
// subscriptions get a closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subscribers {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		s.signal()
	}
}

// push queues ev and reports whether a frame update was discarded for it.
func (s *subscription) push(ev Event, limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := false
	if ev.Type == EventFrameUpdate {
		if s.frames >= limit {
			for i, queued := range s.queue {
				if queued.Type == EventFrameUpdate {
					s.queue = append(s.queue[:i], s.queue[i+1:]...)
					s.frames--
					evicted = true
					break
				}
			}
		}
		s.frames++
	}
	s.queue = append(s.queue, ev)
	s.signal()
	return evicted
}

func (s *subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.quit:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		if ev.Type == EventFrameUpdate {
			s.frames--
		}
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.quit:
			return
		}
	}
}
