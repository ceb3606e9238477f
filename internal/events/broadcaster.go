package events

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType event type
type EventType string

const (
	EventWorkerRegistered EventType = "worker.registered"
	EventWorkerState      EventType = "worker.state"
	EventWorkerRemoved    EventType = "worker.removed"
	EventIntentCreated    EventType = "intent.created"
	EventIntentResolved   EventType = "intent.resolved"
)

// Event registry or autoscaler event
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	WorkerID  string            `json:"worker_id,omitempty"`
	ModelID   string            `json:"model_id,omitempty"`
	From      string            `json:"from,omitempty"`
	To        string            `json:"to,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// DataModels Data key of worker events: comma separated models the worker serves
const DataModels = "models"

// Concerns reports whether e is about modelID, either directly (intents) or
// through the models of the worker it describes
func (e Event) Concerns(modelID string) bool {
	if e.ModelID == modelID {
		return true
	}
	models, ok := e.Data[DataModels]
	if !ok || models == "" {
		return false
	}
	for _, m := range strings.Split(models, ",") {
		if m == modelID {
			return true
		}
	}
	return false
}

// Publisher accepts events
type Publisher interface {
	Publish(e Event)
}

// Broadcaster fans events out to subscribers. Publish never blocks;
// a subscriber whose buffer is full misses the event and its drop counter grows.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
}

// Subscription receives events until closed
type Subscription struct {
	id      uint64
	C       <-chan Event
	ch      chan Event
	b       *Broadcaster
	dropped atomic.Uint64
	once    sync.Once
}

// NewBroadcaster creates a broadcaster with the given per-subscriber buffer
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{subs: make(map[uint64]*Subscription), buffer: buffer}
}

// Publish stamps e and delivers it to every subscriber
func (b *Broadcaster) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribe registers a new subscriber
func (b *Broadcaster) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	ch := make(chan Event, b.buffer)
	s := &Subscription{id: b.nextID, C: ch, ch: ch, b: b}
	b.subs[s.id] = s
	return s
}

// Subscribers returns the number of active subscribers
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes and closes the channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs, s.id)
		s.b.mu.Unlock()
		close(s.ch)
	})
}

// Dropped returns how many events this subscriber missed
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}
