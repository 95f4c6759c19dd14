package events

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Notice is an in-process signal published after a committed mutation.
type Notice struct {
	ID       string
	Type     string
	EntityID string
	At       time.Time
}

// Bus fans notices out to subscribers. Slow subscribers miss notices rather than block publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Notice
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[string]chan Notice)}
}

func (b *Bus) Subscribe(bufSize int) (string, <-chan Notice) {
	id := ulid.Make().String()
	ch := make(chan Notice, bufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

// Publish is a no-op on a nil bus.
func (b *Bus) Publish(evtType, entityID string) {
	if b == nil {
		return
	}
	n := Notice{ID: ulid.Make().String(), Type: evtType, EntityID: entityID, At: time.Now()}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- n:
		default:
		}
	}
}
