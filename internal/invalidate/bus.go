package invalidate

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"tenantry.org/internal/cascade"
)

// Event announces that configuration matching it has changed. Empty fields
// are wildcards: a system default write leaves OrgID and WorkspaceID empty.
type Event struct {
	Module      string    `json:"module,omitempty"`
	OrgID       string    `json:"orgId,omitempty"`
	WorkspaceID string    `json:"workspaceId,omitempty"`
	Source      string    `json:"source,omitempty"`
	At          time.Time `json:"at"`
}

// Key converts the event into a cache invalidation pattern.
func (e Event) Key() cascade.Key {
	return cascade.Key{Module: e.Module, OrgID: e.OrgID, WorkspaceID: e.WorkspaceID}
}

// Encode renders the event as a notification payload.
func (e Event) Encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Decode parses a notification payload.
func Decode(payload string) (Event, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return Event{}, errors.New("invalidate: empty payload")
	}
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Handler consumes events synchronously.
type Handler func(Event)

// Bus fans events out to handlers, which always see every event, and to
// subscribers, which may miss events when they fall behind.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	subs     map[int]chan Event
	next     int
}

// New initialises an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Handle registers a synchronous handler.
func (b *Bus) Handle(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish delivers evt to every handler, then offers it to every subscriber.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		h(evt)
	}
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// slow subscriber
		}
	}
}

// Subscribers reports the number of live subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
