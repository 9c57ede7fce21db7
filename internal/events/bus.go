// Package events provides the observability event bus of the FTP drive.
//
// Four kinds of events are published: FTP commands sent to the server,
// server replies, filesystem handler invocations and debug traces. Publishing
// never blocks; a subscriber that falls behind loses events.
package events

import (
	"sync"
	"time"
)

// Kind classifies an event.
type Kind int

const (
	Command Kind = iota
	Reply
	MethodCall
	Debug
)

var kindNames = map[Kind]string{
	Command:    "command",
	Reply:      "reply",
	MethodCall: "method",
	Debug:      "debug",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is one plain-text observation.
type Event struct {
	Kind    Kind
	Message string
	Time    time.Time
}

// Bus fans events out to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	bufferSize  int
}

// NewBus creates a bus whose subscriber channels buffer bufferSize events.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{
		subscribers: make(map[chan Event]struct{}),
		bufferSize:  bufferSize,
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, b.bufferSize)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

// Publish sends an event to all subscribers without blocking.
// A nil bus discards the event.
func (b *Bus) Publish(kind Kind, message string) {
	if b == nil {
		return
	}
	event := Event{Kind: kind, Message: message, Time: time.Now()}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
}

// Count returns the current number of subscribers.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
