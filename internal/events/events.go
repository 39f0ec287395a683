// Package events carries typed notifications from the run controller to
// whatever frontend is attached (CLI renderer, tests). Publishing never
// blocks; a slow subscriber drops events rather than stalling the channel
// dispatch loop.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType names the kinds of events the controller publishes.
type EventType string

const (
	EventNotice           EventType = "notice"
	EventProgress         EventType = "progress"
	EventStateChange      EventType = "state_change"
	EventPoliciesReplaced EventType = "policies_replaced"
)

// NoticeLevel grades a notice for display.
type NoticeLevel int

const (
	NoticeInfo NoticeLevel = iota
	NoticeSuccess
	NoticeError
)

func (l NoticeLevel) String() string {
	switch l {
	case NoticeInfo:
		return "info"
	case NoticeSuccess:
		return "success"
	case NoticeError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the base interface for all published events.
type Event interface {
	Type() EventType
	Timestamp() time.Time
}

// BaseEvent provides the common fields.
type BaseEvent struct {
	EventType EventType
	Time      time.Time
}

func (e BaseEvent) Type() EventType      { return e.EventType }
func (e BaseEvent) Timestamp() time.Time { return e.Time }

// NoticeEvent is a user-facing notification (the web UI rendered these as
// toasts). Sticky notices stay visible until the condition clears; only
// connectivity loss uses that today.
type NoticeEvent struct {
	BaseEvent
	Level      NoticeLevel
	Title      string
	Message    string
	PolicyName string
	Sticky     bool
}

// ProgressEvent reports run progress for one policy.
type ProgressEvent struct {
	BaseEvent
	PolicyName string
	Progress   int    // 0-100
	Logs       string // new log text since the previous event
}

// StateChangeEvent reports a run-state transition for one policy.
type StateChangeEvent struct {
	BaseEvent
	PolicyName string
	OldState   string
	NewState   string
}

// PoliciesReplacedEvent fires after a wholesale list replace.
type PoliciesReplacedEvent struct {
	BaseEvent
	Count int
}

const defaultBuffer = 256

// Bus manages subscriptions and publishing.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	all         []chan Event
	bufferSize  int
	closed      bool
	dropped     atomic.Int64
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBuffer
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe returns a channel receiving events of one type.
func (b *Bus) Subscribe(eventType EventType) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)
	return ch
}

// SubscribeAll returns a channel receiving every event.
func (b *Bus) SubscribeAll() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}
	ch := make(chan Event, b.bufferSize)
	b.all = append(b.all, ch)
	return ch
}

// Publish delivers an event to all subscribers without blocking. Full
// buffers drop the event and bump the dropped counter.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers[event.Type()] {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
	for _, ch := range b.all {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Notice publishes a NoticeEvent.
func (b *Bus) Notice(level NoticeLevel, title, message, policyName string, sticky bool) {
	b.Publish(&NoticeEvent{
		BaseEvent:  BaseEvent{EventType: EventNotice, Time: time.Now()},
		Level:      level,
		Title:      title,
		Message:    message,
		PolicyName: policyName,
		Sticky:     sticky,
	})
}

// Unsubscribe removes a channel obtained from Subscribe.
func (b *Bus) Unsubscribe(eventType EventType, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	subs := b.subscribers[eventType]
	for i, sub := range subs {
		if sub == ch {
			subs[i] = subs[len(subs)-1]
			b.subscribers[eventType] = subs[:len(subs)-1]
			break
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, channels := range b.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.all {
		close(ch)
	}
}

// Dropped returns how many events were discarded due to full buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
