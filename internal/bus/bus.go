package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Workspace event topics.
const (
	TopicWorkspaceEvent        = "workspace.event"
	TopicWorkspaceConnected    = "workspace.connected"
	TopicWorkspaceDisconnected = "workspace.disconnected"
)

// Job event topics.
const (
	TopicJobStarted   = "job.started"
	TopicJobCompleted = "job.completed"
	TopicJobFailed    = "job.failed"
	TopicJobWaiting   = "job.waiting"
)

// Signal event topics.
const (
	TopicSignalRaised       = "signal.raised"
	TopicSignalAcknowledged = "signal.acknowledged"
)

// Snapshot event topic.
const (
	TopicSnapshotUpdated = "snapshot.updated"
)

// WorkspaceEvent is published when a raw event arrives from a workspace.
type WorkspaceEvent struct {
	WorkspaceID string // Workspace ID
	ThreadID    string // Thread ID (may be empty for workspace-level events)
	Kind        string // Normalized event kind
}

// JobEvent is published when a dispatch job changes status.
type JobEvent struct {
	JobID       string // Job ID
	WorkspaceID string // Workspace ID
	ThreadID    string // Thread ID
	OldStatus   string // Previous status (e.g. running)
	NewStatus   string // New status (e.g. completed)
}

// SignalEvent is published when a signal is raised or acknowledged.
type SignalEvent struct {
	SignalID    string // Signal ID
	WorkspaceID string // Workspace ID
	Kind        string // Signal kind (e.g. stalled, disconnected, needs_input)
	Severity    string // "info", "warning", or "error"
	Message     string // Human-readable signal message
}

// SnapshotEvent is published after the aggregate snapshot changes.
type SnapshotEvent struct {
	Revision int64 // Monotonic snapshot revision
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
