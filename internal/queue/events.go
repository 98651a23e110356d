package queue

import (
	"sync"
	"time"
)

// Event represents a run state change
type Event struct {
	RunID     string    `json:"run_id"`
	Status    RunStatus `json:"status"`
	Progress  int       `json:"progress,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

func newEvent(run *Run, message string) Event {
	if message == "" {
		message = run.Message
	}
	return Event{
		RunID:     run.ID,
		Status:    run.Status,
		Progress:  run.Progress,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
}

// EventHub fans run events out to subscribers
type EventHub struct {
	subscribers map[string][]chan Event
	mu          sync.RWMutex
}

// NewEventHub creates a new event hub
func NewEventHub() *EventHub {
	return &EventHub{
		subscribers: make(map[string][]chan Event),
	}
}

// Subscribe creates a buffered subscription for one run's events
func (h *EventHub) Subscribe(runID string) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, 16)
	h.subscribers[runID] = append(h.subscribers[runID], ch)
	return ch
}

// Unsubscribe removes and closes a subscription
func (h *EventHub) Unsubscribe(runID string, ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subscribers[runID]
	for i, sub := range subs {
		if sub == ch {
			h.subscribers[runID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}

	if len(h.subscribers[runID]) == 0 {
		delete(h.subscribers, runID)
	}
}

// Emit delivers event to every subscriber of its run. Slow subscribers miss events.
func (h *EventHub) Emit(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subscribers[event.RunID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions for a run
func (h *EventHub) Subscribers(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[runID])
}

// Close closes all subscriptions
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for runID, subs := range h.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(h.subscribers, runID)
	}
}
