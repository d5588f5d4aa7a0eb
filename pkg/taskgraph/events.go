package taskgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
)

// EventType classifies a TaskEvent.
type EventType string

const (
	EventCreated     EventType = "task_created"
	EventTransition  EventType = "task_transition"
	EventReclaimed   EventType = "task_reclaimed"
	EventBlocked     EventType = "task_blocked"
	EventHubDeleted  EventType = "hub_deleted"
	EventServiceGone EventType = "service_expired"
)

// TaskEvent is published on the task events channel after every applied
// mutation. Delivery is at-most-once (Redis Pub/Sub).
type TaskEvent struct {
	Type        EventType `json:"type"`
	TaskID      string    `json:"task_id,omitempty"`
	HubID       string    `json:"hub_id,omitempty"`
	From        Status    `json:"from,omitempty"`
	To          Status    `json:"to,omitempty"`
	Claimant    string    `json:"claimant,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	RetryCount  int       `json:"retry_count,omitempty"`
	Count       int       `json:"count,omitempty"`
	TimestampMs int64     `json:"timestamp_ms"`
}

// publish sends an event. The mutation it describes is already committed,
// so failures are logged rather than returned.
func (s *Store) publish(ctx context.Context, ev *TaskEvent) {
	if ev.TimestampMs == 0 {
		ev.TimestampMs = s.nowMs()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[WARN] Failed to marshal %s event: %v", ev.Type, err)
		return
	}
	if err := s.rdb.Publish(ctx, TaskEventsChannel(s.namespace), data).Err(); err != nil {
		log.Printf("[WARN] Failed to publish %s event for task %s: %v", ev.Type, ev.TaskID, err)
	}
}

// Subscription represents an active Pub/Sub subscription to task events.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan *TaskEvent
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of task events.
// The channel will be closed when the subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan *TaskEvent {
	return s.events
}

// Errors returns the channel of subscription errors.
// The subscription continues after errors - malformed messages are skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeTaskEvents subscribes to task lifecycle events for this namespace.
// Events are delivered on a buffered channel (size 64). If the subscriber is
// too slow, events may be dropped by Redis Pub/Sub.
func (s *Store) SubscribeTaskEvents(ctx context.Context) (*Subscription, error) {
	pubsub := s.rdb.Subscribe(ctx, TaskEventsChannel(s.namespace))

	// Wait for the subscription to be confirmed so no event published after
	// this call returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to task events: %w", err)
	}

	eventsChan := make(chan *TaskEvent, 64)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var ev TaskEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal task event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}
