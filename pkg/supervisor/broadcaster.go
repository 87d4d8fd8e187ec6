// Copyright 2024-2026 Aiku AI

package supervisor

import (
	"fmt"
	"sync"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// Stream is the write side of one subscriber connection.
type Stream interface {
	Send(evt *ReplyEvent) error
}

type subscriber struct {
	id     string
	stream Stream
	tag    string
}

// EventBroadcaster pushes reply events to live subscribers. A subscriber
// whose stream fails is dropped.
type EventBroadcaster struct {
	log    zerolog.Logger
	tagKey string

	mu          sync.Mutex
	subscribers map[string]*subscriber
}

// NewEventBroadcaster creates a broadcaster that filters on the context
// value under tagKey.
func NewEventBroadcaster(log zerolog.Logger, tagKey string) *EventBroadcaster {
	return &EventBroadcaster{
		log:         log.With().Str("component", "broadcaster").Logger(),
		tagKey:      tagKey,
		subscribers: make(map[string]*subscriber),
	}
}

// Subscribe registers stream. A non-empty tag limits delivery to events whose
// tag matches it. The returned id is used to unsubscribe.
func (b *EventBroadcaster) Subscribe(stream Stream, tag string) string {
	sub := &subscriber{
		id:     xid.New().String(),
		stream: stream,
		tag:    normalizeTag(tag),
	}
	b.mu.Lock()
	b.subscribers[sub.id] = sub
	b.mu.Unlock()
	b.log.Debug().Str("subscriber_id", sub.id).Str("tag", sub.tag).Msg("Subscriber added")
	return sub.id
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (b *EventBroadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	_, ok := b.subscribers[id]
	delete(b.subscribers, id)
	b.mu.Unlock()
	if ok {
		b.log.Debug().Str("subscriber_id", id).Msg("Subscriber removed")
	}
}

// Count returns the number of live subscribers.
func (b *EventBroadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Publish sends evt to every matching subscriber. Send errors are never
// returned; the failing subscriber is removed instead.
func (b *EventBroadcaster) Publish(evt *ReplyEvent) {
	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	tag := evt.Tag(b.tagKey)
	for _, sub := range targets {
		if sub.tag != "" && sub.tag != tag {
			continue
		}
		if err := b.send(sub, evt); err != nil {
			b.log.Debug().Err(err).Str("subscriber_id", sub.id).Msg("Dropping subscriber after failed send")
			b.Unsubscribe(sub.id)
		}
	}
}

func (b *EventBroadcaster) send(sub *subscriber, evt *ReplyEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in subscriber stream: %v", r)
		}
	}()
	return sub.stream.Send(evt)
}
