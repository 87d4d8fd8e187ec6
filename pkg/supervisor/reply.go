// Copyright 2024-2026 Aiku AI

package supervisor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"

	"github.com/aiku/msgsupervisor/pkg/transport"
)

// dedupCapacity is how many recent reaction and reply keys are remembered.
const dedupCapacity = 4096

// ReplyEvent is an inbound reply matched to a message this process sent.
type ReplyEvent struct {
	Connection string `json:"connection"`
	// MessageID is the id of the outbound message that was replied to.
	MessageID string            `json:"waMessageId"`
	Reactor   string            `json:"reactor"`
	Text      string            `json:"text"`
	Context   map[string]string `json:"context,omitempty"`

	ReplyMessageID          string `json:"replyMessageId"`
	ReplyMessageJID         string `json:"replyMessageJid"`
	ReplyMessageParticipant string `json:"replyMessageParticipant,omitempty"`

	Timestamp jsontime.UnixMilli `json:"timestamp"`
}

// Tag returns the event's context value under key, normalized for matching.
func (evt *ReplyEvent) Tag(key string) string {
	return normalizeTag(evt.Context[key])
}

// normalizeTag lowercases tag and collapses runs of whitespace.
func normalizeTag(tag string) string {
	return strings.ToLower(strings.Join(strings.Fields(tag), " "))
}

// ReplyPayload is the JSON body POSTed to the reply callback.
type ReplyPayload struct {
	MessageID               string `json:"waMessageId"`
	Reactor                 string `json:"reactor"`
	Text                    string `json:"text"`
	ReplyMessageID          string `json:"replyMessageId"`
	ReplyMessageJID         string `json:"replyMessageJid"`
	ReplyMessageParticipant string `json:"replyMessageParticipant"`
}

// ReplyRouter matches inbound quoted messages against the correlation table
// and fans the matches out to the ring buffer, subscribers and the reply
// callback.
type ReplyRouter struct {
	log         zerolog.Logger
	connection  string
	tagKey      string
	url         string
	retryDelay  time.Duration
	clock       Clock
	table       *CorrelationTable
	broadcaster *EventBroadcaster
	callbacks   *callbackClient
	seen        *seenSet

	mu     sync.Mutex
	recent *ring[*ReplyEvent]
}

type replyRouterParams struct {
	connection  string
	tagKey      string
	url         string
	retryDelay  time.Duration
	capacity    int
	clock       Clock
	table       *CorrelationTable
	broadcaster *EventBroadcaster
	callbacks   *callbackClient
}

func newReplyRouter(log zerolog.Logger, params replyRouterParams) *ReplyRouter {
	return &ReplyRouter{
		log:         log.With().Str("component", "replies").Logger(),
		connection:  params.connection,
		tagKey:      params.tagKey,
		url:         params.url,
		retryDelay:  params.retryDelay,
		clock:       params.clock,
		table:       params.table,
		broadcaster: params.broadcaster,
		callbacks:   params.callbacks,
		seen:        newSeenSet(dedupCapacity),
		recent:      newRing[*ReplyEvent](params.capacity),
	}
}

// Handle processes one inbound message. It returns the resulting event, or
// nil when the message was not a reply to a known outbound message.
func (r *ReplyRouter) Handle(msg transport.Message) *ReplyEvent {
	log := r.log.With().
		Str("reply_id", msg.ID).
		Str("quoted_id", msg.QuotedID).
		Logger()
	if msg.FromMe {
		return nil
	}
	if msg.QuotedID == "" {
		log.Trace().Msg("Ignoring message that does not quote anything")
		return nil
	}
	entry, ok := r.table.Get(msg.QuotedID)
	if !ok {
		log.Debug().Msg("Dropping reply to a message this connection did not send")
		return nil
	}
	dedupKey := msg.ID
	if dedupKey == "" {
		dedupKey = msg.QuotedID + "\x00" + msg.Sender + "\x00" + msg.Text
	}
	if !r.seen.firstSeen(dedupKey) {
		log.Debug().Msg("Dropping duplicate reply")
		return nil
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = r.clock.Now()
	}
	reactor := transport.BareAddress(msg.Sender)
	evt := &ReplyEvent{
		Connection:              r.connection,
		MessageID:               msg.QuotedID,
		Reactor:                 reactor,
		Text:                    msg.Text,
		Context:                 entry.Context,
		ReplyMessageID:          msg.ID,
		ReplyMessageJID:         msg.Chat,
		ReplyMessageParticipant: msg.QuotedParticipant,
		Timestamp:               jsontime.UM(ts),
	}

	r.mu.Lock()
	r.recent.push(evt)
	r.mu.Unlock()
	r.broadcaster.Publish(evt)
	log.Info().
		Str("reactor", reactor).
		Str("tag", evt.Tag(r.tagKey)).
		Msg("Correlated reply to sent message")

	if r.url != "" {
		r.deliver(log, evt)
	}
	return evt
}

func (r *ReplyRouter) deliver(log zerolog.Logger, evt *ReplyEvent) {
	payload := ReplyPayload{
		MessageID:               evt.MessageID,
		Reactor:                 evt.Reactor,
		Text:                    evt.Text,
		ReplyMessageID:          evt.ReplyMessageID,
		ReplyMessageJID:         evt.ReplyMessageJID,
		ReplyMessageParticipant: evt.ReplyMessageParticipant,
	}
	r.callbacks.goDeliver(func() {
		err := r.callbacks.post(context.Background(), r.url, payload)
		if err == nil {
			return
		}
		log.Warn().Err(err).Dur("retry_in", r.retryDelay).Msg("Failed to deliver reply callback, retrying once")
		r.callbacks.after(r.clock, r.retryDelay, func() {
			if err := r.callbacks.post(context.Background(), r.url, payload); err != nil {
				log.Error().Err(err).Msg("Failed to deliver reply callback after retry")
			}
		})
	})
}

// Recent returns the buffered reply events, oldest first. A non-empty tag
// limits the result to events whose tag matches it.
func (r *ReplyRouter) Recent(tag string) []*ReplyEvent {
	r.mu.Lock()
	items := r.recent.items()
	r.mu.Unlock()
	tag = normalizeTag(tag)
	if tag == "" {
		return items
	}
	filtered := items[:0]
	for _, evt := range items {
		if evt.Tag(r.tagKey) == tag {
			filtered = append(filtered, evt)
		}
	}
	return filtered
}
