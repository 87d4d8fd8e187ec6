// Copyright 2024-2026 Aiku AI

package supervisor

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aiku/msgsupervisor/pkg/transport"
)

const (
	ReactionAffirm = "✅"
	ReactionDeny   = "❌"
)

// reactionVocabulary maps every accepted glyph, with variation selectors
// stripped, onto its canonical form.
var reactionVocabulary = map[string]string{
	"✅": ReactionAffirm,
	"✔": ReactionAffirm,
	"❌": ReactionDeny,
	"✖": ReactionDeny,
}

// NormalizeReaction returns the canonical affirm/deny glyph for emoji, or
// false if the emoji is not part of the vocabulary.
func NormalizeReaction(emoji string) (string, bool) {
	emoji = strings.TrimSpace(strings.ReplaceAll(emoji, "\ufe0f", ""))
	glyph, ok := reactionVocabulary[emoji]
	return glyph, ok
}

// ReactionPayload is the JSON body POSTed to the reaction callback.
type ReactionPayload struct {
	MessageID string `json:"waMessageId"`
	Reaction  string `json:"reaction"`
	Reactor   string `json:"reactor"`
}

// ReactionRouter filters inbound reactions and forwards the accepted ones to
// the reaction callback. Delivery is best effort and at most once.
type ReactionRouter struct {
	log       zerolog.Logger
	url       string
	allowed   map[string]struct{}
	seen      *seenSet
	callbacks *callbackClient
}

func newReactionRouter(log zerolog.Logger, url string, allowedReactors []string, callbacks *callbackClient) *ReactionRouter {
	allowed := make(map[string]struct{}, len(allowedReactors)*2)
	for _, reactor := range allowedReactors {
		reactor = strings.TrimSpace(reactor)
		if reactor == "" {
			continue
		}
		allowed[reactor] = struct{}{}
		allowed[transport.BareAddress(reactor)] = struct{}{}
	}
	return &ReactionRouter{
		log:       log.With().Str("component", "reactions").Logger(),
		url:       url,
		allowed:   allowed,
		seen:      newSeenSet(dedupCapacity),
		callbacks: callbacks,
	}
}

func (r *ReactionRouter) reactorAllowed(reactor string) bool {
	if len(r.allowed) == 0 {
		return true
	}
	if _, ok := r.allowed[reactor]; ok {
		return true
	}
	_, ok := r.allowed[transport.BareAddress(reactor)]
	return ok
}

// Handle processes one inbound reaction. It reports whether the reaction was
// accepted for forwarding.
func (r *ReactionRouter) Handle(evt transport.Reaction) bool {
	log := r.log.With().
		Str("message_id", evt.MessageID).
		Str("reactor", evt.Reactor).
		Str("emoji", evt.Emoji).
		Logger()
	if evt.Removed {
		log.Debug().Msg("Ignoring reaction removal")
		return false
	}
	glyph, ok := NormalizeReaction(evt.Emoji)
	if !ok {
		log.Debug().Msg("Dropping reaction outside the affirm/deny vocabulary")
		return false
	}
	if !r.reactorAllowed(evt.Reactor) {
		log.Debug().Msg("Dropping reaction from reactor that is not allowed")
		return false
	}
	if evt.MessageID == "" {
		log.Debug().Msg("Dropping reaction without target message")
		return false
	}
	if !r.seen.firstSeen(evt.MessageID + "\x00" + transport.BareAddress(evt.Reactor) + "\x00" + glyph) {
		log.Debug().Msg("Dropping duplicate reaction")
		return false
	}
	if r.url == "" {
		log.Debug().Msg("Reaction accepted but no callback URL is configured")
		return true
	}

	payload := ReactionPayload{
		MessageID: evt.MessageID,
		Reaction:  glyph,
		Reactor:   transport.BareAddress(evt.Reactor),
	}
	r.callbacks.goDeliver(func() {
		if err := r.callbacks.post(context.Background(), r.url, payload); err != nil {
			log.Warn().Err(err).Msg("Failed to deliver reaction callback")
			return
		}
		log.Debug().Str("reaction", glyph).Msg("Delivered reaction callback")
	})
	return true
}
