// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrix

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/msgsupervisor/pkg/transport"
	"github.com/aiku/msgsupervisor/pkg/transport/matrix/htmlfmt"
	"github.com/aiku/msgsupervisor/pkg/transport/matrix/mdfmt"
)

// Session is one logged-in Matrix account running a sync loop.
type Session struct {
	log    zerolog.Logger
	client *mautrix.Client

	ctx       context.Context
	cancel    context.CancelFunc
	events    chan transport.Event
	done      chan struct{}
	closeOnce sync.Once
}

var _ transport.Session = (*Session)(nil)

func newSession(log zerolog.Logger, client *mautrix.Client) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		log:    log.With().Stringer("user_id", client.UserID).Logger(),
		client: client,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan transport.Event, 64),
		done:   make(chan struct{}),
	}
	syncer := mautrix.NewDefaultSyncer()
	// The first sync returns room history that was handled before.
	syncer.OnSync(func(_ context.Context, _ *mautrix.RespSync, since string) bool {
		return since != ""
	})
	syncer.OnEventType(event.EventMessage, s.handleMessage)
	syncer.OnEventType(event.EventReaction, s.handleReaction)
	client.Syncer = syncer
	return s
}

func (s *Session) Events() <-chan transport.Event {
	return s.events
}

func (s *Session) emit(evt transport.Event) bool {
	return transport.Emit(s.events, s.done, evt)
}

// run owns the event channel. Sync handlers run on this goroutine.
func (s *Session) run(updatedCreds []byte) {
	defer close(s.events)
	defer s.cancel()
	if !s.emit(transport.Opened{Identity: s.client.UserID.String()}) {
		return
	}
	if updatedCreds != nil && !s.emit(transport.CredentialsUpdated{Blob: updatedCreds}) {
		return
	}
	err := s.client.SyncWithContext(s.ctx)
	select {
	case <-s.done:
		return
	default:
	}
	s.emit(closedFor(err))
}

func closedFor(err error) transport.Closed {
	switch {
	case errors.Is(err, mautrix.MUnknownToken):
		return transport.Closed{LoggedOut: true, Reason: "access token revoked", Err: err}
	case err == nil:
		return transport.Closed{Reason: "sync stopped"}
	default:
		return transport.Closed{Reason: "matrix sync failed", Err: err}
	}
}

func (s *Session) handleMessage(_ context.Context, evt *event.Event) {
	content := evt.Content.AsMessage()
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return
	}
	msg := transport.Message{
		ID:        evt.ID.String(),
		Chat:      evt.RoomID.String(),
		Sender:    evt.Sender.String(),
		Text:      htmlfmt.Text(content),
		FromMe:    evt.Sender == s.client.UserID,
		Timestamp: time.UnixMilli(evt.Timestamp),
	}
	if content.RelatesTo != nil && content.RelatesTo.InReplyTo != nil {
		msg.QuotedID = content.RelatesTo.InReplyTo.EventID.String()
		// Only replies to our own events can correlate.
		msg.QuotedParticipant = s.client.UserID.String()
	}
	s.emit(msg)
}

func (s *Session) handleReaction(_ context.Context, evt *event.Event) {
	if evt.Sender == s.client.UserID {
		return
	}
	content := evt.Content.AsReaction()
	if content.RelatesTo.EventID == "" {
		return
	}
	s.emit(transport.Reaction{
		MessageID: content.RelatesTo.EventID.String(),
		Reactor:   evt.Sender.String(),
		Emoji:     content.RelatesTo.Key,
		Timestamp: time.UnixMilli(evt.Timestamp),
	})
}

// Send posts an m.text message to room to. Markdown is rendered to HTML.
func (s *Session) Send(ctx context.Context, to string, msg transport.OutboundMessage) ([]string, error) {
	content := mdfmt.Render(msg.Text)
	if msg.ReplyTo != "" {
		content.RelatesTo = &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: id.EventID(msg.ReplyTo)}}
	}
	resp, err := s.client.SendMessageEvent(ctx, id.RoomID(to), event.EventMessage, content)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	s.log.Debug().Stringer("event_id", resp.EventID).Str("room_id", to).Msg("Message sent")
	return []string{resp.EventID.String()}, nil
}

// Logout invalidates the access token on the homeserver.
func (s *Session) Logout(ctx context.Context) error {
	if _, err := s.client.Logout(ctx); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	return nil
}

// Close stops the sync loop.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
	return nil
}
