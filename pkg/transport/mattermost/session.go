// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/msgsupervisor/pkg/transport"
)

const tokenCheckTimeout = 10 * time.Second

// Session is one authenticated Mattermost account with an open event
// WebSocket.
type Session struct {
	log       zerolog.Logger
	botPrefix string
	client    *model.Client4
	userID    string
	username  string

	wsEvents <-chan *model.WebSocketEvent
	closeWS  func()

	events   chan transport.Event
	done     chan struct{}
	stopOnce sync.Once
}

var _ transport.Session = (*Session)(nil)

func newSession(log zerolog.Logger, botPrefix string, client *model.Client4, me *model.User,
	wsEvents <-chan *model.WebSocketEvent, closeWS func()) *Session {
	return &Session{
		log:       log.With().Str("user_id", me.Id).Logger(),
		botPrefix: botPrefix,
		client:    client,
		userID:    me.Id,
		username:  me.Username,
		wsEvents:  wsEvents,
		closeWS:   closeWS,
		events:    make(chan transport.Event, 64),
		done:      make(chan struct{}),
	}
}

func (s *Session) Events() <-chan transport.Event {
	return s.events
}

func (s *Session) emit(evt transport.Event) bool {
	return transport.Emit(s.events, s.done, evt)
}

// listen is the only goroutine that emits events and closes the channel.
func (s *Session) listen(updatedCreds []byte) {
	defer close(s.events)
	if !s.emit(transport.Opened{Identity: "@" + s.username}) {
		return
	}
	if updatedCreds != nil && !s.emit(transport.CredentialsUpdated{Blob: updatedCreds}) {
		return
	}
	for {
		select {
		case <-s.done:
			return
		case evt, ok := <-s.wsEvents:
			if !ok {
				s.log.Warn().Msg("WebSocket event channel closed")
				s.emit(s.diagnoseDrop())
				s.stop()
				return
			}
			if evt == nil {
				continue
			}
			s.handleEvent(evt)
		}
	}
}

// diagnoseDrop checks whether the token still works after the WebSocket
// dropped. A revoked token ends the session as logged out.
func (s *Session) diagnoseDrop() transport.Closed {
	ctx, cancel := context.WithTimeout(context.Background(), tokenCheckTimeout)
	defer cancel()
	_, resp, err := s.client.GetMe(ctx, "")
	if err != nil && resp != nil && resp.StatusCode == http.StatusUnauthorized {
		return transport.Closed{LoggedOut: true, Reason: "mattermost token revoked", Err: err}
	}
	return transport.Closed{Reason: "mattermost websocket disconnected", Err: err}
}

// Send creates a post in channel to. ReplyTo makes it a thread reply.
func (s *Session) Send(ctx context.Context, to string, msg transport.OutboundMessage) ([]string, error) {
	post := &model.Post{
		ChannelId: to,
		Message:   msg.Text,
		RootId:    msg.ReplyTo,
	}
	created, _, err := s.client.CreatePost(ctx, post)
	if err != nil {
		return nil, fmt.Errorf("failed to create post: %w", err)
	}
	if created == nil {
		return nil, errors.New("server returned no post")
	}
	s.log.Debug().Str("post_id", created.Id).Str("channel_id", to).Msg("Post created")
	return []string{created.Id}, nil
}

// Logout revokes the session token on the server.
func (s *Session) Logout(ctx context.Context) error {
	if _, err := s.client.Logout(ctx); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	return nil
}

func (s *Session) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.closeWS != nil {
			s.closeWS()
		}
	})
}

// Close stops the event loop and closes the WebSocket.
func (s *Session) Close() error {
	s.stop()
	return nil
}
