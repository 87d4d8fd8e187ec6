// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package mattermost

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/msgsupervisor/pkg/transport"
)

type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeMM simulates the parts of the Mattermost API a session uses and
// records every call.
type fakeMM struct {
	Server *httptest.Server

	mu          sync.Mutex
	calls       []endpointCall
	users       map[string]*model.User
	tokenToUser map[string]string
}

func newFakeMM(t *testing.T) *fakeMM {
	t.Helper()
	f := &fakeMM{
		users:       make(map[string]*model.User),
		tokenToUser: make(map[string]string),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeMM) addUser(token string, user *model.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.Id] = user
	f.tokenToUser[token] = user.Id
}

func (f *fakeMM) revoke(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokenToUser, token)
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeMM) lastCall(method, path string) (endpointCall, bool) {
	calls := f.Calls()
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Method == method && calls[i].Path == path {
			return calls[i], true
		}
	}
	return endpointCall{}, false
}

func (f *fakeMM) resolveToken(r *http.Request) *model.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	auth := r.Header.Get("Authorization")
	for tok, uid := range f.tokenToUser {
		if auth == "BEARER "+tok || auth == "Bearer "+tok {
			return f.users[uid]
		}
	}
	return nil
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, endpointCall{Method: r.Method, Path: r.URL.Path, Body: string(body)})
	f.mu.Unlock()

	user := f.resolveToken(r)
	if user == nil {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "unauthorized"})
		return
	}

	switch {
	case r.Method == "GET" && r.URL.Path == "/api/v4/users/me":
		_ = json.NewEncoder(w).Encode(user)

	case r.Method == "POST" && r.URL.Path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		if strings.Contains(post.Message, "fail") {
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "no permission"})
			return
		}
		post.Id = "created-post-id"
		post.UserId = user.Id
		_ = json.NewEncoder(w).Encode(&post)

	case r.Method == "POST" && r.URL.Path == "/api/v4/users/logout":
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "OK"})

	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found: " + r.URL.Path})
	}
}

// fakeWS stands in for the event WebSocket.
type fakeWS struct {
	events    chan *model.WebSocketEvent
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeWS() *fakeWS {
	return &fakeWS{events: make(chan *model.WebSocketEvent, 16), closed: make(chan struct{})}
}

// drop simulates the server closing the WebSocket.
func (w *fakeWS) drop() {
	close(w.events)
}

func (w *fakeWS) close() {
	w.closeOnce.Do(func() { close(w.closed) })
}

func newTestDialer(t *testing.T, cfg Config, ws *fakeWS) *Dialer {
	t.Helper()
	d, err := NewDialer(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewDialer: %v", err)
	}
	d.connectWS = func(string, string) (<-chan *model.WebSocketEvent, func(), error) {
		return ws.events, ws.close, nil
	}
	return d
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

func postedEvent(t *testing.T, post *model.Post, senderName string) *model.WebSocketEvent {
	t.Helper()
	raw, err := json.Marshal(post)
	if err != nil {
		t.Fatal(err)
	}
	return newWebSocketEvent(model.WebsocketEventPosted, post.ChannelId, map[string]any{
		"post":        string(raw),
		"sender_name": senderName,
	})
}

func reactionEvent(t *testing.T, eventType model.WebsocketEventType, reaction *model.Reaction, senderName string) *model.WebSocketEvent {
	t.Helper()
	raw, err := json.Marshal(reaction)
	if err != nil {
		t.Fatal(err)
	}
	return newWebSocketEvent(eventType, "", map[string]any{
		"reaction":    string(raw),
		"sender_name": senderName,
	})
}

func nextEvent(t *testing.T, sess transport.Session) transport.Event {
	t.Helper()
	select {
	case evt, ok := <-sess.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}
