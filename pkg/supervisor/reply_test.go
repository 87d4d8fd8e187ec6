// Copyright 2024-2026 Aiku AI

package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/msgsupervisor/pkg/transport"
)

func newTestReplyRouter(t *testing.T, url string, capacity int) (*ReplyRouter, *CorrelationTable, *callbackClient) {
	t.Helper()
	clock := newFakeClock()
	table := NewCorrelationTable(clock, time.Hour, 100)
	callbacks := newCallbackClient(CallbackConfig{Timeout: 5 * time.Second}, nil)
	router := newReplyRouter(zerolog.Nop(), replyRouterParams{
		connection:  "A",
		tagKey:      "agent",
		url:         url,
		retryDelay:  5 * time.Millisecond,
		capacity:    capacity,
		clock:       clock,
		table:       table,
		broadcaster: NewEventBroadcaster(zerolog.Nop(), "agent"),
		callbacks:   callbacks,
	})
	return router, table, callbacks
}

func waitDelivered(t *testing.T, c *callbackClient) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.wait(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestReplyRouter_RecentCapacity(t *testing.T) {
	t.Parallel()
	router, table, _ := newTestReplyRouter(t, "", 3)
	table.Put("m1", map[string]string{"agent": "alice"})
	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		if router.Handle(transport.Message{ID: id, QuotedID: "m1", Sender: "x"}) == nil {
			t.Fatalf("reply %s not accepted", id)
		}
	}
	recent := router.Recent("")
	if len(recent) != 3 {
		t.Fatalf("recent = %d, want 3", len(recent))
	}
	if recent[0].ReplyMessageID != "r2" || recent[2].ReplyMessageID != "r4" {
		t.Fatalf("recent order = %s..%s, want r2..r4", recent[0].ReplyMessageID, recent[2].ReplyMessageID)
	}
}

func TestReplyRouter_RecentFilter(t *testing.T) {
	t.Parallel()
	router, table, _ := newTestReplyRouter(t, "", 10)
	table.Put("m1", map[string]string{"agent": "Alice  Smith"})
	table.Put("m2", map[string]string{"agent": "bob"})
	router.Handle(transport.Message{ID: "r1", QuotedID: "m1", Sender: "x"})
	router.Handle(transport.Message{ID: "r2", QuotedID: "m2", Sender: "x"})

	tests := []struct {
		tag  string
		want int
	}{
		{"", 2},
		{"alice smith", 1},
		{" ALICE\tSMITH ", 1},
		{"bob", 1},
		{"carol", 0},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			if got := len(router.Recent(tt.tag)); got != tt.want {
				t.Errorf("Recent(%q) = %d events, want %d", tt.tag, got, tt.want)
			}
		})
	}
}

func TestReplyRouter_IgnoresOwnAndUnquoted(t *testing.T) {
	t.Parallel()
	router, table, _ := newTestReplyRouter(t, "", 10)
	table.Put("m1", map[string]string{"agent": "alice"})

	if router.Handle(transport.Message{ID: "r1", QuotedID: "m1", FromMe: true}) != nil {
		t.Error("own message accepted")
	}
	if router.Handle(transport.Message{ID: "r2", Text: "hello"}) != nil {
		t.Error("unquoted message accepted")
	}
	if router.Handle(transport.Message{ID: "r3", QuotedID: "m404"}) != nil {
		t.Error("reply to unknown message accepted")
	}
	if got := len(router.Recent("")); got != 0 {
		t.Fatalf("recent = %d, want 0", got)
	}
}

// TestReplyRouter_RetriesOnce verifies a failed callback is retried once,
// after the retry delay has elapsed on the router's clock.
func TestReplyRouter_RetriesOnce(t *testing.T) {
	t.Parallel()
	receiver := newCallbackReceiver()
	t.Cleanup(receiver.Close)
	receiver.failures.Store(5)

	router, table, callbacks := newTestReplyRouter(t, receiver.Server.URL, 10)
	clock := router.clock.(*fakeClock)
	table.Put("m1", map[string]string{"agent": "alice"})
	router.Handle(transport.Message{ID: "r1", QuotedID: "m1", Sender: "5511999999999@s.whatsapp.net", Text: "no"})
	waitFor(t, "retry scheduled", func() bool { return clock.Pending() == 1 })

	clock.Advance(4 * time.Millisecond)
	if got := len(receiver.Bodies()); got != 1 {
		t.Fatalf("callback attempts before retry delay = %d, want 1", got)
	}
	clock.Advance(time.Millisecond)
	waitDelivered(t, callbacks)

	if got := len(receiver.Bodies()); got != 2 {
		t.Fatalf("callback attempts = %d, want 2", got)
	}
	if got := clock.Pending(); got != 0 {
		t.Fatalf("pending timers = %d, want 0", got)
	}
}

// TestReplyRouter_RetrySucceeds verifies the retry carries the same payload.
func TestReplyRouter_RetrySucceeds(t *testing.T) {
	t.Parallel()
	receiver := newCallbackReceiver()
	t.Cleanup(receiver.Close)
	receiver.failures.Store(1)

	router, table, callbacks := newTestReplyRouter(t, receiver.Server.URL, 10)
	clock := router.clock.(*fakeClock)
	table.Put("m1", map[string]string{"agent": "alice"})
	router.Handle(transport.Message{ID: "r1", QuotedID: "m1", Sender: "x", Text: "ok", QuotedParticipant: "me@s.whatsapp.net"})
	waitFor(t, "retry scheduled", func() bool { return clock.Pending() == 1 })
	clock.Advance(5 * time.Millisecond)
	waitDelivered(t, callbacks)

	bodies := receiver.Bodies()
	if len(bodies) != 2 {
		t.Fatalf("callback attempts = %d, want 2", len(bodies))
	}
	if bodies[1]["replyMessageParticipant"] != "me@s.whatsapp.net" {
		t.Errorf("participant = %v", bodies[1]["replyMessageParticipant"])
	}
}

// TestReplyRouter_RetryCancelledOnShutdown verifies a wait that runs out of
// time cancels a retry that has not started.
func TestReplyRouter_RetryCancelledOnShutdown(t *testing.T) {
	t.Parallel()
	receiver := newCallbackReceiver()
	t.Cleanup(receiver.Close)
	receiver.failures.Store(5)

	router, table, callbacks := newTestReplyRouter(t, receiver.Server.URL, 10)
	clock := router.clock.(*fakeClock)
	table.Put("m1", map[string]string{"agent": "alice"})
	router.Handle(transport.Message{ID: "r1", QuotedID: "m1", Sender: "x", Text: "no"})
	waitFor(t, "retry scheduled", func() bool { return clock.Pending() == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := callbacks.wait(ctx); err == nil {
		t.Fatal("wait with cancelled context returned nil")
	}
	if got := clock.Pending(); got != 0 {
		t.Fatalf("pending timers after cancel = %d, want 0", got)
	}
	clock.Advance(time.Second)
	waitDelivered(t, callbacks)
	if got := len(receiver.Bodies()); got != 1 {
		t.Fatalf("callback attempts = %d, want 1", got)
	}
}

// TestReplyRouter_ParticipantUnknown verifies the participant stays empty
// when the transport does not report who wrote the quoted message.
func TestReplyRouter_ParticipantUnknown(t *testing.T) {
	t.Parallel()
	receiver := newCallbackReceiver()
	t.Cleanup(receiver.Close)

	router, table, callbacks := newTestReplyRouter(t, receiver.Server.URL, 10)
	table.Put("m1", map[string]string{"agent": "alice"})
	evt := router.Handle(transport.Message{ID: "r1", QuotedID: "m1", Sender: "5511999999999@s.whatsapp.net", Text: "ok"})
	if evt == nil {
		t.Fatal("reply not accepted")
	}
	if evt.ReplyMessageParticipant != "" {
		t.Errorf("event participant = %q, want empty", evt.ReplyMessageParticipant)
	}
	waitDelivered(t, callbacks)

	bodies := receiver.Bodies()
	if len(bodies) != 1 {
		t.Fatalf("callback attempts = %d, want 1", len(bodies))
	}
	if got, ok := bodies[0]["replyMessageParticipant"]; !ok || got != "" {
		t.Errorf("callback participant = %v (present %v), want empty string", got, ok)
	}
}
