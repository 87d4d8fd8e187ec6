// Copyright 2024-2026 Aiku AI

package supervisor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/msgsupervisor/pkg/credstore"
	"github.com/aiku/msgsupervisor/pkg/transport"
)

// fakeClock is a manually advanced Clock. Timers fire synchronously inside
// Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward and runs every timer that became due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

// Pending returns the number of timers that have neither fired nor been
// stopped.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type sentMessage struct {
	To  string
	Msg transport.OutboundMessage
}

// fakeSession is a transport.Session driven by the test through emit.
type fakeSession struct {
	events chan transport.Event

	mu      sync.Mutex
	closed  bool
	sent    []sentMessage
	sendIDs []string
	sendErr error

	closeCalls  atomic.Int32
	logoutCalls atomic.Int32
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan transport.Event, 32), sendIDs: []string{"m1"}}
}

func (s *fakeSession) Events() <-chan transport.Event {
	return s.events
}

// emit delivers evt unless the session was closed.
func (s *fakeSession) emit(evt transport.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- evt
}

func (s *fakeSession) Send(_ context.Context, to string, msg transport.OutboundMessage) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{To: to, Msg: msg})
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	return append([]string(nil), s.sendIDs...), nil
}

func (s *fakeSession) Sent() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

func (s *fakeSession) Logout(context.Context) error {
	s.logoutCalls.Add(1)
	return nil
}

func (s *fakeSession) Close() error {
	s.closeCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeDialer hands out fakeSessions and records every dial.
type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	creds    [][]byte
	err      error
}

func (d *fakeDialer) Dial(_ context.Context, creds []byte) (transport.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.creds = append(d.creds, creds)
	if d.err != nil {
		return nil, d.err
	}
	sess := newFakeSession()
	d.sessions = append(d.sessions, sess)
	return sess, nil
}

func (d *fakeDialer) NormalizeAddress(destination string) (string, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return "", transport.ErrInvalidAddress
	}
	if !strings.Contains(destination, "@") {
		destination += "@s.whatsapp.net"
	}
	return destination, nil
}

func (d *fakeDialer) Kind() string {
	return "fake"
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.creds)
}

func (d *fakeDialer) Last() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

// countingStore wraps a MemoryStore and counts Clear calls.
type countingStore struct {
	*credstore.MemoryStore
	clears atomic.Int32
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: credstore.NewMemoryStore()}
}

func (s *countingStore) Clear(ctx context.Context, id string) error {
	s.clears.Add(1)
	return s.MemoryStore.Clear(ctx, id)
}

// callbackReceiver is an httptest server that records POSTed JSON bodies.
type callbackReceiver struct {
	Server *httptest.Server

	mu      sync.Mutex
	bodies  []map[string]any
	headers []http.Header
	// failures is the number of requests that get a 500 before succeeding.
	failures atomic.Int32
}

func newCallbackReceiver() *callbackReceiver {
	c := &callbackReceiver{}
	c.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.headers = append(c.headers, r.Header.Clone())
		c.mu.Unlock()
		if c.failures.Load() > 0 {
			c.failures.Add(-1)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	return c
}

func (c *callbackReceiver) Close() {
	c.Server.Close()
}

func (c *callbackReceiver) Bodies() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.bodies...)
}

func (c *callbackReceiver) Headers() []http.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]http.Header(nil), c.headers...)
}

// testHarness bundles a supervisor with its fakes.
type testHarness struct {
	sup    *ConnectionSupervisor
	clock  *fakeClock
	dialer *fakeDialer
	store  *countingStore
}

func newHarness(t *testing.T, mutate ...func(*Options)) *testHarness {
	t.Helper()
	h := &testHarness{
		clock:  newFakeClock(),
		dialer: &fakeDialer{},
		store:  newCountingStore(),
	}
	opts := Options{
		Name:   "A",
		Dialer: h.dialer,
		Store:  h.store,
		Clock:  h.clock,
		Callbacks: CallbackConfig{
			ReplyRetryDelay: 10 * time.Millisecond,
		},
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	h.sup = NewConnectionSupervisor(zerolog.Nop(), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.sup.Close(ctx)
	})
	return h
}

// connect runs Connect and has the new session report that it is open.
func (h *testHarness) connect(t *testing.T) *fakeSession {
	t.Helper()
	if err := h.sup.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess := h.dialer.Last()
	if sess == nil {
		t.Fatal("Connect did not dial")
	}
	sess.emit(transport.Opened{Identity: "5511000000000@s.whatsapp.net"})
	waitFor(t, "connected", func() bool {
		return h.sup.Status().State == StateConnected
	})
	return sess
}

// waitCallbacks blocks until all callback deliveries have finished.
func (h *testHarness) waitCallbacks(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.sup.callbacks.wait(ctx); err != nil {
		t.Fatalf("waiting for callbacks: %v", err)
	}
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
