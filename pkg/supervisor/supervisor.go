// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/msgsupervisor/pkg/credstore"
	"github.com/aiku/msgsupervisor/pkg/transport"
)

// State is the lifecycle state of a connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Status is a point-in-time view of a connection.
type Status struct {
	Name                string `json:"name"`
	Transport           string `json:"transport"`
	Connected           bool   `json:"connected"`
	State               State  `json:"state"`
	Identity            string `json:"identity,omitempty"`
	HasValidPairingCode bool   `json:"hasValidPairingCode"`
}

// Options configures a ConnectionSupervisor.
type Options struct {
	Name      string
	Dialer    transport.Dialer
	Store     credstore.Store
	Clock     Clock
	Timing    TimingConfig
	Callbacks CallbackConfig
	// AllowedReactors limits whose reactions are forwarded. Empty accepts
	// everyone.
	AllowedReactors []string
	HTTPClient      *http.Client
}

// ConnectionSupervisor owns the lifecycle of one named connection: it opens
// and reopens the session, persists credentials, keeps the pairing code and
// routes inbound reactions and replies.
type ConnectionSupervisor struct {
	log    zerolog.Logger
	name   string
	dialer transport.Dialer
	store  credstore.Store
	clock  Clock
	timing TimingConfig

	pairing      *PairingCodeManager
	correlations *CorrelationTable
	broadcaster  *EventBroadcaster
	reactions    *ReactionRouter
	replies      *ReplyRouter
	callbacks    *callbackClient

	listenersOnce sync.Once
	listening     atomic.Bool

	mu               sync.Mutex
	state            State
	identity         string
	session          transport.Session
	generation       uint64
	manualDisconnect bool
	connectStarted   time.Time
	reconnectTimer   Timer
	reconnectSeq     uint64
}

// NewConnectionSupervisor creates a disconnected supervisor.
func NewConnectionSupervisor(log zerolog.Logger, opts Options) *ConnectionSupervisor {
	opts.Timing.applyDefaults()
	opts.Callbacks.applyDefaults()
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	log = log.With().
		Str("connection", opts.Name).
		Str("transport", opts.Dialer.Kind()).
		Logger()

	callbacks := newCallbackClient(opts.Callbacks, opts.HTTPClient)
	correlations := NewCorrelationTable(opts.Clock, opts.Timing.CorrelationTTL, opts.Timing.CorrelationMaxEntries)
	broadcaster := NewEventBroadcaster(log, opts.Timing.TagKey)
	return &ConnectionSupervisor{
		log:          log,
		name:         opts.Name,
		dialer:       opts.Dialer,
		store:        opts.Store,
		clock:        opts.Clock,
		timing:       opts.Timing,
		pairing:      NewPairingCodeManager(opts.Clock, opts.Timing.PairingCodeTTL),
		correlations: correlations,
		broadcaster:  broadcaster,
		reactions:    newReactionRouter(log, opts.Callbacks.ReactionURL, opts.AllowedReactors, callbacks),
		replies: newReplyRouter(log, replyRouterParams{
			connection:  opts.Name,
			tagKey:      opts.Timing.TagKey,
			url:         opts.Callbacks.ReplyURL,
			retryDelay:  opts.Callbacks.ReplyRetryDelay,
			capacity:    opts.Timing.RecentReplies,
			clock:       opts.Clock,
			table:       correlations,
			broadcaster: broadcaster,
			callbacks:   callbacks,
		}),
		callbacks: callbacks,
		state:     StateDisconnected,
	}
}

// Name returns the connection name.
func (s *ConnectionSupervisor) Name() string {
	return s.name
}

// Connect starts opening a session. It returns once the session handle
// exists; the connection becomes connected when the session reports it is
// open. Connect is a no-op when already connected, and while another
// attempt is in flight unless that attempt has gone stale.
func (s *ConnectionSupervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnected:
		s.mu.Unlock()
		return nil
	case StateConnecting:
		elapsed := s.clock.Now().Sub(s.connectStarted)
		if elapsed < s.timing.StaleConnectAfter {
			s.mu.Unlock()
			s.log.Debug().Dur("elapsed", elapsed).Msg("Connect already in progress")
			return nil
		}
		s.log.Warn().Dur("elapsed", elapsed).Msg("Abandoning stale connect attempt")
	}
	stale := s.session
	s.session = nil
	s.manualDisconnect = false
	s.stopReconnectLocked()
	s.generation++
	gen := s.generation
	s.state = StateConnecting
	s.connectStarted = s.clock.Now()
	s.mu.Unlock()

	if stale != nil {
		_ = stale.Close()
	}
	s.pairing.Clear()

	creds, err := s.store.Load(ctx, s.name)
	if errors.Is(err, credstore.ErrNotFound) {
		creds, err = nil, nil
	}
	if err != nil {
		err = fmt.Errorf("failed to load credentials: %w", err)
		s.handleClosed(gen, transport.Closed{Reason: "credential load failed", Err: err})
		return err
	}
	s.log.Info().Bool("has_credentials", creds != nil).Msg("Opening session")

	sess, err := s.dialer.Dial(ctx, creds)
	if err != nil {
		err = fmt.Errorf("failed to open session: %w", err)
		s.handleClosed(gen, transport.Closed{
			Reason:    "dial failed",
			Err:       err,
			LoggedOut: errors.Is(err, transport.ErrLoggedOut),
		})
		return err
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		s.log.Debug().Msg("Connect attempt was superseded, closing new session")
		_ = sess.Close()
		return nil
	}
	s.session = sess
	s.mu.Unlock()

	go s.consume(gen, sess)
	return nil
}

// consume processes one session's events in order until it closes.
func (s *ConnectionSupervisor) consume(gen uint64, sess transport.Session) {
	for evt := range sess.Events() {
		if s.dispatch(gen, evt) {
			return
		}
	}
	s.dispatch(gen, transport.Closed{Reason: "event stream ended"})
}

// dispatch handles one session event and reports whether it was the final
// Closed event. Panics are logged and swallowed.
func (s *ConnectionSupervisor) dispatch(gen uint64, evt transport.Event) (closed bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Interface("panic", r).
				Str("event_type", fmt.Sprintf("%T", evt)).
				Bytes("stack", debug.Stack()).
				Msg("Panic while handling session event")
		}
	}()
	switch e := evt.(type) {
	case transport.Opened:
		s.handleOpened(gen, e)
	case transport.Closed:
		closed = true
		s.handleClosed(gen, e)
	case transport.PairingCode:
		s.handlePairingCode(gen, e)
	case transport.CredentialsUpdated:
		s.handleCredentials(gen, e)
	case transport.Reaction, transport.Message:
		s.handleInbound(gen, evt)
	default:
		s.log.Warn().Str("event_type", fmt.Sprintf("%T", evt)).Msg("Unhandled session event")
	}
	return closed
}

func (s *ConnectionSupervisor) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation == gen
}

func (s *ConnectionSupervisor) handleOpened(gen uint64, evt transport.Opened) {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		s.log.Debug().Msg("Ignoring open from superseded session")
		return
	}
	s.state = StateConnected
	s.identity = evt.Identity
	took := s.clock.Now().Sub(s.connectStarted)
	s.mu.Unlock()

	s.pairing.Clear()
	s.listenersOnce.Do(s.registerListeners)
	s.log.Info().Str("identity", evt.Identity).Dur("took", took).Msg("Connected")
}

// registerListeners enables the inbound reaction and reply pipeline. It runs
// once per supervisor, on the first successful open.
func (s *ConnectionSupervisor) registerListeners() {
	s.listening.Store(true)
	s.log.Debug().Msg("Inbound listeners registered")
}

func (s *ConnectionSupervisor) handleClosed(gen uint64, evt transport.Closed) {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		s.log.Debug().Str("reason", evt.Reason).Msg("Ignoring close from superseded session")
		return
	}
	sess := s.session
	s.session = nil
	s.state = StateDisconnected
	s.identity = ""
	manual := s.manualDisconnect
	s.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	s.pairing.Clear()

	log := s.log.With().Str("reason", evt.Reason).Logger()
	switch {
	case manual:
		log.Info().Msg("Session closed after manual disconnect")
	case transport.IsLoggedOut(evt):
		log.Warn().Err(evt.Err).Msg("Session was logged out, clearing credentials")
		ctx, cancel := context.WithTimeout(context.Background(), s.timing.DialTimeout)
		defer cancel()
		if err := s.store.Clear(ctx, s.name); err != nil {
			log.Err(err).Msg("Failed to clear credentials")
		}
	default:
		log.Warn().Err(evt.Err).Dur("reconnect_in", s.timing.ReconnectDelay).Msg("Session closed, scheduling reconnect")
		s.scheduleReconnect()
	}
}

func (s *ConnectionSupervisor) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.manualDisconnect || s.reconnectTimer != nil {
		return
	}
	s.reconnectSeq++
	seq := s.reconnectSeq
	s.reconnectTimer = s.clock.AfterFunc(s.timing.ReconnectDelay, func() {
		s.reconnect(seq)
	})
}

func (s *ConnectionSupervisor) reconnect(seq uint64) {
	s.mu.Lock()
	if s.reconnectSeq != seq || s.reconnectTimer == nil {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = nil
	manual := s.manualDisconnect
	s.mu.Unlock()
	if manual {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timing.DialTimeout)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		s.log.Err(err).Msg("Reconnect attempt failed")
	}
}

func (s *ConnectionSupervisor) stopReconnectLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.reconnectSeq++
}

func (s *ConnectionSupervisor) handlePairingCode(gen uint64, evt transport.PairingCode) {
	if !s.isCurrent(gen) {
		return
	}
	code := s.pairing.Set(evt.Code)
	s.log.Info().Time("expires_at", code.ExpiresAt).Msg("New pairing code available")
}

func (s *ConnectionSupervisor) handleCredentials(gen uint64, evt transport.CredentialsUpdated) {
	if !s.isCurrent(gen) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timing.DialTimeout)
	defer cancel()
	if err := s.store.Save(ctx, s.name, evt.Blob); err != nil {
		s.log.Err(err).Msg("Failed to save credentials")
		return
	}
	s.log.Debug().Int("size", len(evt.Blob)).Msg("Saved credentials")
}

func (s *ConnectionSupervisor) handleInbound(gen uint64, evt transport.Event) {
	if !s.listening.Load() || !s.isCurrent(gen) {
		s.log.Debug().Str("event_type", fmt.Sprintf("%T", evt)).Msg("Dropping inbound event outside an active session")
		return
	}
	switch e := evt.(type) {
	case transport.Reaction:
		s.reactions.Handle(e)
	case transport.Message:
		s.replies.Handle(e)
	}
}

// Disconnect closes the session and suppresses automatic reconnection until
// the next Connect. Stored credentials are kept.
func (s *ConnectionSupervisor) Disconnect(ctx context.Context) error {
	sess := s.teardown()
	if sess == nil {
		return nil
	}
	s.log.Info().Msg("Disconnecting")
	if err := sess.Close(); err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}

func (s *ConnectionSupervisor) teardown() transport.Session {
	s.mu.Lock()
	s.manualDisconnect = true
	s.stopReconnectLocked()
	s.generation++
	sess := s.session
	s.session = nil
	s.state = StateDisconnected
	s.identity = ""
	s.mu.Unlock()
	s.pairing.Clear()
	return sess
}

// Logout revokes the session remotely (best effort), disconnects and clears
// the stored credentials, so the next Connect requires pairing again.
func (s *ConnectionSupervisor) Logout(ctx context.Context) error {
	s.mu.Lock()
	s.manualDisconnect = true
	s.stopReconnectLocked()
	sess := s.session
	s.mu.Unlock()

	if sess != nil {
		if err := sess.Logout(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Remote logout failed")
		}
	}
	if err := s.Disconnect(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Failed to close session during logout")
	}
	if err := s.store.Clear(ctx, s.name); err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	s.log.Info().Msg("Logged out")
	return nil
}

// Send delivers a message and records ctx against every returned message id
// so later reactions and replies can be correlated.
func (s *ConnectionSupervisor) Send(ctx context.Context, destination string, msg transport.OutboundMessage, corr map[string]string) ([]string, error) {
	s.mu.Lock()
	sess := s.session
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected || sess == nil {
		return nil, ErrNotConnected
	}

	to, err := s.dialer.NormalizeAddress(destination)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize destination %q: %w", destination, err)
	}
	ids, err := sess.Send(ctx, to, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	sent := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			sent = append(sent, id)
		}
	}
	if len(sent) == 0 {
		return nil, ErrNoMessageID
	}
	if len(corr) > 0 {
		for _, id := range sent {
			s.correlations.Put(id, corr)
		}
	}
	s.log.Debug().Str("to", to).Strs("message_ids", sent).Int("context_keys", len(corr)).Msg("Sent message")
	return sent, nil
}

// PairingCode returns the current pairing code. It never starts a connect.
func (s *ConnectionSupervisor) PairingCode() (PairingCode, error) {
	return s.pairing.Current()
}

// Status returns the current state without side effects.
func (s *ConnectionSupervisor) Status() Status {
	s.mu.Lock()
	state, identity := s.state, s.identity
	s.mu.Unlock()
	return Status{
		Name:                s.name,
		Transport:           s.dialer.Kind(),
		Connected:           state == StateConnected,
		State:               state,
		Identity:            identity,
		HasValidPairingCode: s.pairing.Valid(),
	}
}

// Recent returns buffered reply events, optionally filtered by tag.
func (s *ConnectionSupervisor) Recent(tag string) []*ReplyEvent {
	return s.replies.Recent(tag)
}

// Broadcaster returns the live reply event broadcaster.
func (s *ConnectionSupervisor) Broadcaster() *EventBroadcaster {
	return s.broadcaster
}

// Close disconnects without touching stored credentials and waits for
// in-flight callbacks.
func (s *ConnectionSupervisor) Close(ctx context.Context) error {
	err := s.Disconnect(ctx)
	if waitErr := s.callbacks.wait(ctx); waitErr != nil {
		return fmt.Errorf("failed waiting for callbacks: %w", waitErr)
	}
	return err
}
