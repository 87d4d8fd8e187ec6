// Copyright 2024-2026 Aiku AI

// Package transport defines the session-handle capability that the supervisor
// consumes. A Dialer opens a Session from an opaque credential blob; the
// Session reports everything that happens on the wire as a stream of Events
// and accepts outbound messages.
//
// Implementations live in subpackages (gateway, mattermost, matrix). None of
// them implement a wire protocol themselves; they adapt an existing client
// library to this interface.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrLoggedOut marks a session that was explicitly rejected by the remote
// side. Stored credentials are no longer usable and must not be retried.
var ErrLoggedOut = errors.New("session logged out")

// ErrInvalidAddress is returned by NormalizeAddress for destinations that
// cannot be expressed in the transport's addressing format.
var ErrInvalidAddress = errors.New("invalid destination address")

// Dialer opens sessions for one transport kind.
type Dialer interface {
	// Dial opens a new session. creds is the blob most recently persisted for
	// the connection, or nil if none exists. Dial returns once the session
	// handle exists; the session reports Opened (or Closed) on its event
	// channel when the remote side has answered.
	Dial(ctx context.Context, creds []byte) (Session, error)

	// NormalizeAddress converts a caller-supplied destination into the
	// transport's native addressing format.
	NormalizeAddress(destination string) (string, error)

	// Kind is a short name for logs and status output.
	Kind() string
}

// Session is one live session handle.
type Session interface {
	// Events returns the channel on which the session delivers its events in
	// the order they happened. The channel is closed after the final Closed
	// event.
	Events() <-chan Event

	// Send delivers msg to an already normalized address and returns the
	// transport-assigned message ids.
	Send(ctx context.Context, to string, msg OutboundMessage) ([]string, error)

	// Logout revokes the session's credentials on the remote side.
	Logout(ctx context.Context) error

	// Close ends the session. It is safe to call more than once.
	Close() error
}

// OutboundMessage is the payload of a send.
type OutboundMessage struct {
	Text string `json:"text"`
	// ReplyTo optionally quotes an earlier message id.
	ReplyTo string `json:"replyTo,omitempty"`
}

// Event is implemented by every value delivered on Session.Events.
type Event interface {
	isEvent()
}

// Opened reports that the session is authenticated and ready.
type Opened struct {
	// Identity is the connected account, in the transport's own format.
	Identity string
}

// Closed reports that the session ended. It is always the last event.
type Closed struct {
	// LoggedOut is set when the remote side rejected the credentials.
	LoggedOut bool
	Reason    string
	Err       error
}

// PairingCode carries a fresh scannable pairing payload.
type PairingCode struct {
	Code string
}

// CredentialsUpdated carries a new credential blob that must be persisted.
type CredentialsUpdated struct {
	Blob []byte
}

// Reaction is an emoji reaction to an earlier message.
type Reaction struct {
	MessageID string
	Reactor   string
	Emoji     string
	Removed   bool
	Timestamp time.Time
}

// Message is an inbound message. QuotedID is set when the message quotes
// (replies to) an earlier message.
type Message struct {
	ID                string
	Chat              string
	Sender            string
	Text              string
	QuotedID          string
	QuotedParticipant string
	FromMe            bool
	Timestamp         time.Time
}

func (Opened) isEvent()             {}
func (Closed) isEvent()             {}
func (PairingCode) isEvent()        {}
func (CredentialsUpdated) isEvent() {}
func (Reaction) isEvent()           {}
func (Message) isEvent()            {}

// IsLoggedOut reports whether a close event or dial error means the stored
// credentials are permanently invalid.
func IsLoggedOut(evt Closed) bool {
	return evt.LoggedOut || errors.Is(evt.Err, ErrLoggedOut)
}
