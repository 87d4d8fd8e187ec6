// Copyright 2024-2026 Aiku AI

package supervisor

import "errors"

var (
	// ErrNotConnected is returned by Send when the session is not connected.
	ErrNotConnected = errors.New("connection is not connected")
	// ErrNoMessageID is returned by Send when the transport accepted the
	// message but did not assign it an id.
	ErrNoMessageID = errors.New("transport returned no message id")
	// ErrPairingCodeUnavailable is returned when there is no valid pairing
	// code. Request a connect to obtain a new one.
	ErrPairingCodeUnavailable = errors.New("pairing code unavailable, request a connect to generate a new one")
	// ErrConnectionNotFound is returned by Registry.Resolve for names that
	// were not configured at startup.
	ErrConnectionNotFound = errors.New("connection not found")
)
