// Copyright 2024-2026 Aiku AI

package supervisor

import (
	"sync"
	"time"
)

// PairingCode is a pairing payload and the moment it stops being valid.
type PairingCode struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PairingCodeManager holds the most recent pairing code of a connection and
// time-boxes it. It never asks the session for a new code; that only
// happens as part of a connect.
type PairingCodeManager struct {
	clock Clock
	ttl   time.Duration

	mu      sync.Mutex
	current *PairingCode
}

// NewPairingCodeManager creates a manager whose codes are valid for ttl.
func NewPairingCodeManager(clock Clock, ttl time.Duration) *PairingCodeManager {
	return &PairingCodeManager{clock: clock, ttl: ttl}
}

// Set stores a freshly generated code and returns it with its expiry.
func (p *PairingCodeManager) Set(code string) PairingCode {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = &PairingCode{Code: code, ExpiresAt: p.clock.Now().Add(p.ttl)}
	return *p.current
}

// Current returns the stored code if it is still valid, or
// ErrPairingCodeUnavailable.
func (p *PairingCodeManager) Current() (PairingCode, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil || !p.clock.Now().Before(p.current.ExpiresAt) {
		return PairingCode{}, ErrPairingCodeUnavailable
	}
	return *p.current, nil
}

// Valid reports whether a non-expired code is stored.
func (p *PairingCodeManager) Valid() bool {
	_, err := p.Current()
	return err == nil
}

// Clear drops the stored code.
func (p *PairingCodeManager) Clear() {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
}
