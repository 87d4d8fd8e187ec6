// Copyright 2024-2026 Aiku AI

package supervisor

import (
	"errors"
	"testing"
	"time"
)

func TestPairingCodeManager(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	p := NewPairingCodeManager(clock, time.Minute)

	if _, err := p.Current(); !errors.Is(err, ErrPairingCodeUnavailable) {
		t.Fatalf("err = %v, want ErrPairingCodeUnavailable", err)
	}

	set := p.Set("code-1")
	if !set.ExpiresAt.Equal(clock.Now().Add(time.Minute)) {
		t.Fatalf("expires at %v", set.ExpiresAt)
	}
	clock.Advance(59 * time.Second)
	if got, err := p.Current(); err != nil || got.Code != "code-1" {
		t.Fatalf("Current = %+v, %v", got, err)
	}
	clock.Advance(time.Second)
	if p.Valid() {
		t.Fatal("code valid at expiry")
	}

	p.Set("code-2")
	p.Clear()
	if p.Valid() {
		t.Fatal("code valid after Clear")
	}
}
