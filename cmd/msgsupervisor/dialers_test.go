// Copyright 2024-2026 Aiku AI

package main

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/msgsupervisor/pkg/supervisor"
	"github.com/aiku/msgsupervisor/pkg/transport/gateway"
	"github.com/aiku/msgsupervisor/pkg/transport/matrix"
	"github.com/aiku/msgsupervisor/pkg/transport/mattermost"
)

// TestDialerFactory_SelectsTransport verifies each transport name maps to its
// dialer and unknown names are rejected.
func TestDialerFactory_SelectsTransport(t *testing.T) {
	t.Parallel()
	factory := dialerFactory(zerolog.Nop())

	tests := []struct {
		conn     supervisor.ConnectionConfig
		wantKind string
		wantErr  bool
	}{
		{conn: supervisor.ConnectionConfig{Name: "wa", Transport: "gateway", Gateway: gateway.Config{URL: "ws://localhost:3000/ws"}}, wantKind: "gateway"},
		{conn: supervisor.ConnectionConfig{Name: "mm", Transport: "mattermost", Mattermost: mattermost.Config{ServerURL: "https://chat.example.com"}}, wantKind: "mattermost"},
		{conn: supervisor.ConnectionConfig{Name: "mx", Transport: "matrix", Matrix: matrix.Config{HomeserverURL: "https://matrix.example.org", UserID: "@bot:example.org"}}, wantKind: "matrix"},
		{conn: supervisor.ConnectionConfig{Name: "wa", Transport: "gateway"}, wantErr: true},
		{conn: supervisor.ConnectionConfig{Name: "x", Transport: "telegram"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.conn.Name+"/"+tt.conn.Transport, func(t *testing.T) {
			t.Parallel()
			dialer, err := factory(tt.conn)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got dialer %T", dialer)
				}
				return
			}
			if err != nil {
				t.Fatalf("factory: %v", err)
			}
			if dialer.Kind() != tt.wantKind {
				t.Fatalf("Kind = %q, want %q", dialer.Kind(), tt.wantKind)
			}
		})
	}
}
