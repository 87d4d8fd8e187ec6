// Copyright 2024-2026 Aiku AI

// Package gateway opens sessions through a messaging gateway sidecar over a
// WebSocket. The sidecar owns the wire protocol; this package exchanges JSON
// frames with it.
//
// Frames sent to the sidecar:
//
//	{"type":"start","credentials":"<base64>"}
//	{"type":"send","requestId":"...","to":"...","text":"...","replyTo":"..."}
//	{"type":"logout"}
//
// Frames received from the sidecar:
//
//	{"type":"qr","code":"..."}
//	{"type":"open","id":"..."}
//	{"type":"creds","data":"<base64>"}
//	{"type":"close","status":401,"loggedOut":true,"reason":"..."}
//	{"type":"reaction","id":"...","sender":"...","emoji":"...","fromMe":false,"timestamp":1700000000000}
//	{"type":"message","id":"...","chat":"...","sender":"...","text":"...","fromMe":false,
//	 "timestamp":1700000000000,"quoted":{"id":"...","participant":"..."}}
//	{"type":"ack","requestId":"...","ids":["..."],"error":""}
package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aiku/msgsupervisor/pkg/transport"
)

// Config configures the sidecar connection.
type Config struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	maxFrameSize = 4 << 20

	userServer = "s.whatsapp.net"
)

// Dialer opens gateway sessions.
type Dialer struct {
	cfg Config
	log zerolog.Logger
	ws  *websocket.Dialer
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer validates cfg and returns a Dialer.
func NewDialer(cfg Config, log zerolog.Logger) (*Dialer, error) {
	if cfg.URL == "" {
		return nil, errors.New("gateway url is required")
	}
	if !strings.HasPrefix(cfg.URL, "ws://") && !strings.HasPrefix(cfg.URL, "wss://") {
		return nil, fmt.Errorf("gateway url %q must use ws:// or wss://", cfg.URL)
	}
	return &Dialer{
		cfg: cfg,
		log: log.With().Str("component", "gateway").Logger(),
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
		},
	}, nil
}

func (d *Dialer) Kind() string {
	return "gateway"
}

// NormalizeAddress turns a phone number in any common notation into a user
// address. Addresses that already carry a server part are kept as they are.
func (d *Dialer) NormalizeAddress(destination string) (string, error) {
	destination = strings.TrimSpace(destination)
	if strings.Contains(destination, "@") {
		if strings.HasPrefix(destination, "@") || strings.HasSuffix(destination, "@") {
			return "", fmt.Errorf("%w: %q", transport.ErrInvalidAddress, destination)
		}
		return destination, nil
	}
	var digits strings.Builder
	for _, r := range destination {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", fmt.Errorf("%w: %q", transport.ErrInvalidAddress, destination)
		}
	}
	if digits.Len() == 0 {
		return "", fmt.Errorf("%w: %q", transport.ErrInvalidAddress, destination)
	}
	return digits.String() + "@" + userServer, nil
}

// Dial connects to the sidecar and asks it to start a session with creds.
func (d *Dialer) Dial(ctx context.Context, creds []byte) (transport.Session, error) {
	header := http.Header{}
	if d.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+d.cfg.Token)
	}
	conn, resp, err := d.ws.DialContext(ctx, d.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to gateway (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to gateway: %w", err)
	}

	sess := newSession(conn, d.log)
	start := startFrame{Type: "start"}
	if len(creds) > 0 {
		start.Credentials = base64.StdEncoding.EncodeToString(creds)
	}
	if err = sess.writeJSON(start); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to start gateway session: %w", err)
	}
	sess.start()
	return sess, nil
}
