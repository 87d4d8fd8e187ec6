// Copyright 2024-2026 Aiku AI

// Package mattermost runs a connection as a Mattermost account. Outbound
// messages are posts in a channel, replies are thread posts and reactions
// are emoji reactions on posts.
package mattermost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/msgsupervisor/pkg/transport"
)

// Config configures a Mattermost connection. Token is only used when no
// credentials are stored for the connection yet.
type Config struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	// BotPrefix is a username prefix for echo prevention. Posts and
	// reactions from usernames with this prefix are ignored.
	BotPrefix string `yaml:"bot_prefix"`
}

// Credentials is the blob persisted in the credential store.
type Credentials struct {
	ServerURL string `json:"server_url"`
	Token     string `json:"token"`
	UserID    string `json:"user_id,omitempty"`
}

// wsConnector opens the event WebSocket. It is replaced in tests.
type wsConnector func(wsURL, token string) (<-chan *model.WebSocketEvent, func(), error)

// Dialer opens Mattermost sessions.
type Dialer struct {
	cfg       Config
	log       zerolog.Logger
	connectWS wsConnector
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer returns a Dialer for cfg.
func NewDialer(cfg Config, log zerolog.Logger) (*Dialer, error) {
	cfg.ServerURL = strings.TrimSuffix(strings.TrimSpace(cfg.ServerURL), "/")
	if cfg.ServerURL != "" && !strings.HasPrefix(cfg.ServerURL, "http://") && !strings.HasPrefix(cfg.ServerURL, "https://") {
		return nil, fmt.Errorf("mattermost server url %q must use http:// or https://", cfg.ServerURL)
	}
	return &Dialer{
		cfg:       cfg,
		log:       log.With().Str("component", "mattermost").Logger(),
		connectWS: connectWebSocket,
	}, nil
}

func (d *Dialer) Kind() string {
	return "mattermost"
}

// NormalizeAddress accepts a channel id, optionally prefixed with "~".
func (d *Dialer) NormalizeAddress(destination string) (string, error) {
	channelID := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(destination), "~"))
	if !model.IsValidId(channelID) {
		return "", fmt.Errorf("%w: %q is not a channel id", transport.ErrInvalidAddress, destination)
	}
	return channelID, nil
}

// credentials resolves the stored blob, falling back to the configured
// bootstrap token. bootstrapped reports whether the fallback was used.
func (d *Dialer) credentials(blob []byte) (creds Credentials, bootstrapped bool, err error) {
	if len(blob) > 0 {
		if err = json.Unmarshal(blob, &creds); err != nil {
			return creds, false, fmt.Errorf("failed to parse stored credentials: %w", err)
		}
	} else {
		creds = Credentials{ServerURL: d.cfg.ServerURL, Token: d.cfg.Token}
		bootstrapped = true
	}
	if creds.ServerURL == "" {
		creds.ServerURL = d.cfg.ServerURL
	}
	if creds.ServerURL == "" {
		return creds, bootstrapped, errors.New("mattermost server url is not configured")
	}
	if creds.Token == "" {
		return creds, bootstrapped, fmt.Errorf("%w: no mattermost token available", transport.ErrLoggedOut)
	}
	return creds, bootstrapped, nil
}

// Dial verifies the token and opens the event WebSocket.
func (d *Dialer) Dial(ctx context.Context, blob []byte) (transport.Session, error) {
	creds, bootstrapped, err := d.credentials(blob)
	if err != nil {
		return nil, err
	}

	client := model.NewAPIv4Client(creds.ServerURL)
	client.SetToken(creds.Token)

	me, resp, err := client.GetMe(ctx, "")
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: mattermost rejected the token: %v", transport.ErrLoggedOut, err)
		}
		return nil, fmt.Errorf("failed to verify mattermost session: %w", err)
	}
	d.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")

	wsURL := httpToWS(creds.ServerURL)
	wsEvents, closeWS, err := d.connectWS(wsURL, creds.Token)
	if err != nil {
		return nil, err
	}
	d.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")

	sess := newSession(d.log, d.cfg.BotPrefix, client, me, wsEvents, closeWS)
	var updated []byte
	if bootstrapped || creds.UserID != me.Id {
		creds.UserID = me.Id
		if updated, err = json.Marshal(creds); err != nil {
			sess.stop()
			return nil, fmt.Errorf("failed to encode credentials: %w", err)
		}
	}
	go sess.listen(updated)
	return sess, nil
}

func connectWebSocket(wsURL, token string) (<-chan *model.WebSocketEvent, func(), error) {
	ws, err := model.NewWebSocketClient4(wsURL, token)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()
	return ws.EventChannel, ws.Close, nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}
