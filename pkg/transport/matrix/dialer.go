// Copyright 2024-2026 Aiku AI

// Package matrix runs a connection as a Matrix account. Destinations are
// room IDs, replies are m.in_reply_to relations and reactions are
// m.reaction annotations.
package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/msgsupervisor/pkg/transport"
)

// Config configures a Matrix connection. AccessToken is only used when no
// credentials are stored for the connection yet.
type Config struct {
	HomeserverURL string `yaml:"homeserver_url"`
	UserID        string `yaml:"user_id"`
	AccessToken   string `yaml:"access_token"`
}

// Credentials is the blob persisted in the credential store.
type Credentials struct {
	HomeserverURL string `json:"homeserver_url"`
	UserID        string `json:"user_id"`
	AccessToken   string `json:"access_token"`
	DeviceID      string `json:"device_id,omitempty"`
}

// Dialer opens Matrix sessions.
type Dialer struct {
	cfg Config
	log zerolog.Logger
}

var _ transport.Dialer = (*Dialer)(nil)

// NewDialer returns a Dialer for cfg.
func NewDialer(cfg Config, log zerolog.Logger) (*Dialer, error) {
	cfg.HomeserverURL = strings.TrimSuffix(strings.TrimSpace(cfg.HomeserverURL), "/")
	if cfg.UserID != "" {
		if _, _, err := id.UserID(cfg.UserID).Parse(); err != nil {
			return nil, fmt.Errorf("invalid matrix user id %q: %w", cfg.UserID, err)
		}
	}
	return &Dialer{
		cfg: cfg,
		log: log.With().Str("component", "matrix").Logger(),
	}, nil
}

func (d *Dialer) Kind() string {
	return "matrix"
}

// NormalizeAddress accepts a room ID such as "!abc:example.org".
func (d *Dialer) NormalizeAddress(destination string) (string, error) {
	destination = strings.TrimSpace(destination)
	if !strings.HasPrefix(destination, "!") || !strings.Contains(destination, ":") ||
		strings.HasSuffix(destination, ":") || strings.ContainsAny(destination, " \t\n") {
		return "", fmt.Errorf("%w: %q is not a room id", transport.ErrInvalidAddress, destination)
	}
	return destination, nil
}

func (d *Dialer) credentials(blob []byte) (creds Credentials, bootstrapped bool, err error) {
	if len(blob) > 0 {
		if err = json.Unmarshal(blob, &creds); err != nil {
			return creds, false, fmt.Errorf("failed to parse stored credentials: %w", err)
		}
	} else {
		creds = Credentials{HomeserverURL: d.cfg.HomeserverURL, UserID: d.cfg.UserID, AccessToken: d.cfg.AccessToken}
		bootstrapped = true
	}
	if creds.HomeserverURL == "" {
		creds.HomeserverURL = d.cfg.HomeserverURL
	}
	if creds.HomeserverURL == "" {
		return creds, bootstrapped, errors.New("matrix homeserver url is not configured")
	}
	if creds.AccessToken == "" {
		return creds, bootstrapped, fmt.Errorf("%w: no matrix access token available", transport.ErrLoggedOut)
	}
	return creds, bootstrapped, nil
}

// Dial checks the access token and starts syncing.
func (d *Dialer) Dial(ctx context.Context, blob []byte) (transport.Session, error) {
	creds, bootstrapped, err := d.credentials(blob)
	if err != nil {
		return nil, err
	}

	client, err := mautrix.NewClient(creds.HomeserverURL, id.UserID(creds.UserID), creds.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	client.Log = d.log

	whoami, err := client.Whoami(ctx)
	if err != nil {
		if errors.Is(err, mautrix.MUnknownToken) {
			return nil, fmt.Errorf("%w: homeserver rejected the access token: %v", transport.ErrLoggedOut, err)
		}
		return nil, fmt.Errorf("failed to verify matrix session: %w", err)
	}
	client.UserID = whoami.UserID
	client.DeviceID = whoami.DeviceID
	d.log.Info().Stringer("user_id", whoami.UserID).Str("device_id", string(whoami.DeviceID)).Msg("Authenticated")

	var updated []byte
	if bootstrapped || creds.UserID != whoami.UserID.String() || creds.DeviceID != string(whoami.DeviceID) {
		creds.UserID = whoami.UserID.String()
		creds.DeviceID = string(whoami.DeviceID)
		if updated, err = json.Marshal(creds); err != nil {
			return nil, fmt.Errorf("failed to encode credentials: %w", err)
		}
	}

	sess := newSession(d.log, client)
	go sess.run(updated)
	return sess, nil
}
