// Copyright 2024-2026 Aiku AI

package main

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aiku/msgsupervisor/pkg/supervisor"
	"github.com/aiku/msgsupervisor/pkg/transport"
	"github.com/aiku/msgsupervisor/pkg/transport/gateway"
	"github.com/aiku/msgsupervisor/pkg/transport/matrix"
	"github.com/aiku/msgsupervisor/pkg/transport/mattermost"
)

// dialerFactory picks the transport implementation named by each
// connection's config.
func dialerFactory(log zerolog.Logger) supervisor.DialerFactory {
	return func(conn supervisor.ConnectionConfig) (transport.Dialer, error) {
		connLog := log.With().Str("connection", conn.Name).Logger()
		var (
			dialer transport.Dialer
			err    error
		)
		switch conn.Transport {
		case "gateway":
			dialer, err = gateway.NewDialer(conn.Gateway, connLog)
		case "mattermost":
			dialer, err = mattermost.NewDialer(conn.Mattermost, connLog)
		case "matrix":
			dialer, err = matrix.NewDialer(conn.Matrix, connLog)
		default:
			return nil, fmt.Errorf("unknown transport %q", conn.Transport)
		}
		if err != nil {
			return nil, err
		}
		return dialer, nil
	}
}
