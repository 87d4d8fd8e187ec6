// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package supervisor keeps named messaging sessions alive and turns their
// inbound reactions and quoted replies into correlated events.
//
// # Core Types
//
// [Registry] is built once at startup from the configuration. It owns one
// [ConnectionSupervisor] per configured connection and never creates more at
// request time; [Registry.Resolve] fails for unknown names.
//
// [ConnectionSupervisor] owns the lifecycle of one session: connect,
// reconnect after transient failures, stop after authentication failures,
// manual disconnect and logout. It also holds the connection's pairing code,
// its [CorrelationTable] of sent messages, and the two inbound routers.
//
// [ReactionRouter] filters emoji reactions by vocabulary and reactor
// allow-list and forwards accepted ones to the reaction callback.
//
// [ReplyRouter] matches quoted replies against the correlation table, keeps a
// ring buffer of recent [ReplyEvent] values, publishes them through the
// [EventBroadcaster] and forwards them to the reply callback.
//
// # Reconnection
//
// A transient close schedules exactly one reconnect after a fixed delay. A
// close that carries an authentication failure clears the stored
// credentials and stops; pairing has to be restarted with an explicit
// Connect. A Connect that has been in flight for longer than the staleness
// window is abandoned and replaced. Status and pairing-code queries never
// start a connection.
package supervisor
