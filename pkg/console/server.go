// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package console serves the HTTP status and control surface of the
// connection registry, including the live reply event stream.
package console

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/util/exhttp"

	"github.com/aiku/msgsupervisor/pkg/supervisor"
	"github.com/aiku/msgsupervisor/pkg/transport"
)

const (
	maxSendBodySize = 1 << 20
	qrCodeSize      = 256
)

// Server routes console requests to the registry's supervisors.
type Server struct {
	log      zerolog.Logger
	registry *supervisor.Registry
	token    string
	upgrader websocket.Upgrader
	router   *mux.Router

	httpServer *http.Server
}

// New builds the console for registry. Nothing listens until Start is
// called.
func New(log zerolog.Logger, registry *supervisor.Registry, cfg supervisor.ConsoleConfig) *Server {
	s := &Server{
		log:      log.With().Str("component", "console").Logger(),
		registry: registry,
		token:    cfg.Token,
		upgrader: makeUpgrader(cfg.AllowedOrigins),
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireToken)
	api.HandleFunc("/connections", s.handleList).Methods(http.MethodGet)

	conn := api.PathPrefix("/connections/{name}").Subrouter()
	conn.HandleFunc("/status", s.withConnection(s.handleStatus)).Methods(http.MethodGet)
	conn.HandleFunc("/connect", s.withConnection(s.handleConnect)).Methods(http.MethodPost)
	conn.HandleFunc("/disconnect", s.withConnection(s.handleDisconnect)).Methods(http.MethodPost)
	conn.HandleFunc("/logout", s.withConnection(s.handleLogout)).Methods(http.MethodPost)
	conn.HandleFunc("/send", s.withConnection(s.handleSend)).Methods(http.MethodPost)
	conn.HandleFunc("/pairing-code", s.withConnection(s.handlePairingCode)).Methods(http.MethodGet)
	conn.HandleFunc("/pairing-code.png", s.withConnection(s.handlePairingCodePNG)).Methods(http.MethodGet)
	conn.HandleFunc("/replies", s.withConnection(s.handleReplies)).Methods(http.MethodGet)
	conn.HandleFunc("/replies/stream", s.withConnection(s.handleStream)).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	s.router = r
	return s
}

// Handler returns the console's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr in the background.
func (s *Server) Start(addr string) {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		s.log.Info().Str("addr", addr).Msg("Starting console")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("Console server error")
		}
	}()
}

// Shutdown stops the listener started by Start. Open reply streams are
// hijacked connections and end when their supervisor closes.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type errorResponse struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	exhttp.WriteJSONResponse(w, status, errorResponse{Error: msg})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	want := []byte(s.token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			// Browsers cannot set headers on WebSocket handshakes.
			got = r.URL.Query().Get("access_token")
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			s.log.Warn().Str("remote_addr", r.RemoteAddr).Str("path", r.URL.Path).Msg("Rejected unauthenticated console request")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type connectionHandler func(w http.ResponseWriter, r *http.Request, sup *supervisor.ConnectionSupervisor)

func (s *Server) withConnection(h connectionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sup, err := s.registry.Resolve(mux.Vars(r)["name"])
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h(w, r, sup)
	}
}

type listResponse struct {
	Connections []supervisor.Status `json:"connections"`
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	exhttp.WriteJSONResponse(w, http.StatusOK, listResponse{Connections: s.registry.Statuses()})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, sup *supervisor.ConnectionSupervisor) {
	exhttp.WriteJSONResponse(w, http.StatusOK, sup.Status())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, sup *supervisor.ConnectionSupervisor) {
	s.log.Info().Str("connection", sup.Name()).Str("remote_addr", r.RemoteAddr).Msg("Connect requested")
	// The dial outlives the request when the caller hangs up.
	if err := sup.Connect(context.WithoutCancel(r.Context())); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, transport.ErrLoggedOut) {
			status = http.StatusUnauthorized
		}
		writeError(w, status, err.Error())
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusAccepted, sup.Status())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, sup *supervisor.ConnectionSupervisor) {
	s.log.Info().Str("connection", sup.Name()).Str("remote_addr", r.RemoteAddr).Msg("Disconnect requested")
	if err := sup.Disconnect(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, sup.Status())
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, sup *supervisor.ConnectionSupervisor) {
	s.log.Info().Str("connection", sup.Name()).Str("remote_addr", r.RemoteAddr).Msg("Logout requested")
	if err := sup.Logout(context.WithoutCancel(r.Context())); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, sup.Status())
}

// SendRequest is the body of a send call. Context is stored against the
// sent message ids and echoed on correlated reactions and replies.
type SendRequest struct {
	To      string            `json:"to"`
	Text    string            `json:"text"`
	ReplyTo string            `json:"replyTo,omitempty"`
	Context map[string]string `json:"context,omitempty"`
}

// SendResponse lists the ids the transport assigned to the sent message.
type SendResponse struct {
	MessageIDs []string `json:"messageIds"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, sup *supervisor.ConnectionSupervisor) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSendBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	var req SendRequest
	if err = json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.To) == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "to and text are required")
		return
	}

	ids, err := sup.Send(r.Context(), req.To, transport.OutboundMessage{Text: req.Text, ReplyTo: req.ReplyTo}, req.Context)
	switch {
	case err == nil:
		exhttp.WriteJSONResponse(w, http.StatusOK, SendResponse{MessageIDs: ids})
	case errors.Is(err, supervisor.ErrNotConnected):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, transport.ErrInvalidAddress):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Warn().Err(err).Str("connection", sup.Name()).Msg("Send failed")
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) pairingCode(w http.ResponseWriter, r *http.Request, sup *supervisor.ConnectionSupervisor) (supervisor.PairingCode, bool) {
	code, err := sup.PairingCode()
	if err != nil {
		exhttp.WriteJSONResponse(w, http.StatusNotFound, errorResponse{
			Error: err.Error(),
			Hint:  "POST " + strings.TrimSuffix(strings.TrimSuffix(r.URL.Path, ".png"), "/pairing-code") + "/connect",
		})
		return code, false
	}
	return code, true
}

func (s *Server) handlePairingCode(w http.ResponseWriter, r *http.Request, sup *supervisor.ConnectionSupervisor) {
	if code, ok := s.pairingCode(w, r, sup); ok {
		exhttp.WriteJSONResponse(w, http.StatusOK, code)
	}
}

func (s *Server) handlePairingCodePNG(w http.ResponseWriter, r *http.Request, sup *supervisor.ConnectionSupervisor) {
	code, ok := s.pairingCode(w, r, sup)
	if !ok {
		return
	}
	png, err := qrcode.Encode(code.Code, qrcode.Medium, qrCodeSize)
	if err != nil {
		s.log.Err(err).Str("connection", sup.Name()).Msg("Failed to render pairing code")
		writeError(w, http.StatusInternalServerError, "failed to render pairing code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// RepliesResponse holds the buffered reply events of a connection.
type RepliesResponse struct {
	Events []*supervisor.ReplyEvent `json:"events"`
}

func (s *Server) handleReplies(w http.ResponseWriter, r *http.Request, sup *supervisor.ConnectionSupervisor) {
	events := sup.Recent(r.URL.Query().Get("agent"))
	if events == nil {
		events = []*supervisor.ReplyEvent{}
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, RepliesResponse{Events: events})
}
