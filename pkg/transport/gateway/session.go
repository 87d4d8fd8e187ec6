// Copyright 2024-2026 Aiku AI

package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/aiku/msgsupervisor/pkg/transport"
)

var errSessionClosed = errors.New("gateway session closed")

type startFrame struct {
	Type        string `json:"type"`
	Credentials string `json:"credentials,omitempty"`
}

type sendFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	To        string `json:"to"`
	Text      string `json:"text"`
	ReplyTo   string `json:"replyTo,omitempty"`
}

type logoutFrame struct {
	Type string `json:"type"`
}

type ack struct {
	ids []string
	err string
}

// Session is one sidecar connection.
type Session struct {
	log  zerolog.Logger
	conn *websocket.Conn

	events    chan transport.Event
	done      chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan ack
}

var _ transport.Session = (*Session)(nil)

func newSession(conn *websocket.Conn, log zerolog.Logger) *Session {
	conn.SetReadLimit(maxFrameSize)
	return &Session{
		log:     log,
		conn:    conn,
		events:  make(chan transport.Event, 64),
		done:    make(chan struct{}),
		pending: make(map[string]chan ack),
	}
}

func (s *Session) start() {
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go s.readLoop()
	go s.pingLoop()
}

func (s *Session) Events() <-chan transport.Event {
	return s.events
}

func (s *Session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(v)
}

func (s *Session) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				s.log.Debug().Err(err).Msg("Gateway ping failed")
				return
			}
		case <-s.done:
			return
		}
	}
}

// readLoop is the only goroutine that emits events and closes the channel.
func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.finish(transport.Closed{Reason: "gateway connection lost", Err: err})
			return
		}
		if closed, ok := s.handleFrame(data); ok {
			s.finish(closed)
			return
		}
	}
}

// handleFrame dispatches one frame. It returns the Closed event when the
// frame ends the session.
func (s *Session) handleFrame(data []byte) (transport.Closed, bool) {
	if !gjson.ValidBytes(data) {
		s.log.Warn().Int("size", len(data)).Msg("Dropping malformed gateway frame")
		return transport.Closed{}, false
	}
	frame := gjson.ParseBytes(data)
	frameType := frame.Get("type").String()
	switch frameType {
	case "qr":
		s.emit(transport.PairingCode{Code: frame.Get("code").String()})
	case "open":
		s.emit(transport.Opened{Identity: frame.Get("id").String()})
	case "creds":
		blob, err := base64.StdEncoding.DecodeString(frame.Get("data").String())
		if err != nil {
			s.log.Warn().Err(err).Msg("Dropping credentials frame with invalid encoding")
			break
		}
		s.emit(transport.CredentialsUpdated{Blob: blob})
	case "reaction":
		if frame.Get("fromMe").Bool() {
			break
		}
		emoji := frame.Get("emoji").String()
		s.emit(transport.Reaction{
			MessageID: frame.Get("id").String(),
			Reactor:   frame.Get("sender").String(),
			Emoji:     emoji,
			Removed:   emoji == "",
			Timestamp: frameTime(frame),
		})
	case "message":
		s.emit(transport.Message{
			ID:                frame.Get("id").String(),
			Chat:              frame.Get("chat").String(),
			Sender:            frame.Get("sender").String(),
			Text:              frame.Get("text").String(),
			QuotedID:          frame.Get("quoted.id").String(),
			QuotedParticipant: frame.Get("quoted.participant").String(),
			FromMe:            frame.Get("fromMe").Bool(),
			Timestamp:         frameTime(frame),
		})
	case "ack":
		s.resolve(frame)
	case "close":
		status := frame.Get("status").Int()
		closed := transport.Closed{
			LoggedOut: frame.Get("loggedOut").Bool() || status == 401 || status == 403,
			Reason:    frame.Get("reason").String(),
		}
		if status != 0 {
			closed.Err = fmt.Errorf("gateway closed session with status %d", status)
		}
		return closed, true
	default:
		s.log.Debug().Str("frame_type", frameType).Msg("Ignoring unknown gateway frame")
	}
	return transport.Closed{}, false
}

func frameTime(frame gjson.Result) time.Time {
	if ts := frame.Get("timestamp").Int(); ts > 0 {
		return time.UnixMilli(ts)
	}
	return time.Time{}
}

func (s *Session) emit(evt transport.Event) {
	transport.Emit(s.events, s.done, evt)
}

func (s *Session) resolve(frame gjson.Result) {
	requestID := frame.Get("requestId").String()
	s.pendingMu.Lock()
	ch, ok := s.pending[requestID]
	delete(s.pending, requestID)
	s.pendingMu.Unlock()
	if !ok {
		s.log.Debug().Str("request_id", requestID).Msg("Ack for unknown request")
		return
	}
	var result ack
	for _, id := range frame.Get("ids").Array() {
		result.ids = append(result.ids, id.String())
	}
	result.err = frame.Get("error").String()
	ch <- result
}

// finish emits the final event, closes the channel and releases the socket.
func (s *Session) finish(evt transport.Closed) {
	s.emit(evt)
	close(s.events)
	_ = s.Close()
}

// Send asks the sidecar to deliver msg and waits for its acknowledgement.
func (s *Session) Send(ctx context.Context, to string, msg transport.OutboundMessage) ([]string, error) {
	requestID := xid.New().String()
	ch := make(chan ack, 1)
	s.pendingMu.Lock()
	s.pending[requestID] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, requestID)
		s.pendingMu.Unlock()
	}()

	err := s.writeJSON(sendFrame{
		Type:      "send",
		RequestID: requestID,
		To:        to,
		Text:      msg.Text,
		ReplyTo:   msg.ReplyTo,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write send frame: %w", err)
	}
	select {
	case result := <-ch:
		if result.err != "" {
			return nil, fmt.Errorf("gateway rejected message: %s", result.err)
		}
		return result.ids, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, errSessionClosed
	}
}

// Logout asks the sidecar to unlink the session. The sidecar answers with a
// close frame.
func (s *Session) Logout(ctx context.Context) error {
	if err := s.writeJSON(logoutFrame{Type: "logout"}); err != nil {
		return fmt.Errorf("failed to write logout frame: %w", err)
	}
	return nil
}

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
