// Copyright 2024-2026 Aiku AI

package console

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aiku/msgsupervisor/pkg/supervisor"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
	streamBuffer     = 64
	streamReadLimit  = 4096
)

var (
	errStreamClosed = errors.New("reply stream closed")
	errStreamSlow   = errors.New("reply stream buffer full")
)

type snapshotFrame struct {
	Type   string                   `json:"type"`
	Events []*supervisor.ReplyEvent `json:"events"`
}

type replyFrame struct {
	Type  string                 `json:"type"`
	Event *supervisor.ReplyEvent `json:"event"`
}

// makeUpgrader accepts every origin when allowedOrigins is empty or "*".
// Requests without an Origin header come from non-browser clients and are
// always accepted.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := originSet[origin]
			return ok
		},
	}
}

// wsStream is a broadcaster subscriber backed by one WebSocket client. Send
// never blocks: a client that falls behind by more than streamBuffer events
// is dropped.
type wsStream struct {
	log  zerolog.Logger
	conn *websocket.Conn

	send      chan *supervisor.ReplyEvent
	done      chan struct{}
	closeOnce sync.Once
}

func newWSStream(log zerolog.Logger, conn *websocket.Conn) *wsStream {
	return &wsStream{
		log:  log,
		conn: conn,
		send: make(chan *supervisor.ReplyEvent, streamBuffer),
		done: make(chan struct{}),
	}
}

func (st *wsStream) Send(evt *supervisor.ReplyEvent) error {
	select {
	case <-st.done:
		return errStreamClosed
	default:
	}
	select {
	case st.send <- evt:
		return nil
	default:
		st.close()
		return errStreamSlow
	}
}

func (st *wsStream) close() {
	st.closeOnce.Do(func() {
		close(st.done)
	})
}

// writePump owns all writes to the connection. Events that were already
// part of the snapshot are skipped.
func (st *wsStream) writePump(seen map[*supervisor.ReplyEvent]struct{}) {
	ticker := time.NewTicker(streamPingPeriod)
	defer func() {
		ticker.Stop()
		_ = st.conn.Close()
	}()
	for {
		select {
		case <-st.done:
			_ = st.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			_ = st.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case evt := <-st.send:
			if _, dup := seen[evt]; dup {
				delete(seen, evt)
				continue
			}
			_ = st.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := st.conn.WriteJSON(replyFrame{Type: "reply", Event: evt}); err != nil {
				st.log.Debug().Err(err).Msg("Failed to write reply frame")
				st.close()
				return
			}
		case <-ticker.C:
			_ = st.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := st.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				st.close()
				return
			}
		}
	}
}

// readPump discards client frames and keeps the pong deadline fresh. It
// returns when the client goes away.
func (st *wsStream) readPump() {
	st.conn.SetReadLimit(streamReadLimit)
	_ = st.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	st.conn.SetPongHandler(func(string) error {
		return st.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := st.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				st.log.Debug().Err(err).Msg("Reply stream closed unexpectedly")
			}
			return
		}
	}
}

// handleStream upgrades to a WebSocket, sends a snapshot of the buffered
// replies and then every new reply matching the agent filter.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, sup *supervisor.ConnectionSupervisor) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("Reply stream upgrade failed")
		return
	}
	tag := r.URL.Query().Get("agent")
	log := s.log.With().Str("connection", sup.Name()).Str("agent", tag).Logger()
	st := newWSStream(log, conn)

	// Subscribe before taking the snapshot so nothing published in between
	// is lost; duplicates are filtered by the write pump.
	broadcaster := sup.Broadcaster()
	subID := broadcaster.Subscribe(st, tag)
	snapshot := sup.Recent(tag)
	if snapshot == nil {
		snapshot = []*supervisor.ReplyEvent{}
	}
	// The router publishes the same pointer it buffers, so identity tells a
	// snapshot event apart from a later reply carrying the same (or no) id.
	seen := make(map[*supervisor.ReplyEvent]struct{}, len(snapshot))
	for _, evt := range snapshot {
		seen[evt] = struct{}{}
	}

	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	if err = conn.WriteJSON(snapshotFrame{Type: "snapshot", Events: snapshot}); err != nil {
		broadcaster.Unsubscribe(subID)
		_ = conn.Close()
		return
	}
	log.Debug().Int("snapshot", len(snapshot)).Msg("Reply stream opened")

	go st.writePump(seen)
	st.readPump()
	broadcaster.Unsubscribe(subID)
	st.close()
	log.Debug().Msg("Reply stream closed")
}
