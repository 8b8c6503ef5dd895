package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/quarry-lab/conductor/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // secured at the proxy
}

const (
	readDeadline = 60 * time.Second
	pingInterval = 20 * time.Second
	writeWait    = 10 * time.Second
)

// clientFrame is one inbound socket message.
type clientFrame struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id"`
	Text      string           `json:"text"`
	Docs      []session.DocRef `json:"doc_ids"`
	Provider  string           `json:"provider"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.userID(w, r)
	if !ok {
		return
	}
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "missing conversation_id")
		return
	}
	lastEventID := r.URL.Query().Get("last_event_id")

	sess, frames, err := s.sessions.Connect(r.Context(), uid, conversationID, lastEventID)
	if err != nil {
		s.logger.Error("session connect failed",
			zap.String("user_id", uid), zap.String("conversation_id", conversationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "connect failed")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.sessions.Disconnect(sess)
		return
	}
	defer conn.Close()
	defer s.sessions.Disconnect(sess)

	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	// Frames the reader generates itself (pong, submit errors) go through
	// local so the writer goroutine stays the only socket writer.
	local := make(chan session.Frame, 8)
	done := make(chan struct{})
	go s.writePump(conn, frames, local, done)
	defer close(done)

	for {
		var cf clientFrame
		if err := conn.ReadJSON(&cf); err != nil {
			return
		}
		switch cf.Type {
		case "request":
			req := session.Request{
				RequestID: cf.RequestID,
				Text:      cf.Text,
				Docs:      cf.Docs,
				Provider:  cf.Provider,
			}
			if err := s.sessions.Submit(r.Context(), sess, req); err != nil {
				sendLocal(local, errorFrame(cf.RequestID, err))
			}
		case "interrupt_reply":
			if err := s.sessions.Reply(r.Context(), sess, cf.RequestID, cf.Text); err != nil {
				sendLocal(local, errorFrame(cf.RequestID, err))
			}
		case "cancel":
			s.sessions.Cancel(sess, cf.RequestID)
		case "ping":
			s.sessions.Heartbeat(r.Context(), sess)
			sendLocal(local, session.Frame{Event: session.EventPong})
		default:
			sendLocal(local, errorFrame(cf.RequestID, errors.New("unknown frame type")))
		}
	}
}

// writePump serializes all socket writes: session frames, locally generated
// frames, and keepalive pings.
func (s *Server) writePump(conn *websocket.Conn, frames <-chan session.Frame, local <-chan session.Frame, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case f := <-frames:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		case f := <-local:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func sendLocal(local chan<- session.Frame, f session.Frame) {
	select {
	case local <- f:
	default:
	}
}

func errorFrame(requestID string, err error) session.Frame {
	f := session.Frame{
		Event:     session.EventError,
		RequestID: requestID,
		Content:   err.Error(),
	}
	switch {
	case errors.Is(err, session.ErrBusy):
		f.ErrorType = "busy"
	case errors.Is(err, session.ErrNoRun), errors.Is(err, session.ErrNotPending):
		f.ErrorType = "no_pending_interrupt"
	default:
		f.ErrorType = "bad_request"
	}
	return f
}
