package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"chatcore/internal/events"
	"chatcore/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// clientFrame is the inbound wire shape: every client event carries a
// uniform {event, payload} envelope, matching the outbound Envelope.
type clientFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type clientConn struct {
	sess *session.Session
	conn *websocket.Conn
	deps Deps
}

func (c *clientConn) readPump() {
	defer c.disconnect()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		// A single bad frame never closes the session; handlers log and
		// move on so the write side keeps serving the rest of the room.
		c.dispatch(frame)
	}
}

func (c *clientConn) disconnect() {
	c.deps.Router.PurgeSession(c.sess)
	c.deps.Typing.Disconnect(c.sess.UserID)
	c.deps.Presence.Detach(context.Background(), c.sess.Handle)
	c.sess.Close()
	_ = c.conn.Close()
}

// rateLimited consults the per-user sliding-window limiter before a send is
// allowed to reach the Lifecycle Engine at all; a flooding client gets a
// message:error rather than silently starving other sessions' sends.
func (c *clientConn) rateLimited() bool {
	if c.deps.RateLimiter == nil {
		return false
	}
	result, err := c.deps.RateLimiter.AllowMessage(context.Background(), c.sess.UserID.String())
	if err != nil || result.Allowed {
		return false
	}
	_ = c.deps.Router.EmitToUser(c.sess.UserID, events.ServerMessageError, struct {
		Error string `json:"error"`
	}{Error: "rate limit exceeded"})
	return true
}

type conversationPayload struct {
	ConversationID string `json:"conversationId"`
}

type typingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type sendPayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	MessageType    string `json:"messageType"`
	ClientTempID   string `json:"clientTempId"`
}

type readPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

func (c *clientConn) dispatch(frame clientFrame) {
	ctx := context.Background()
	switch frame.Event {
	case events.ClientJoinConversation:
		var p conversationPayload
		if json.Unmarshal(frame.Payload, &p) == nil {
			_ = c.deps.Router.Join(ctx, c.sess, p.ConversationID)
		}
	case events.ClientLeaveConversation:
		var p conversationPayload
		if json.Unmarshal(frame.Payload, &p) == nil {
			c.deps.Router.Leave(c.sess, p.ConversationID)
		}
	case events.ClientMessageSend:
		var p sendPayload
		if json.Unmarshal(frame.Payload, &p) == nil {
			if c.rateLimited() {
				return
			}
			_ = c.deps.Engine.Send(ctx, c.sess, p.ConversationID, p.Content, p.MessageType, p.ClientTempID)
		}
	case events.ClientMessageTyping:
		var p typingPayload
		if json.Unmarshal(frame.Payload, &p) == nil {
			c.deps.Typing.Heartbeat(p.ConversationID, c.sess.UserID, c.sess.Username, p.IsTyping, c.sess.Handle)
		}
	case events.ClientTypingStart:
		var p conversationPayload
		if json.Unmarshal(frame.Payload, &p) == nil {
			c.deps.Typing.Heartbeat(p.ConversationID, c.sess.UserID, c.sess.Username, true, c.sess.Handle)
		}
	case events.ClientTypingStop:
		var p conversationPayload
		if json.Unmarshal(frame.Payload, &p) == nil {
			c.deps.Typing.Heartbeat(p.ConversationID, c.sess.UserID, c.sess.Username, false, c.sess.Handle)
		}
	case events.ClientMessageRead:
		var p readPayload
		if json.Unmarshal(frame.Payload, &p) == nil {
			_ = c.deps.Engine.Read(ctx, c.sess, p.ConversationID, p.MessageID)
		}
	case events.ClientConversationMarkAll:
		var p conversationPayload
		if json.Unmarshal(frame.Payload, &p) == nil {
			_ = c.deps.Engine.MarkAllRead(ctx, c.sess, p.ConversationID)
		}
	}
}

// writePump owns the connection's write side exclusively, so a slow
// consumer only stalls its own queue, never another session's delivery.
func (c *clientConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case frame, ok := <-c.sess.Send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
