package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatcore/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const sendBufferSize = 64

type WebSocketHandler struct {
	deps Deps
}

func NewWebSocketHandler(deps Deps) *WebSocketHandler {
	return &WebSocketHandler{deps: deps}
}

func extractToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	return strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
}

// Handle implements the connection handshake of §6: on rejection the
// connection is never upgraded, and the client only ever sees an opaque
// transport-level disconnect.
func (h *WebSocketHandler) Handle(c *gin.Context) {
	token := extractToken(c)
	principal, err := h.deps.Verifier.Verify(c.Request.Context(), token)
	if err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	sess := session.New(uuid.New().String(), principal.UserID, principal.Username, sendBufferSize)
	h.deps.Presence.Attach(c.Request.Context(), sess)

	client := &clientConn{sess: sess, conn: conn, deps: h.deps}
	go client.writePump()
	go h.deps.Engine.OnConnect(c.Request.Context(), principal.UserID)
	go client.readPump()
}
