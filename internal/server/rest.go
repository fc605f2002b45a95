package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chatcore/internal/identity"
	"chatcore/internal/presence"
	"chatcore/internal/store"
	"chatcore/internal/transport/httpdto"
	sentinal_errors "chatcore/pkg/errors"
)

const principalContextKey = "principal"

// requireAuth resolves the bearer token the same way the WebSocket
// handshake does, so the REST companion and the core share one Identity
// Gate as required by §6.
func requireAuth(verifier identity.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		principal, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpdto.NewErrorResponse("authentication error", "UNAUTHORIZED"))
			return
		}
		c.Set(principalContextKey, principal)
		c.Next()
	}
}

func principalFrom(c *gin.Context) identity.Principal {
	v, _ := c.Get(principalContextKey)
	p, _ := v.(identity.Principal)
	return p
}

type createConversationRequest struct {
	ParticipantID string `json:"participantId" binding:"required"`
}

// RegisterConversationRoutes wires the bootstrap REST pair from §6. Both
// handlers route through the same Store Adapter the core uses.
func RegisterConversationRoutes(engine *gin.Engine, s store.Store, verifier identity.Verifier) {
	group := engine.Group("/conversations", requireAuth(verifier))

	group.POST("", func(c *gin.Context) {
		var req createConversationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("participantId is required", "INVALID_INPUT"))
			return
		}
		participantID, err := uuid.Parse(req.ParticipantID)
		if err != nil {
			c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid participantId", "INVALID_INPUT"))
			return
		}
		principal := principalFrom(c)

		conv, err := s.FindConversationByPair(c.Request.Context(), principal.UserID, participantID)
		if err != nil {
			conv, err = s.CreateConversation(c.Request.Context(), principal.UserID, participantID)
			if err != nil {
				c.JSON(http.StatusInternalServerError, httpdto.NewErrorResponse(err.Error(), "CREATE_FAILED"))
				return
			}
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(conv))
	})

	group.GET("/:id/messages", func(c *gin.Context) {
		convID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, httpdto.NewErrorResponse("invalid conversation id", "INVALID_INPUT"))
			return
		}
		principal := principalFrom(c)

		ok, err := s.IsParticipant(c.Request.Context(), convID, principal.UserID)
		if err != nil || !ok {
			c.JSON(http.StatusForbidden, httpdto.NewErrorResponse("not a participant", "FORBIDDEN"))
			return
		}

		messages, err := s.RecentMessages(c.Request.Context(), convID, 50)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, sentinal_errors.ErrNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, httpdto.NewErrorResponse(err.Error(), "FETCH_FAILED"))
			return
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(messages))
	})
}

// RegisterPresenceRoutes exposes the Redis mirror's cross-process online
// set, for deployments running more than one gateway instance behind the
// same Redis.
func RegisterPresenceRoutes(engine *gin.Engine, p *presence.Registry, verifier identity.Verifier) {
	group := engine.Group("/presence", requireAuth(verifier))

	group.GET("/online", func(c *gin.Context) {
		userIDs, err := p.OnlineUserIDs(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, httpdto.NewErrorResponse(err.Error(), "PRESENCE_FETCH_FAILED"))
			return
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"userIds": userIDs}))
	})
}
