// Package server wires the gin HTTP/WebSocket gateway: the ambient
// component that fronts the Identity Gate, Room Router, Typing Tracker,
// and Message Lifecycle Engine, grounded on the gin.New()+gin.Recovery()
// setup and graceful-shutdown discipline used throughout the stack.
package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"chatcore/config"
	"chatcore/internal/hub"
	"chatcore/internal/identity"
	"chatcore/internal/lifecycle"
	"chatcore/internal/middleware"
	"chatcore/internal/presence"
	goredisinternal "chatcore/internal/redis"
	"chatcore/internal/store"
	"chatcore/internal/typing"
	"chatcore/pkg/database"
	"chatcore/pkg/logger"
)

var (
	ReleaseMode = "release"
	DebugMode   = "debug"
)

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	config     *config.Config
	logger     *logger.Logger
}

// Deps bundles every core component the gateway routes requests into.
type Deps struct {
	Store       store.Store
	Verifier    identity.Verifier
	Presence    *presence.Registry
	Router      *hub.Router
	Typing      *typing.Tracker
	Engine      *lifecycle.Engine
	RateLimiter *goredisinternal.RateLimiter
}

func New(cfg *config.Config, l *logger.Logger) *Server {
	if cfg.AppMode == ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	return &Server{engine: engine, config: cfg, logger: l}
}

func (s *Server) SetupRoutes(deps Deps) {
	s.engine.Use(
		middleware.RequestIDMiddleware(),
		middleware.CORSMiddleware(),
		middleware.LoggingMiddleware(s.logger),
		middleware.ErrorHandler(s.logger),
	)

	s.engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	s.engine.GET("/health", func(c *gin.Context) {
		if err := database.HealthCheck(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	RegisterConversationRoutes(s.engine, deps.Store, deps.Verifier)
	RegisterPresenceRoutes(s.engine, deps.Presence, deps.Verifier)

	wsHandler := NewWebSocketHandler(deps)
	s.engine.GET("/ws", wsHandler.Handle)
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    ":" + s.config.AppPort,
		Handler: s.engine,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("server error: %s", err.Error())
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
