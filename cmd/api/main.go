package main

import (
	"context"
	"log"
	"time"

	"chatcore/config"
	"chatcore/internal/events"
	"chatcore/internal/hub"
	"chatcore/internal/identity"
	"chatcore/internal/lifecycle"
	"chatcore/internal/presence"
	goredisinternal "chatcore/internal/redis"
	"chatcore/internal/server"
	"chatcore/internal/store"
	"chatcore/internal/typing"
	"chatcore/pkg/database"
	"chatcore/pkg/logger"
)

func main() {
	cfg := config.LoadConfig()

	l := logger.New(cfg.AppMode)
	logger.SetGlobalLogger(l)
	defer l.Logger.Sync()

	database.Connect(cfg)

	goredisinternal.Initialize(goredisinternal.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
	})
	redisClient := goredisinternal.GetClient()

	storeAdapter := store.NewPostgresStore(database.DB)
	verifier := identity.NewJWTVerifier(cfg.JWTSecret, storeAdapter)

	presenceRegistry := presence.NewRegistry(storeAdapter, nil, goredisinternal.NewPresenceMirror(redisClient, 5*time.Minute))
	stopMirrorSweep := presenceRegistry.StartMirrorSweep(time.Minute, 5*time.Minute)
	defer stopMirrorSweep()
	router := hub.NewRouter(storeAdapter, presenceRegistry)
	dispatcher := events.Dispatcher(hub.NewDispatcher(router))

	bridge := events.NewRedisBridge(redisClient, dispatcher, l)
	bridge.Listen(context.Background())
	dispatcher = bridge

	presenceRegistry.SetDispatcher(dispatcher)
	typingTracker := typing.NewTracker(dispatcher)
	engine := lifecycle.NewEngine(storeAdapter, dispatcher, presenceRegistry)
	rateLimiter := goredisinternal.NewRateLimiter(redisClient, goredisinternal.DefaultMessageRateLimitConfig())

	srv := server.New(cfg, l)
	srv.SetupRoutes(server.Deps{
		Store:       storeAdapter,
		Verifier:    verifier,
		Presence:    presenceRegistry,
		Router:      router,
		Typing:      typingTracker,
		Engine:      engine,
		RateLimiter: rateLimiter,
	})

	if err := srv.Start(); err != nil {
		log.Fatalf("server exited with error: %v", err)
	}
}
