// Command server is the composition root: it wires the KV Adapter,
// Broadcast Fabric, and Persistence Gateway into the Room Engine, builds
// the Connection Manager and Lobby Notifier on top, and serves the two
// websocket endpoints (spec §6, §9 "model as explicit dependencies passed
// into the engine at construction").
//
// The reference repo never checked in a main.go; this wiring is grounded
// on the shape server/routes.go implies (a Server struct holding its
// collaborators) plus the reference's own bootstrap ordering: dial
// storage, then build the HTTP layer on top.
package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/scythe504/doodleroom/internal/bus"
	"github.com/scythe504/doodleroom/internal/config"
	"github.com/scythe504/doodleroom/internal/conn"
	"github.com/scythe504/doodleroom/internal/engine"
	"github.com/scythe504/doodleroom/internal/kv"
	"github.com/scythe504/doodleroom/internal/lobby"
	"github.com/scythe504/doodleroom/internal/server"
	"github.com/scythe504/doodleroom/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	kvAdapter, err := kv.Dial(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("[main] redis dial failed: %v", err)
	}
	defer kvAdapter.Close()

	gateway, err := store.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("[main] postgres connect failed: %v", err)
	}
	defer gateway.Close()

	channel := uuid.NewString()
	fab := bus.New(busClient(kvAdapter), channel)

	eng := engine.New(kvAdapter, fab, gateway, cfg)
	lobbyNotifier := lobby.New(fab, gateway, cfg)
	eng.SetLobbyNotifier(func() {
		rebroadcastCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		lobbyNotifier.Rebroadcast(rebroadcastCtx)
	})

	connHandler := &conn.Handler{
		Auth:        conn.CookieAuthenticator{},
		Store:       gateway,
		Engine:      eng,
		Cfg:         cfg,
		OnRoomEvent: eng.LobbyNotify,
	}

	srv := server.New(connHandler, lobbyNotifier)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.RegisterRoutes(),
	}

	go func() {
		log.Printf("[main] listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[main] serve failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("[main] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] shutdown error: %v", err)
	}
}

// busClient exposes the kv Adapter's underlying redis.Client for the
// Broadcast Fabric's pub/sub, keeping a single connection pool for both
// concerns (spec §9 "model as explicit dependencies").
func busClient(a *kv.Adapter) *redis.Client {
	return a.Client()
}
