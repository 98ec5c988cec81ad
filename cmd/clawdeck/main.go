// Command clawdeck runs the session orchestration server: REST plus
// WebSocket on one port, PTY-backed assistant sessions underneath.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clawdeck/clawdeck/internal/api"
	"github.com/clawdeck/clawdeck/internal/common/config"
	"github.com/clawdeck/clawdeck/internal/common/httpmw"
	"github.com/clawdeck/clawdeck/internal/common/logger"
	"github.com/clawdeck/clawdeck/internal/events"
	gateway "github.com/clawdeck/clawdeck/internal/gateway/websocket"
	"github.com/clawdeck/clawdeck/internal/registry"
	"github.com/clawdeck/clawdeck/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "clawdeck: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	defer busCleanup()

	if err := os.MkdirAll(cfg.Data.Root, 0o755); err != nil {
		return fmt.Errorf("create data root: %w", err)
	}
	store, err := registry.Open(filepath.Join(cfg.Data.Root, "registry.db"))
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer store.Close()

	orch := session.NewOrchestrator(cfg, eventBus, store, log)
	if err := orch.RestoreFromDatabase(ctx); err != nil {
		log.Warn("session restore failed", zap.Error(err))
	}

	hub := gateway.NewEventHub(eventBus, orch, log)
	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("start event hub: %w", err)
	}
	defer hub.Stop()

	router := newRouter(cfg, log, orch, hub)
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		orch.TerminateAll(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newRouter(cfg *config.Config, log *logger.Logger, orch *session.Orchestrator, hub *gateway.EventHub) *gin.Engine {
	if os.Getenv("CLAWDECK_ENV") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "clawdeck"))

	api.NewHandler(orch, log).Register(router)

	wsHandler := gateway.NewHandler(hub, log)
	router.GET("/", func(c *gin.Context) {
		// The root path doubles as the websocket upgrade endpoint.
		if c.GetHeader("Upgrade") == "websocket" {
			wsHandler.Handle(c)
			return
		}
		c.JSON(http.StatusOK, gin.H{"service": "clawdeck"})
	})
	return router
}
