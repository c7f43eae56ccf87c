package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jigsawhub/puzzle-hub/config"
	"github.com/jigsawhub/puzzle-hub/domains/puzzle"
	"github.com/jigsawhub/puzzle-hub/infrastructure/database"
	"github.com/jigsawhub/puzzle-hub/infrastructure/valkey"
	"github.com/jigsawhub/puzzle-hub/pkg/idgen"
	"github.com/jigsawhub/puzzle-hub/ui/middleware"
	wsgateway "github.com/jigsawhub/puzzle-hub/ui/websocket"
	"github.com/jigsawhub/puzzle-hub/usecase"
)

const (
	idleSweepInterval = 10 * time.Second
	lockAuditInterval = 5 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the puzzle-hub collaboration backplane",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg := config.Global
	if cfg == nil {
		cfg = config.Default()
	}
	cfg.App.ServerID = idgen.PersistentReplicaID(cfg.App.ServerID, ".")
	logrus.Infof("[STARTUP] replica id %s starting", cfg.App.ServerID)

	vkClient, err := valkey.NewClient(valkey.Config{
		Address:   cfg.KV.Endpoint,
		Password:  cfg.KV.Password,
		DB:        cfg.KV.DB,
		KeyPrefix: "puzzlehub",
	})
	if err != nil {
		logrus.Fatalf("[STARTUP] failed to connect to K/V store: %v", err)
	}
	defer vkClient.Close()
	kvStore := valkey.NewStore(vkClient)

	db, err := database.NewDatabase(&cfg.Database)
	if err != nil {
		logrus.Fatalf("[STARTUP] failed to connect to database: %v", err)
	}

	pieceStore := database.NewPieceStore(db, cfg.Router.PositionTolerance, cfg.Router.RotationToleranceD)
	if err := pieceStore.InitSchema(); err != nil {
		logrus.Fatalf("[STARTUP] failed to migrate piece-store schema: %v", err)
	}
	sessionDirectory := database.NewSessionDirectory(db)
	if err := sessionDirectory.InitSchema(); err != nil {
		logrus.Fatalf("[STARTUP] failed to migrate session-directory schema: %v", err)
	}
	chatRepo := database.NewChatRepository(db)
	if err := chatRepo.InitSchema(); err != nil {
		logrus.Fatalf("[STARTUP] failed to migrate chat-repository schema: %v", err)
	}

	registry := usecase.NewRegistry(numShards(), kvStore, cfg.App.ServerID)
	locks := usecase.NewLockCoordinator(kvStore, pieceStore, cfg.Lock.TTL)

	// gateway is constructed after backplane because backplane's deliver
	// callback needs to call gateway.Send, and router needs both; the
	// pointer is filled in once, before any connection can reach it.
	var gateway *wsgateway.Gateway

	backplane := usecase.NewBackplane(kvStore, registry, cfg.Backplane.ChannelPrefix, cfg.App.ServerID,
		func(conns []*puzzle.Connection, env puzzle.Envelope) {
			for _, c := range conns {
				gateway.Send(c.ID, env.Kind, env.Payload)
			}
		})

	var router *usecase.Router
	gateway = wsgateway.NewGateway(nil, cfg.Router.IdleTimeout, cfg.Router.KeepaliveInterval, cfg.Router.OpDeadline)
	router = usecase.NewRouter(registry, locks, pieceStore, chatRepo, sessionDirectory, backplane, gateway,
		cfg.Router.OpDeadline, cfg.Cursor.Window)
	gateway.SetRouter(router)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(middleware.Recovery())
	app.Use(cors.New())
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	app.Get("/healthz", func(c *fiber.Ctx) error { return c.SendStatus(http.StatusOK) })
	app.Get("/readyz", func(c *fiber.Ctx) error {
		if err := vkClient.Ping(c.Context()); err != nil {
			return c.SendStatus(http.StatusServiceUnavailable)
		}
		return c.SendStatus(http.StatusOK)
	})
	gateway.RegisterRoutes(app)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logrus.Infof("[STARTUP] listening on :%s", cfg.App.Port)
		if err := app.Listen(":" + cfg.App.Port); err != nil {
			return err
		}
		return nil
	})

	g.Go(func() error {
		auditor := usecase.NewLockAuditor(kvStore, pieceStore, registry, lockAuditInterval, router)
		auditor.Run(gctx)
		return nil
	})

	g.Go(func() error {
		runIdleSweeper(gctx, registry, router, cfg.Router.IdleTimeout)
		return nil
	})

	<-gctx.Done()
	logrus.Info("[SHUTDOWN] signal received, draining")
	router.BeginShutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Router.ShutdownGrace)
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = app.ShutdownWithContext(shutdownCtx)
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
	}

	return g.Wait()
}

func runIdleSweeper(ctx context.Context, registry *usecase.Registry, router *usecase.Router, idleTimeout time.Duration) {
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, connID := range registry.Sweep(idleTimeout) {
				logrus.Debugf("[REGISTRY] evicting idle connection %s", connID)
				router.Disconnect(connID)
			}
		}
	}
}

// numShards sizes the registry's shard count at worker-count x 4, using
// GOMAXPROCS as the stand-in for "number of worker threads" since this
// process has no explicit worker pool of its own.
func numShards() int {
	n := runtime.GOMAXPROCS(0) * 4
	if n < 8 {
		n = 8
	}
	return n
}
