package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/dooapps/tisane-relay/internal/client"
	"github.com/dooapps/tisane-relay/internal/config"
	"github.com/dooapps/tisane-relay/internal/feed"
	"github.com/dooapps/tisane-relay/internal/handler"
	"github.com/dooapps/tisane-relay/internal/ingest"
	"github.com/dooapps/tisane-relay/internal/repository"
	"github.com/dooapps/tisane-relay/internal/telemetry"
	"github.com/dooapps/tisane-relay/internal/worker"
)

const serviceName = "tisane-relay"

func main() {
	root := &cobra.Command{
		Use:  "relay [command]",
		Long: "Signed-event relay: append-only log with peer replication",
	}

	root.AddCommand(
		newServeCommand(),
		newAddPeerCommand(),
		newListPeersCommand(),
		newRemovePeerCommand(),
		newSetPeerHealthCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relay HTTP server and replication worker",
		Run: func(cmd *cobra.Command, _ []string) {
			serve()
		},
	}
}

func serve() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("configuration error", zap.Error(err))
	}

	// ── OpenTelemetry ──────────────────────────────────────────────────────
	tracingEnabled := cfg.OTELEndpoint != ""
	if tracingEnabled {
		tp, err := telemetry.InitTracer(context.Background(), serviceName, cfg.OTELEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
			tracingEnabled = false
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", cfg.OTELEndpoint))
		}
	}

	// ── Database ───────────────────────────────────────────────────────────
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to parse DATABASE_URL", zap.Error(err))
	}
	if tracingEnabled {
		poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := repository.Migrate(context.Background(), pool); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}
	logger.Info("connected to database, schema current")

	eventStore := repository.NewEventStore(pool)
	peerStore := repository.NewPeerStore(pool)

	// ── Ingest feed (optional) ─────────────────────────────────────────────
	var ingestFeed ingest.Feed
	if cfg.NATSURL != "" {
		feedClient, err := feed.NewClient(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer feedClient.Close()
		if err := feedClient.ProvisionStreams(); err != nil {
			logger.Fatal("failed to provision NATS streams", zap.Error(err))
		}
		ingestFeed = feedClient
	}

	pipeline := ingest.NewPipeline(eventStore, ingestFeed, logger)

	// ── Replication worker (graceful shutdown via context) ─────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	replicator := worker.NewReplicator(
		eventStore,
		peerStore,
		client.NewPeerClient(cfg.RelayID),
		cfg.ReplicationInterval,
		logger,
	)
	go replicator.Run(workerCtx)

	// ── HTTP server ────────────────────────────────────────────────────────
	e := echo.New()
	e.HideBanner = true
	if tracingEnabled {
		e.Use(otelecho.Middleware(serviceName))
	}
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	handler.RegisterRoutes(e, &handler.Relay{
		Ingest:  pipeline,
		Events:  eventStore,
		Peers:   peerStore,
		RelayID: cfg.RelayID,
		Logger:  logger,
	})

	go func() {
		logger.Info("relay HTTP server listening",
			zap.String("port", cfg.Port),
			zap.String("relay_id", cfg.RelayID.String()),
		)
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	workerCancel() // stop the replication worker

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}
	logger.Info("relay shut down cleanly")
}

// withPeerStore loads config, opens a short-lived pool, and hands a PeerStore
// to the operator command body.
func withPeerStore(fn func(ctx context.Context, peers *repository.PeerStore) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	if err := repository.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	return fn(ctx, repository.NewPeerStore(pool))
}

func newAddPeerCommand() *cobra.Command {
	var url, secret, health string

	cmd := &cobra.Command{
		Use:   "add-peer",
		Short: "Register a peer relay for replication",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withPeerStore(func(ctx context.Context, peers *repository.PeerStore) error {
				peer, err := peers.Create(ctx, url, secret, health)
				if err != nil {
					return err
				}
				fmt.Printf("peer %s registered (url=%s health=%s)\n", peer.PeerID, peer.URL, peer.Health)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&url, "url", "", "base URL of the peer relay")
	cmd.Flags().StringVar(&secret, "secret", "", "shared secret presented in X-Peer-Token")
	cmd.Flags().StringVar(&health, "health", repository.PeerUnknown, "initial health state")
	cmd.MarkFlagRequired("url")
	cmd.MarkFlagRequired("secret")
	return cmd
}

func newListPeersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list-peers",
		Short: "List registered peers and their replication cursors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withPeerStore(func(ctx context.Context, peers *repository.PeerStore) error {
				all, err := peers.List(ctx)
				if err != nil {
					return err
				}
				if len(all) == 0 {
					fmt.Println("no peers registered")
					return nil
				}
				for _, p := range all {
					fmt.Printf("%s  %-40s  %-8s  cursor=(%s, %s)\n",
						p.PeerID, p.URL, p.Health,
						p.LastCursorTime.Format(time.RFC3339), p.LastCursorID,
					)
				}
				return nil
			})
		},
	}
}

func newRemovePeerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-peer <peer-id>",
		Short: "Remove a peer from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			peerID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid peer id %q: %w", args[0], err)
			}
			return withPeerStore(func(ctx context.Context, peers *repository.PeerStore) error {
				if err := peers.Delete(ctx, peerID); err != nil {
					return err
				}
				fmt.Printf("peer %s removed\n", peerID)
				return nil
			})
		},
	}
}

func newSetPeerHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set-peer-health <peer-id> <healthy|unknown|disabled>",
		Short: "Set a peer's health state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			peerID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid peer id %q: %w", args[0], err)
			}
			health := args[1]
			switch health {
			case repository.PeerHealthy, repository.PeerUnknown, repository.PeerDisabled:
			default:
				return fmt.Errorf("invalid health state %q", health)
			}
			return withPeerStore(func(ctx context.Context, peers *repository.PeerStore) error {
				if err := peers.SetHealth(ctx, peerID, health); err != nil {
					return err
				}
				fmt.Printf("peer %s health set to %s\n", peerID, health)
				return nil
			})
		},
	}
}
