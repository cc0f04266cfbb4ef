package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaysync/internal/httpapi"
	"github.com/agentworkforce/relaysync/internal/namespaces"
	"github.com/agentworkforce/relaysync/internal/relaysync"
)

const relayRestartDelay = 2 * time.Second

func newServeCommand(root *rootOptions) *cobra.Command {
	var (
		addr    string
		profile string
		dsn     string
		redisTo string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync HTTP server",
		Long: `Run the sync server: /sync/push, /sync/pull, /sync/poke, the
/sync/stream and /sync/ws invalidation streams, /v1/admin/sync and /metrics.

Example:
  relaysync serve --addr :8080 --profile sqlite
  RELAYSYNC_PROGRESS_DSN=postgres://... relaysync serve --redis-addr redis:6379`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Addr = addr
			}
			if flags.Changed("profile") {
				cfg.BackendProfile = profile
			}
			if flags.Changed("progress-dsn") {
				cfg.ProgressDSN = dsn
			}
			if flags.Changed("redis-addr") {
				cfg.RedisAddr = redisTo
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&profile, "profile", "", "backend profile: memory, durable-local, sqlite or production")
	cmd.Flags().StringVar(&dsn, "progress-dsn", "", "progress store DSN; overrides the profile")
	cmd.Flags().StringVar(&redisTo, "redis-addr", "", "redis address for cross-instance invalidations")
	return cmd
}

func runServer(ctx context.Context, cfg Config) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	return serve(ctx, cfg, ln)
}

// serve runs the HTTP server, the redis relay and the retention janitor on
// ln until ctx ends or one of them fails.
func serve(ctx context.Context, cfg Config, ln net.Listener) error {
	syncer, cleanup, err := buildSyncer(cfg)
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer cleanup()

	handler := httpapi.NewServerWithConfig(syncer, httpapi.ServerConfig{
		JWTSecret:          cfg.JWTSecret,
		JWTAudience:        cfg.JWTAudience,
		RateLimitMax:       cfg.RateLimitMax,
		RateLimitWindow:    cfg.RateLimitWindow,
		MaxBodyBytes:       cfg.MaxBodyBytes,
		KeepAlive:          cfg.KeepAlive,
		StreamWriteTimeout: cfg.StreamWriteTimeout,
		AllowedOrigins:     cfg.AllowedOrigins,
	})
	// No WriteTimeout: streams hold responses open and set per-write
	// deadlines themselves.
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		glog.Infof("relaysync listening on %s (progress backend %s)", ln.Addr(), syncer.Store().Name())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		glog.Infof("relaysync shutting down")
		// Ending subscriptions first lets open streams return so Shutdown
		// does not wait on them.
		syncer.Broadcaster().Close()
		timeout := cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		runRelay(gctx, syncer)
		return nil
	})
	g.Go(func() error {
		return syncer.RunRetention(gctx)
	})
	return g.Wait()
}

func buildSyncer(cfg Config) (*relaysync.Syncer, func(), error) {
	dsn, err := cfg.progressDSN()
	if err != nil {
		return nil, nil, err
	}
	store, err := relaysync.BuildProgressStoreFromDSN(dsn)
	if err != nil {
		return nil, nil, err
	}
	registry := relaysync.NewRegistry()
	if _, err := namespaces.RegisterDefaults(registry, namespaces.KeyValueOptions{}); err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	var (
		relay       *relaysync.RedisRelay
		redisClient *redis.Client
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		relay = relaysync.NewRedisRelay(redisClient, cfg.RedisChannel)
	}
	syncer := relaysync.New(relaysync.Options{
		Store:    store,
		Registry: registry,
		Broadcaster: relaysync.NewBroadcaster(relaysync.BroadcasterOptions{
			Buffer:     cfg.SubscriberBuffer,
			MaxPerUser: cfg.MaxSubscribersPerUser,
		}),
		Relay:             relay,
		RetentionTTL:      cfg.RetentionTTL,
		RetentionInterval: cfg.RetentionInterval,
	})
	cleanup := func() {
		if err := syncer.Close(); err != nil {
			glog.Warningf("relaysync: closing progress store: %v", err)
		}
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}
	return syncer, cleanup, nil
}

// runRelay keeps the redis subscription alive, resubscribing after
// failures until ctx ends.
func runRelay(ctx context.Context, syncer *relaysync.Syncer) {
	for {
		err := syncer.RunRelay(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			if syncer.Status().RelayEnabled {
				err = errors.New("subscription ended")
			} else {
				return
			}
		}
		glog.Warningf("relaysync: relay stopped: %v; retrying in %s", err, relayRestartDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(relayRestartDelay):
		}
	}
}
