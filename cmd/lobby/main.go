// Command lobby runs the presence-and-broadcast chat server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/whisper/lobby/internal/config"
	"github.com/whisper/lobby/internal/gateway"
	"github.com/whisper/lobby/internal/logging"
	"github.com/whisper/lobby/internal/messaging"
	"github.com/whisper/lobby/internal/moderation"
	"github.com/whisper/lobby/internal/presence"
	"github.com/whisper/lobby/internal/ratelimit"
	"github.com/whisper/lobby/internal/ws"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 10 * time.Second

var (
	envFiles []string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:           "lobby",
	Short:         "Run the lobby WebSocket server",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFiles...)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		log, err := logging.New(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, log, cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files to load before the environment")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "lobby:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *zap.Logger, cfg config.Config) error {
	var mirror presence.Mirror
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = cfg.ServerName
		natsConfig.SubjectPrefix = cfg.NATSSubjectPrefix
		nc, err := messaging.NewNATSClient(log, natsConfig)
		if err != nil {
			return err
		}
		defer nc.Close()
		mirror = nc
	}

	var limiter gateway.RateLimiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			// The limiter fails open, so an unreachable Redis only costs limiting.
			log.Warn("redis unreachable, rate limiting will fail open",
				zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		limiter = ratelimit.NewLimiter(log, rdb)
	}

	var filter gateway.ContentFilter
	if cfg.ModerationEnabled {
		f := moderation.NewFilter(cfg.ModerationBlocklist)
		log.Info("moderation enabled", zap.Int("blocklist_terms", f.Terms()))
		filter = f
	}

	coord := presence.NewCoordinator(log, presence.Options{
		HistoryCapacity: cfg.HistoryCapacity,
		TypingIdle:      cfg.TypingIdle,
		OutboxSize:      cfg.OutboxSize,
		RecentLimit:     cfg.RecentLimit,
		Mirror:          mirror,
	})
	gw := gateway.New(log, coord, gateway.Options{
		Limiter: limiter,
		Rule:    ratelimit.ChatSendRule(cfg.RateLimitMessages, cfg.RateLimitWindow),
		Filter:  filter,
	})
	server := ws.NewServer(log, ws.ServerConfig{
		Name:              cfg.ServerName,
		ListenAddr:        cfg.ListenAddr,
		WorkerPoolSize:    cfg.WorkerPoolSize,
		MaxConnections:    cfg.MaxConnections,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
	}, gw.Dispatch)
	gw.Attach(server)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}

	log.Info("lobby starting",
		zap.String("version", version),
		zap.String("server", cfg.ServerName),
		zap.String("listen_addr", ln.Addr().String()),
		zap.Int("worker_pool", cfg.WorkerPoolSize),
		zap.Int("max_connections", cfg.MaxConnections),
		zap.Int("history_capacity", cfg.HistoryCapacity),
		zap.Duration("typing_idle", cfg.TypingIdle),
		zap.Bool("rate_limit", limiter != nil),
		zap.Bool("nats_mirror", mirror != nil),
	)

	// The coordinator outlives the server so that the disconnects issued
	// during shutdown are still applied.
	coordCtx, stopCoord := context.WithCancel(context.Background())
	defer stopCoord()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(coordCtx)
	})
	g.Go(func() error {
		return server.Serve(ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := server.Shutdown(sctx)
		stopCoord()
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("lobby stopped")
	return nil
}
