// Command lobbytap subscribes to the lobby's NATS event mirror and logs every
// event it sees.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/whisper/lobby/internal/config"
	"github.com/whisper/lobby/internal/logging"
	"github.com/whisper/lobby/internal/messaging"
	"github.com/whisper/lobby/internal/protocol"
)

var (
	envFiles []string
	natsURL  string
	types    []string
)

var rootCmd = &cobra.Command{
	Use:           "lobbytap",
	Short:         "Log lobby events mirrored on NATS",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(envFiles...)
		if err != nil {
			return err
		}
		if natsURL != "" {
			cfg.NATSURL = natsURL
		}
		if cfg.NATSURL == "" {
			return errors.New("NATS_URL or --nats-url is required")
		}
		log, err := logging.New(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return tap(ctx, log, cfg)
	},
}

func init() {
	rootCmd.Flags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files to load before the environment")
	rootCmd.Flags().StringVar(&natsURL, "nats-url", "", "override NATS_URL")
	rootCmd.Flags().StringSliceVar(&types, "type", nil, "only log these event types")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "lobbytap:", err)
		os.Exit(1)
	}
}

func tap(ctx context.Context, log *zap.Logger, cfg config.Config) error {
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "lobbytap"
	natsConfig.SubjectPrefix = cfg.NATSSubjectPrefix

	nc, err := messaging.NewNATSClient(log, natsConfig)
	if err != nil {
		return err
	}
	defer nc.Close()

	wanted := make(map[string]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	err = nc.SubscribeEvents(func(eventType string, data []byte) {
		if len(wanted) > 0 && !wanted[eventType] {
			return
		}
		if !json.Valid(data) {
			log.Warn("undecodable event", zap.String("type", eventType), zap.Int("bytes", len(data)))
			return
		}
		fields := []zap.Field{zap.String("type", eventType)}
		if eventType == protocol.TypePresenceEvent {
			var ev protocol.PresenceEventMsg
			if json.Unmarshal(data, &ev) == nil {
				fields = append(fields, zap.String("kind", ev.Kind), zap.String("name", ev.Name))
			}
		}
		log.Info("event", append(fields, zap.ByteString("data", data))...)
	})
	if err != nil {
		return err
	}

	log.Info("lobbytap running",
		zap.String("nats_url", natsConfig.URL),
		zap.String("subject", messaging.EventSubject(cfg.NATSSubjectPrefix, ">")))
	<-ctx.Done()
	log.Info("lobbytap stopping")
	return nil
}
