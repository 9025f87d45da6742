// Command lobbyload runs load scenarios against a lobby server:
//
//	lobbyload saturate   open N idle connections and hold them
//	lobbyload chat       join N participants and chat, measuring broadcast latency
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisper/lobby/internal/loadtest"
)

var (
	ramp           loadtest.RampConfig
	metricsURL     string
	scrapeInterval time.Duration

	hold time.Duration

	chatDuration time.Duration
	msgInterval  time.Duration
	msgSize      int
)

var rootCmd = &cobra.Command{
	Use:          "lobbyload",
	Short:        "Load test a lobby server",
	SilenceUsage: true,
}

var saturateCmd = &cobra.Command{
	Use:   "saturate",
	Short: "Open many idle connections and hold them",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		out := cmd.OutOrStdout()

		collector, stopScrape := newCollector(ctx)
		fmt.Fprintf(out, "Saturate: %d connections to %s (ramp=%s, hold=%s)\n",
			ramp.Connections, ramp.URL, ramp.RampUp, hold)
		dropped := loadtest.Saturate(ctx, loadtest.SaturateConfig{RampConfig: ramp, Hold: hold}, collector, out)
		stopScrape()

		if dropped > 0 {
			fmt.Fprintf(out, "Connections dropped during hold: %d\n", dropped)
		}
		collector.Report(out)
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Join participants and chat, measuring broadcast latency",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		out := cmd.OutOrStdout()

		collector, stopScrape := newCollector(ctx)
		fmt.Fprintf(out, "Chat: %d participants on %s (duration=%s, interval=%s, size=%d)\n",
			ramp.Connections, ramp.URL, chatDuration, msgInterval, msgSize)
		loadtest.Chat(ctx, loadtest.ChatConfig{
			RampConfig:      ramp,
			Duration:        chatDuration,
			MessageInterval: msgInterval,
			MessageSize:     msgSize,
		}, collector, out)
		stopScrape()

		collector.Report(out)
		return nil
	},
}

func newCollector(ctx context.Context) (*loadtest.Collector, func()) {
	collector := loadtest.NewCollector()
	if metricsURL == "" {
		return collector, func() {}
	}
	scraper := loadtest.NewScraper(metricsURL, scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)
	return collector, scraper.Stop
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&ramp.URL, "url", "ws://localhost:8080/ws", "WebSocket server URL")
	pf.IntVar(&ramp.Connections, "connections", 1000, "number of connections to open")
	pf.DurationVar(&ramp.RampUp, "ramp", 10*time.Second, "ramp-up duration")
	pf.IntVar(&ramp.Concurrency, "concurrency", 50, "maximum simultaneous dials during ramp-up")
	pf.StringVar(&metricsURL, "metrics-url", "http://localhost:8080/metrics", "Prometheus endpoint to scrape; empty disables")
	pf.DurationVar(&scrapeInterval, "scrape-interval", 2*time.Second, "interval between metrics scrapes")

	saturateCmd.Flags().DurationVar(&hold, "hold", 30*time.Second, "how long to hold connections open")

	chatCmd.Flags().DurationVar(&chatDuration, "duration", 30*time.Second, "how long participants chat")
	chatCmd.Flags().DurationVar(&msgInterval, "msg-interval", 2*time.Second, "interval between messages per participant")
	chatCmd.Flags().IntVar(&msgSize, "msg-size", 128, "message size in bytes")

	rootCmd.AddCommand(saturateCmd, chatCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
