package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var listenShowFastlane bool

var listenCmd = &cobra.Command{
	Use:   "listen TOPIC [TOPIC...]",
	Short: "Subscribe to topics and print incoming messages",
	Long: `Subscribe to one or more topics and print every message delivered to this
node until interrupted.

If METRICS_ADDR is set, a Prometheus endpoint is served on it at /metrics.

Examples:
  # Listen on a single topic
  pubsubctl listen events

  # Listen on several topics, showing fastlane hints
  pubsubctl listen room:1 room:2 --fastlane`,
	Args: cobra.MinimumNArgs(1),
	RunE: runListen,
}

func init() {
	listenCmd.Flags().BoolVar(&listenShowFastlane, "fastlane", false, "Print the fastlane hint of each message if present")
	rootCmd.AddCommand(listenCmd)
}

func runListen(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ps, err := startNode(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer func() { _ = ps.Close() }()

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	green.Printf("✓ node %s listening on %d topic(s)\n", ps.Node(), len(args))

	g, gctx := errgroup.WithContext(ctx)

	for _, topic := range args {
		sub, err := ps.Subscribe(topic)
		if err != nil {
			return fmt.Errorf("subscribe %q: %w", topic, err)
		}
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case msg, ok := <-sub.C:
					if !ok {
						return nil
					}
					cyan.Printf("[%s] ", msg.Topic)
					fmt.Printf("%s\n", msg.Payload)
					if listenShowFastlane && len(msg.Fastlane) > 0 {
						fmt.Printf("  fastlane: %s\n", msg.Fastlane)
					}
				}
			}
		})
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

		g.Go(func() error {
			log.Info("metrics endpoint listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// A supervision failure ends the listen session like a signal would.
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-ps.Done():
			return err
		}
	})

	return g.Wait()
}
