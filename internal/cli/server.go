package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wattex/wattexd/internal/di"
	"github.com/wattex/wattexd/internal/metrics"
)

var serverAddr string

// serverCmd represents the server command (default action)
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the exchange daemon",
	Long: `Run the wattexd daemon, which serves:
- the HTTP trade API and the raw protocol callback endpoint
- the WebSocket event feed (when enabled)
- the delivery verifier sweeping past-window orders
- the escrow reconciler expiring lapsed holds
- the agent runtime (when enabled)

This is the default command when no subcommand is specified.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	// Set server as the default command
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return serverCmd.RunE(cmd, args)
	}

	serverCmd.Flags().StringVar(&serverAddr, "addr", "", "listen address, overrides the config file")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if serverAddr != "" {
		cfg.Server.Addr = serverAddr
	}

	if !quiet {
		fmt.Println("Starting wattexd - peer-to-peer energy exchange")
		fmt.Printf("  config:    %s\n", configPathOrDefaults(cfg.Path()))
		fmt.Printf("  api:       http://%s/\n", cfg.Server.Addr)
		fmt.Printf("  database:  %s\n", cfg.Database.Driver)
		fmt.Printf("  kv:        %s\n", cfg.KV.Backend)
		if cfg.Metrics.Enabled {
			fmt.Printf("  metrics:   http://%s/metrics\n", cfg.Metrics.Addr)
		}
		fmt.Println()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider := di.NewProvider(di.New(), cfg, logger)
	provider.RegisterAll()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := provider.Close(closeCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown cleanup failed")
		}
	}()

	httpSrv, err := provider.HTTPServer()
	if err != nil {
		return err
	}
	ver, err := provider.Verifier()
	if err != nil {
		return err
	}
	esc, err := provider.Escrow()
	if err != nil {
		return err
	}
	agents, err := provider.Agents()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Run(gctx) })
	g.Go(func() error { return ver.Run(gctx) })
	g.Go(func() error { return esc.RunReconciler(gctx, time.Minute) })
	if agents != nil {
		g.Go(func() error { return agents.Run(gctx) })
	}
	if cfg.Metrics.Enabled {
		ms := metrics.NewServer(cfg.Metrics.Addr, logger)
		g.Go(func() error { return ms.Start() })
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return ms.Stop(stopCtx)
		})
	}

	logger.Info().Str("addr", cfg.Server.Addr).Msg("node started")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if !quiet {
		fmt.Println("wattexd stopped")
	}
	return nil
}

func configPathOrDefaults(path string) string {
	if path == "" {
		return "(built-in defaults)"
	}
	return path
}
