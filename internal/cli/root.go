package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wattex/wattexd/internal/config"
)

var (
	// Global flags
	configFile string
	debug      bool
	verbose    bool
	quiet      bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "wattexd",
	Short: "wattexd - peer-to-peer energy trading exchange node",
	Long: `wattexd runs a peer-to-peer energy trading exchange node: it publishes
solar generation as tradeable blocks, walks buyers through the discover,
select, init and confirm flow, holds funds in escrow until the delivery
window has been verified against the grid oracle, and settles or refunds
accordingly. One binary serves both the buyer-side and provider-side
platform roles.`,
	Version: "0.1.0-dev",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "conf", "", "configuration file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable normally suppressed debug logging")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output to console after startup")
}

// loadConfig reads the configuration and builds the process logger from it.
// Every command goes through here so flags override the file the same way
// everywhere.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, newLogger(cfg), nil
}

// newLogger maps the log section and the global flags onto zerolog. Flags
// win over the file: --debug and --verbose lower the threshold, --quiet
// raises it.
func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	switch {
	case verbose:
		level = zerolog.TraceLevel
	case debug:
		level = zerolog.DebugLevel
	case quiet:
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	var out = os.Stderr
	logger := zerolog.New(out)
	if cfg.Log.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
