package commands

import (
	"fmt"
	"os"

	"github.com/shizukutanaka/dbaccel/internal/config"
	"github.com/shizukutanaka/dbaccel/internal/logging"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X .../commands.Version=...".
var Version = "0.1.0"

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "dbaccel",
	Short: "Database access optimization layer",
	Long: `dbaccel sits between an application and its SQL datastores. It routes
statements to the primary, read replicas or an analytics node, bounds
unbounded reads, caches read results and reports per-statement latency.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (defaults and DBACCEL_* env when empty)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

// loadConfig reads the config file named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// newLogging builds the logger factory, honoring --verbose.
func newLogging(cfg logging.Config) (*logging.LoggerFactory, error) {
	if verbose {
		cfg.Level = "debug"
	}
	factory, err := logging.NewLoggerFactory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return factory, nil
}
