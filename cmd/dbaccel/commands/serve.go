package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shizukutanaka/dbaccel/internal/api"
	"github.com/shizukutanaka/dbaccel/internal/config"
	"github.com/shizukutanaka/dbaccel/internal/engine"
	"github.com/shizukutanaka/dbaccel/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the access layer with its admin server",
	Long: `Run the access layer: pools, health probes, result cache, query monitor
and the admin HTTP server. The config file is watched; the slow query
threshold and log level are applied without a restart.

Examples:
  # Run with defaults (embedded sqlite under ./data)
  dbaccel serve

  # Run with a config file
  dbaccel serve --config dbaccel.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("no-watch", false, "Do not reload the config file on change")
}

func runServe(cmd *cobra.Command, args []string) error {
	noWatch, _ := cmd.Flags().GetBool("no-watch")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logs, err := newLogging(cfg.Logging)
	if err != nil {
		return err
	}
	defer logs.Close()
	logger := logs.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	layer, err := engine.New(logger, cfg.Engine())
	if err != nil {
		return fmt.Errorf("failed to create access layer: %w", err)
	}
	if err := layer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start access layer: %w", err)
	}

	server, err := startAdmin(ctx, cfg, logs, layer)
	if err != nil {
		_ = layer.Shutdown(context.Background())
		return err
	}

	if cfgFile != "" && !noWatch {
		manager, err := config.NewManager(logger, cfgFile)
		if err != nil {
			if server != nil {
				_ = server.Shutdown(context.Background())
			}
			_ = layer.Shutdown(context.Background())
			return err
		}
		manager.OnChange(func(old, cur *config.Config) {
			if cur.Monitor.SlowQueryThreshold != old.Monitor.SlowQueryThreshold {
				layer.SetSlowQueryThreshold(cur.Monitor.SlowQueryThreshold)
			}
			if err := logs.SetLevel(cur.Logging.Level); err != nil {
				logger.Warn("Ignoring log level from config", zap.Error(err))
			}
		})
		if err := manager.StartWatcher(); err != nil {
			logger.Warn("Config watcher unavailable", zap.Error(err))
		}
		defer manager.StopWatcher()
	}

	logger.Info("dbaccel started",
		zap.String("version", Version),
		zap.String("primary_driver", cfg.Topology.Primary.Driver),
		zap.Int("replicas", len(cfg.Topology.Replicas)),
		zap.Bool("analytics", cfg.Topology.Analytics.Configured()),
		zap.String("admin", cfg.Server.ListenAddr),
		zap.String("cache_entries", humanize.Comma(int64(cfg.Cache.MaxEntries))),
	)

	<-ctx.Done()
	logger.Info("Received shutdown signal, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer cancel()

	var errs []error
	if server != nil {
		errs = append(errs, server.Shutdown(shutdownCtx))
	}
	errs = append(errs, layer.Shutdown(shutdownCtx))
	if err := errors.Join(errs...); err != nil {
		logger.Error("Shutdown finished with errors", zap.Error(err))
		return err
	}
	logger.Info("dbaccel stopped")
	return nil
}

// startAdmin starts the admin server when it is enabled. A nil server and
// nil error mean it is disabled.
func startAdmin(ctx context.Context, cfg *config.Config, logs *logging.LoggerFactory, layer *engine.Layer) (*api.Server, error) {
	if !cfg.Server.Enabled {
		return nil, nil
	}
	var metrics http.Handler
	if exp := layer.Exporter(); exp != nil {
		metrics = exp.Handler()
	}
	server, err := api.NewServer(cfg.Server, logs.GetLogger("api"), layer, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create admin server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start admin server: %w", err)
	}
	return server, nil
}
