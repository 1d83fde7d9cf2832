package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shizukutanaka/dbaccel/internal/database"
	"github.com/shizukutanaka/dbaccel/internal/engine"
	"github.com/shizukutanaka/dbaccel/internal/optimization"
	"github.com/spf13/cobra"
)

// queryCmd represents the query command
var queryCmd = &cobra.Command{
	Use:   "query <statement> [args...]",
	Short: "Run one statement through the access layer",
	Long: `Run one statement through the access layer and print the result.
The statement is classified, routed, bounded and optimized exactly as it
would be for an embedding application.

Examples:
  dbaccel query "SELECT id, name FROM items WHERE id > ?" 10
  dbaccel query --primary --json "SELECT count(*) FROM items"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().Bool("primary", false, "Force the primary pool")
	queryCmd.Flags().String("kind", "", "Override classification (select, insert, update, delete, aggregate)")
	queryCmd.Flags().Duration("timeout", 0, "Statement timeout (0 uses the configured default)")
	queryCmd.Flags().Bool("json", false, "Print the result as JSON")
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// stdout carries the result
	if cfg.Logging.OutputPath == "stdout" {
		cfg.Logging.OutputPath = "stderr"
	}
	if !verbose {
		cfg.Logging.Level = "warn"
	}
	logs, err := newLogging(cfg.Logging)
	if err != nil {
		return err
	}
	defer logs.Close()

	ecfg := cfg.Engine()
	ecfg.Metrics.Enabled = false

	var opts []engine.QueryOption
	if force, _ := cmd.Flags().GetBool("primary"); force {
		opts = append(opts, engine.WithForcePrimary())
	}
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		opts = append(opts, engine.WithTimeout(timeout))
	}
	if k, _ := cmd.Flags().GetString("kind"); k != "" {
		kind, err := optimization.ParseQueryKind(k)
		if err != nil {
			return err
		}
		opts = append(opts, engine.WithKind(kind))
	}

	layer, err := engine.New(logs.Logger(), ecfg)
	if err != nil {
		return fmt.Errorf("failed to create access layer: %w", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := layer.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ecfg.ShutdownGrace+5*time.Second)
		defer cancel()
		_ = layer.Shutdown(shutdownCtx)
	}()

	params := make([]any, 0, len(args)-1)
	for _, a := range args[1:] {
		params = append(params, a)
	}

	res, err := layer.ExecuteQuery(ctx, args[0], params, opts...)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	return printResult(cmd.OutOrStdout(), res)
}

func printResult(out io.Writer, res *database.Result) error {
	if len(res.Columns) > 0 {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, strings.Join(res.Columns, "\t"))
		for _, row := range res.Rows {
			cells := make([]string, len(row))
			for i, v := range row {
				cells[i] = formatValue(v)
			}
			fmt.Fprintln(w, strings.Join(cells, "\t"))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintln(out)
	}

	noun := "rows affected"
	if len(res.Columns) > 0 {
		noun = "rows"
	}
	fmt.Fprintf(out, "%s %s, pool %s, %s", humanize.Comma(res.RowsAffected), noun, res.Pool, res.Duration.Round(time.Microsecond))
	if res.Cached {
		fmt.Fprint(out, " (cached)")
	}
	fmt.Fprintln(out)
	return nil
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}
