package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shizukutanaka/dbaccel/internal/api"
	"github.com/shizukutanaka/dbaccel/internal/database"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of a running dbaccel",
	Long: `Query the admin API of a running dbaccel and print pool health,
latency percentiles and cache effectiveness.

Examples:
  dbaccel status
  dbaccel status --addr http://10.0.0.5:8081 --format json
  dbaccel status --watch --interval 2s`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().String("addr", "http://127.0.0.1:8081", "Admin API base URL")
	statusCmd.Flags().StringP("format", "f", "table", "Output format (table, json, yaml)")
	statusCmd.Flags().BoolP("watch", "w", false, "Refresh until interrupted")
	statusCmd.Flags().Duration("interval", 5*time.Second, "Refresh interval for --watch")
}

// statusReport gathers the admin API documents printed by status.
type statusReport struct {
	Health       api.HealthReport       `json:"health" yaml:"health"`
	Pools        []database.PoolStatus  `json:"pools" yaml:"pools"`
	Optimization api.OptimizationReport `json:"optimization" yaml:"optimization"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	format, _ := cmd.Flags().GetString("format")
	watch, _ := cmd.Flags().GetBool("watch")
	interval, _ := cmd.Flags().GetDuration("interval")

	switch format {
	case "table", "json", "yaml":
	default:
		return fmt.Errorf("unknown format %q", format)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	base := strings.TrimRight(addr, "/")
	out := cmd.OutOrStdout()

	for {
		report, err := fetchStatus(client, base)
		if err != nil {
			return err
		}
		if watch && format == "table" {
			fmt.Fprint(out, "\033[H\033[2J")
		}
		if err := printStatus(out, format, report); err != nil {
			return err
		}
		if !watch {
			return nil
		}
		select {
		case <-cmd.Context().Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func fetchStatus(client *http.Client, base string) (*statusReport, error) {
	var report statusReport
	// /health answers 503 when a primary pool is down; the body is still a report
	if err := getJSON(client, base+"/health", &report.Health, http.StatusOK, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	if err := getJSON(client, base+"/pools", &report.Pools, http.StatusOK); err != nil {
		return nil, err
	}
	if err := getJSON(client, base+"/metrics/optimization", &report.Optimization, http.StatusOK); err != nil {
		return nil, err
	}
	return &report, nil
}

func getJSON(client *http.Client, url string, data any, accept ...int) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to admin API: %w", err)
	}
	defer resp.Body.Close()

	ok := false
	for _, code := range accept {
		ok = ok || resp.StatusCode == code
	}

	var envelope struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode %s: %w", url, err)
	}
	if !ok {
		return fmt.Errorf("%s: %s: %s", url, resp.Status, envelope.Error)
	}
	if err := json.Unmarshal(envelope.Data, data); err != nil {
		return fmt.Errorf("failed to decode %s: %w", url, err)
	}
	return nil
}

func printStatus(out io.Writer, format string, r *statusReport) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(out)
		defer enc.Close()
		return enc.Encode(r)
	}

	state := "HEALTHY"
	if !r.Health.Healthy {
		state = "DEGRADED"
	}
	snap := r.Optimization.Snapshot
	fmt.Fprintf(out, "dbaccel %s (up %s)\n\n", state, r.Health.Uptime)

	fmt.Fprintln(out, "Queries")
	fmt.Fprintf(out, "  Total:      %s (%s errors)\n", humanize.Comma(int64(snap.TotalQueries)), humanize.Comma(int64(snap.TotalErrors)))
	fmt.Fprintf(out, "  Latency:    avg %s  p50 %s  p95 %s  p99 %s\n", snap.AvgLatency, snap.P50Latency, snap.P95Latency, snap.P99Latency)
	fmt.Fprintf(out, "  Cache hits: %s (%.1f%%)\n", humanize.Comma(int64(snap.CacheHits)), snap.CacheHitRate*100)
	fmt.Fprintf(out, "  Slow:       %d of %d fingerprints\n", snap.SlowFingerprints, snap.Fingerprints)
	if c := r.Optimization.Cache; c != nil {
		fmt.Fprintf(out, "  Cache size: %s entries\n", humanize.Comma(int64(c.Entries)))
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POOL\tCLASS\tHEALTHY\tACTIVE\tIDLE\tMAX\tEFFICIENCY\tACQUIRE\tEXHAUSTED")
	pools := append([]database.PoolStatus(nil), r.Pools...)
	sort.Slice(pools, func(i, j int) bool { return pools[i].Name < pools[j].Name })
	for _, p := range pools {
		fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%d\t%d\t%.0f%%\t%s\t%s\n",
			p.Name, p.ClassName, p.Healthy, p.Active, p.Idle, p.Max,
			p.Efficiency*100, p.AvgAcquire, humanize.Comma(int64(p.Exhausted)))
	}
	return w.Flush()
}
