package main

import (
	"fmt"
	"io"
	"time"

	"github.com/m-lab/go/warnonerror"
	"github.com/pkg/errors"
	"github.com/robertodauria/netrace/client/config"
	"github.com/robertodauria/netrace/internal/history"
	"github.com/robertodauria/netrace/internal/stats"
	"github.com/robertodauria/netrace/pkg/netrace/results"
	"github.com/spf13/cobra"
)

var flagHistoryRedis string

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the latest results kept in Redis",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return err
		}
		addr := cfg.History.RedisAddr
		if flagHistoryRedis != "" {
			addr = flagHistoryRedis
		}
		if addr == "" {
			return errors.New("no Redis address configured")
		}
		store := history.New(addr, cfg.History.Limit)
		defer warnonerror.Close(store, "cannot close history store")

		list, err := store.List(cmd.Context())
		if err != nil {
			return errors.Wrap(err, "cannot read history")
		}
		printHistory(cmd.OutOrStdout(), list)
		return nil
	},
}

func init() {
	historyCmd.Flags().StringVar(&flagHistoryRedis, "redis-addr", "", "Redis server address")
}

func formatDeciles(deciles []float64) string {
	numStrs := []string{}
	for _, decile := range deciles {
		numStrs = append(numStrs, fmt.Sprintf("%.3f", decile))
	}
	return fmt.Sprintf("%v", numStrs)
}

func printSummary(out io.Writer, label, unit string, s *stats.Stats) {
	fmt.Fprintf(out, "%s-mean: %.3f %s\n", label, s.Mean, unit)
	fmt.Fprintf(out, "%s-stderr: %.3f %s\n", label, s.StdErr, unit)
	fmt.Fprintf(out, "%s-min: %.3f %s\n", label, s.Min, unit)
	fmt.Fprintf(out, "%s-max: %.3f %s\n", label, s.Max, unit)
	fmt.Fprintf(out, "%s-deciles: %s %s\n", label, formatDeciles(s.Deciles), unit)
}

// printHistory prints one line per result, newest first, then a summary.
func printHistory(out io.Writer, list []*results.SpeedTestResult) {
	if len(list) == 0 {
		fmt.Fprintln(out, "No results.")
		return
	}
	ping, down, up := []float64{}, []float64{}, []float64{}
	for _, r := range list {
		fmt.Fprintf(out, "%s  %s  ping %.3f ms  down %.3f Mbps  up %.3f Mbps\n",
			r.Timestamp.Format(time.RFC3339), r.ID, r.PingMs, r.DownloadMbps, r.UploadMbps)
		ping = append(ping, r.PingMs)
		down = append(down, r.DownloadMbps)
		up = append(up, r.UploadMbps)
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "n: %d\n", len(list))
	printSummary(out, "Ping", "ms", stats.Compute(ping))
	printSummary(out, "Downlink", "Mbps", stats.Compute(down))
	printSummary(out, "Uplink", "Mbps", stats.Compute(up))
}
