package main

import (
	"fmt"
	"os"

	"github.com/m-lab/go/prometheusx"
	"github.com/robertodauria/netrace/client/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagConfig      string
	flagDebug       bool
	flagMetricsAddr string
	flagOTLP        string

	rootCmd = &cobra.Command{
		Use:   "netrace",
		Short: "Concurrent bandwidth and latency measurement",
		Long: `netrace estimates latency, download and upload speed by running
concurrent transfers against one or more targets in timed phases.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "",
		fmt.Sprintf("config file (default is ./%s)", config.DefaultConfigFile))
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flagMetricsAddr, "metrics-addr", "",
		"Serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().StringVar(&flagOTLP, "otlp-endpoint", "",
		"Export traces to this OTLP gRPC collector")

	rootCmd.AddCommand(runCmd, serveCmd, historyCmd)
}

// setup installs the global logger and starts the metrics server.
func setup() error {
	var (
		logger *zap.Logger
		err    error
	)
	if flagDebug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(logger)

	if flagMetricsAddr != "" {
		*prometheusx.ListenAddress = flagMetricsAddr
		srv := prometheusx.MustServeMetrics()
		zap.L().Sugar().Infow("Serving metrics", "addr", srv.Addr)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
