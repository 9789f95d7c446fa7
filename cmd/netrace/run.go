package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/m-lab/go/warnonerror"
	"github.com/pkg/errors"
	"github.com/robertodauria/netrace/client"
	"github.com/robertodauria/netrace/client/config"
	"github.com/robertodauria/netrace/client/emitter"
	"github.com/robertodauria/netrace/internal/discovery"
	"github.com/robertodauria/netrace/internal/history"
	"github.com/robertodauria/netrace/internal/persistence"
	"github.com/robertodauria/netrace/internal/tracex"
	"github.com/robertodauria/netrace/pkg/netrace/results"
	"github.com/robertodauria/netrace/pkg/netrace/spec"
	"github.com/robertodauria/netrace/pkg/netrace/transport"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const emitterBuffer = 64

var (
	flagServers   []string
	flagProtocol  string
	flagIP4       bool
	flagIP6       bool
	flagLocate    bool
	flagInFlight  string
	flagDataDir   string
	flagRedisAddr string
	flagJSON      bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a speed test",
	Long: `Runs a complete test: latency probe, staged download and upload.
Targets come from the config file, from --server or from the M-Lab Locate API.`,
	Example: `  # Test against a netrace server
  netrace run --server http://localhost:8080

  # Use WebSocket transfers over IPv6
  netrace run --server ws://[::1]:8080 --protocol websocket -6`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadRunConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return runTest(ctx, cfg, cmd.OutOrStdout())
	},
}

func init() {
	runCmd.Flags().StringSliceVarP(&flagServers, "server", "s", nil,
		"Base URL of a netrace server (repeatable)")
	runCmd.Flags().StringVar(&flagProtocol, "protocol", "", "Transfer protocol: http or websocket")
	runCmd.Flags().BoolVarP(&flagIP4, "ip4", "4", false, "Ensure measurements over IPv4")
	runCmd.Flags().BoolVarP(&flagIP6, "ip6", "6", false, "Ensure measurements over IPv6")
	runCmd.Flags().BoolVar(&flagLocate, "locate", false, "Find targets with the M-Lab Locate API")
	runCmd.Flags().StringVar(&flagInFlight, "in-flight", "",
		"What to do with transfers running at the deadline: complete or abort")
	runCmd.Flags().StringVar(&flagDataDir, "datadir", "", "Write every result as JSON under this directory")
	runCmd.Flags().StringVar(&flagRedisAddr, "redis-addr", "", "Keep the latest results in this Redis server")
	runCmd.Flags().BoolVar(&flagJSON, "json", false, "Print the result as JSON")
}

// loadRunConfig reads the config file and applies the command line
// overrides.
func loadRunConfig(cmd *cobra.Command) (*config.ClientConfig, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagProtocol != "" {
		cfg.Transport.Protocol = config.Protocol(flagProtocol)
	}
	switch {
	case flagIP4 && flagIP6:
		return nil, errors.New("--ip4 and --ip6 are mutually exclusive")
	case flagIP4:
		cfg.Transport.DialProtocol = "tcp4"
	case flagIP6:
		cfg.Transport.DialProtocol = "tcp6"
	}
	if len(flagServers) > 0 {
		cfg.Discovery.Mode = config.DiscoveryStatic
		cfg.Discovery.Targets = nil
		for i, s := range flagServers {
			t, err := serverTarget(fmt.Sprintf("server-%d", i), s, cfg.Transport.Protocol)
			if err != nil {
				return nil, err
			}
			cfg.Discovery.Targets = append(cfg.Discovery.Targets, t)
		}
	}
	if flagLocate {
		cfg.Discovery.Mode = config.DiscoveryLocate
	}
	// Locate returns URLs for the scheme named by its keys.
	if cfg.Discovery.Mode == config.DiscoveryLocate && flagProtocol == "" {
		if u, err := url.Parse(cfg.Discovery.Locate.DownloadKey); err == nil {
			if p, ok := config.ProtocolForScheme(u.Scheme); ok {
				cfg.Transport.Protocol = p
			}
		}
	}
	if flagInFlight != "" {
		cfg.InFlight = spec.InFlightPolicy(flagInFlight)
	}
	if cmd.Flags().Changed("datadir") {
		cfg.History.DataDir = flagDataDir
	}
	if cmd.Flags().Changed("redis-addr") {
		cfg.History.RedisAddr = flagRedisAddr
	}
	return cfg, cfg.Validate()
}

// serverTarget builds the target for a netrace server reachable at base.
func serverTarget(id, base string, protocol config.Protocol) (results.Target, error) {
	u, err := url.Parse(strings.TrimSuffix(base, "/"))
	if err != nil || u.Host == "" {
		return results.Target{}, errors.Errorf("invalid server URL %q", base)
	}
	t := results.Target{ID: id, Name: u.Host}
	sized := "?bytes=" + spec.SizePlaceholder
	if protocol == config.ProtocolWebSocket {
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		}
		t.DownloadURL = u.String() + spec.WSDownloadPath + sized
		t.UploadURL = u.String() + spec.WSUploadPath
		return t, nil
	}
	t.DownloadURL = u.String() + spec.DownloadPath + sized
	t.UploadURL = u.String() + spec.UploadPath
	t.PingURL = u.String() + spec.PingPath
	return t, nil
}

func newTransport(cfg *config.ClientConfig) (transport.Transport, error) {
	if cfg.Transport.Protocol == config.ProtocolWebSocket {
		return transport.NewWebSocket(), nil
	}
	return transport.NewHTTP(transport.HTTPOptions{
		Protocol:    cfg.Transport.DialProtocol,
		DialTimeout: cfg.Transport.DialTimeout,
		ProxyURL:    cfg.Transport.ProxyURL,
	})
}

func newDiscoverer(cfg *config.ClientConfig) (discovery.Discoverer, error) {
	if cfg.Discovery.Mode == config.DiscoveryLocate {
		l := cfg.Discovery.Locate
		return discovery.NewLocate(l.UserAgent, discovery.LocateConfig{
			Service:     l.Service,
			BaseURL:     l.BaseURL,
			DownloadKey: l.DownloadKey,
			UploadKey:   l.UploadKey,
			PingKey:     l.PingKey,
		})
	}
	return discovery.NewStatic(cfg.Discovery.Targets), nil
}

// newEmitter returns the emitter chain for cfg and a function releasing it.
func newEmitter(cfg *config.ClientConfig) (*emitter.Async, func()) {
	chain := emitter.Multi{&emitter.LogEmitter{}}
	closers := []io.Closer{}
	if cfg.History.DataDir != "" {
		chain = append(chain, emitter.NewArchive(persistence.NewWriter(cfg.History.DataDir)))
	}
	if cfg.History.RedisAddr != "" {
		store := history.New(cfg.History.RedisAddr, cfg.History.Limit)
		closers = append(closers, store)
		chain = append(chain, emitter.NewArchive(store))
	}
	e := emitter.NewAsync(chain, emitterBuffer)
	return e, func() {
		e.Close()
		for _, c := range closers {
			warnonerror.Close(c, "cannot close history store")
		}
	}
}

func runTest(ctx context.Context, cfg *config.ClientConfig, out io.Writer) error {
	shutdown, err := tracex.Setup(ctx, flagOTLP, "netrace-client")
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			zap.L().Sugar().Warnw("Failed to flush traces", "error", err)
		}
	}()

	tr, err := newTransport(cfg)
	if err != nil {
		return err
	}
	d, err := newDiscoverer(cfg)
	if err != nil {
		return err
	}
	e, release := newEmitter(cfg)
	defer release()

	c, err := client.New(cfg, tr, d, e)
	if err != nil {
		return err
	}
	res, err := c.Run(ctx)
	if err != nil {
		return err
	}
	return printResult(out, res, flagJSON)
}

func printResult(out io.Writer, r *results.SpeedTestResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	fmt.Fprintf(out, "ID: %s\n", r.ID)
	fmt.Fprintf(out, "At: %s\n", r.Timestamp.Format(time.RFC1123Z))
	if r.Location != nil {
		fmt.Fprintf(out, "Location: %s, %s (%s %s)\n",
			r.Location.City, r.Location.Country, r.Location.IP, r.Location.ISP)
	}
	fmt.Fprintf(out, "Ping: %.3f ms\n", r.PingMs)
	fmt.Fprintf(out, "Download: %.3f Mbps\n", r.DownloadMbps)
	fmt.Fprintf(out, "Upload: %.3f Mbps\n", r.UploadMbps)
	for _, p := range r.Phases {
		fmt.Fprintf(out, "  %s: %d workers, %.3f MiB in %.2fs, %.3f Mbps\n",
			p.Name, p.Workers, float64(p.TotalBytes)/1024/1024, p.DurationSeconds, p.Mbps)
	}
	return nil
}
