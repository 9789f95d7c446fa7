package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/robertodauria/netrace/pkg/netrace/results"
	"github.com/robertodauria/netrace/pkg/netrace/spec"
	"gotest.tools/v3/assert"
)

func validConfig() *ClientConfig {
	return New([]results.Target{{
		ID:          "local",
		DownloadURL: "http://localhost:8080/__down?bytes={size}",
		UploadURL:   "http://localhost:8080/__up",
	}})
}

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()
	assert.Equal(t, len(cfg.Download.Stages), 3)
	assert.Equal(t, cfg.TotalDownloadDuration(), 15*time.Second)
	assert.Equal(t, cfg.InFlight, spec.InFlightComplete)
	assert.Equal(t, cfg.History.Limit, 20)

	// No targets: static discovery cannot work.
	err := cfg.Validate()
	assert.Assert(t, errors.Is(err, ErrInvalidConfig))

	assert.NilError(t, validConfig().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *ClientConfig)
	}{
		{"weights do not sum to one", func(c *ClientConfig) { c.Download.Stages[0].Weight = 0.2 }},
		{"negative weight", func(c *ClientConfig) {
			c.Download.Stages[0].Weight = -0.1
			c.Download.Stages[1].Weight = 0.8
		}},
		{"no stages", func(c *ClientConfig) { c.Download.Stages = nil }},
		{"zero workers", func(c *ClientConfig) { c.Download.Stages[1].Workers = 0 }},
		{"zero duration", func(c *ClientConfig) { c.Download.Stages[2].Duration = 0 }},
		{"zero upload workers", func(c *ClientConfig) { c.Upload.Workers = 0 }},
		{"transfer too large", func(c *ClientConfig) { c.Download.TransferSize = spec.MaxTransferSize + 1 }},
		{"no request timeout", func(c *ClientConfig) { c.Upload.RequestTimeout = 0 }},
		{"floor above ceiling", func(c *ClientConfig) { c.Speed.FloorMbps = 20000 }},
		{"zero calibration", func(c *ClientConfig) { c.Speed.UploadCalibration = 0 }},
		{"unknown policy", func(c *ClientConfig) { c.InFlight = "linger" }},
		{"unknown protocol", func(c *ClientConfig) { c.Transport.Protocol = "quic" }},
		{"unknown dial protocol", func(c *ClientConfig) { c.Transport.DialProtocol = "udp" }},
		{"unknown discovery", func(c *ClientConfig) { c.Discovery.Mode = "dns" }},
		{"locate without service", func(c *ClientConfig) {
			c.Discovery.Mode = DiscoveryLocate
			c.Discovery.Locate.Service = ""
		}},
		{"target scheme does not match protocol", func(c *ClientConfig) {
			c.Transport.Protocol = ProtocolWebSocket
		}},
		{"locate keys do not match protocol", func(c *ClientConfig) {
			c.Discovery.Mode = DiscoveryLocate
		}},
		{"progress bounds", func(c *ClientConfig) { c.Progress.PingEnd = 80 }},
		{"ping timeout", func(c *ClientConfig) { c.Ping.Timeout = 0 }},
		{"history limit", func(c *ClientConfig) { c.History.Limit = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.Assert(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestValidate_WeightTolerance(t *testing.T) {
	cfg := validConfig()
	cfg.Download.Stages[0].Weight = 0.1 + 1e-7
	assert.NilError(t, cfg.Validate())
}

func TestValidate_Schemes(t *testing.T) {
	// The default locate keys name WebSocket URLs.
	cfg := validConfig()
	cfg.Discovery.Mode = DiscoveryLocate
	cfg.Transport.Protocol = ProtocolWebSocket
	assert.NilError(t, cfg.Validate())

	cfg.Discovery.Locate.UploadKey = "https:///netrace/v1/upload"
	assert.Assert(t, errors.Is(cfg.Validate(), ErrInvalidConfig))

	// Targets without an upload URL are only checked for download.
	cfg = validConfig()
	cfg.Discovery.Targets[0].UploadURL = ""
	assert.NilError(t, cfg.Validate())
	cfg.Discovery.Targets[0].DownloadURL = "wss://localhost/netrace/v1/download?bytes={size}"
	assert.Assert(t, errors.Is(cfg.Validate(), ErrInvalidConfig))
}

func TestProtocolForScheme(t *testing.T) {
	tests := []struct {
		scheme string
		want   Protocol
		ok     bool
	}{
		{"http", ProtocolHTTP, true},
		{"https", ProtocolHTTP, true},
		{"ws", ProtocolWebSocket, true},
		{"wss", ProtocolWebSocket, true},
		{"ftp", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ProtocolForScheme(tt.scheme)
		assert.Equal(t, got, tt.want, tt.scheme)
		assert.Equal(t, ok, tt.ok, tt.scheme)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "netrace.yaml")
	data := `
transport:
  protocol: websocket
discovery:
  targets:
    - id: local
      download_url: ws://localhost:8080/netrace/v1/download?bytes={size}
      upload_url: ws://localhost:8080/netrace/v1/upload
download:
  stages:
    - name: only
      workers: 2
      duration: 1500ms
      weight: 1
upload:
  duration: 2s
speed:
  download_calibration: 1.2
in_flight: abort
`
	assert.NilError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	assert.NilError(t, err)
	assert.NilError(t, cfg.Validate())
	assert.Equal(t, cfg.Transport.Protocol, ProtocolWebSocket)
	assert.Equal(t, len(cfg.Discovery.Targets), 1)
	assert.Equal(t, cfg.Discovery.Targets[0].ID, "local")
	assert.Equal(t, len(cfg.Download.Stages), 1)
	assert.Equal(t, cfg.Download.Stages[0].Duration, 1500*time.Millisecond)
	assert.Equal(t, cfg.Upload.Duration, 2*time.Second)
	assert.Equal(t, cfg.Speed.DownloadCalibration, 1.2)
	assert.Equal(t, cfg.InFlight, spec.InFlightAbort)
	// Values missing from the file keep their defaults.
	assert.Equal(t, cfg.Upload.Workers, DefaultUploadWorkers)
	assert.Equal(t, cfg.Speed.UploadCalibration, DefaultCalibration)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "cannot read config file")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	assert.NilError(t, os.WriteFile(path, []byte("download: [unclosed"), 0644))
	_, err = Load(path)
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestLoad_DefaultFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	assert.NilError(t, err)
	assert.NilError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	assert.NilError(t, err)
	assert.DeepEqual(t, cfg, NewDefault())

	assert.NilError(t, os.WriteFile(DefaultConfigFile, []byte("backoff: 1s\n"), 0644))
	cfg, err = Load("")
	assert.NilError(t, err)
	assert.Equal(t, cfg.Backoff, time.Second)
}
