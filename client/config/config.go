// Package config holds the client configuration: defaults, YAML loading and
// validation.
package config

import (
	"math"
	"net/url"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/robertodauria/netrace/pkg/netrace/results"
	"github.com/robertodauria/netrace/pkg/netrace/spec"
	"gopkg.in/yaml.v3"
)

// Protocol selects the transport used for transfers and probes.
type Protocol string

const (
	ProtocolHTTP      Protocol = "http"
	ProtocolWebSocket Protocol = "websocket"
)

// Allows reports whether p can reach URLs with the given scheme.
func (p Protocol) Allows(scheme string) bool {
	switch p {
	case ProtocolHTTP:
		return scheme == "http" || scheme == "https"
	case ProtocolWebSocket:
		return scheme == "ws" || scheme == "wss"
	}
	return false
}

// ProtocolForScheme returns the protocol that reaches URLs with scheme.
func ProtocolForScheme(scheme string) (Protocol, bool) {
	for _, p := range []Protocol{ProtocolHTTP, ProtocolWebSocket} {
		if p.Allows(scheme) {
			return p, true
		}
	}
	return "", false
}

// DiscoveryMode selects where targets come from.
type DiscoveryMode string

const (
	DiscoveryStatic DiscoveryMode = "static"
	DiscoveryLocate DiscoveryMode = "locate"
)

const (
	DefaultProtocol     = ProtocolHTTP
	DefaultDialProtocol = "tcp"
	DefaultDialTimeout  = 10 * time.Second

	DefaultPingTimeout    = 1500 * time.Millisecond
	DefaultPingMaxTargets = 5
	DefaultPingRTT        = 30 * time.Millisecond

	DefaultStagePause             = 200 * time.Millisecond
	DefaultDownloadTransferSize   = 1 << 20
	DefaultDownloadRequestTimeout = 5 * time.Second

	DefaultUploadWorkers        = 6
	DefaultUploadDuration       = 8 * time.Second
	DefaultUploadTransferSize   = 512 << 10
	DefaultUploadRequestTimeout = 4 * time.Second

	DefaultBackoff        = 200 * time.Millisecond
	DefaultInFlightPolicy = spec.InFlightComplete
	DefaultFloorMbps      = 0.01
	DefaultCeilingMbps    = 10000
	DefaultCalibration    = 1.0

	DefaultProgressPingEnd     = 10
	DefaultProgressDownloadEnd = 70
	DefaultHistoryLimit        = 20

	DefaultLocateService     = "netrace/v1"
	DefaultLocateUserAgent   = "netrace"
	DefaultLocateDownloadKey = "wss:///netrace/v1/download"
	DefaultLocateUploadKey   = "wss:///netrace/v1/upload"

	// DefaultConfigFile is read from the working directory when no path is
	// given to Load.
	DefaultConfigFile = "netrace.yaml"

	weightTolerance = 1e-6
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Stage is one download sub-phase.
type Stage struct {
	Name     string        `yaml:"name"`
	Workers  int           `yaml:"workers"`
	Duration time.Duration `yaml:"duration"`
	// Weight is the share of this stage in the final download speed.
	Weight float64 `yaml:"weight"`
}

// TransportConfig configures the transport collaborator.
type TransportConfig struct {
	Protocol Protocol `yaml:"protocol"`
	// DialProtocol is "tcp", "tcp4" or "tcp6".
	DialProtocol string        `yaml:"dial_protocol"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	// ProxyURL is an optional relay every request goes through.
	ProxyURL string `yaml:"proxy_url"`
}

// LocateConfig configures discovery through the M-Lab Locate API.
type LocateConfig struct {
	Service     string `yaml:"service"`
	BaseURL     string `yaml:"base_url"`
	UserAgent   string `yaml:"user_agent"`
	DownloadKey string `yaml:"download_key"`
	UploadKey   string `yaml:"upload_key"`
	PingKey     string `yaml:"ping_key"`
}

// DiscoveryConfig configures where targets come from.
type DiscoveryConfig struct {
	Mode    DiscoveryMode    `yaml:"mode"`
	Targets []results.Target `yaml:"targets"`
	Locate  LocateConfig     `yaml:"locate"`
}

// PingConfig configures the latency prober.
type PingConfig struct {
	Timeout    time.Duration   `yaml:"timeout"`
	MaxTargets int             `yaml:"max_targets"`
	Fallback   *results.Target `yaml:"fallback"`
	// Default is used when every probe fails.
	Default time.Duration `yaml:"default"`
	// Hint, if positive, replaces Default.
	Hint time.Duration `yaml:"hint"`
}

// DownloadConfig configures the staged download phase.
type DownloadConfig struct {
	Stages         []Stage       `yaml:"stages"`
	StagePause     time.Duration `yaml:"stage_pause"`
	TransferSize   int64         `yaml:"transfer_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// UploadConfig configures the upload phase.
type UploadConfig struct {
	Workers        int           `yaml:"workers"`
	Duration       time.Duration `yaml:"duration"`
	TransferSize   int64         `yaml:"transfer_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// SpeedConfig bounds and calibrates computed speeds.
type SpeedConfig struct {
	FloorMbps   float64 `yaml:"floor_mbps"`
	CeilingMbps float64 `yaml:"ceiling_mbps"`
	// DownloadCalibration and UploadCalibration multiply the raw speeds.
	DownloadCalibration float64 `yaml:"download_calibration"`
	UploadCalibration   float64 `yaml:"upload_calibration"`
}

// ProgressConfig splits the [0, 100] progress range across phases.
type ProgressConfig struct {
	PingEnd     float64 `yaml:"ping_end"`
	DownloadEnd float64 `yaml:"download_end"`
}

// HistoryConfig configures result archival.
type HistoryConfig struct {
	// DataDir, if set, receives a JSON file per result.
	DataDir string `yaml:"data_dir"`
	// RedisAddr, if set, keeps the latest results in Redis.
	RedisAddr string `yaml:"redis_addr"`
	Limit     int    `yaml:"limit"`
}

// ClientConfig is the complete client configuration.
type ClientConfig struct {
	Transport TransportConfig     `yaml:"transport"`
	Discovery DiscoveryConfig     `yaml:"discovery"`
	Ping      PingConfig          `yaml:"ping"`
	Download  DownloadConfig      `yaml:"download"`
	Upload    UploadConfig        `yaml:"upload"`
	Speed     SpeedConfig         `yaml:"speed"`
	Backoff   time.Duration       `yaml:"backoff"`
	InFlight  spec.InFlightPolicy `yaml:"in_flight"`
	Progress  ProgressConfig      `yaml:"progress"`
	History   HistoryConfig       `yaml:"history"`
}

// DefaultStages returns the warmup, measurement and final download stages.
func DefaultStages() []Stage {
	return []Stage{
		{Name: "warmup", Workers: 4, Duration: 3 * time.Second, Weight: 0.1},
		{Name: "measurement", Workers: 12, Duration: 8 * time.Second, Weight: 0.6},
		{Name: "final", Workers: 16, Duration: 4 * time.Second, Weight: 0.3},
	}
}

// New returns a configuration with the given targets and default values
// everywhere else.
func New(targets []results.Target) *ClientConfig {
	return &ClientConfig{
		Transport: TransportConfig{
			Protocol:     DefaultProtocol,
			DialProtocol: DefaultDialProtocol,
			DialTimeout:  DefaultDialTimeout,
		},
		Discovery: DiscoveryConfig{
			Mode:    DiscoveryStatic,
			Targets: targets,
			Locate: LocateConfig{
				Service:     DefaultLocateService,
				UserAgent:   DefaultLocateUserAgent,
				DownloadKey: DefaultLocateDownloadKey,
				UploadKey:   DefaultLocateUploadKey,
			},
		},
		Ping: PingConfig{
			Timeout:    DefaultPingTimeout,
			MaxTargets: DefaultPingMaxTargets,
			Default:    DefaultPingRTT,
		},
		Download: DownloadConfig{
			Stages:         DefaultStages(),
			StagePause:     DefaultStagePause,
			TransferSize:   DefaultDownloadTransferSize,
			RequestTimeout: DefaultDownloadRequestTimeout,
		},
		Upload: UploadConfig{
			Workers:        DefaultUploadWorkers,
			Duration:       DefaultUploadDuration,
			TransferSize:   DefaultUploadTransferSize,
			RequestTimeout: DefaultUploadRequestTimeout,
		},
		Speed: SpeedConfig{
			FloorMbps:           DefaultFloorMbps,
			CeilingMbps:         DefaultCeilingMbps,
			DownloadCalibration: DefaultCalibration,
			UploadCalibration:   DefaultCalibration,
		},
		Backoff:  DefaultBackoff,
		InFlight: DefaultInFlightPolicy,
		Progress: ProgressConfig{
			PingEnd:     DefaultProgressPingEnd,
			DownloadEnd: DefaultProgressDownloadEnd,
		},
		History: HistoryConfig{
			Limit: DefaultHistoryLimit,
		},
	}
}

// NewDefault returns the default configuration, with no targets.
func NewDefault() *ClientConfig {
	return New(nil)
}

// Load reads the configuration from path on top of the defaults. If path is
// empty, DefaultConfigFile is read from the working directory when present;
// otherwise the defaults are returned.
func Load(path string) (*ClientConfig, error) {
	cfg := NewDefault()

	var data []byte
	var err error
	if path != "" {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "cannot read config file")
		}
	} else {
		data, err = os.ReadFile(DefaultConfigFile)
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "cannot read config file")
		}
		path = DefaultConfigFile
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %s", path)
	}
	return cfg, nil
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidConfig, format, args...)
}

// TotalDownloadDuration returns the sum of the stage durations.
func (c *ClientConfig) TotalDownloadDuration() time.Duration {
	total := time.Duration(0)
	for _, s := range c.Download.Stages {
		total += s.Duration
	}
	return total
}

// Validate checks that every value is usable.
func (c *ClientConfig) Validate() error {
	switch c.Transport.Protocol {
	case ProtocolHTTP, ProtocolWebSocket:
	default:
		return invalid("unknown transport protocol %q", c.Transport.Protocol)
	}
	switch c.Transport.DialProtocol {
	case "tcp", "tcp4", "tcp6":
	default:
		return invalid("unknown dial protocol %q", c.Transport.DialProtocol)
	}

	switch c.Discovery.Mode {
	case DiscoveryStatic:
		if len(c.Discovery.Targets) == 0 {
			return invalid("static discovery needs at least one target")
		}
		for _, t := range c.Discovery.Targets {
			for _, d := range []spec.Direction{spec.DirectionDownload, spec.DirectionUpload} {
				if t.URLFor(d) == "" {
					continue
				}
				if scheme := t.Scheme(d); !c.Transport.Protocol.Allows(scheme) {
					return invalid("target %q: %s URL scheme %q does not match protocol %s",
						t.ID, d, scheme, c.Transport.Protocol)
				}
			}
		}
	case DiscoveryLocate:
		l := c.Discovery.Locate
		if l.Service == "" || l.DownloadKey == "" {
			return invalid("locate discovery needs a service and a download key")
		}
		for _, key := range []string{l.DownloadKey, l.UploadKey} {
			if key == "" {
				continue
			}
			if u, err := url.Parse(key); err != nil || !c.Transport.Protocol.Allows(u.Scheme) {
				return invalid("locate key %q does not match protocol %s", key, c.Transport.Protocol)
			}
		}
	default:
		return invalid("unknown discovery mode %q", c.Discovery.Mode)
	}

	if c.Ping.Timeout <= 0 || c.Ping.MaxTargets < 1 || c.Ping.Default <= 0 {
		return invalid("ping timeout, max targets and default must be positive")
	}

	if len(c.Download.Stages) == 0 {
		return invalid("at least one download stage is required")
	}
	sum := 0.0
	for _, s := range c.Download.Stages {
		if s.Workers < 1 {
			return invalid("stage %q: workers must be at least 1", s.Name)
		}
		if s.Duration <= 0 {
			return invalid("stage %q: duration must be positive", s.Name)
		}
		if s.Weight < 0 {
			return invalid("stage %q: weight must not be negative", s.Name)
		}
		sum += s.Weight
	}
	if math.Abs(sum-1) > weightTolerance {
		return invalid("stage weights sum to %f, not 1", sum)
	}
	if c.Download.StagePause < 0 {
		return invalid("stage pause must not be negative")
	}
	if err := checkTransfer("download", c.Download.TransferSize, c.Download.RequestTimeout); err != nil {
		return err
	}

	if c.Upload.Workers < 1 || c.Upload.Duration <= 0 {
		return invalid("upload workers and duration must be positive")
	}
	if err := checkTransfer("upload", c.Upload.TransferSize, c.Upload.RequestTimeout); err != nil {
		return err
	}

	if c.Speed.FloorMbps <= 0 || c.Speed.CeilingMbps <= c.Speed.FloorMbps {
		return invalid("speed bounds must satisfy 0 < floor < ceiling")
	}
	if c.Speed.DownloadCalibration <= 0 || c.Speed.UploadCalibration <= 0 {
		return invalid("calibration coefficients must be positive")
	}
	if c.Backoff < 0 {
		return invalid("backoff must not be negative")
	}
	switch c.InFlight {
	case spec.InFlightComplete, spec.InFlightAbort:
	default:
		return invalid("unknown in-flight policy %q", c.InFlight)
	}
	if c.Progress.PingEnd <= 0 || c.Progress.PingEnd >= c.Progress.DownloadEnd || c.Progress.DownloadEnd >= 100 {
		return invalid("progress bounds must satisfy 0 < ping_end < download_end < 100")
	}
	if c.History.Limit < 1 {
		return invalid("history limit must be at least 1")
	}
	return nil
}

func checkTransfer(name string, size int64, timeout time.Duration) error {
	if size <= 0 || size > spec.MaxTransferSize {
		return invalid("%s transfer size must be in (0, %d]", name, spec.MaxTransferSize)
	}
	if timeout <= 0 {
		return invalid("%s request timeout must be positive", name)
	}
	return nil
}
