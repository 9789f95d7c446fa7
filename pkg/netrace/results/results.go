package results

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/robertodauria/netrace/pkg/netrace/spec"
)

// ErrInvalidTarget is returned when a target cannot serve a direction.
var ErrInvalidTarget = errors.New("invalid target")

// Location is the approximate location of a client or a target. All the
// fields are optional.
type Location struct {
	City    string `json:",omitempty" yaml:"city"`
	Country string `json:",omitempty" yaml:"country"`
	IP      string `json:",omitempty" yaml:"ip"`
	ISP     string `json:",omitempty" yaml:"isp"`
}

// Target describes an endpoint used for transfers. A Target is immutable
// once it has been issued by discovery.
type Target struct {
	// ID identifies the target within a test.
	ID string `yaml:"id"`
	// Name is a human-readable label.
	Name string `json:",omitempty" yaml:"name"`
	// DownloadURL is fetched by download workers. The spec.SizePlaceholder
	// substring, if present, is replaced with the requested size.
	DownloadURL string `json:",omitempty" yaml:"download_url"`
	// UploadURL receives payloads from upload workers.
	UploadURL string `json:",omitempty" yaml:"upload_url"`
	// PingURL is used for latency probes. DownloadURL is used if empty.
	PingURL string `json:",omitempty" yaml:"ping_url"`
	// Location is the approximate location of the target, if known.
	Location *Location `json:",omitempty" yaml:"location"`
}

// URLFor returns the URL to use for the given direction.
func (t Target) URLFor(d spec.Direction) string {
	if d == spec.DirectionUpload {
		return t.UploadURL
	}
	return t.DownloadURL
}

// SizedURL returns the download URL with the size placeholder replaced.
func (t Target) SizedURL(size int64) string {
	return strings.ReplaceAll(t.DownloadURL, spec.SizePlaceholder,
		strconv.FormatInt(size, 10))
}

// ProbeURL returns the URL used for latency probes.
func (t Target) ProbeURL() string {
	if t.PingURL != "" {
		return t.PingURL
	}
	return t.SizedURL(0)
}

// Scheme returns the scheme of the URL used in direction d, or an empty
// string if the URL is missing or invalid.
func (t Target) Scheme(d spec.Direction) string {
	u, err := url.Parse(strings.ReplaceAll(t.URLFor(d), spec.SizePlaceholder, "0"))
	if err != nil {
		return ""
	}
	return u.Scheme
}

// Validate reports whether the target can serve transfers in direction d.
func (t Target) Validate(d spec.Direction) error {
	raw := t.URLFor(d)
	if raw == "" {
		return errors.Wrapf(ErrInvalidTarget, "target %q has no %s URL", t.ID, d)
	}
	u, err := url.Parse(strings.ReplaceAll(raw, spec.SizePlaceholder, "0"))
	if err != nil {
		return errors.Wrapf(ErrInvalidTarget, "target %q: %v", t.ID, err)
	}
	if u.Host == "" {
		return errors.Wrapf(ErrInvalidTarget, "target %q: missing host in %s URL", t.ID, d)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
		return nil
	}
	return errors.Wrapf(ErrInvalidTarget, "target %q: unsupported scheme %q", t.ID, u.Scheme)
}

// WorkerReport is the final snapshot of a single transfer worker.
type WorkerReport struct {
	WorkerID int
	TargetID string
	// BytesTransferred counts the bytes of completed transfers only.
	BytesTransferred int64
	// RequestCount is the number of completed transfers.
	RequestCount int
	// Failures is the number of failed transfer attempts.
	Failures int
	// LastError is the last transfer error, if any.
	LastError string `json:",omitempty"`
}

// PhaseMeasurement summarizes one phase or download stage.
type PhaseMeasurement struct {
	Name      string
	Direction spec.Direction
	Workers   int
	// DurationSeconds is the measured wall-clock duration of the phase,
	// not the configured budget.
	DurationSeconds float64
	TotalBytes      int64
	Mbps            float64
}

// SpeedTestResult is the final, immutable outcome of a test.
type SpeedTestResult struct {
	ID           string
	Timestamp    time.Time
	DownloadMbps float64
	UploadMbps   float64
	PingMs       float64
	Location     *Location          `json:",omitempty"`
	Phases       []PhaseMeasurement `json:",omitempty"`
}
