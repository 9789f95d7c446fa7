// Package discovery provides the targets a test measures against.
package discovery

import (
	"context"
	"net/url"
	"strings"

	"github.com/m-lab/locate/api/locate"
	v2 "github.com/m-lab/locate/api/v2"
	"github.com/pkg/errors"
	"github.com/robertodauria/netrace/pkg/netrace/results"
	"github.com/robertodauria/netrace/pkg/netrace/spec"
	"go.uber.org/zap"
)

// ErrNoTargets is returned when discovery yields an empty target list.
var ErrNoTargets = errors.New("no targets available")

// Discoverer supplies targets on demand.
type Discoverer interface {
	Targets(ctx context.Context) ([]results.Target, error)
}

// Static returns a fixed list of targets.
type Static struct {
	List []results.Target
}

// NewStatic returns a Static discoverer for list.
func NewStatic(list []results.Target) *Static {
	return &Static{List: list}
}

// Targets returns a copy of the configured targets.
func (s *Static) Targets(context.Context) ([]results.Target, error) {
	if len(s.List) == 0 {
		return nil, ErrNoTargets
	}
	return append([]results.Target(nil), s.List...), nil
}

// LocateConfig selects the service and the URL keys used to build targets
// from Locate API results.
type LocateConfig struct {
	// Service is the Locate service name, e.g. "netrace/v1".
	Service string
	// BaseURL overrides the Locate API base URL.
	BaseURL string
	// DownloadKey, UploadKey and PingKey index the URLs of each result.
	DownloadKey string
	UploadKey   string
	PingKey     string
}

// Locate discovers the nearest targets through the M-Lab Locate API.
type Locate struct {
	client nearester
	cfg    LocateConfig
}

type nearester interface {
	Nearest(ctx context.Context, service string) ([]v2.Target, error)
}

// NewLocate returns a Locate discoverer.
func NewLocate(userAgent string, cfg LocateConfig) (*Locate, error) {
	c := locate.NewClient(userAgent)
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "invalid locate URL")
		}
		c.BaseURL = u
	}
	return &Locate{client: c, cfg: cfg}, nil
}

// Targets asks the Locate API for the nearest targets.
func (l *Locate) Targets(ctx context.Context) ([]results.Target, error) {
	found, err := l.client.Nearest(ctx, l.cfg.Service)
	if err != nil {
		return nil, errors.Wrap(err, "locate request failed")
	}
	ret := []results.Target{}
	for _, t := range found {
		target := results.Target{
			ID:          t.Machine,
			Name:        t.Hostname,
			DownloadURL: withSize(t.URLs[l.cfg.DownloadKey]),
			UploadURL:   t.URLs[l.cfg.UploadKey],
			PingURL:     t.URLs[l.cfg.PingKey],
		}
		if t.Location != nil {
			target.Location = &results.Location{
				City:    t.Location.City,
				Country: t.Location.Country,
			}
		}
		if target.Validate(spec.DirectionDownload) != nil && target.Validate(spec.DirectionUpload) != nil {
			zap.L().Sugar().Debugw("Ignoring locate result without usable URLs", "machine", t.Machine)
			continue
		}
		ret = append(ret, target)
	}
	if len(ret) == 0 {
		return nil, ErrNoTargets
	}
	return ret, nil
}

// withSize adds the bytes={size} query parameter to u unless it already
// carries the placeholder.
func withSize(u string) string {
	if u == "" || strings.Contains(u, spec.SizePlaceholder) {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "bytes=" + spec.SizePlaceholder
}
