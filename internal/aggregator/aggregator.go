// Package aggregator runs a measurement phase: it fans out transfer workers,
// sums their bytes and turns the total into a speed.
package aggregator

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/robertodauria/netrace/internal/metrics"
	"github.com/robertodauria/netrace/internal/worker"
	"github.com/robertodauria/netrace/pkg/netrace/results"
	"github.com/robertodauria/netrace/pkg/netrace/spec"
	"github.com/robertodauria/netrace/pkg/netrace/transport"
	"go.uber.org/zap"
)

const (
	// DefaultFloorMbps is reported when a phase moves no bytes.
	DefaultFloorMbps = 0.01
	// DefaultCeilingMbps caps every reported speed.
	DefaultCeilingMbps = 10000
)

var (
	// ErrNoTargets is returned when no target can serve the phase direction.
	ErrNoTargets = errors.New("no usable targets")
	// ErrNoWorkers is returned when a phase asks for less than one worker.
	ErrNoWorkers = errors.New("worker count must be at least 1")
)

// Options apply to every phase run by an Aggregator.
type Options struct {
	RequestTimeout time.Duration
	Backoff        time.Duration
	Policy         spec.InFlightPolicy
	FloorMbps      float64
	CeilingMbps    float64
}

// Phase describes one measurement phase or download stage.
type Phase struct {
	Name         string
	Direction    spec.Direction
	Targets      []results.Target
	Workers      int
	Duration     time.Duration
	TransferSize int64
	// Calibration multiplies the raw speed. Zero means 1.
	Calibration float64
}

// OnBytesFunc is called with the phase's running byte total after each
// completed transfer. It may be called concurrently.
type OnBytesFunc func(total int64)

// Aggregator runs phases with a shared transport.
type Aggregator struct {
	Transport transport.Transport
	Options   Options
	// OnBytes, if set, observes the byte total while a phase runs.
	OnBytes OnBytesFunc
}

// New returns an Aggregator with the floor and ceiling defaulted.
func New(tr transport.Transport, opts Options) *Aggregator {
	if opts.FloorMbps <= 0 {
		opts.FloorMbps = DefaultFloorMbps
	}
	if opts.CeilingMbps <= 0 {
		opts.CeilingMbps = DefaultCeilingMbps
	}
	if opts.Policy == "" {
		opts.Policy = spec.InFlightComplete
	}
	return &Aggregator{
		Transport: tr,
		Options:   opts,
	}
}

// Mbps converts bytes moved over elapsed into megabits (2^20 bits) per
// second.
func Mbps(totalBytes int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(totalBytes) * 8 / (1024 * 1024) / elapsed.Seconds()
}

// Clamp bounds mbps to [floor, ceiling]. NaN and non-positive values map to
// floor.
func Clamp(mbps, floor, ceiling float64) float64 {
	if math.IsNaN(mbps) || mbps < floor {
		return floor
	}
	if mbps > ceiling {
		return ceiling
	}
	return mbps
}

// Speed is the single place where the calibration coefficient is applied:
// it scales the raw speed and clamps the result. A zero coefficient is
// treated as 1.
func (a *Aggregator) Speed(totalBytes int64, elapsed time.Duration, calibration float64) float64 {
	if totalBytes <= 0 {
		return a.Options.FloorMbps
	}
	if calibration <= 0 {
		calibration = 1
	}
	return Clamp(Mbps(totalBytes, elapsed)*calibration, a.Options.FloorMbps, a.Options.CeilingMbps)
}

// Run runs phase p and returns its measurement and the workers' reports.
//
// Exactly p.Workers workers are started; worker i uses the i-th usable target
// modulo their count. A target is usable if it validates for the phase
// direction and, when the transport is a transport.SchemeChecker, its scheme
// is supported. The elapsed time is measured from just before the first
// worker starts until the last worker returns. Run only fails if the phase
// cannot start or ctx is canceled.
func (a *Aggregator) Run(ctx context.Context, p Phase) (*results.PhaseMeasurement, []results.WorkerReport, error) {
	if p.Workers < 1 {
		return nil, nil, errors.Wrapf(ErrNoWorkers, "phase %s", p.Name)
	}
	targets := []results.Target{}
	for _, t := range p.Targets {
		if err := t.Validate(p.Direction); err != nil {
			zap.L().Sugar().Debugw("Skipping target", "phase", p.Name, "error", err)
			continue
		}
		if sc, ok := a.Transport.(transport.SchemeChecker); ok && !sc.SupportsScheme(t.Scheme(p.Direction)) {
			zap.L().Sugar().Debugw("Skipping target", "phase", p.Name, "target", t.ID,
				"error", "scheme not supported by the transport", "scheme", t.Scheme(p.Direction))
			continue
		}
		targets = append(targets, t)
	}
	if len(targets) == 0 {
		return nil, nil, errors.Wrapf(ErrNoTargets, "phase %s", p.Name)
	}

	var total atomic.Int64
	onBytes := func(n int64) {
		t := total.Add(n)
		if a.OnBytes != nil {
			a.OnBytes(t)
		}
	}

	reports := make([]results.WorkerReport, p.Workers)
	wg := &sync.WaitGroup{}
	start := time.Now()
	deadline := start.Add(p.Duration)
	for i := 0; i < p.Workers; i++ {
		w := &worker.Worker{
			ID:             i,
			Target:         targets[i%len(targets)],
			Direction:      p.Direction,
			TransferSize:   p.TransferSize,
			Transport:      a.Transport,
			RequestTimeout: a.Options.RequestTimeout,
			Backoff:        a.Options.Backoff,
			Policy:         a.Options.Policy,
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i] = w.Run(ctx, deadline, onBytes)
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	if err := ctx.Err(); err != nil {
		return nil, reports, err
	}

	m := &results.PhaseMeasurement{
		Name:            p.Name,
		Direction:       p.Direction,
		Workers:         p.Workers,
		DurationSeconds: elapsed.Seconds(),
		TotalBytes:      total.Load(),
	}
	m.Mbps = a.Speed(m.TotalBytes, elapsed, p.Calibration)
	metrics.PhaseSpeed.WithLabelValues(p.Name).Observe(m.Mbps)

	failures := 0
	for _, r := range reports {
		failures += r.Failures
	}
	zap.L().Sugar().Infow("Phase done",
		"phase", p.Name,
		"workers", p.Workers,
		"elapsed", elapsed,
		"bytes", m.TotalBytes,
		"failures", failures,
		"mbps", m.Mbps)
	return m, reports, nil
}
