// Package client runs a complete speed test: a latency probe, a staged
// download phase and an upload phase, reported to an emitter.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/m-lab/go/memoryless"
	"github.com/pkg/errors"
	"github.com/robertodauria/netrace/client/config"
	"github.com/robertodauria/netrace/client/emitter"
	"github.com/robertodauria/netrace/internal/aggregator"
	"github.com/robertodauria/netrace/internal/discovery"
	"github.com/robertodauria/netrace/internal/latency"
	"github.com/robertodauria/netrace/internal/metrics"
	"github.com/robertodauria/netrace/pkg/netrace/results"
	"github.com/robertodauria/netrace/pkg/netrace/spec"
	"github.com/robertodauria/netrace/pkg/netrace/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/robertodauria/netrace/client"

var (
	// ErrBusy is returned by Run while another run is in progress.
	ErrBusy = errors.New("a test is already running")
	// ErrNoTargets is returned when discovery finds no target.
	ErrNoTargets = errors.New("discovery returned no targets")
)

// PhaseError is returned by Run when a phase fails.
type PhaseError struct {
	Phase spec.Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s phase failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// Client runs speed tests. A Client runs one test at a time.
type Client struct {
	config     *config.ClientConfig
	transport  transport.Transport
	metadata   transport.MetadataProvider
	discoverer discovery.Discoverer
	prober     *latency.Prober
	download   *aggregator.Aggregator
	upload     *aggregator.Aggregator
	emitter    emitter.Emitter
	tracer     trace.Tracer

	mu      sync.Mutex
	state   spec.Phase
	running bool
}

// New returns a Client for the given configuration. If e is nil, events are
// logged.
func New(cfg *config.ClientConfig, tr transport.Transport,
	d discovery.Discoverer, e emitter.Emitter) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if e == nil {
		e = &emitter.LogEmitter{}
	}

	var hints latency.HintProvider = latency.Unsupported{}
	if cfg.Ping.Hint > 0 {
		hints = latency.StaticHint{RTT: cfg.Ping.Hint}
	}
	speed := func(timeout time.Duration) aggregator.Options {
		return aggregator.Options{
			RequestTimeout: timeout,
			Backoff:        cfg.Backoff,
			Policy:         cfg.InFlight,
			FloorMbps:      cfg.Speed.FloorMbps,
			CeilingMbps:    cfg.Speed.CeilingMbps,
		}
	}

	c := &Client{
		config:     cfg,
		transport:  tr,
		discoverer: d,
		prober: latency.New(tr, latency.Config{
			Timeout:    cfg.Ping.Timeout,
			MaxTargets: cfg.Ping.MaxTargets,
			Fallback:   cfg.Ping.Fallback,
			Default:    cfg.Ping.Default,
			Hints:      hints,
		}),
		download: aggregator.New(tr, speed(cfg.Download.RequestTimeout)),
		upload:   aggregator.New(tr, speed(cfg.Upload.RequestTimeout)),
		emitter:  e,
		tracer:   otel.Tracer(tracerName),
		state:    spec.PhaseIdle,
	}
	if mp, ok := tr.(transport.MetadataProvider); ok {
		c.metadata = mp
	}
	return c, nil
}

// State returns the current phase.
func (c *Client) State() spec.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// advance moves to the next phase and returns it.
func (c *Client) advance() spec.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if next, ok := c.state.Next(); ok {
		c.state = next
	}
	return c.state
}

// Run runs a complete test and returns its result. On failure no result is
// emitted and the returned error is a *PhaseError. The client is Idle again
// when Run returns.
func (c *Client) Run(ctx context.Context) (*results.SpeedTestResult, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.state = spec.PhaseIdle
		c.running = false
		c.mu.Unlock()
	}()

	ctx, span := c.tracer.Start(ctx, "speedtest")
	defer span.End()

	r := &run{
		Client:   c,
		pending:  results.NewPending(),
		progress: &progress{emitter: c.emitter},
	}
	span.SetAttributes(attribute.String("result.id", r.pending.ID()))
	res, err := r.execute(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.TestsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.TestsTotal.WithLabelValues("ok").Inc()
	return res, nil
}

// progress reports a non-decreasing value in [0, 100].
type progress struct {
	emitter emitter.Emitter
	last    float64
	started bool
}

func (p *progress) report(v float64, phase spec.Phase) {
	if v > 100 {
		v = 100
	}
	if p.started && v <= p.last {
		return
	}
	p.started = true
	p.last = v
	p.emitter.OnProgress(v, phase)
}

// run holds the state of a single test.
type run struct {
	*Client
	pending  *results.Pending
	progress *progress
	targets  []results.Target
}

func (r *run) execute(ctx context.Context) (*results.SpeedTestResult, error) {
	steps := []func(context.Context, spec.Phase) error{
		r.runPing,
		r.runDownload,
		r.runUpload,
	}
	for _, step := range steps {
		if err := r.phase(ctx, step); err != nil {
			return nil, err
		}
	}

	phase := r.advance()
	res, err := r.pending.Result()
	if err != nil {
		r.emitter.OnError(phase, err)
		return nil, &PhaseError{Phase: phase, Err: err}
	}
	r.progress.report(100, phase)
	r.emitter.OnResult(res)
	r.emitter.OnComplete(phase)
	return res, nil
}

// phase advances the state machine and runs f inside a span.
func (r *run) phase(ctx context.Context, f func(context.Context, spec.Phase) error) error {
	phase := r.advance()
	r.emitter.OnStart(phase)
	ctx, span := r.tracer.Start(ctx, string(phase))
	defer span.End()

	if err := f(ctx, phase); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		zap.L().Sugar().Debugw("Phase failed", "phase", phase, "error", err)
		r.emitter.OnError(phase, err)
		return &PhaseError{Phase: phase, Err: err}
	}
	r.emitter.OnComplete(phase)
	return nil
}

// track runs f while reporting progress from `from` to `to` in proportion to
// the elapsed fraction of d. Progress is reported from this goroutine only.
func (r *run) track(ctx context.Context, phase spec.Phase, from, to float64,
	d time.Duration, f func(context.Context) error) error {
	ticker, err := memoryless.NewTicker(ctx, memoryless.Config{
		Min:      spec.MinProgressInterval,
		Expected: spec.AvgProgressInterval,
		Max:      spec.MaxProgressInterval,
	})
	if err != nil {
		return err
	}
	defer ticker.Stop()

	done := make(chan error, 1)
	go func() {
		done <- f(ctx)
	}()

	r.progress.report(from, phase)
	start := time.Now()
	tick := ticker.C
	for {
		select {
		case err := <-done:
			if err == nil {
				r.progress.report(to, phase)
			}
			return err
		case _, ok := <-tick:
			if !ok {
				tick = nil
				continue
			}
			frac := 1.0
			if d > 0 {
				frac = time.Since(start).Seconds() / d.Seconds()
			}
			if frac > 1 {
				frac = 1
			}
			r.progress.report(from+(to-from)*frac, phase)
		}
	}
}

func (r *run) runPing(ctx context.Context, phase spec.Phase) error {
	targets, err := r.discoverer.Targets(ctx)
	if err != nil {
		return errors.Wrap(err, "discovery failed")
	}
	if len(targets) == 0 {
		return ErrNoTargets
	}
	r.targets = targets

	var est latency.Estimate
	// The prober returns within twice its timeout.
	err = r.track(ctx, phase, 0, r.config.Progress.PingEnd, 2*r.prober.Timeout,
		func(ctx context.Context) error {
			est = r.prober.Probe(ctx, targets)
			return ctx.Err()
		})
	if err != nil {
		return err
	}
	zap.L().Sugar().Infow("Latency estimate", "rtt_ms", est.Ms(),
		"samples", est.Samples, "attempts", est.Attempts, "source", est.Source)
	if err := r.pending.SetPing(est.Ms()); err != nil {
		return err
	}
	r.fetchMetadata(ctx)
	return nil
}

// fetchMetadata attaches the client location to the result, if the transport
// can provide it. Failures are not fatal.
func (r *run) fetchMetadata(ctx context.Context) {
	if r.metadata == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.config.Ping.Timeout)
	defer cancel()
	for _, t := range r.targets {
		if t.Validate(spec.DirectionDownload) != nil {
			continue
		}
		loc, err := r.metadata.Metadata(ctx, t)
		if err != nil {
			zap.L().Sugar().Debugw("Cannot get client location", "target", t.ID, "error", err)
			return
		}
		if err := r.pending.SetLocation(loc); err != nil {
			zap.L().Sugar().Debugw("Cannot set client location", "target", t.ID, "error", err)
		}
		return
	}
}

func (r *run) runDownload(ctx context.Context, phase spec.Phase) error {
	cfg := r.config
	total := cfg.TotalDownloadDuration()
	from := cfg.Progress.PingEnd
	span := cfg.Progress.DownloadEnd - cfg.Progress.PingEnd

	weighted := 0.0
	for i, stage := range cfg.Download.Stages {
		if i > 0 && cfg.Download.StagePause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.Download.StagePause):
			}
		}
		to := from + span*stage.Duration.Seconds()/total.Seconds()
		m, err := r.measure(ctx, phase, from, to, r.download, aggregator.Phase{
			Name:         stage.Name,
			Direction:    spec.DirectionDownload,
			Targets:      r.targets,
			Workers:      stage.Workers,
			Duration:     stage.Duration,
			TransferSize: cfg.Download.TransferSize,
			Calibration:  cfg.Speed.DownloadCalibration,
		})
		if err != nil {
			return err
		}
		weighted += stage.Weight * m.Mbps
		from = to
	}
	mbps := aggregator.Clamp(weighted, cfg.Speed.FloorMbps, cfg.Speed.CeilingMbps)
	zap.L().Sugar().Infow("Download speed", "mbps", mbps, "stages", len(cfg.Download.Stages))
	return r.pending.SetDownload(mbps)
}

func (r *run) runUpload(ctx context.Context, phase spec.Phase) error {
	cfg := r.config
	m, err := r.measure(ctx, phase, cfg.Progress.DownloadEnd, 100, r.upload, aggregator.Phase{
		Name:         string(spec.PhaseUpload),
		Direction:    spec.DirectionUpload,
		Targets:      r.targets,
		Workers:      cfg.Upload.Workers,
		Duration:     cfg.Upload.Duration,
		TransferSize: cfg.Upload.TransferSize,
		Calibration:  cfg.Speed.UploadCalibration,
	})
	if err != nil {
		return err
	}
	return r.pending.SetUpload(m.Mbps)
}

// measure runs a single aggregator phase and records its measurement.
func (r *run) measure(ctx context.Context, phase spec.Phase, from, to float64,
	agg *aggregator.Aggregator, p aggregator.Phase) (*results.PhaseMeasurement, error) {
	var m *results.PhaseMeasurement
	err := r.track(ctx, phase, from, to, p.Duration, func(ctx context.Context) error {
		var err error
		m, _, err = agg.Run(ctx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := r.pending.AddPhase(*m); err != nil {
		return nil, err
	}
	r.emitter.OnMeasurement(*m)
	return m, nil
}
