// Package latency estimates the round-trip time to a set of targets.
package latency

import (
	"context"
	"sync"
	"time"

	"github.com/robertodauria/netrace/internal/metrics"
	"github.com/robertodauria/netrace/internal/stats"
	"github.com/robertodauria/netrace/pkg/netrace/results"
	"github.com/robertodauria/netrace/pkg/netrace/transport"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds a single probe when none is configured.
	DefaultTimeout = 1500 * time.Millisecond
	// DefaultRTT is the estimate used when every probe fails.
	DefaultRTT = 30 * time.Millisecond
	// DefaultMaxTargets is the number of targets probed when none is
	// configured.
	DefaultMaxTargets = 5
)

// Source tells which path produced an Estimate.
type Source string

const (
	SourceMedian   = Source("median")
	SourceFallback = Source("fallback")
	SourceDefault  = Source("default")
	SourceHint     = Source("hint")
)

// Sample is the outcome of a single probe.
type Sample struct {
	TargetID string
	RTT      time.Duration
	Err      error
}

// Estimate is the reduced latency.
type Estimate struct {
	RTT time.Duration
	// Samples is the number of successful probes behind RTT.
	Samples int
	// Attempts is the number of probes issued.
	Attempts int
	Source   Source
}

// Ms returns the RTT in fractional milliseconds.
func (e Estimate) Ms() float64 {
	return float64(e.RTT) / float64(time.Millisecond)
}

// Config holds the prober settings.
type Config struct {
	Timeout    time.Duration
	MaxTargets int
	// Fallback is probed once when every target fails.
	Fallback *results.Target
	// Default is returned when the fallback fails too.
	Default time.Duration
	// Hints, if supported, replaces Default.
	Hints HintProvider
}

// Prober measures round-trip times with parallel probes.
type Prober struct {
	Transport  transport.Transport
	Timeout    time.Duration
	MaxTargets int
	Fallback   *results.Target
	Default    time.Duration

	defaultSource Source
}

// New returns a Prober. The hint provider is queried here, once.
func New(tr transport.Transport, cfg Config) *Prober {
	p := &Prober{
		Transport:     tr,
		Timeout:       cfg.Timeout,
		MaxTargets:    cfg.MaxTargets,
		Fallback:      cfg.Fallback,
		Default:       cfg.Default,
		defaultSource: SourceDefault,
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if p.MaxTargets <= 0 {
		p.MaxTargets = DefaultMaxTargets
	}
	if p.Default <= 0 {
		p.Default = DefaultRTT
	}
	if cfg.Hints != nil {
		if h, ok := cfg.Hints.Hint(); ok {
			p.Default = h.RTT
			p.defaultSource = SourceHint
		}
	}
	return p
}

// Reduce drops the failed samples and returns the median of the remaining
// RTTs. The result does not depend on the order of samples. With no
// successful sample, the returned Estimate has Samples == 0.
func Reduce(samples []Sample) Estimate {
	rtts := []float64{}
	for _, s := range samples {
		if s.Err == nil {
			rtts = append(rtts, float64(s.RTT))
		}
	}
	est := Estimate{
		Samples:  len(rtts),
		Attempts: len(samples),
		Source:   SourceMedian,
	}
	if len(rtts) > 0 {
		est.RTT = time.Duration(stats.Median(rtts))
	}
	return est
}

func (p *Prober) probe(ctx context.Context, target results.Target) Sample {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	start := time.Now()
	err := p.Transport.Probe(ctx, target)
	return Sample{
		TargetID: target.ID,
		RTT:      time.Since(start),
		Err:      err,
	}
}

// Probe probes up to MaxTargets targets in parallel and reduces the samples
// to one estimate. It never fails: when no probe succeeds it tries the
// fallback target, then returns the default estimate. Probe returns within
// twice the probe timeout.
func (p *Prober) Probe(ctx context.Context, targets []results.Target) Estimate {
	if len(targets) > p.MaxTargets {
		targets = targets[:p.MaxTargets]
	}
	samples := make([]Sample, len(targets))
	wg := &sync.WaitGroup{}
	for i := range targets {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			samples[i] = p.probe(ctx, targets[i])
		}(i)
	}
	wg.Wait()

	est := Reduce(samples)
	for _, s := range samples {
		if s.Err != nil {
			zap.L().Sugar().Debugw("Probe failed", "target", s.TargetID, "error", s.Err)
		}
	}
	if est.Samples > 0 {
		ok := []time.Duration{}
		for _, s := range samples {
			if s.Err == nil {
				ok = append(ok, s.RTT)
			}
		}
		st := stats.Durations(ok)
		zap.L().Sugar().Debugw("Probe round done",
			"median_ms", est.Ms(), "min_ms", st.Min, "max_ms", st.Max,
			"stddev_ms", st.StdDev, "samples", est.Samples)
		return p.observe(est)
	}

	if p.Fallback != nil && ctx.Err() == nil {
		s := p.probe(ctx, *p.Fallback)
		est.Attempts++
		if s.Err == nil {
			return p.observe(Estimate{
				RTT:      s.RTT,
				Samples:  1,
				Attempts: est.Attempts,
				Source:   SourceFallback,
			})
		}
		zap.L().Sugar().Debugw("Fallback probe failed", "target", s.TargetID, "error", s.Err)
	}
	return p.observe(Estimate{
		RTT:      p.Default,
		Attempts: est.Attempts,
		Source:   p.defaultSource,
	})
}

func (p *Prober) observe(est Estimate) Estimate {
	metrics.ProbeRTT.WithLabelValues(string(est.Source)).Observe(est.RTT.Seconds())
	return est
}
