package latency

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/robertodauria/netrace/pkg/netrace/results"
	"gotest.tools/v3/assert"
)

var errProbe = errors.New("probe failed")

// scriptedTransport answers probes after a per-target delay. A negative
// delay makes the probe fail immediately; a missing target hangs until the
// context expires.
type scriptedTransport struct {
	delays map[string]time.Duration
}

func (s *scriptedTransport) Download(context.Context, results.Target, int64) (int64, error) {
	return 0, errors.New("not implemented")
}

func (s *scriptedTransport) Upload(context.Context, results.Target, int64) (int64, error) {
	return 0, errors.New("not implemented")
}

func (s *scriptedTransport) Probe(ctx context.Context, target results.Target) error {
	d, ok := s.delays[target.ID]
	if !ok {
		<-ctx.Done()
		return ctx.Err()
	}
	if d < 0 {
		return errProbe
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func targets(ids ...string) []results.Target {
	ret := []results.Target{}
	for _, id := range ids {
		ret = append(ret, results.Target{ID: id})
	}
	return ret
}

func TestReduce(t *testing.T) {
	samples := []Sample{
		{TargetID: "a", RTT: 40 * time.Millisecond},
		{TargetID: "b", Err: errProbe},
		{TargetID: "c", RTT: 60 * time.Millisecond},
	}
	est := Reduce(samples)
	assert.Equal(t, est.RTT, 50*time.Millisecond)
	assert.Equal(t, est.Ms(), 50.0)
	assert.Equal(t, est.Samples, 2)
	assert.Equal(t, est.Attempts, 3)
	assert.Equal(t, est.Source, SourceMedian)
}

func TestReduce_OrderIndependent(t *testing.T) {
	base := []Sample{
		{RTT: 12 * time.Millisecond},
		{RTT: 95 * time.Millisecond},
		{Err: errProbe},
		{RTT: 30 * time.Millisecond},
		{RTT: 31 * time.Millisecond},
	}
	want := Reduce(base).RTT
	assert.Equal(t, want, 30500*time.Microsecond)

	// Every rotation and its reverse.
	for i := range base {
		perm := append(append([]Sample{}, base[i:]...), base[:i]...)
		assert.Equal(t, Reduce(perm).RTT, want)
		rev := make([]Sample, len(perm))
		for j := range perm {
			rev[len(perm)-1-j] = perm[j]
		}
		assert.Equal(t, Reduce(rev).RTT, want)
	}
}

func TestReduce_NoSuccess(t *testing.T) {
	est := Reduce([]Sample{{Err: errProbe}, {Err: errProbe}})
	assert.Equal(t, est.Samples, 0)
	assert.Equal(t, est.Attempts, 2)
	assert.Equal(t, est.RTT, time.Duration(0))
}

func TestProber_Median(t *testing.T) {
	tr := &scriptedTransport{delays: map[string]time.Duration{
		"a": 40 * time.Millisecond,
		"b": -1,
		"c": 60 * time.Millisecond,
	}}
	p := New(tr, Config{Timeout: time.Second})
	est := p.Probe(context.Background(), targets("a", "b", "c"))
	assert.Equal(t, est.Source, SourceMedian)
	assert.Equal(t, est.Samples, 2)
	assert.Equal(t, est.Attempts, 3)
	assert.Assert(t, est.RTT >= 50*time.Millisecond, est.RTT)
	assert.Assert(t, est.RTT < 150*time.Millisecond, est.RTT)
}

func TestProber_MaxTargets(t *testing.T) {
	tr := &scriptedTransport{delays: map[string]time.Duration{
		"a": time.Millisecond, "b": time.Millisecond, "c": time.Millisecond,
	}}
	p := New(tr, Config{MaxTargets: 2})
	est := p.Probe(context.Background(), targets("a", "b", "c"))
	assert.Equal(t, est.Attempts, 2)
}

func TestProber_Fallback(t *testing.T) {
	tr := &scriptedTransport{delays: map[string]time.Duration{
		"a":        -1,
		"fallback": 5 * time.Millisecond,
	}}
	p := New(tr, Config{Fallback: &results.Target{ID: "fallback"}})
	est := p.Probe(context.Background(), targets("a", "b"))
	assert.Equal(t, est.Source, SourceFallback)
	assert.Equal(t, est.Samples, 1)
	assert.Equal(t, est.Attempts, 3)
}

func TestProber_DefaultWhenEverythingHangs(t *testing.T) {
	tr := &scriptedTransport{}
	timeout := 50 * time.Millisecond
	p := New(tr, Config{
		Timeout:  timeout,
		Fallback: &results.Target{ID: "fallback"},
		Default:  70 * time.Millisecond,
	})
	start := time.Now()
	est := p.Probe(context.Background(), targets("a", "b", "c"))
	elapsed := time.Since(start)

	assert.Equal(t, est.Source, SourceDefault)
	assert.Equal(t, est.RTT, 70*time.Millisecond)
	assert.Equal(t, est.Samples, 0)
	assert.Equal(t, est.Attempts, 4)
	assert.Assert(t, elapsed < 2*timeout+100*time.Millisecond, elapsed)
}

func TestProber_NoTargets(t *testing.T) {
	p := New(&scriptedTransport{}, Config{})
	est := p.Probe(context.Background(), nil)
	assert.Equal(t, est.Source, SourceDefault)
	assert.Equal(t, est.RTT, DefaultRTT)
}

func TestProber_Hint(t *testing.T) {
	p := New(&scriptedTransport{}, Config{
		Timeout: 10 * time.Millisecond,
		Hints:   StaticHint{RTT: 12 * time.Millisecond},
	})
	est := p.Probe(context.Background(), targets("a"))
	assert.Equal(t, est.Source, SourceHint)
	assert.Equal(t, est.RTT, 12*time.Millisecond)

	p = New(&scriptedTransport{}, Config{
		Timeout: 10 * time.Millisecond,
		Hints:   Unsupported{},
	})
	est = p.Probe(context.Background(), targets("a"))
	assert.Equal(t, est.Source, SourceDefault)
}

// countingHints counts how many times it is queried.
type countingHints struct {
	calls int
}

func (c *countingHints) Hint() (Hint, bool) {
	c.calls++
	return Hint{}, false
}

func TestNew_QueriesHintsOnce(t *testing.T) {
	h := &countingHints{}
	p := New(&scriptedTransport{delays: map[string]time.Duration{"a": -1}}, Config{Hints: h})
	p.Probe(context.Background(), targets("a"))
	p.Probe(context.Background(), targets("a"))
	assert.Equal(t, h.calls, 1)
}
