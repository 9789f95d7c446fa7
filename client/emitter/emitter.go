// Package emitter defines the sink the client reports progress and results
// to, with a few reusable implementations.
package emitter

import (
	"context"
	"sync"
	"time"

	"github.com/robertodauria/netrace/pkg/netrace/results"
	"github.com/robertodauria/netrace/pkg/netrace/spec"
	"go.uber.org/zap"
)

// Emitter receives events from the client. Calls are made from the
// goroutine running the test and must not block for long.
type Emitter interface {
	OnStart(spec.Phase)
	OnProgress(percent float64, phase spec.Phase)
	OnMeasurement(results.PhaseMeasurement)
	OnResult(*results.SpeedTestResult)
	OnError(spec.Phase, error)
	OnComplete(spec.Phase)
}

// Nop ignores every event. Embed it to implement only some methods.
type Nop struct{}

func (Nop) OnStart(spec.Phase) {}
func (Nop) OnProgress(float64, spec.Phase) {}
func (Nop) OnMeasurement(results.PhaseMeasurement) {}
func (Nop) OnResult(*results.SpeedTestResult) {}
func (Nop) OnError(spec.Phase, error) {}
func (Nop) OnComplete(spec.Phase) {}

// LogEmitter logs every event with the global zap logger.
type LogEmitter struct{}

func (e *LogEmitter) OnStart(phase spec.Phase) {
	zap.L().Sugar().Infof("%s: starting", phase)
}

func (e *LogEmitter) OnProgress(percent float64, phase spec.Phase) {
	zap.L().Sugar().Debugf("%s: progress %.1f%%", phase, percent)
}

func (e *LogEmitter) OnMeasurement(m results.PhaseMeasurement) {
	zap.L().Sugar().Infof("%s: %d workers, %.3f MiB in %.2fs, %.3f Mb/s",
		m.Name, m.Workers, float64(m.TotalBytes)/1024/1024, m.DurationSeconds, m.Mbps)
}

func (e *LogEmitter) OnResult(r *results.SpeedTestResult) {
	zap.L().Sugar().Infow("Test complete",
		"id", r.ID,
		"ping_ms", r.PingMs,
		"download_mbps", r.DownloadMbps,
		"upload_mbps", r.UploadMbps)
}

func (e *LogEmitter) OnError(phase spec.Phase, err error) {
	zap.L().Sugar().Errorf("%s: error (%v)", phase, err)
}

func (e *LogEmitter) OnComplete(phase spec.Phase) {
	zap.L().Sugar().Infof("%s: completed", phase)
}

// Multi forwards every event to each emitter, in order.
type Multi []Emitter

func (m Multi) OnStart(phase spec.Phase) {
	for _, e := range m {
		e.OnStart(phase)
	}
}

func (m Multi) OnProgress(percent float64, phase spec.Phase) {
	for _, e := range m {
		e.OnProgress(percent, phase)
	}
}

func (m Multi) OnMeasurement(pm results.PhaseMeasurement) {
	for _, e := range m {
		e.OnMeasurement(pm)
	}
}

func (m Multi) OnResult(r *results.SpeedTestResult) {
	for _, e := range m {
		e.OnResult(r)
	}
}

func (m Multi) OnError(phase spec.Phase, err error) {
	for _, e := range m {
		e.OnError(phase, err)
	}
}

func (m Multi) OnComplete(phase spec.Phase) {
	for _, e := range m {
		e.OnComplete(phase)
	}
}

// Async delivers events to a wrapped emitter from its own goroutine, so a
// slow sink cannot stall the test. Progress events are dropped when the
// buffer is full; every other event waits for room.
type Async struct {
	next   Emitter
	events chan func()
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAsync starts delivering events to next through a buffer of size slots.
func NewAsync(next Emitter, size int) *Async {
	if size < 1 {
		size = 1
	}
	a := &Async{
		next:   next,
		events: make(chan func(), size),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(a.done)
		for ev := range a.events {
			ev()
		}
	}()
	return a
}

func (a *Async) send(ev func(), drop bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	if !drop {
		a.events <- ev
		return
	}
	select {
	case a.events <- ev:
	default:
	}
}

// Close delivers the queued events and stops the goroutine. Events sent
// after Close are discarded.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *Async) OnStart(phase spec.Phase) {
	a.send(func() { a.next.OnStart(phase) }, false)
}

func (a *Async) OnProgress(percent float64, phase spec.Phase) {
	a.send(func() { a.next.OnProgress(percent, phase) }, true)
}

func (a *Async) OnMeasurement(m results.PhaseMeasurement) {
	a.send(func() { a.next.OnMeasurement(m) }, false)
}

func (a *Async) OnResult(r *results.SpeedTestResult) {
	a.send(func() { a.next.OnResult(r) }, false)
}

func (a *Async) OnError(phase spec.Phase, err error) {
	a.send(func() { a.next.OnError(phase, err) }, false)
}

func (a *Async) OnComplete(phase spec.Phase) {
	a.send(func() { a.next.OnComplete(phase) }, false)
}

// Archiver stores finalized results.
type Archiver interface {
	Archive(ctx context.Context, r *results.SpeedTestResult) error
}

// Archive hands every result to an Archiver and ignores the other events.
type Archive struct {
	Nop
	Archiver Archiver
	// Timeout bounds a single Archive call.
	Timeout time.Duration
}

// NewArchive returns an Archive emitter with a five seconds timeout.
func NewArchive(a Archiver) *Archive {
	return &Archive{Archiver: a, Timeout: 5 * time.Second}
}

func (e *Archive) OnResult(r *results.SpeedTestResult) {
	ctx, cancel := context.WithTimeout(context.Background(), e.Timeout)
	defer cancel()
	if err := e.Archiver.Archive(ctx, r); err != nil {
		zap.L().Sugar().Errorw("Failed to archive result", "id", r.ID, "error", err)
	}
}
