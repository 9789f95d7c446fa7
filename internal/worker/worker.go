// Package worker implements the transfer loop run by each concurrent
// connection during a measurement phase.
package worker

import (
	"context"
	"time"

	"github.com/robertodauria/netrace/internal/metrics"
	"github.com/robertodauria/netrace/pkg/netrace/results"
	"github.com/robertodauria/netrace/pkg/netrace/spec"
	"github.com/robertodauria/netrace/pkg/netrace/transport"
	"go.uber.org/zap"
)

const (
	// DefaultRequestTimeout bounds a single transfer when none is configured.
	DefaultRequestTimeout = 2 * time.Second
	// DefaultBackoff is the pause after a failed transfer when none is
	// configured.
	DefaultBackoff = 200 * time.Millisecond
)

// Worker repeatedly transfers TransferSize bytes with a single target.
type Worker struct {
	ID           int
	Target       results.Target
	Direction    spec.Direction
	TransferSize int64
	Transport    transport.Transport

	// RequestTimeout bounds every transfer independently of the deadline.
	RequestTimeout time.Duration
	// Backoff is the pause after a failed transfer.
	Backoff time.Duration
	// Policy decides the fate of a transfer still running at the deadline.
	Policy spec.InFlightPolicy
}

// Run performs transfers until deadline and returns the final report.
//
// onBytes is called with the size of each completed transfer, from the
// worker's goroutine. Failed or aborted transfers never reach onBytes. Run
// returns as soon as ctx is canceled.
func (w *Worker) Run(ctx context.Context, deadline time.Time, onBytes func(int64)) results.WorkerReport {
	report := results.WorkerReport{
		WorkerID: w.ID,
		TargetID: w.Target.ID,
	}
	timeout := w.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	backoff := w.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	dir := string(w.Direction)

	for ctx.Err() == nil && time.Now().Before(deadline) {
		n, err := w.transfer(ctx, deadline, timeout)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			if w.Policy == spec.InFlightAbort && !time.Now().Before(deadline) {
				// Canceled at the deadline: neither bytes nor a failure.
				break
			}
			report.Failures++
			report.LastError = err.Error()
			metrics.TransferFailures.WithLabelValues(dir).Inc()
			zap.L().Sugar().Debugw("Transfer failed",
				"worker", w.ID,
				"target", w.Target.ID,
				"direction", dir,
				"error", err)
			sleep(ctx, backoff, deadline)
			continue
		}
		report.BytesTransferred += n
		report.RequestCount++
		metrics.TransferredBytes.WithLabelValues(dir).Add(float64(n))
		onBytes(n)
	}
	return report
}

func (w *Worker) transfer(ctx context.Context, deadline time.Time, timeout time.Duration) (int64, error) {
	expiry := time.Now().Add(timeout)
	if w.Policy == spec.InFlightAbort && deadline.Before(expiry) {
		expiry = deadline
	}
	tctx, cancel := context.WithDeadline(ctx, expiry)
	defer cancel()
	if w.Direction == spec.DirectionUpload {
		return w.Transport.Upload(tctx, w.Target, w.TransferSize)
	}
	return w.Transport.Download(tctx, w.Target, w.TransferSize)
}

// sleep waits for d, but no longer than the deadline or the context.
func sleep(ctx context.Context, d time.Duration, deadline time.Time) {
	if until := time.Until(deadline); until < d {
		d = until
	}
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
