// Package transport implements the network operations performed by transfer
// workers and latency probes. A Transport only knows how to move bytes to and
// from a target: it reports the bytes of a completed transfer or fails.
package transport

import (
	"context"

	"github.com/pkg/errors"
	"github.com/robertodauria/netrace/pkg/netrace/results"
)

var (
	// ErrShortTransfer is returned when a transfer ends before the requested
	// number of bytes has been moved.
	ErrShortTransfer = errors.New("transfer ended early")
	// ErrStatus is returned when a target answers with a non-2xx status.
	ErrStatus = errors.New("unexpected status code")
)

// Transport moves bytes between the client and a target.
type Transport interface {
	// Download fetches size bytes from the target and returns the number of
	// bytes received. Bytes of a failed download are not returned.
	Download(ctx context.Context, target results.Target, size int64) (int64, error)
	// Upload sends size bytes to the target and returns the number of bytes
	// sent.
	Upload(ctx context.Context, target results.Target, size int64) (int64, error)
	// Probe performs a minimal round trip with the target.
	Probe(ctx context.Context, target results.Target) error
}

// SchemeChecker is implemented by transports that only reach some URL
// schemes.
type SchemeChecker interface {
	SupportsScheme(scheme string) bool
}

// MetadataProvider is implemented by transports that can learn the client's
// approximate location from a target.
type MetadataProvider interface {
	Metadata(ctx context.Context, target results.Target) (*results.Location, error)
}
