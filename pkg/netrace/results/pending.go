package results

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrOutOfOrder is returned when a metric is set before the metric that
	// precedes it.
	ErrOutOfOrder = errors.New("metric set out of order")
	// ErrFinalized is returned by every setter once the upload metric is set.
	ErrFinalized = errors.New("result already finalized")
	// ErrIncomplete is returned by Result when a metric is still missing.
	ErrIncomplete = errors.New("result is incomplete")
)

// Pending is a SpeedTestResult being filled in by the orchestrator. It is
// created with only an ID and a timestamp. Setting the upload metric
// finalizes it.
type Pending struct {
	mu sync.Mutex

	id        string
	timestamp time.Time

	ping     *float64
	download *float64
	upload   *float64
	location *Location
	phases   []PhaseMeasurement
}

// NewPending returns a Pending result with a random ID and the current time.
func NewPending() *Pending {
	return &Pending{
		id:        uuid.NewString(),
		timestamp: time.Now().UTC(),
	}
}

// ID returns the result ID.
func (p *Pending) ID() string {
	return p.id
}

// SetPing records the latency estimate in milliseconds.
func (p *Pending) SetPing(ms float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.upload != nil {
		return ErrFinalized
	}
	p.ping = &ms
	return nil
}

// SetDownload records the download speed. Ping must already be set.
func (p *Pending) SetDownload(mbps float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.upload != nil {
		return ErrFinalized
	}
	if p.ping == nil {
		return errors.Wrap(ErrOutOfOrder, "download before ping")
	}
	p.download = &mbps
	return nil
}

// SetUpload records the upload speed and finalizes the result. Download must
// already be set.
func (p *Pending) SetUpload(mbps float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.upload != nil {
		return ErrFinalized
	}
	if p.download == nil {
		return errors.Wrap(ErrOutOfOrder, "upload before download")
	}
	p.upload = &mbps
	return nil
}

// SetLocation records the client location. It may be called at any point
// before finalization.
func (p *Pending) SetLocation(loc *Location) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.upload != nil {
		return ErrFinalized
	}
	p.location = loc
	return nil
}

// AddPhase appends a phase measurement.
func (p *Pending) AddPhase(m PhaseMeasurement) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.upload != nil {
		return ErrFinalized
	}
	p.phases = append(p.phases, m)
	return nil
}

// Finalized reports whether all the metrics have been set.
func (p *Pending) Finalized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.upload != nil
}

// Result returns the finalized result, or ErrIncomplete.
func (p *Pending) Result() (*SpeedTestResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ping == nil || p.download == nil || p.upload == nil {
		return nil, ErrIncomplete
	}
	r := &SpeedTestResult{
		ID:           p.id,
		Timestamp:    p.timestamp,
		PingMs:       *p.ping,
		DownloadMbps: *p.download,
		UploadMbps:   *p.upload,
		Phases:       append([]PhaseMeasurement(nil), p.phases...),
	}
	if p.location != nil {
		loc := *p.location
		r.Location = &loc
	}
	return r, nil
}
