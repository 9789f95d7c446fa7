package spec

import "time"

const (
	// MinMessageSize is the initial size of a WebSocket binary message.
	MinMessageSize = 1 << 10
	// MaxMessageSize is the largest WebSocket binary message sent or accepted.
	MaxMessageSize = 1 << 20
	// MaxTransferSize is the largest transfer a target server will serve.
	MaxTransferSize = 256 << 20

	// MinProgressInterval, AvgProgressInterval and MaxProgressInterval
	// drive the memoryless ticker used for progress reporting.
	MinProgressInterval = 50 * time.Millisecond
	AvgProgressInterval = 200 * time.Millisecond
	MaxProgressInterval = 500 * time.Millisecond

	// HTTP paths served by the reference target server.
	DownloadPath = "/__down"
	UploadPath   = "/__up"
	PingPath     = "/ping"

	// WebSocket paths served by the reference target server.
	WSDownloadPath = "/netrace/v1/download"
	WSUploadPath   = "/netrace/v1/upload"

	// SecWebSocketProtocol is the subprotocol negotiated on WebSocket
	// transfers.
	SecWebSocketProtocol = "net.netrace.v1"

	// SizePlaceholder is replaced with the requested byte count in download
	// URLs.
	SizePlaceholder = "{size}"

	// MaxRuntime bounds a single server-side transfer.
	MaxRuntime = 30 * time.Second
)

// Phase is a state of the test state machine.
type Phase string

const (
	// PhaseIdle is the entry state. No test is running.
	PhaseIdle = Phase("idle")
	// PhasePing is the latency measurement.
	PhasePing = Phase("ping")
	// PhaseDownload is the download measurement, possibly staged.
	PhaseDownload = Phase("download")
	// PhaseUpload is the upload measurement.
	PhaseUpload = Phase("upload")
	// PhaseComplete is the terminal state of a successful test.
	PhaseComplete = Phase("complete")
)

// Next returns the phase following p and whether such a phase exists.
func (p Phase) Next() (Phase, bool) {
	switch p {
	case PhaseIdle:
		return PhasePing, true
	case PhasePing:
		return PhaseDownload, true
	case PhaseDownload:
		return PhaseUpload, true
	case PhaseUpload:
		return PhaseComplete, true
	default:
		return "", false
	}
}

// Direction indicates which way bytes flow during a transfer.
type Direction string

const (
	// DirectionDownload moves bytes from the target to the client.
	DirectionDownload = Direction("download")
	// DirectionUpload moves bytes from the client to the target.
	DirectionUpload = Direction("upload")
)

// InFlightPolicy decides what happens to a transfer that is still running
// when its phase deadline passes. A single policy applies to every worker in
// a phase.
type InFlightPolicy string

const (
	// InFlightComplete lets the in-flight transfer finish, bounded by the
	// per-request timeout, and counts its bytes.
	InFlightComplete = InFlightPolicy("complete")
	// InFlightAbort cancels the in-flight transfer at the deadline. Its bytes
	// are not counted.
	InFlightAbort = InFlightPolicy("abort")
)
