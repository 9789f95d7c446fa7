// Package handler implements a netrace target server: plain HTTP endpoints
// and WebSocket endpoints that any netrace client can measure against.
package handler

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/m-lab/go/prometheusx"
	mlabuuid "github.com/m-lab/uuid"
	"github.com/pkg/errors"
	"github.com/robertodauria/netrace/internal/metrics"
	"github.com/robertodauria/netrace/internal/persistence"
	"github.com/robertodauria/netrace/pkg/netrace/spec"
	"github.com/robertodauria/netrace/pkg/netrace/transport"
	"go.uber.org/zap"
)

var errInvalidSize = errors.New("invalid transfer size")

// Handler serves transfer and ping requests.
type Handler struct {
	dataDir string
	maxSize int64
}

// Record is the archival record of a transfer served over WebSocket.
type Record struct {
	GitShortCommit string
	UUID           string
	Direction      spec.Direction
	Client         string
	Server         string
	StartTime      time.Time
	EndTime        time.Time
	NumBytes       int64
	Error          string `json:",omitempty"`
}

// New creates a new Handler. If dataDir is not empty, a Record is archived
// there for every WebSocket transfer. Transfers larger than maxSize are
// rejected; a non-positive maxSize means spec.MaxTransferSize.
func New(dataDir string, maxSize int64) *Handler {
	if maxSize <= 0 || maxSize > spec.MaxTransferSize {
		maxSize = spec.MaxTransferSize
	}
	return &Handler{
		dataDir: dataDir,
		maxSize: maxSize,
	}
}

// Mux returns a ServeMux with every endpoint registered.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(spec.DownloadPath, h.Download)
	mux.HandleFunc(spec.UploadPath, h.Upload)
	mux.HandleFunc(spec.PingPath, h.Ping)
	mux.HandleFunc(spec.WSDownloadPath, h.WSDownload)
	mux.HandleFunc(spec.WSUploadPath, h.WSUpload)
	return mux
}

// writeBadRequest sends a Bad Request response to the client using writer.
func writeBadRequest(writer http.ResponseWriter) {
	writer.Header().Set("Connection", "Close")
	writer.WriteHeader(http.StatusBadRequest)
}

func (h *Handler) parseSize(req *http.Request) (int64, error) {
	raw := req.URL.Query().Get("bytes")
	if raw == "" {
		return 0, nil
	}
	size, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || size < 0 || size > h.maxSize {
		return 0, errInvalidSize
	}
	return size, nil
}

func setMetaHeaders(rw http.ResponseWriter, req *http.Request) {
	if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		rw.Header().Set("cf-meta-ip", host)
	}
}

// zeros is an infinite source of zero bytes.
type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// Download answers GET /__down?bytes=N with N bytes.
func (h *Handler) Download(rw http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	size, err := h.parseSize(req)
	if err != nil {
		zap.L().Sugar().Infow("Invalid download size",
			"url", req.URL.String(),
			"client", req.RemoteAddr)
		metrics.ServerRequests.WithLabelValues("http", "download", "invalid-size").Inc()
		writeBadRequest(rw)
		return
	}
	rw.Header().Set("Content-Type", "application/octet-stream")
	rw.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	rw.Header().Set("Cache-Control", "no-store")
	setMetaHeaders(rw, req)
	rw.WriteHeader(http.StatusOK)
	if req.Method == http.MethodHead {
		return
	}
	n, err := io.CopyN(rw, zeros{}, size)
	metrics.ServedBytes.WithLabelValues("http", "download").Add(float64(n))
	if err != nil {
		zap.L().Sugar().Debugw("Download interrupted", "client", req.RemoteAddr, "error", err)
		metrics.ServerRequests.WithLabelValues("http", "download", "interrupted").Inc()
		return
	}
	metrics.ServerRequests.WithLabelValues("http", "download", "ok").Inc()
}

// Upload answers POST /__up by draining the request body.
func (h *Handler) Upload(rw http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	n, err := io.Copy(io.Discard, io.LimitReader(req.Body, h.maxSize+1))
	metrics.ServedBytes.WithLabelValues("http", "upload").Add(float64(n))
	if err != nil {
		zap.L().Sugar().Debugw("Upload interrupted", "client", req.RemoteAddr, "error", err)
		metrics.ServerRequests.WithLabelValues("http", "upload", "interrupted").Inc()
		writeBadRequest(rw)
		return
	}
	if n > h.maxSize {
		metrics.ServerRequests.WithLabelValues("http", "upload", "too-large").Inc()
		rw.Header().Set("Connection", "Close")
		rw.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}
	rw.Header().Set("Cache-Control", "no-store")
	setMetaHeaders(rw, req)
	rw.WriteHeader(http.StatusOK)
	metrics.ServerRequests.WithLabelValues("http", "upload", "ok").Inc()
}

// Ping answers HEAD and GET /ping with an empty response.
func (h *Handler) Ping(rw http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rw.Header().Set("Cache-Control", "no-store")
	rw.WriteHeader(http.StatusOK)
}

// Upgrade upgrades the HTTP connection to WebSockets.
// Returns the upgraded websocket.Conn.
func Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	if r.Header.Get("Sec-WebSocket-Protocol") != spec.SecWebSocketProtocol {
		w.WriteHeader(http.StatusBadRequest)
		return nil, errors.New("missing Sec-WebSocket-Protocol header")
	}
	h := http.Header{}
	h.Add("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
	u := websocket.Upgrader{
		// Allow cross-origin resource sharing.
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		// Set r/w buffers to the maximum expected message size.
		ReadBufferSize:  spec.MaxMessageSize,
		WriteBufferSize: spec.MaxMessageSize,
	}
	return u.Upgrade(w, r, h)
}

// WSDownload sends the requested number of bytes over a WebSocket.
func (h *Handler) WSDownload(rw http.ResponseWriter, req *http.Request) {
	size, err := h.parseSize(req)
	if err != nil {
		metrics.ServerRequests.WithLabelValues("websocket", "download", "invalid-size").Inc()
		writeBadRequest(rw)
		return
	}
	h.runWebSocket(spec.DirectionDownload, rw, req, func(ctx context.Context, conn *websocket.Conn) (int64, error) {
		return send(ctx, conn, size)
	})
}

// WSUpload receives bytes over a WebSocket until the client closes it.
func (h *Handler) WSUpload(rw http.ResponseWriter, req *http.Request) {
	h.runWebSocket(spec.DirectionUpload, rw, req, func(ctx context.Context, conn *websocket.Conn) (int64, error) {
		return receive(ctx, conn, h.maxSize)
	})
}

func (h *Handler) runWebSocket(dir spec.Direction, rw http.ResponseWriter, req *http.Request,
	run func(context.Context, *websocket.Conn) (int64, error)) {
	zap.L().Sugar().Debugw("Upgrading connection to websocket",
		"url", req.URL.String(),
		"headers", req.Header,
	)
	conn, err := Upgrade(rw, req)
	if err != nil {
		zap.L().Sugar().Warnw("Websocket upgrade failed", "error", err)
		metrics.ServerRequests.WithLabelValues("websocket", string(dir), "upgrade-failed").Inc()
		return
	}

	// Make sure the connection is closed after (at most) MaxRuntime.
	ctx, cancel := context.WithTimeout(req.Context(), spec.MaxRuntime)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	record := &Record{
		GitShortCommit: prometheusx.GitShortCommit,
		UUID:           connUUID(conn),
		Direction:      dir,
		Client:         conn.RemoteAddr().String(),
		Server:         conn.LocalAddr().String(),
		StartTime:      time.Now().UTC(),
	}
	n, err := run(ctx, conn)
	record.EndTime = time.Now().UTC()
	record.NumBytes = n
	metrics.ServedBytes.WithLabelValues("websocket", string(dir)).Add(float64(n))
	if err != nil {
		record.Error = err.Error()
		zap.L().Sugar().Debugw("Websocket transfer failed", "uuid", record.UUID, "error", err)
		metrics.ServerRequests.WithLabelValues("websocket", string(dir), "error").Inc()
	} else {
		metrics.ServerRequests.WithLabelValues("websocket", string(dir), "ok").Inc()
	}
	h.writeRecord(record)
}

// connUUID returns the flow UUID of the connection's socket, or a random one
// when the socket cookie is not available.
func connUUID(conn *websocket.Conn) string {
	if tc, ok := conn.UnderlyingConn().(*net.TCPConn); ok {
		if id, err := mlabuuid.FromTCPConn(tc); err == nil {
			return id
		}
	}
	return uuid.NewString()
}

func (h *Handler) writeRecord(record *Record) {
	if h.dataDir == "" {
		return
	}
	_, err := persistence.WriteRecord(h.dataDir, string(record.Direction), record.UUID, record)
	if err != nil {
		zap.L().Sugar().Errorw("Failed to write record", "uuid", record.UUID, "error", err)
	}
}

// send writes size bytes as binary messages of growing size, then closes the
// connection normally.
func send(ctx context.Context, conn *websocket.Conn, size int64) (int64, error) {
	sent, err := transport.WriteBinary(conn, size)
	if err != nil {
		return sent, err
	}
	err = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	if err != nil {
		return sent, err
	}
	// Wait for the client's close frame.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	for {
		if _, _, err := conn.NextReader(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return sent, nil
			}
			return sent, ctxErr(ctx, err)
		}
	}
}

// receive discards binary messages until the client closes the connection
// normally.
func receive(ctx context.Context, conn *websocket.Conn, maxSize int64) (int64, error) {
	conn.SetReadLimit(spec.MaxMessageSize)
	total := int64(0)
	for {
		kind, reader, err := conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return total, nil
			}
			return total, ctxErr(ctx, err)
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		n, err := io.Copy(io.Discard, reader)
		total += n
		if err != nil {
			return total, err
		}
		if total > maxSize {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseMessageTooBig, "transfer too large"),
				time.Now().Add(time.Second))
			return total, errInvalidSize
		}
	}
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
