package transport

import (
	"context"
	"crypto/rand"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/robertodauria/netrace/pkg/netrace/results"
	"github.com/robertodauria/netrace/pkg/netrace/spec"
)

const closeTimeout = time.Second

// WebSocket is a Transport speaking the netrace WebSocket subprotocol. Binary
// messages carry the payload and a normal close frame ends the transfer.
type WebSocket struct {
	Dialer *websocket.Dialer
}

// NewWebSocket returns a WebSocket transport with buffers sized for the
// largest message.
func NewWebSocket() *WebSocket {
	return &WebSocket{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   spec.MaxMessageSize,
			WriteBufferSize:  spec.MaxMessageSize,
		},
	}
}

// MakePreparedMessage returns a binary message of random bytes.
func MakePreparedMessage(size int) (*websocket.PreparedMessage, error) {
	data := make([]byte, size)
	_, err := rand.Read(data)
	if err != nil {
		return nil, err
	}
	return websocket.NewPreparedMessage(websocket.BinaryMessage, data)
}

func (ws *WebSocket) dial(ctx context.Context, u string) (*websocket.Conn, func(), error) {
	headers := http.Header{}
	headers.Add("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
	conn, _, err := ws.Dialer.DialContext(ctx, u, headers)
	if err != nil {
		return nil, nil, err
	}
	// Closing the connection unblocks any pending read or write when the
	// context is done.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	return conn, func() {
		close(done)
		conn.Close()
	}, nil
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure)
}

// Download reads binary messages until size bytes arrive or the target
// closes the connection normally.
func (ws *WebSocket) Download(ctx context.Context, target results.Target, size int64) (int64, error) {
	conn, cleanup, err := ws.dial(ctx, target.SizedURL(size))
	if err != nil {
		return 0, err
	}
	defer cleanup()
	conn.SetReadLimit(spec.MaxMessageSize)

	total := int64(0)
	for total < size {
		kind, reader, err := conn.NextReader()
		if isNormalClose(err) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		n, err := io.Copy(io.Discard, reader)
		if err != nil {
			return 0, err
		}
		total += n
	}
	if total < size {
		return 0, errors.Wrapf(ErrShortTransfer, "received %d of %d bytes", total, size)
	}
	closeConn(conn)
	return total, nil
}

// Upload writes size bytes as binary messages, doubling the message size up
// to spec.MaxMessageSize, then closes the connection.
func (ws *WebSocket) Upload(ctx context.Context, target results.Target, size int64) (int64, error) {
	conn, cleanup, err := ws.dial(ctx, target.UploadURL)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	sent, err := WriteBinary(conn, size)
	if err != nil {
		return 0, wrapCtx(ctx, err)
	}
	if err := closeConn(conn); err != nil {
		return 0, wrapCtx(ctx, err)
	}
	return sent, nil
}

// WriteBinary writes size bytes to conn as binary messages, doubling the
// message size from spec.MinMessageSize up to spec.MaxMessageSize. It returns
// the number of bytes written.
func WriteBinary(conn *websocket.Conn, size int64) (int64, error) {
	msgSize := spec.MinMessageSize
	message, err := MakePreparedMessage(msgSize)
	if err != nil {
		return 0, err
	}
	sent := int64(0)
	for sent < size {
		remaining := size - sent
		if remaining < int64(msgSize) {
			if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, remaining)); err != nil {
				return sent, err
			}
			return size, nil
		}
		if err := conn.WritePreparedMessage(message); err != nil {
			return sent, err
		}
		sent += int64(msgSize)
		if msgSize < spec.MaxMessageSize && int64(msgSize*2) <= size-sent {
			msgSize <<= 1
			if message, err = MakePreparedMessage(msgSize); err != nil {
				return sent, err
			}
		}
	}
	return sent, nil
}

// SupportsScheme reports whether scheme is ws or wss.
func (ws *WebSocket) SupportsScheme(scheme string) bool {
	return scheme == "ws" || scheme == "wss"
}

// Probe performs a WebSocket handshake with the target.
func (ws *WebSocket) Probe(ctx context.Context, target results.Target) error {
	conn, cleanup, err := ws.dial(ctx, target.ProbeURL())
	if err != nil {
		return err
	}
	defer cleanup()
	return conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeTimeout))
}

// closeConn sends a close frame and waits for the peer to answer with its
// own close frame.
func closeConn(conn *websocket.Conn) error {
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeTimeout))
	if err != nil {
		return err
	}
	conn.SetReadDeadline(time.Now().Add(closeTimeout))
	for {
		if _, _, err := conn.NextReader(); err != nil {
			if isNormalClose(err) {
				return nil
			}
			return err
		}
	}
}

func wrapCtx(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
