package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/robertodauria/netrace/internal/handler"
	"github.com/robertodauria/netrace/pkg/netrace/results"
	"github.com/robertodauria/netrace/pkg/netrace/spec"
	"github.com/robertodauria/netrace/pkg/netrace/transport"
	"gotest.tools/v3/assert"
)

func newServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(handler.New("", 4<<20).Mux())
	t.Cleanup(srv.Close)
	return srv
}

func httpTarget(base string) results.Target {
	return results.Target{
		ID:          "local",
		DownloadURL: base + spec.DownloadPath + "?bytes=" + spec.SizePlaceholder,
		UploadURL:   base + spec.UploadPath,
		PingURL:     base + spec.PingPath,
	}
}

func wsTarget(base string) results.Target {
	ws := "ws" + strings.TrimPrefix(base, "http")
	return results.Target{
		ID:          "local-ws",
		DownloadURL: ws + spec.WSDownloadPath + "?bytes=" + spec.SizePlaceholder,
		UploadURL:   ws + spec.WSUploadPath,
	}
}

func TestHTTP_RoundTrip(t *testing.T) {
	srv := newServer(t)
	tr, err := transport.NewHTTP(transport.HTTPOptions{})
	assert.NilError(t, err)
	target := httpTarget(srv.URL)
	ctx := context.Background()

	n, err := tr.Download(ctx, target, 1<<20)
	assert.NilError(t, err)
	assert.Equal(t, n, int64(1<<20))

	n, err = tr.Upload(ctx, target, 512<<10)
	assert.NilError(t, err)
	assert.Equal(t, n, int64(512<<10))

	assert.NilError(t, tr.Probe(ctx, target))
}

func TestHTTP_Errors(t *testing.T) {
	srv := newServer(t)
	tr, err := transport.NewHTTP(transport.HTTPOptions{Protocol: "tcp4"})
	assert.NilError(t, err)
	target := httpTarget(srv.URL)

	// Larger than the server's limit.
	_, err = tr.Download(context.Background(), target, 8<<20)
	assert.Assert(t, errors.Is(err, transport.ErrStatus))

	target.UploadURL = srv.URL + spec.DownloadPath
	_, err = tr.Upload(context.Background(), target, 1024)
	assert.Assert(t, errors.Is(err, transport.ErrStatus))

	target.PingURL = srv.URL + "/notfound"
	err = tr.Probe(context.Background(), target)
	assert.Assert(t, errors.Is(err, transport.ErrStatus))
}

func TestHTTP_ShortBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Write([]byte("short"))
	}))
	defer srv.Close()
	tr, err := transport.NewHTTP(transport.HTTPOptions{})
	assert.NilError(t, err)
	_, err = tr.Download(context.Background(), results.Target{DownloadURL: srv.URL}, 1024)
	assert.Assert(t, errors.Is(err, transport.ErrShortTransfer))
}

func TestHTTP_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		select {
		case <-req.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	tr, err := transport.NewHTTP(transport.HTTPOptions{})
	assert.NilError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = tr.Download(ctx, results.Target{DownloadURL: srv.URL}, 1024)
	assert.Assert(t, err != nil)
	assert.Assert(t, time.Since(start) < time.Second)
}

func TestNewHTTP_InvalidOptions(t *testing.T) {
	_, err := transport.NewHTTP(transport.HTTPOptions{Protocol: "udp"})
	assert.ErrorContains(t, err, "unsupported dial protocol")
	_, err = transport.NewHTTP(transport.HTTPOptions{ProxyURL: "://bad"})
	assert.ErrorContains(t, err, "invalid proxy URL")
}

func TestHTTP_Metadata(t *testing.T) {
	srv := newServer(t)
	tr, err := transport.NewHTTP(transport.HTTPOptions{})
	assert.NilError(t, err)
	var mp transport.MetadataProvider = tr
	loc, err := mp.Metadata(context.Background(), httpTarget(srv.URL))
	assert.NilError(t, err)
	assert.Equal(t, loc.IP, "127.0.0.1")
}

func TestWebSocket_RoundTrip(t *testing.T) {
	srv := newServer(t)
	tr := transport.NewWebSocket()
	target := wsTarget(srv.URL)
	ctx := context.Background()

	for _, size := range []int64{0, 1000, 1 << 20, 3<<20 + 17} {
		n, err := tr.Download(ctx, target, size)
		assert.NilError(t, err)
		assert.Equal(t, n, size)

		n, err = tr.Upload(ctx, target, size)
		assert.NilError(t, err)
		assert.Equal(t, n, size)
	}
	assert.NilError(t, tr.Probe(ctx, target))
}

func TestWebSocket_Canceled(t *testing.T) {
	srv := newServer(t)
	tr := transport.NewWebSocket()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Download(ctx, wsTarget(srv.URL), 1<<20)
	assert.Assert(t, err != nil)
}

func TestWebSocket_MissingSubprotocol(t *testing.T) {
	srv := newServer(t)
	resp, err := http.Get(srv.URL + spec.WSUploadPath)
	assert.NilError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusBadRequest)
}

func TestWriteBinary(t *testing.T) {
	sizes := make(chan []int, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(rw, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		got := []int{}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			got = append(got, len(data))
		}
		sizes <- got
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	assert.NilError(t, err)
	n, err := transport.WriteBinary(conn, 5000)
	assert.NilError(t, err)
	assert.Equal(t, n, int64(5000))
	assert.NilError(t, conn.Close())

	// Messages double in size until the remainder is smaller than the next.
	assert.DeepEqual(t, <-sizes, []int{spec.MinMessageSize, 2 * spec.MinMessageSize, 1928})
}

func TestSupportsScheme(t *testing.T) {
	h, err := transport.NewHTTP(transport.HTTPOptions{})
	assert.NilError(t, err)
	ws := transport.NewWebSocket()

	for _, scheme := range []string{"http", "https"} {
		assert.Assert(t, h.SupportsScheme(scheme))
		assert.Assert(t, !ws.SupportsScheme(scheme))
	}
	for _, scheme := range []string{"ws", "wss"} {
		assert.Assert(t, !h.SupportsScheme(scheme))
		assert.Assert(t, ws.SupportsScheme(scheme))
	}
	var _ transport.SchemeChecker = h
	var _ transport.SchemeChecker = ws
}
