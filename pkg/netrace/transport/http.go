package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/robertodauria/netrace/pkg/netrace/results"
)

const defaultDialTimeout = 10 * time.Second

// HTTP is a Transport that downloads with GET, uploads with POST and probes
// with HEAD.
type HTTP struct {
	Client *http.Client
}

// HTTPOptions configures NewHTTP.
type HTTPOptions struct {
	// Protocol is the dial network: "tcp", "tcp4" or "tcp6".
	Protocol string
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration
	// ProxyURL, if set, routes every request through a relay.
	ProxyURL string
}

// NewHTTP returns an HTTP transport dialing over the configured protocol.
func NewHTTP(opts HTTPOptions) (*HTTP, error) {
	protocol := opts.Protocol
	if protocol == "" {
		protocol = "tcp"
	}
	switch protocol {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, errors.Errorf("unsupported dial protocol %q", protocol)
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	proxy := http.ProxyFromEnvironment
	if opts.ProxyURL != "" {
		u, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, errors.Wrap(err, "invalid proxy URL")
		}
		proxy = http.ProxyURL(u)
	}
	t := &http.Transport{
		Proxy: proxy,
		DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
			return (&net.Dialer{
				Timeout:   dialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext(ctx, protocol, addr)
		},
		ForceAttemptHTTP2:     true,
		DisableCompression:    true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &HTTP{Client: &http.Client{Transport: t}}, nil
}

func (h *HTTP) do(req *http.Request) (*http.Response, int64, error) {
	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, 0, errors.Wrapf(ErrStatus, "%s %s: %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	return resp, n, nil
}

// Download fetches the target's download URL and drains the body.
func (h *HTTP) Download(ctx context.Context, target results.Target, size int64) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.SizedURL(size), nil)
	if err != nil {
		return 0, err
	}
	_, n, err := h.do(req)
	if err != nil {
		return 0, err
	}
	if n < size {
		return 0, errors.Wrapf(ErrShortTransfer, "received %d of %d bytes", n, size)
	}
	return n, nil
}

// Upload posts size zero bytes to the target's upload URL.
func (h *HTTP) Upload(ctx context.Context, target results.Target, size int64) (int64, error) {
	body := bytes.NewReader(make([]byte, size))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.UploadURL, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if _, _, err := h.do(req); err != nil {
		return 0, err
	}
	return size, nil
}

// SupportsScheme reports whether scheme is http or https.
func (h *HTTP) SupportsScheme(scheme string) bool {
	return scheme == "http" || scheme == "https"
}

// Probe sends a HEAD request to the target's probe URL.
func (h *HTTP) Probe(ctx context.Context, target results.Target) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target.ProbeURL(), nil)
	if err != nil {
		return err
	}
	_, _, err = h.do(req)
	return err
}

// Metadata reads the client location from the cf-meta-* headers returned by
// an empty download.
func (h *HTTP) Metadata(ctx context.Context, target results.Target) (*results.Location, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.SizedURL(0), nil)
	if err != nil {
		return nil, err
	}
	resp, _, err := h.do(req)
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch metadata")
	}
	loc := &results.Location{
		City:    resp.Header.Get("cf-meta-city"),
		Country: resp.Header.Get("cf-meta-country"),
		IP:      resp.Header.Get("cf-meta-ip"),
	}
	if asn := resp.Header.Get("cf-meta-asn"); asn != "" {
		loc.ISP = "AS" + asn
	}
	if *loc == (results.Location{}) {
		return nil, errors.New("no metadata headers in response")
	}
	return loc, nil
}
