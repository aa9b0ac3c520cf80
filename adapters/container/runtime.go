// Package container implements the ContainerRuntime port over local TCP.
//
// The sandboxed container shares the proxy's network namespace, so the
// gateway process is reached at a loopback address on its advertised
// port. Swapping this adapter for one backed by a container API keeps
// the rest of the proxy unchanged.
package container

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/sandgate/sandgate/ports"
)

// Runtime forwards requests to a process inside the container.
type Runtime struct {
	// httpClient streams responses. No timeout so long-lived
	// streaming responses (SSE) are not cut off mid-stream;
	// cancellation comes from the request context.
	httpClient *http.Client
	dialer     *net.Dialer
	host       string
	logger     zerolog.Logger
}

// Options configures a Runtime.
type Options struct {
	// Host is the address the container's ports are bound on.
	// Defaults to 127.0.0.1.
	Host string

	// ConnectTimeout bounds dialing the container.
	ConnectTimeout time.Duration

	MaxIdleConns    int
	IdleConnTimeout time.Duration

	Logger zerolog.Logger
}

// New creates a Runtime.
func New(opts Options) *Runtime {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.MaxIdleConns == 0 {
		opts.MaxIdleConns = 100
	}
	if opts.IdleConnTimeout == 0 {
		opts.IdleConnTimeout = 90 * time.Second
	}

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}

	transport := &http.Transport{
		DialContext:        dialer.DialContext,
		MaxIdleConns:       opts.MaxIdleConns,
		IdleConnTimeout:    opts.IdleConnTimeout,
		DisableCompression: true, // pass bodies through byte-for-byte
	}

	return &Runtime{
		httpClient: &http.Client{
			Transport: transport,
			// Redirects from the gateway go back to the caller as-is.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		dialer: dialer,
		host:   opts.Host,
		logger: opts.Logger,
	}
}

// HTTPFetch forwards req to the gateway process on port. The wire
// request is rebuilt from target so the rewritten query is what
// actually goes over the connection.
func (r *Runtime) HTTPFetch(ctx context.Context, target string, req *http.Request, port int) (*http.Response, error) {
	u, err := r.wireURL(target, port)
	if err != nil {
		return nil, err
	}

	// A server-side request always carries a non-nil Body. Sending it
	// as-is on a bodyless request makes the client emit
	// Transfer-Encoding: chunked, so drop it when the length is zero.
	body := req.Body
	if req.ContentLength == 0 {
		body = nil
	}

	out, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build container request: %w", err)
	}
	out.Header = req.Header.Clone()
	out.ContentLength = req.ContentLength
	out.Host = req.Host

	resp, err := r.httpClient.Do(out)
	if err != nil {
		r.logger.Debug().
			Err(err).
			Str("method", req.Method).
			Int("port", port).
			Msg("container fetch failed")
		return nil, fmt.Errorf("container fetch: %w", err)
	}
	return resp, nil
}

// WSConnect dials the gateway process and writes the upgrade request.
// The request line is built from target; headers are copied unchanged
// so the Sec-WebSocket-* handshake fields survive intact.
func (r *Runtime) WSConnect(ctx context.Context, target string, req *http.Request, port int) (net.Conn, *bufio.Reader, error) {
	u, err := r.wireURL(target, port)
	if err != nil {
		return nil, nil, err
	}

	conn, err := r.dialer.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		r.logger.Debug().
			Err(err).
			Int("port", port).
			Msg("container dial failed")
		return nil, nil, fmt.Errorf("container dial: %w", err)
	}

	out := &http.Request{
		Method:     req.Method,
		URL:        u,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     req.Header.Clone(),
		Host:       req.Host,
	}
	if out.Host == "" {
		out.Host = u.Host
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if err := out.Write(conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("write upgrade request: %w", err)
	}

	return conn, bufio.NewReader(conn), nil
}

// HealthCheck verifies the gateway process accepts connections.
func (r *Runtime) HealthCheck(ctx context.Context, port int) error {
	addr := net.JoinHostPort(r.host, strconv.Itoa(port))
	conn, err := r.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("container health check: %w", err)
	}
	conn.Close()
	return nil
}

// wireURL turns the authoritative target (path plus query) into the
// absolute URL of the process on port.
func (r *Runtime) wireURL(target string, port int) (*url.URL, error) {
	u, err := url.ParseRequestURI(target)
	if err != nil {
		return nil, fmt.Errorf("parse target: %w", err)
	}
	u.Scheme = "http"
	u.Host = net.JoinHostPort(r.host, strconv.Itoa(port))
	return u, nil
}

var _ ports.ContainerRuntime = (*Runtime)(nil)
