// Package proxy forwards gateway requests to route backends over HTTP.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/gateway"
	"github.com/edgegate/edgegate/pkg/logger"
)

// ErrResponseTooLarge is returned when an upstream response body exceeds
// the configured size cap.
var ErrResponseTooLarge = errors.New("upstream response too large")

// hopHeaders are connection-scoped and never cross the proxy in either
// direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// idempotentMethods may be resent after a transport failure.
var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
}

// HTTPForwarder sends requests to route backends. Transient transport
// errors on idempotent methods are retried with doubling backoff;
// upstream HTTP statuses, including 5xx, are returned as responses.
type HTTPForwarder struct {
	client           *http.Client
	maxRetries       int
	retryBackoff     time.Duration
	maxResponseBytes int64
	log              *logger.Logger
}

// NewHTTPForwarder creates a forwarder from proxy configuration. Upstream
// redirects are passed back to the client rather than followed.
func NewHTTPForwarder(cfg *config.ProxyConfig, log *logger.Logger) *HTTPForwarder {
	if log == nil {
		log = logger.NewNop()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}

	return &HTTPForwarder{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxRetries:       cfg.MaxRetries,
		retryBackoff:     backoff,
		maxResponseBytes: maxBytes,
		log:              log,
	}
}

// Forward sends the request to the route's backend and returns the
// upstream response.
func (f *HTTPForwarder) Forward(ctx context.Context, route *gateway.Route, req *gateway.Request) (*gateway.Response, error) {
	target := buildTargetURL(route.Target, route.Prefix, req.Path, req.Query)

	attempts := 1
	if f.maxRetries > 0 && idempotentMethods[req.Method] {
		attempts += f.maxRetries
	}

	backoff := f.retryBackoff
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			f.log.Debug("retrying upstream request",
				"backend", route.Backend,
				"attempt", attempt,
			)
		}

		resp, err := f.send(ctx, target, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return nil, lastErr
}

func (f *HTTPForwarder) send(ctx context.Context, target string, req *gateway.Request) (*gateway.Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	out, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}

	out.Header = outboundHeaders(req.Header)
	if req.ClientIP != "" {
		appendForwardedFor(out.Header, req.ClientIP)
	}

	resp, err := f.client.Do(out)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Read one byte past the cap so truncation is detectable.
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}
	if int64(len(data)) > f.maxResponseBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrResponseTooLarge, f.maxResponseBytes)
	}

	header := resp.Header.Clone()
	for _, h := range hopHeaders {
		header.Del(h)
	}

	return &gateway.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   data,
	}, nil
}

// retryable reports whether a transport error is worth another attempt.
// Context errors and timeouts are final: the request budget is spent.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrResponseTooLarge) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	return true
}

// buildTargetURL maps the inbound path onto the route target: the route
// prefix is stripped and the remainder joined to the target's base path.
func buildTargetURL(target *url.URL, prefix, path, query string) string {
	remainder := path
	if prefix != "/" {
		remainder = strings.TrimPrefix(path, prefix)
	}
	if remainder != "" && !strings.HasPrefix(remainder, "/") {
		remainder = "/" + remainder
	}

	joined := strings.TrimRight(target.Path, "/") + remainder
	if joined == "" {
		joined = "/"
	}

	u := *target
	u.Path = joined
	u.RawQuery = query
	return u.String()
}

// outboundHeaders clones the inbound headers minus hop-by-hop ones.
func outboundHeaders(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = make(http.Header)
	}
	for _, name := range hopHeaders {
		out.Del(name)
	}
	return out
}

// appendForwardedFor records the client in the X-Forwarded-For chain.
func appendForwardedFor(h http.Header, client string) {
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		h.Set("X-Forwarded-For", prior+", "+client)
		return
	}
	h.Set("X-Forwarded-For", client)
}
