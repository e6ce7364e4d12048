package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/edgegate/edgegate/internal/breaker"
	"github.com/edgegate/edgegate/internal/cache"
	"github.com/edgegate/edgegate/internal/keystore"
	"github.com/edgegate/edgegate/internal/metrics"
	"github.com/edgegate/edgegate/internal/ratelimit"
	"github.com/edgegate/edgegate/internal/usage"
	"github.com/edgegate/edgegate/pkg/logger"
)

// Request is the normalized descriptor the engine consumes. The engine
// never touches http.Request; the serving shell builds this.
type Request struct {
	Method     string
	Path       string
	Query      string
	Header     http.Header
	Body       []byte
	APIKey     string
	ClientIP   string
	RemoteAddr string
}

// Response is the engine's decision, written back by the serving shell.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Forwarder sends a request to a route's backend and returns its response.
// Only transport-level failures are errors; an upstream HTTP error status
// is a Response like any other.
type Forwarder interface {
	Forward(ctx context.Context, route *Route, req *Request) (*Response, error)
}

// UsageRecorder attributes request outcomes to rate-limit subjects.
type UsageRecorder interface {
	Record(key string, outcome usage.Outcome)
}

// Rejection codes carried in error response bodies.
const (
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CodeStoreUnavailable    = "RATE_LIMIT_STORE_UNAVAILABLE"
	CodeKeyStoreUnavailable = "KEY_STORE_UNAVAILABLE"
	CodeCircuitOpen         = "CIRCUIT_OPEN"
	CodeUpstreamError       = "UPSTREAM_ERROR"
	CodeUpstreamTimeout     = "UPSTREAM_TIMEOUT"
	CodeRouteNotFound       = "ROUTE_NOT_FOUND"
	CodeRequestTooLarge     = "REQUEST_TOO_LARGE"
)

// errorBody is the JSON shape of every rejection response.
type errorBody struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// Engine runs the decision pipeline for one request: auth, rate limit,
// response cache, breaker-wrapped forward.
type Engine struct {
	keys     keystore.Store
	limiter  ratelimit.Limiter
	breakers *breaker.Registry
	cache    cache.ResponseCacher
	fwd      Forwarder
	usage    UsageRecorder
	log      *logger.Logger
}

// NewEngine wires the pipeline. respCache and rec may be nil, which
// disables response caching and usage accounting respectively.
func NewEngine(
	keys keystore.Store,
	limiter ratelimit.Limiter,
	breakers *breaker.Registry,
	respCache cache.ResponseCacher,
	fwd Forwarder,
	rec UsageRecorder,
	log *logger.Logger,
) *Engine {
	if log == nil {
		log = logger.NewNop()
	}
	return &Engine{
		keys:     keys,
		limiter:  limiter,
		breakers: breakers,
		cache:    respCache,
		fwd:      fwd,
		usage:    rec,
		log:      log,
	}
}

// Handle resolves one request against a matched route.
func (e *Engine) Handle(ctx context.Context, route *Route, req *Request) *Response {
	metrics.RequestsTotal.WithLabelValues(route.Name).Inc()

	var record *keystore.APIKey
	if route.AuthRequired {
		rec, reject := e.authenticate(ctx, req)
		if reject != nil {
			e.record(RateKey(nil, req), usage.OutcomeUnauthorized)
			return reject
		}
		record = rec
	}

	// A key carrying its own limit overrides the route's.
	limitCfg := route.RateLimit
	if record != nil && record.RateLimit != nil {
		limitCfg = *record.RateLimit
	}

	key := RateKey(record, req)
	result, err := e.limiter.Allow(ctx, key, limitCfg)
	if err != nil {
		e.log.Error("rate limit check failed",
			"route", route.Name,
			"error", err.Error(),
		)
		return ErrorResponse(http.StatusServiceUnavailable, CodeStoreUnavailable,
			"rate limit store unavailable", 0)
	}
	if !result.Allowed {
		metrics.RequestsRateLimited.WithLabelValues(route.Name).Inc()
		e.record(key, usage.OutcomeRateLimited)

		resp := ErrorResponse(http.StatusTooManyRequests, CodeRateLimitExceeded,
			"rate limit exceeded", result.RetryAfter)
		attachRateHeaders(resp.Header, result)
		return resp
	}

	// Cache lookup happens after the rate limit check: cached responses
	// still count against the caller's quota.
	cacheable := e.cache != nil && req.Method == http.MethodGet && route.CacheTTL > 0
	if cacheable {
		if hit, err := e.cache.Get(ctx, req.Path, req.Query); err == nil {
			metrics.RecordCacheHit()
			e.record(key, usage.OutcomeCacheHit)

			resp := &Response{
				Status: hit.Status,
				Header: cloneHeader(hit.Header),
				Body:   hit.Body,
			}
			resp.Header.Set("X-Cache", "HIT")
			attachRateHeaders(resp.Header, result)
			return resp
		}
		metrics.RecordCacheMiss()
	}

	br := e.breakers.Get(route.Backend)
	if err := br.Allow(); err != nil {
		metrics.BreakerRejections.WithLabelValues(route.Backend).Inc()
		e.record(key, usage.OutcomeCircuitOpen)
		return ErrorResponse(http.StatusServiceUnavailable, CodeCircuitOpen,
			"backend unavailable", br.RetryAfter())
	}

	start := time.Now()
	resp, err := e.fwd.Forward(ctx, route, req)
	elapsed := time.Since(start)

	if err != nil {
		// An unresolved call is a failure for breaker accounting.
		br.RecordFailure()
		metrics.RecordForward(route.Backend, false, elapsed)
		e.record(key, usage.OutcomeUpstreamError)
		e.log.Error("forward failed",
			"route", route.Name,
			"backend", route.Backend,
			"error", err.Error(),
		)

		if isTimeout(err) {
			return ErrorResponse(http.StatusGatewayTimeout, CodeUpstreamTimeout,
				"upstream request timed out", 0)
		}
		return ErrorResponse(http.StatusBadGateway, CodeUpstreamError,
			"upstream request failed", 0)
	}

	br.RecordSuccess()
	metrics.RecordForward(route.Backend, true, elapsed)
	e.record(key, usage.OutcomeAllowed)

	if resp.Header == nil {
		resp.Header = make(http.Header)
	}

	// Store the upstream response before the per-request headers go on.
	if cacheable && resp.Status == http.StatusOK {
		stored := &cache.CachedResponse{
			Status:   resp.Status,
			Header:   cloneHeader(resp.Header),
			Body:     resp.Body,
			CachedAt: time.Now(),
		}
		if err := e.cache.Set(ctx, req.Path, req.Query, stored, route.CacheTTL); err != nil {
			e.log.Warn("response cache store failed", "route", route.Name, "error", err.Error())
		}
	}
	if cacheable {
		resp.Header.Set("X-Cache", "MISS")
	}
	attachRateHeaders(resp.Header, result)

	return resp
}

// authenticate resolves the request's API key. It returns either the key
// record or the rejection to send.
func (e *Engine) authenticate(ctx context.Context, req *Request) (*keystore.APIKey, *Response) {
	if req.APIKey == "" {
		return nil, ErrorResponse(http.StatusUnauthorized, CodeUnauthorized,
			"missing api key", 0)
	}

	record, err := e.keys.Validate(ctx, req.APIKey)
	if err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			return nil, ErrorResponse(http.StatusUnauthorized, CodeUnauthorized,
				"unknown api key", 0)
		}
		e.log.Error("key store lookup failed", "error", err.Error())
		return nil, ErrorResponse(http.StatusServiceUnavailable, CodeKeyStoreUnavailable,
			"key store unavailable", 0)
	}
	if !record.Active {
		return nil, ErrorResponse(http.StatusUnauthorized, CodeUnauthorized,
			"api key is inactive", 0)
	}

	return record, nil
}

func (e *Engine) record(key string, outcome usage.Outcome) {
	if e.usage != nil {
		e.usage.Record(key, outcome)
	}
}

// RateKey derives the rate-limit subject for a request. This is the
// fairness unit: authenticated callers are limited per API key, everyone
// else per client address. ClientIP, when the transport layer resolved
// one, wins over the forwarded-for header so proxy trust stays in one
// place.
func RateKey(record *keystore.APIKey, req *Request) string {
	if record != nil {
		return "api:" + record.Key
	}
	if req.ClientIP != "" {
		return "ip:" + req.ClientIP
	}
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if first != "" {
			return "ip:" + first
		}
	}

	host := req.RemoteAddr
	if h, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		host = h
	}
	return "ip:" + host
}

// ErrorResponse builds a JSON rejection response. A positive retryAfter
// adds a Retry-After header and body field, rounded up to whole seconds
// with a minimum of 1.
func ErrorResponse(status int, code, message string, retryAfter time.Duration) *Response {
	header := make(http.Header)
	header.Set("Content-Type", "application/json")

	body := errorBody{Error: message, Code: code}
	if retryAfter > 0 {
		secs := retryAfterSeconds(retryAfter)
		body.RetryAfter = secs
		header.Set("Retry-After", strconv.Itoa(secs))
	}

	data, _ := json.Marshal(body)
	return &Response{Status: status, Header: header, Body: data}
}

// attachRateHeaders writes the quota headers onto a response.
func attachRateHeaders(h http.Header, res *ratelimit.Result) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	if !res.Reset.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))
	}
}

// retryAfterSeconds rounds a duration up to whole seconds, minimum 1.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// isTimeout reports whether a forwarding error was a timeout rather than
// a general transport failure.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func cloneHeader(h http.Header) http.Header {
	cloned := h.Clone()
	if cloned == nil {
		cloned = make(http.Header)
	}
	return cloned
}
