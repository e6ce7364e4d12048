package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/edgegate/edgegate/internal/gateway"
	"github.com/edgegate/edgegate/internal/middleware"
	"github.com/edgegate/edgegate/pkg/logger"
)

// errBodyTooLarge marks request bodies past the configured cap.
var errBodyTooLarge = errors.New("request body too large")

// defaultMaxBodyBytes caps buffered request bodies when no limit is
// configured.
const defaultMaxBodyBytes = 10 << 20

// GatewayHandler converts HTTP requests into engine descriptors and
// writes the engine's decisions back to the client.
type GatewayHandler struct {
	table        *gateway.Table
	engine       *gateway.Engine
	apiKeyHeader string
	maxBodyBytes int64
	log          *logger.Logger
}

// NewGatewayHandler creates the catch-all gateway handler.
func NewGatewayHandler(table *gateway.Table, engine *gateway.Engine, apiKeyHeader string, maxBodyBytes int64, log *logger.Logger) *GatewayHandler {
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	if log == nil {
		log = logger.NewNop()
	}

	return &GatewayHandler{
		table:        table,
		engine:       engine,
		apiKeyHeader: apiKeyHeader,
		maxBodyBytes: maxBodyBytes,
		log:          log,
	}
}

// ServeHTTP implements http.Handler.
func (h *GatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route := h.table.Match(r.URL.Path)
	if route == nil {
		writeDecision(w, gateway.ErrorResponse(http.StatusNotFound,
			gateway.CodeRouteNotFound, "no route for path", 0))
		return
	}

	body, err := h.readBody(r)
	if errors.Is(err, errBodyTooLarge) {
		writeDecision(w, gateway.ErrorResponse(http.StatusRequestEntityTooLarge,
			gateway.CodeRequestTooLarge, "request body too large", 0))
		return
	}
	if err != nil {
		h.log.Warn("failed to read request body", "error", err.Error())
		writeDecision(w, gateway.ErrorResponse(http.StatusBadRequest,
			"INVALID_REQUEST", "could not read request body", 0))
		return
	}

	header := h.forwardableHeaders(r.Header)
	// The backend sees the same correlation ID the client gets back.
	if id := middleware.GetRequestID(r.Context()); id != "" {
		header.Set(middleware.HeaderXRequestID, id)
	}

	req := &gateway.Request{
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      r.URL.RawQuery,
		Header:     header,
		Body:       body,
		APIKey:     r.Header.Get(h.apiKeyHeader),
		ClientIP:   middleware.GetClientIP(r.Context()),
		RemoteAddr: r.RemoteAddr,
	}

	resp := h.engine.Handle(r.Context(), route, req)
	writeDecision(w, resp)
}

// readBody buffers the request body up to the configured cap.
func (h *GatewayHandler) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	data, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > h.maxBodyBytes {
		return nil, errBodyTooLarge
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// forwardableHeaders clones the inbound headers minus the gateway's own
// credential header; raw API keys never reach a backend.
func (h *GatewayHandler) forwardableHeaders(header http.Header) http.Header {
	out := header.Clone()
	if out == nil {
		out = make(http.Header)
	}
	out.Del(h.apiKeyHeader)
	return out
}

// writeDecision copies an engine response onto the wire.
func writeDecision(w http.ResponseWriter, resp *gateway.Response) {
	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}
