// Package http provides the HTTP and WebSocket proxy surface.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sandgate/sandgate/adapters/metrics"
	"github.com/sandgate/sandgate/app"
	"github.com/sandgate/sandgate/domain/audit"
	"github.com/sandgate/sandgate/domain/gateway"
	"github.com/sandgate/sandgate/domain/inject"
)

// BuildVersion is stamped at build time.
var BuildVersion = "dev"

// maxErrorBody bounds how much of a failed gateway response is read for
// classification. Larger bodies stream through unclassified.
const maxErrorBody = 8 << 10

// ErrorResponseBody is the JSON shape of every proxy-originated error.
type ErrorResponseBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the machine-readable code and operator-facing
// message. MissingParams lists parameter names only.
type ErrorDetail struct {
	Code          string   `json:"code"`
	Message       string   `json:"message"`
	MissingParams []string `json:"missing_params,omitempty"`
}

// VersionResponse is the version endpoint response.
type VersionResponse struct {
	Version string `json:"version"`
	Service string `json:"service"`
}

// GatewayHandler forwards caller traffic to the agent gateway over HTTP
// or WebSocket, per request.
type GatewayHandler struct {
	service *app.ProxyService
	logger  zerolog.Logger
	metrics *metrics.Collector
}

// NewGatewayHandler creates a new gateway handler.
func NewGatewayHandler(service *app.ProxyService, logger zerolog.Logger) *GatewayHandler {
	return &GatewayHandler{service: service, logger: logger}
}

// NewGatewayHandlerWithMetrics creates a new gateway handler with metrics.
func NewGatewayHandlerWithMetrics(service *app.ProxyService, logger zerolog.Logger, m *metrics.Collector) *GatewayHandler {
	return &GatewayHandler{service: service, logger: logger, metrics: m}
}

// ServeHTTP dispatches on the upgrade headers: WebSocket handshakes get
// the raw tunnel, everything else the streaming HTTP path.
func (h *GatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if isWebSocketUpgrade(r) {
		h.HandleWebSocket(ctx, w, r)
		return
	}
	h.HandleHTTP(ctx, w, r)
}

// HandleHTTP forwards a plain HTTP request and streams the response back.
func (h *GatewayHandler) HandleHTTP(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	prep, err := h.service.Prepare(r, h.service.Rules())
	if err != nil {
		h.writePrepareError(w, r, audit.ProtocolHTTP, err, start)
		return
	}

	resp, err := h.service.FetchHTTP(ctx, prep)
	if err != nil {
		h.writeContainerError(w, r, audit.ProtocolHTTP, prep, err, start)
		return
	}
	defer resp.Body.Close()

	body := io.Reader(resp.Body)
	if classifiable(resp.StatusCode) {
		peeked, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		classifier := h.service.Classifier()
		if class := classifier.Class(string(peeked)); class != gateway.ClassUnknown {
			h.writeClassifiedError(w, r, audit.ProtocolHTTP, prep, resp.StatusCode, class, classifier.Classify(string(peeked)), start)
			return
		}
		// Unrecognized failure text passes through unchanged.
		body = io.MultiReader(bytes.NewReader(peeked), resp.Body)
	}

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	flushCopy(w, body)

	h.logProxied(r, audit.ProtocolHTTP, resp.StatusCode, start)
	h.recordAudit(r, audit.ProtocolHTTP, prep, resp.StatusCode, "", start)
}

// HandleWebSocket relays the upgrade handshake and then bridges the two
// byte streams without inspecting frames.
func (h *GatewayHandler) HandleWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	prep, err := h.service.Prepare(r, h.service.Rules())
	if err != nil {
		// Never attempt the upgrade when the request cannot be prepared.
		h.writePrepareError(w, r, audit.ProtocolWebSocket, err, start)
		return
	}

	conn, br, err := h.service.ConnectWS(ctx, prep)
	if err != nil {
		h.writeContainerError(w, r, audit.ProtocolWebSocket, prep, err, start)
		return
	}

	resp, err := http.ReadResponse(br, prep.Request)
	if err != nil {
		conn.Close()
		h.writeContainerError(w, r, audit.ProtocolWebSocket, prep, err, start)
		return
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		// The gateway refused the handshake. Classify its reason and
		// answer the caller with a normal HTTP error.
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		conn.Close()

		classifier := h.service.Classifier()
		class := classifier.Class(string(raw))
		code := class
		if code == gateway.ClassUnknown {
			code = "gateway_refused"
		}
		h.writeClassifiedError(w, r, audit.ProtocolWebSocket, prep, resp.StatusCode, code, classifier.Classify(string(raw)), start)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		conn.Close()
		h.logger.Error().Msg("response writer does not support hijacking")
		writeError(w, http.StatusInternalServerError, "upgrade_unsupported", "this server cannot take over the connection for WebSocket", nil)
		return
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		conn.Close()
		h.logger.Error().Err(err).Msg("hijack failed")
		return
	}
	defer clientConn.Close()
	defer conn.Close()

	// Relay the 101 verbatim, then the connection is a raw byte pipe.
	if err := resp.Write(clientConn); err != nil {
		h.logger.Warn().Err(err).Msg("relay handshake response")
		return
	}

	h.logProxied(r, audit.ProtocolWebSocket, resp.StatusCode, start)

	errc := make(chan error, 2)
	go func() {
		_, err := io.Copy(clientConn, br)
		errc <- err
	}()
	go func() {
		_, err := io.Copy(conn, clientBuf.Reader)
		errc <- err
	}()
	// First side to drop ends the session; the deferred closes unblock
	// the other copy.
	<-errc

	h.recordAudit(r, audit.ProtocolWebSocket, prep, resp.StatusCode, "", start)
}

// writePrepareError answers an injection failure. A missing required
// parameter is a proxy configuration problem, so the status is 500 and
// the body names the parameters (never values).
func (h *GatewayHandler) writePrepareError(w http.ResponseWriter, r *http.Request, proto audit.Protocol, err error, start time.Time) {
	var missing *inject.MissingParamsError
	if errors.As(err, &missing) {
		if h.metrics != nil {
			for _, p := range missing.Params {
				h.metrics.InjectionFailures.WithLabelValues(p).Inc()
			}
		}
		h.logger.Warn().
			Strs("missing_params", missing.Params).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("gateway parameters not configured")
		writeError(w, http.StatusInternalServerError, "missing_gateway_config",
			"the proxy is missing required gateway parameters", missing.Params)
		h.recordAudit(r, proto, nil, http.StatusInternalServerError, "missing_gateway_config", start)
		return
	}

	h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("prepare request")
	writeError(w, http.StatusInternalServerError, "prepare_failed", "could not prepare the request for the gateway", nil)
	h.recordAudit(r, proto, nil, http.StatusInternalServerError, "prepare_failed", start)
}

// writeContainerError answers a forwarding failure with 502. No retry.
func (h *GatewayHandler) writeContainerError(w http.ResponseWriter, r *http.Request, proto audit.Protocol, prep *app.PreparedRequest, err error, start time.Time) {
	if h.metrics != nil {
		h.metrics.ContainerErrors.WithLabelValues(string(proto)).Inc()
	}
	h.logger.Error().
		Err(err).
		Str("path", r.URL.Path).
		Str("request_id", middleware.GetReqID(r.Context())).
		Msg("container forward failed")
	writeError(w, http.StatusBadGateway, "container_unreachable", "the agent gateway could not be reached", nil)
	h.recordAudit(r, proto, prep, http.StatusBadGateway, "container_unreachable", start)
}

// writeClassifiedError answers a gateway-side failure, preserving the
// gateway's status code but substituting the actionable message.
func (h *GatewayHandler) writeClassifiedError(w http.ResponseWriter, r *http.Request, proto audit.Protocol, prep *app.PreparedRequest, status int, code, message string, start time.Time) {
	if h.metrics != nil {
		h.metrics.GatewayAuthFailures.WithLabelValues(code).Inc()
	}
	h.logger.Warn().
		Int("gateway_status", status).
		Str("class", code).
		Str("path", r.URL.Path).
		Str("request_id", middleware.GetReqID(r.Context())).
		Msg("gateway rejected request")
	writeError(w, status, code, message, nil)
	h.recordAudit(r, proto, prep, status, code, start)
}

func (h *GatewayHandler) logProxied(r *http.Request, proto audit.Protocol, status int, start time.Time) {
	h.logger.Info().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("protocol", string(proto)).
		Int("status", status).
		Int64("latency_ms", time.Since(start).Milliseconds()).
		Str("remote_ip", r.RemoteAddr).
		Str("request_id", middleware.GetReqID(r.Context())).
		Msg("proxied request")
}

func (h *GatewayHandler) recordAudit(r *http.Request, proto audit.Protocol, prep *app.PreparedRequest, status int, errorClass string, start time.Time) {
	e := audit.Event{
		Protocol:   proto,
		Method:     r.Method,
		Path:       r.URL.Path,
		Status:     status,
		LatencyMs:  time.Since(start).Milliseconds(),
		ErrorClass: errorClass,
		RemoteIP:   r.RemoteAddr,
	}
	if prep != nil {
		e.Injected = prep.Injected
		e.Skipped = prep.Skipped
	}
	h.service.RecordAudit(e)
}

// classifiable reports whether a gateway status is worth reading for
// failure classification.
func classifiable(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusInternalServerError:
		return true
	}
	return false
}

// isWebSocketUpgrade checks the handshake headers.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// copyHeader appends src's values to dst without reordering or merging.
func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// flushCopy streams src to w, flushing after each chunk so streaming
// responses (SSE) reach the caller promptly.
func flushCopy(w http.ResponseWriter, src io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32<<10)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// writeError writes the standard JSON error body.
func writeError(w http.ResponseWriter, status int, code, message string, missing []string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponseBody{Error: ErrorDetail{
		Code:          code,
		Message:       message,
		MissingParams: missing,
	}})
}

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	service *app.ProxyService
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(service *app.ProxyService) *HealthHandler {
	return &HealthHandler{service: service}
}

// Liveness returns a simple liveness check.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Readiness checks whether the gateway process accepts connections.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.service.Healthy(ctx); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Version returns the service version.
func Version(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(VersionResponse{
		Version: BuildVersion,
		Service: "sandgate",
	})
}

// RouterConfig carries optional router wiring.
type RouterConfig struct {
	Metrics *metrics.Collector
}

// NewRouter builds the chi router with the standard middleware chain.
func NewRouter(gw *GatewayHandler, health *HealthHandler, logger zerolog.Logger) chi.Router {
	return NewRouterWithConfig(gw, health, logger, RouterConfig{})
}

// NewRouterWithConfig builds the router with metrics wired in. There is
// no timeout middleware: WebSocket sessions and streaming responses stay
// open indefinitely, and cancellation comes from the caller's connection.
func NewRouterWithConfig(gw *GatewayHandler, health *HealthHandler, logger zerolog.Logger, cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	if cfg.Metrics != nil {
		r.Use(NewMetricsMiddleware(cfg.Metrics))
	}

	r.Get("/health", health.Liveness)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/version", Version)

	// Everything else goes to the gateway.
	r.HandleFunc("/*", gw.ServeHTTP)

	return r
}

// NewMetricsMiddleware creates middleware that records request metrics.
func NewMetricsMiddleware(m *metrics.Collector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip metrics for internal endpoints
			if strings.HasPrefix(r.URL.Path, "/health") || r.URL.Path == "/metrics" || r.URL.Path == "/version" {
				next.ServeHTTP(w, r)
				return
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			protocol := "http"
			if isWebSocketUpgrade(r) {
				protocol = "websocket"
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			duration := time.Since(start).Seconds()
			m.RequestsTotal.WithLabelValues(r.Method, protocol, statusLabel(ww.Status())).Inc()
			m.RequestDuration.WithLabelValues(r.Method, protocol).Observe(duration)
		})
	}
}

// statusLabel returns a string label for the status code.
func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}

// NewLoggingMiddleware creates a new logging middleware.
func NewLoggingMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			// Skip logging for health checks and metrics
			if strings.HasPrefix(r.URL.Path, "/health") || r.URL.Path == "/metrics" {
				return
			}

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}
