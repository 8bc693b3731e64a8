// Package gateway exposes configured connectors and agents over an
// authenticated HTTP surface with auditing, rate limiting, and metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/proofscan/proofscan/internal/adapter/outbound/secret"
	"github.com/proofscan/proofscan/internal/adapter/outbound/store"
	"github.com/proofscan/proofscan/internal/config"
	"github.com/proofscan/proofscan/internal/domain/queue"
	"github.com/proofscan/proofscan/internal/domain/session"
	"github.com/proofscan/proofscan/internal/service"
	"github.com/proofscan/proofscan/pkg/jsonrpc"
)

// Machine-readable error codes carried in gateway error bodies.
const (
	CodeBadRequest      = "BAD_REQUEST"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeQueueFull       = "QUEUE_FULL"
	CodeRateLimited     = "RATE_LIMITED"
	CodeUpstreamTimeout = "UPSTREAM_TIMEOUT"
	CodeInternal        = "INTERNAL"
)

// defaultMaxBody caps request bodies at 1 MiB.
const defaultMaxBody = 1 << 20

// Server is the HTTP gateway. One instance serves /mcp/v1, /a2a/v1,
// /healthz, and /metrics.
type Server struct {
	cfg     *config.Config
	sup     *service.ConnectorSupervisor
	store   *store.Store
	secrets *secret.Store
	logger  *slog.Logger

	auth     *Authenticator
	limiter  *RateLimiter
	metrics  *Metrics
	registry *prometheus.Registry
	tracer   trace.Tracer

	hideNotFound bool
	maxBody      int64

	// runAgent executes one A2A exchange. Replaced in tests.
	runAgent agentRunner
}

// New creates a gateway Server over a started supervisor.
func New(cfg *config.Config, sup *service.ConnectorSupervisor, st *store.Store, secrets *secret.Store, logger *slog.Logger) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	s := &Server{
		cfg:          cfg,
		sup:          sup,
		store:        st,
		secrets:      secrets,
		logger:       logger,
		auth:         NewAuthenticator(&cfg.Gateway),
		metrics:      NewMetrics(registry),
		registry:     registry,
		tracer:       otel.Tracer("proofscan/gateway"),
		hideNotFound: cfg.Gateway.AuthMode == config.AuthBearer,
		maxBody:      defaultMaxBody,
	}
	if cfg.Gateway.HideNotFound != nil {
		s.hideNotFound = *cfg.Gateway.HideNotFound
	}
	if cfg.Gateway.MaxBodyBytes > 0 {
		s.maxBody = cfg.Gateway.MaxBodyBytes
	}
	if cfg.Gateway.RateLimit.Enabled {
		s.limiter = NewRateLimiter(cfg.Gateway.RateLimit.RequestsPerMinute, cfg.Gateway.RateLimit.Burst)
	}
	s.runAgent = s.defaultAgentRunner
	return s
}

// Handler returns the gateway's route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp/v1/message", s.handleMCP)
	mux.HandleFunc("POST /a2a/v1/message", s.handleA2A)
	mux.Handle("GET /healthz", healthHandler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.StartCleanup(ctx)
		defer s.limiter.Stop()
	}

	srv := &http.Server{
		Addr:              s.cfg.Gateway.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("gateway listening", "addr", s.cfg.Gateway.Addr, "auth_mode", s.cfg.Gateway.AuthMode)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("gateway shutdown: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway serve: %w", err)
	}
}

// mcpRequest is the body of POST /mcp/v1/message.
type mcpRequest struct {
	Connector string          `json:"connector"`
	Method    json.RawMessage `json:"method"`
	Params    json.RawMessage `json:"params"`
	ID        json.RawMessage `json:"id"`
}

// handleMCP runs the full request pipeline: request id, auth, body cap,
// validation, admission, queue, audit.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	requestID := uuid.New().String()
	w.Header().Set("X-Request-Id", requestID)

	ctx, span := s.tracer.Start(r.Context(), "gateway.mcp.message")
	defer span.End()
	traceID := ""
	if sc := span.SpanContext(); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}

	identity, status := s.authenticate(w, r, requestID, traceID)
	if identity == nil {
		s.observe("mcp", status, started)
		return
	}

	reject := func(message string) {
		s.failRequest(w, &session.GatewayEvent{
			RequestID:  requestID,
			TraceID:    traceID,
			ClientID:   identity.ClientID,
			StatusCode: http.StatusBadRequest,
		}, CodeBadRequest, message)
		s.observe("mcp", http.StatusBadRequest, started)
	}

	body, bodyErr := s.readBody(w, r)
	if bodyErr != "" {
		reject(bodyErr)
		return
	}

	var req mcpRequest
	if err := json.Unmarshal(body, &req); err != nil {
		reject("request body must be a JSON object")
		return
	}
	if req.Connector == "" {
		reject("connector is required")
		return
	}
	var method string
	if err := json.Unmarshal(req.Method, &method); err != nil || method == "" {
		reject("method must be a non-empty string")
		return
	}

	if !s.auth.Authorize(identity, "call", req.Connector) {
		s.denyPermission(w, requestID, traceID, identity.ClientID, req.Connector, method)
		s.observe("mcp", http.StatusForbidden, started)
		return
	}

	t := s.cfg.Target(req.Connector)
	if t == nil || t.IsAgent() || !t.Enabled {
		status := s.writeNotFound(w, &session.GatewayEvent{
			RequestID: requestID,
			TraceID:   traceID,
			ClientID:  identity.ClientID,
			TargetID:  req.Connector,
			Method:    method,
		}, "connector")
		s.observe("mcp", status, started)
		return
	}

	s.audit(&session.GatewayEvent{
		RequestID: requestID,
		TraceID:   traceID,
		ClientID:  identity.ClientID,
		TargetID:  req.Connector,
		Method:    method,
		Kind:      session.GatewayMCPRequest,
		Decision:  session.DecisionAllow,
	})

	result, qres, err := s.sup.Execute(ctx, req.Connector, method, req.Params)
	w.Header().Set("X-Queue-Wait-Ms", strconv.FormatInt(qres.QueueWaitMS, 10))
	s.metrics.QueueWaitSeconds.Observe(float64(qres.QueueWaitMS) / 1000)

	id := normalizeID(req.ID)
	status = http.StatusOK
	errText := ""
	var respBody []byte

	switch {
	case err == nil:
		respBody, _ = jsonrpc.NewResponse(id, json.RawMessage(result))
	case isRPCError(err):
		// Backend-level JSON-RPC errors travel back inside the envelope.
		var rpcErr *jsonrpc.Error
		errors.As(err, &rpcErr)
		respBody, _ = jsonrpc.NewErrorResponse(id, rpcErr.Code, rpcErr.Message)
		errText = rpcErr.Message
	case errors.Is(err, queue.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		status = http.StatusTooManyRequests
		errText = err.Error()
		s.writeError(w, requestID, status, CodeQueueFull, "connector queue is full")
	case errors.Is(err, queue.ErrQueueTimeout):
		status = http.StatusGatewayTimeout
		errText = err.Error()
		s.writeError(w, requestID, status, CodeUpstreamTimeout, "upstream did not answer in time")
	case errors.Is(err, service.ErrUnknownConnector):
		status = s.writeNotFound(w, &session.GatewayEvent{
			RequestID: requestID,
			TraceID:   traceID,
			ClientID:  identity.ClientID,
			TargetID:  req.Connector,
			Method:    method,
		}, "connector")
		errText = err.Error()
	default:
		status = http.StatusInternalServerError
		errText = err.Error()
		s.logger.Error("gateway upstream failure",
			"request_id", requestID, "connector", req.Connector, "error", err)
		s.writeError(w, requestID, status, CodeInternal, "internal error")
	}

	if respBody != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(respBody)
	}

	s.audit(&session.GatewayEvent{
		RequestID:         requestID,
		TraceID:           traceID,
		ClientID:          identity.ClientID,
		TargetID:          req.Connector,
		Method:            method,
		Kind:              session.GatewayMCPResponse,
		StatusCode:        status,
		LatencyMS:         time.Since(started).Milliseconds(),
		UpstreamLatencyMS: qres.UpstreamLatencyMS,
		Error:             errText,
	})
	s.observe("mcp", status, started)
}

// authenticate runs the auth and rate-limit steps. A nil identity means
// the response has been written; the returned status is for metrics.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, requestID, traceID string) (*Identity, int) {
	identity, denyReason := s.auth.Authenticate(r)
	if identity == nil {
		s.metrics.AuthFailures.WithLabelValues(string(denyReason)).Inc()
		s.audit(&session.GatewayEvent{
			RequestID:  requestID,
			TraceID:    traceID,
			Kind:       session.GatewayAuthFailure,
			Decision:   session.DecisionDeny,
			DenyReason: denyReason,
			StatusCode: http.StatusUnauthorized,
		})
		s.writeError(w, requestID, http.StatusUnauthorized, CodeUnauthorized, "authentication required")
		return nil, http.StatusUnauthorized
	}

	if s.limiter != nil {
		allowed, retry := s.limiter.Allow(identity.ClientID)
		if !allowed {
			s.metrics.RateLimitRejects.Inc()
			secs := int(retry/time.Second) + 1
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			s.failRequest(w, &session.GatewayEvent{
				RequestID:  requestID,
				TraceID:    traceID,
				ClientID:   identity.ClientID,
				Decision:   session.DecisionDeny,
				StatusCode: http.StatusTooManyRequests,
			}, CodeRateLimited, "rate limit exceeded")
			return nil, http.StatusTooManyRequests
		}
	}
	return identity, 0
}

// denyPermission audits and answers an authorized-but-denied request.
// Unlike 401s, a 403 confirms the token itself was valid.
func (s *Server) denyPermission(w http.ResponseWriter, requestID, traceID, clientID, targetID, method string) {
	s.metrics.AuthFailures.WithLabelValues(string(session.DenyInsufficientPermission)).Inc()
	s.audit(&session.GatewayEvent{
		RequestID:  requestID,
		TraceID:    traceID,
		ClientID:   clientID,
		TargetID:   targetID,
		Method:     method,
		Kind:       session.GatewayAuthFailure,
		Decision:   session.DecisionDeny,
		DenyReason: session.DenyInsufficientPermission,
		StatusCode: http.StatusForbidden,
	})
	s.writeError(w, requestID, http.StatusForbidden, CodeForbidden, "permission denied")
}

// readBody reads the size-capped request body. A non-empty second
// return is the rejection message for the caller to audit and write.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, string) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, fmt.Sprintf("request body exceeds %d bytes", s.maxBody)
		}
		return nil, "failed to read request body"
	}
	if len(body) == 0 {
		return nil, "empty request body"
	}
	return body, ""
}

// writeNotFound answers an unknown or disabled target. In bearer mode
// the default is 403 so probing cannot enumerate configured ids.
func (s *Server) writeNotFound(w http.ResponseWriter, ev *session.GatewayEvent, kind string) int {
	status, code, msg := http.StatusNotFound, CodeNotFound, fmt.Sprintf("unknown %s", kind)
	if s.hideNotFound {
		status, code, msg = http.StatusForbidden, CodeForbidden, "access denied"
	}
	ev.StatusCode = status
	s.failRequest(w, ev, code, msg)
	return status
}

// failRequest audits an early rejection and writes the error body.
// Every X-Request-Id the gateway hands out resolves to at least one
// audit row this way, even when the request never reached a backend.
func (s *Server) failRequest(w http.ResponseWriter, ev *session.GatewayEvent, code, message string) {
	ev.Kind = session.GatewayError
	if ev.Error == "" {
		ev.Error = message
	}
	s.audit(ev)
	s.writeError(w, ev.RequestID, ev.StatusCode, code, message)
}

// audit writes one gateway event. Store failures are counted and logged;
// they never block the response.
func (s *Server) audit(ev *session.GatewayEvent) {
	if err := s.store.SaveGatewayEvent(ev); err != nil {
		s.metrics.AuditDropsTotal.Inc()
		s.logger.Warn("gateway audit write failed", "request_id", ev.RequestID, "error", err)
	}
}

func (s *Server) observe(route string, status int, started time.Time) {
	s.metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	s.metrics.RequestDuration.WithLabelValues(route).Observe(time.Since(started).Seconds())
}

// gatewayError is the uniform error body.
type gatewayError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id"`
	} `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	var body gatewayError
	body.Error.Code = code
	body.Error.Message = message
	body.Error.RequestID = requestID

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// healthHandler responds 200 OK for liveness checks.
func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
}

func isRPCError(err error) bool {
	var rpcErr *jsonrpc.Error
	return errors.As(err, &rpcErr)
}

// normalizeID renders the wire id as a string; the response encoder
// turns numeric-looking ids back into numbers.
func normalizeID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}
