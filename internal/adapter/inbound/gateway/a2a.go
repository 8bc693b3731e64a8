package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/proofscan/proofscan/internal/adapter/outbound/a2a"
	"github.com/proofscan/proofscan/internal/domain/session"
	"github.com/proofscan/proofscan/internal/domain/target"
)

// agentRunner executes one A2A message exchange against an agent target.
type agentRunner func(ctx context.Context, t *target.Target, msg *a2a.Message) (*a2a.Collector, error)

// a2aRequest is the body of POST /a2a/v1/message.
type a2aRequest struct {
	Agent   string      `json:"agent"`
	Message a2a.Message `json:"message"`
}

// a2aResponse is the assembled task view returned to the caller.
type a2aResponse struct {
	TaskID    string         `json:"taskId,omitempty"`
	Status    a2a.TaskStatus `json:"status,omitempty"`
	Messages  []a2a.Message  `json:"messages,omitempty"`
	Artifacts []a2a.Artifact `json:"artifacts,omitempty"`
}

// handleA2A proxies one message exchange to a configured agent. The
// stream is consumed server-side and returned as a single task view.
func (s *Server) handleA2A(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	requestID := uuid.New().String()
	w.Header().Set("X-Request-Id", requestID)

	ctx, span := s.tracer.Start(r.Context(), "gateway.a2a.message")
	defer span.End()
	traceID := ""
	if sc := span.SpanContext(); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}

	identity, status := s.authenticate(w, r, requestID, traceID)
	if identity == nil {
		s.observe("a2a", status, started)
		return
	}

	reject := func(message string) {
		s.failRequest(w, &session.GatewayEvent{
			RequestID:  requestID,
			TraceID:    traceID,
			ClientID:   identity.ClientID,
			StatusCode: http.StatusBadRequest,
		}, CodeBadRequest, message)
		s.observe("a2a", http.StatusBadRequest, started)
	}

	body, bodyErr := s.readBody(w, r)
	if bodyErr != "" {
		reject(bodyErr)
		return
	}

	var req a2aRequest
	if err := json.Unmarshal(body, &req); err != nil {
		reject("request body must be a JSON object")
		return
	}
	if req.Agent == "" {
		reject("agent is required")
		return
	}
	if len(req.Message.Parts) == 0 {
		reject("message requires at least one part")
		return
	}

	if !s.auth.Authorize(identity, "a2a", req.Agent) {
		s.denyPermission(w, requestID, traceID, identity.ClientID, req.Agent, "message/stream")
		s.observe("a2a", http.StatusForbidden, started)
		return
	}

	t := s.cfg.Target(req.Agent)
	if t == nil || !t.IsAgent() || !t.Enabled {
		status := s.writeNotFound(w, &session.GatewayEvent{
			RequestID: requestID,
			TraceID:   traceID,
			ClientID:  identity.ClientID,
			TargetID:  req.Agent,
			Method:    "message/stream",
		}, "agent")
		s.observe("a2a", status, started)
		return
	}

	s.audit(&session.GatewayEvent{
		RequestID: requestID,
		TraceID:   traceID,
		ClientID:  identity.ClientID,
		TargetID:  req.Agent,
		Method:    "message/stream",
		Kind:      session.GatewayA2ARequest,
		Decision:  session.DecisionAllow,
	})

	upstreamStart := time.Now()
	collected, err := s.runAgent(ctx, t, &req.Message)
	upstreamMS := time.Since(upstreamStart).Milliseconds()

	status = http.StatusOK
	errText := ""
	if err != nil {
		status = http.StatusBadGateway
		errText = err.Error()
		s.logger.Error("a2a exchange failed",
			"request_id", requestID, "agent", req.Agent, "error", err)
		s.writeError(w, requestID, status, CodeInternal, "agent exchange failed")
	} else {
		resp := a2aResponse{
			TaskID:    collected.TaskID,
			Status:    collected.Status,
			Messages:  collected.Messages,
			Artifacts: collected.Artifacts(),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}

	s.audit(&session.GatewayEvent{
		RequestID:         requestID,
		TraceID:           traceID,
		ClientID:          identity.ClientID,
		TargetID:          req.Agent,
		Method:            "message/stream",
		Kind:              session.GatewayA2AResponse,
		StatusCode:        status,
		LatencyMS:         time.Since(started).Milliseconds(),
		UpstreamLatencyMS: upstreamMS,
		Error:             errText,
	})
	s.observe("a2a", status, started)
}

// defaultAgentRunner builds a real A2A client for the target and runs
// the exchange. The bearer token may carry a secret reference.
func (s *Server) defaultAgentRunner(ctx context.Context, t *target.Target, msg *a2a.Message) (*a2a.Collector, error) {
	var opts []a2a.Option
	if t.BearerToken != "" {
		token, err := s.secrets.ResolveString(t.BearerToken)
		if err != nil {
			return nil, err
		}
		opts = append(opts, a2a.WithBearerToken(token))
	}
	if t.TimeoutMS > 0 {
		opts = append(opts, a2a.WithTimeout(time.Duration(t.TimeoutMS)*time.Millisecond))
	}
	opts = append(opts, a2a.WithLogger(s.logger))

	client, err := a2a.New(t.URL, opts...)
	if err != nil {
		return nil, err
	}
	return client.Run(ctx, msg)
}
