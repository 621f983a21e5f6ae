// Package gateway exposes the mandate and task operations as JSON-RPC 2.0
// over a single POST /a2a endpoint, plus the discovery and retrieval
// endpoints around it.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/basket/consultd/internal/catalog"
	"github.com/basket/consultd/internal/config"
	"github.com/basket/consultd/internal/mandate"
	"github.com/basket/consultd/internal/orchestrator"
	"github.com/basket/consultd/internal/otel"
	"github.com/basket/consultd/internal/persistence"
	"github.com/basket/consultd/internal/shared"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	// Stable app error taxonomy, HTTP-status shaped.
	ErrCodeValidation = 400
	ErrCodeNotFound   = 404
	ErrCodeConflict   = 409
)

const (
	methodCreateIntentMandate = "createIntentMandate"
	methodCreateCartMandate   = "createCartMandate"
	methodProcessPayment      = "processPayment"
	methodSubmitTask          = "submitTask"
	methodGetTaskStatus       = "getTaskStatus"
	methodSendMessage         = "sendMessage"
)

type Config struct {
	Store        *persistence.Store
	Mandates     *mandate.Service
	Orchestrator *orchestrator.Orchestrator
	Logger       *slog.Logger
	Metrics      *otel.Metrics

	BaseURL      string
	MerchantName string

	// ConfigFingerprint is the hash of active config exposed on the info endpoint.
	ConfigFingerprint string

	// AuthToken, when set, gates /a2a and mandate retrieval behind a
	// bearer token.
	AuthToken string

	MaxBodyBytes int64
	RateLimit    config.RateLimitConfig
	CORS         config.CORSConfig
}

type Server struct {
	cfg       Config
	logger    *slog.Logger
	validator *paramValidator
	limiter   *RateLimitMiddleware
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Message is the A2A message shape: a role plus ordered text parts.
type Message struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Artifact is a named output attached to a completed task.
type Artifact struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

func New(cfg Config) (*Server, error) {
	validator, err := newParamValidator()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := NewRateLimitMiddleware(cfg.RateLimit)
	limiter.metrics = cfg.Metrics
	return &Server{
		cfg:       cfg,
		logger:    logger.With("component", "gateway"),
		validator: validator,
		limiter:   limiter,
	}, nil
}

// StartEviction launches the rate limiter's stale-bucket sweeper.
func (s *Server) StartEviction(ctx context.Context) {
	s.limiter.StartEviction(ctx, 5*time.Minute, 30*time.Minute)
}

// Handler builds the full middleware chain around the route mux:
// request-size limit → CORS → security headers → rate limit → auth → request log.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/a2a", s.handleA2A)
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/.well-known/agent.json", s.handleAgentCard)
	mux.HandleFunc("/mandates/cart/", s.handleCartMandate)
	mux.HandleFunc("/mandates/payment/", s.handlePaymentMandate)

	var h http.Handler = mux
	h = s.requestLogMiddleware(h)
	h = s.authMiddleware(h)
	h = s.limiter.Wrap(h)
	h = SecurityHeadersMiddleware(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	return h
}

func (s *Server) handleA2A(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: ErrCodeParse, Message: "parse error"},
		})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		})
		return
	}

	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	ctx, span := otel.StartRPCSpan(ctx, req.Method)
	start := time.Now()

	resp := s.dispatch(ctx, req)

	otel.EndRPCSpan(span, resp.Error == nil)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordRequest(ctx, req.Method, time.Since(start), resp.Error == nil)
	}
	s.logger.InfoContext(ctx, "rpc handled",
		"trace_id", shared.TraceID(ctx),
		"method", req.Method,
		"ok", resp.Error == nil,
		"duration_ms", time.Since(start).Milliseconds())
	writeRPC(w, resp)
}

// dispatch is the closed method set: anything else is -32601.
func (s *Server) dispatch(ctx context.Context, req rpcRequest) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}

	switch req.Method {
	case methodCreateIntentMandate, methodCreateCartMandate, methodProcessPayment,
		methodSubmitTask, methodGetTaskStatus, methodSendMessage:
		if err := s.validator.validate(req.Method, req.Params); err != nil {
			resp.Error = &rpcError{Code: ErrCodeValidation, Message: err.Error()}
			return resp
		}
	default:
		resp.Error = &rpcError{Code: ErrCodeMethodNotFound, Message: "Method not found: " + req.Method}
		return resp
	}

	var (
		result any
		err    error
	)
	switch req.Method {
	case methodCreateIntentMandate:
		result, err = s.createIntentMandate(ctx, req.Params)
	case methodCreateCartMandate:
		result, err = s.createCartMandate(ctx, req.Params)
	case methodProcessPayment:
		result, err = s.processPayment(ctx, req.Params)
	case methodSubmitTask:
		result, err = s.submitTask(ctx, req.Params)
	case methodGetTaskStatus:
		result, err = s.getTaskStatus(ctx, req.Params)
	case methodSendMessage:
		result, err = s.sendMessage(ctx, req.Params)
	}
	if err != nil {
		resp.Error = s.rpcErrorFor(ctx, req.Method, err)
		return resp
	}
	resp.Result = result
	return resp
}

// rpcErrorFor maps domain sentinels to the app error taxonomy. Anything
// unexpected becomes an opaque internal error with the cause logged
// server-side only.
func (s *Server) rpcErrorFor(ctx context.Context, method string, err error) *rpcError {
	switch {
	case errors.Is(err, catalog.ErrUnknownSkill):
		return &rpcError{Code: ErrCodeValidation, Message: "unknown skill"}
	case errors.Is(err, mandate.ErrCartNotFound):
		return &rpcError{Code: ErrCodeNotFound, Message: "cart not found"}
	case errors.Is(err, mandate.ErrPaymentMandateNotFound):
		return &rpcError{Code: ErrCodeNotFound, Message: "payment mandate not found"}
	case errors.Is(err, orchestrator.ErrTaskNotFound):
		return &rpcError{Code: ErrCodeNotFound, Message: "task not found"}
	case errors.Is(err, mandate.ErrCartAlreadyUsed):
		return &rpcError{Code: ErrCodeConflict, Message: "cart already used"}
	case errors.Is(err, mandate.ErrCartExpired):
		return &rpcError{Code: ErrCodeConflict, Message: "cart expired"}
	default:
		s.logger.ErrorContext(ctx, "internal error",
			"trace_id", shared.TraceID(ctx), "method", method, "error", err)
		return &rpcError{Code: ErrCodeInternal, Message: "internal error"}
	}
}

type intentParams struct {
	Description string `json:"description"`
	SkillID     string `json:"skillId"`
}

func (s *Server) createIntentMandate(ctx context.Context, raw json.RawMessage) (any, error) {
	var p intentParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	intent, err := s.cfg.Mandates.CreateIntent(ctx, p.Description, p.SkillID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"success":        true,
		"intent_mandate": intent,
		"message":        "Intent mandate created. Proceed to create cart.",
	}, nil
}

type cartParams struct {
	SkillID         string `json:"skillId"`
	TaskDescription string `json:"taskDescription"`
}

func (s *Server) createCartMandate(ctx context.Context, raw json.RawMessage) (any, error) {
	var p cartParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	cart, err := s.cfg.Mandates.CreateCart(ctx, p.SkillID, p.TaskDescription)
	if err != nil {
		return nil, err
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.CartCreated(ctx, p.SkillID)
	}
	return map[string]any{
		"success":      true,
		"cart_id":      cart.Contents.ID,
		"cart_mandate": cart,
		"message":      "Cart created. User must confirm and authorize payment.",
	}, nil
}

type paymentParams struct {
	CartID            string                `json:"cartId"`
	PaymentMethod     mandate.PaymentMethod `json:"paymentMethod"`
	UserAuthorization string                `json:"userAuthorization"`
}

func (s *Server) processPayment(ctx context.Context, raw json.RawMessage) (any, error) {
	var p paymentParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	pm, err := s.cfg.Mandates.ProcessPayment(ctx, p.CartID, p.PaymentMethod, p.UserAuthorization)
	if err != nil {
		return nil, err
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.PaymentAuthorized(ctx)
	}
	return map[string]any{
		"success":            true,
		"payment_mandate_id": pm.PaymentMandateContents.PaymentMandateID,
		"payment_mandate":    pm,
		"status":             mandate.StatusAuthorized,
		"message":            "Payment authorized. Submit the task with the payment mandate id.",
	}, nil
}

type submitParams struct {
	TaskID           string  `json:"taskId"`
	SkillID          string  `json:"skillId"`
	Message          Message `json:"message"`
	PaymentMandateID string  `json:"paymentMandateId"`
}

func (s *Server) submitTask(ctx context.Context, raw json.RawMessage) (any, error) {
	var p submitParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	res, err := s.cfg.Orchestrator.SubmitTask(ctx, orchestrator.SubmitParams{
		TaskID:           p.TaskID,
		SkillID:          p.SkillID,
		UserMessage:      messageText(p.Message),
		PaymentMandateID: p.PaymentMandateID,
	})
	if err != nil {
		return nil, err
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.TaskFinished(ctx, string(res.Task.Status))
	}
	return s.shapeTaskResult(res), nil
}

type statusParams struct {
	TaskID string `json:"taskId"`
}

func (s *Server) getTaskStatus(ctx context.Context, raw json.RawMessage) (any, error) {
	var p statusParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	task, err := s.cfg.Orchestrator.GetStatus(ctx, p.TaskID)
	if err != nil {
		return nil, err
	}
	result := map[string]any{
		"taskId": task.ID,
		"status": string(task.Status),
	}
	if task.Status == persistence.TaskStatusCompleted {
		result["message"] = agentMessage(task.Result)
		result["metadata"] = map[string]any{
			"service":  task.SkillID,
			"price":    task.Price,
			"currency": task.Currency,
			"billable": true,
		}
	}
	if task.Status == persistence.TaskStatusFailed && task.Error != "" {
		result["error"] = task.Error
	}
	return result, nil
}

type sendMessageParams struct {
	TaskID  string  `json:"taskId"`
	Message Message `json:"message"`
}

func (s *Server) sendMessage(ctx context.Context, raw json.RawMessage) (any, error) {
	var p sendMessageParams
	if err := unmarshalParams(raw, &p); err != nil {
		return nil, err
	}
	reply, err := s.cfg.Orchestrator.ContinueConversation(ctx, p.TaskID, messageText(p.Message))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"taskId":  p.TaskID,
		"status":  string(persistence.TaskStatusWorking),
		"message": agentMessage(reply),
	}, nil
}

// shapeTaskResult builds the submitTask wire result: the agent message
// always, artifacts and billing metadata only once the task completed, and
// the next_steps hint only while payment is outstanding.
func (s *Server) shapeTaskResult(res *orchestrator.SubmitResult) map[string]any {
	task := res.Task
	result := map[string]any{
		"taskId":  task.ID,
		"status":  string(task.Status),
		"message": agentMessage(res.ResponseText),
	}
	if len(res.NextSteps) > 0 {
		result["next_steps"] = res.NextSteps
	}
	if task.Status == persistence.TaskStatusCompleted {
		result["artifacts"] = []Artifact{{
			Type:     "text",
			Name:     task.SkillID + "_report",
			MimeType: "text/plain",
			Data:     task.Result,
		}}
		result["metadata"] = map[string]any{
			"service":          task.SkillID,
			"price":            task.Price,
			"currency":         task.Currency,
			"billable":         true,
			"payment_protocol": "ap2",
		}
	}
	return result
}

func agentMessage(text string) Message {
	return Message{Role: "agent", Parts: []Part{{Type: "text", Text: text}}}
}

// messageText concatenates the text parts of an A2A message.
func messageText(m Message) string {
	var b strings.Builder
	for _, part := range m.Parts {
		if part.Type == "text" {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

func unmarshalParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
