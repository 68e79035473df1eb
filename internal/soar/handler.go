package soar

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"boundary-soar/internal/approval"
	soarerrors "boundary-soar/internal/errors"
	"boundary-soar/internal/playbook"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	maxBodyBytes     = 1 << 20
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Handler exposes the engine over HTTP.
type Handler struct {
	engine   *Engine
	validate *validator.Validate
	metrics  http.Handler
	started  time.Time
	history  []ExecutionSource
	logger   *slog.Logger
}

// ExecutionSource serves executions no longer held in memory.
type ExecutionSource interface {
	Fetch(ctx context.Context, executionID string) (*Execution, error)
}

// NewHandler creates a handler. When gatherer is nil, /metrics is not served.
func NewHandler(engine *Engine, gatherer prometheus.Gatherer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		engine:   engine,
		validate: validator.New(),
		started:  time.Now(),
		logger:   logger.With("component", "soar_api"),
	}
	if gatherer != nil {
		h.metrics = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	return h
}

// WithHistory adds sources consulted in order when GET /executions/{id}
// names an execution the engine no longer holds.
func (h *Handler) WithHistory(sources ...ExecutionSource) *Handler {
	h.history = append(h.history, sources...)
	return h
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// TriggerRequest is the body of POST /playbooks/trigger.
type TriggerRequest struct {
	Event      map[string]interface{} `json:"event" validate:"required"`
	PlaybookID string                 `json:"playbook_id,omitempty" validate:"max=128"`
}

// TriggerResponse is returned when an execution is created.
type TriggerResponse struct {
	ExecutionID string `json:"execution_id"`
	PlaybookID  string `json:"playbook_id"`
	Status      Status `json:"status"`
}

// ApprovalDecision is the body of POST /approvals/{id}.
type ApprovalDecision struct {
	Approver string `json:"approver" validate:"required,max=128"`
	Approved *bool  `json:"approved" validate:"required"`
	Notes    string `json:"notes,omitempty" validate:"max=4096"`
}

// ApprovalDecisionResponse acknowledges a decision.
type ApprovalDecisionResponse struct {
	Status    string          `json:"status"`
	Approved  bool            `json:"approved"`
	RequestID string          `json:"request_id"`
	Result    approval.Status `json:"result"`
}

// ExecutionView is an execution with its computed progress.
type ExecutionView struct {
	*Execution
	Progress Progress `json:"progress"`
}

func newExecutionView(e *Execution) ExecutionView {
	return ExecutionView{Execution: e, Progress: e.Progress()}
}

// RegisterRoutes registers the SOAR API on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /playbooks/trigger", h.HandleTrigger)
	mux.HandleFunc("GET /playbooks", h.HandleListPlaybooks)
	mux.HandleFunc("POST /playbooks", h.HandleRegisterPlaybook)
	mux.HandleFunc("GET /playbooks/{id}", h.HandleGetPlaybook)

	mux.HandleFunc("GET /executions", h.HandleListExecutions)
	mux.HandleFunc("GET /executions/{id}", h.HandleGetExecution)
	mux.HandleFunc("POST /executions/{id}/start", h.HandleStartExecution)
	mux.HandleFunc("POST /executions/{id}/cancel", h.HandleCancelExecution)

	mux.HandleFunc("GET /approvals", h.HandleListApprovals)
	mux.HandleFunc("GET /approvals/{id}", h.HandleGetApproval)
	mux.HandleFunc("POST /approvals/{id}", h.HandleResolveApproval)

	mux.HandleFunc("GET /stats", h.HandleStats)
	mux.HandleFunc("GET /health", h.HandleHealth)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
}

// HandleTrigger handles POST /playbooks/trigger.
func (h *Handler) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if !h.decode(w, r, &req) {
		return
	}

	exec, err := h.engine.Trigger(r.Context(), playbook.Event(req.Event), req.PlaybookID)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, TriggerResponse{
		ExecutionID: exec.ID,
		PlaybookID:  exec.PlaybookID,
		Status:      exec.Status,
	})
}

// HandleListPlaybooks handles GET /playbooks.
func (h *Handler) HandleListPlaybooks(w http.ResponseWriter, r *http.Request) {
	playbooks := h.engine.ListPlaybooks(r.URL.Query().Get("tag"))
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"playbooks": playbooks,
		"count":     len(playbooks),
	})
}

// HandleRegisterPlaybook handles POST /playbooks.
func (h *Handler) HandleRegisterPlaybook(w http.ResponseWriter, r *http.Request) {
	var pb playbook.Playbook
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&pb); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body: "+err.Error())
		return
	}

	id, err := h.engine.RegisterPlaybook(&pb)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// HandleGetPlaybook handles GET /playbooks/{id}.
func (h *Handler) HandleGetPlaybook(w http.ResponseWriter, r *http.Request) {
	pb, err := h.engine.GetPlaybook(r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pb)
}

// HandleListExecutions handles GET /executions.
func (h *Handler) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		Status:     Status(q.Get("status")),
		PlaybookID: q.Get("playbook_id"),
		Limit:      defaultListLimit,
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit <= 0 {
			h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request: limit must be a positive integer")
			return
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}
		filter.Limit = limit
	}

	execs := h.engine.ListExecutions(filter)
	views := make([]ExecutionView, 0, len(execs))
	for _, e := range execs {
		views = append(views, newExecutionView(e))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions": views,
		"count":      len(views),
	})
}

// HandleGetExecution handles GET /executions/{id}.
func (h *Handler) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	exec, err := h.engine.GetExecution(id)
	if errors.Is(err, ErrExecutionNotFound) {
		for _, src := range h.history {
			past, ferr := src.Fetch(r.Context(), id)
			if ferr == nil {
				exec, err = past, nil
				break
			}
			h.logger.Debug("history lookup missed", "execution_id", id, "error", ferr)
		}
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newExecutionView(exec))
}

// HandleStartExecution handles POST /executions/{id}/start.
func (h *Handler) HandleStartExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.engine.StartExecution(r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newExecutionView(exec))
}

// HandleCancelExecution handles POST /executions/{id}/cancel.
func (h *Handler) HandleCancelExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.engine.Cancel(r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, newExecutionView(exec))
}

// HandleListApprovals handles GET /approvals.
func (h *Handler) HandleListApprovals(w http.ResponseWriter, r *http.Request) {
	status := approval.Status(r.URL.Query().Get("status"))
	switch status {
	case "", approval.StatusPending, approval.StatusApproved, approval.StatusDenied,
		approval.StatusExpired, approval.StatusCancelled:
	default:
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request: unknown status "+string(status))
		return
	}

	requests := h.engine.ListApprovals(status)
	if requests == nil {
		requests = []approval.Request{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"approvals": requests,
		"count":     len(requests),
	})
}

// HandleGetApproval handles GET /approvals/{id}.
func (h *Handler) HandleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := h.engine.GetApproval(r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// HandleResolveApproval handles POST /approvals/{id}.
func (h *Handler) HandleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var dec ApprovalDecision
	if !h.decode(w, r, &dec) {
		return
	}

	req, err := h.engine.ResolveApproval(r.PathValue("id"), dec.Approver, *dec.Approved, dec.Notes)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ApprovalDecisionResponse{
		Status:    "processed",
		Approved:  req.Approved(),
		RequestID: req.ID,
		Result:    req.Status,
	})
}

// HandleStats handles GET /stats.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.engine.Stats())
}

// HandleHealth handles GET /health.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		msg := err.Error()
		if errors.As(err, &verrs) && len(verrs) > 0 {
			msg = "field " + verrs[0].Field() + " failed " + verrs[0].Tag()
		}
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request: "+msg)
		return false
	}
	return true
}

// fail maps an engine error to a status code and error code.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, ErrNoMatchingPlaybook):
		status, code = http.StatusNotFound, "NO_MATCH"
	case errors.Is(err, ErrExecutionNotFound),
		errors.Is(err, playbook.ErrPlaybookNotFound),
		errors.Is(err, approval.ErrRequestNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, ErrInvalidEvent):
		status, code = http.StatusBadRequest, "INVALID_EVENT"
	case errors.Is(err, approval.ErrInsufficientLevel):
		status, code = http.StatusForbidden, "INSUFFICIENT_LEVEL"
	case errors.Is(err, approval.ErrAlreadyResolved):
		status, code = http.StatusConflict, "ALREADY_RESOLVED"
	case errors.Is(err, approval.ErrUnknownApprover):
		status, code = http.StatusBadRequest, "UNKNOWN_APPROVER"
	case errors.Is(err, playbook.ErrPlaybookExists):
		status, code = http.StatusConflict, "DUPLICATE_PLAYBOOK"
	case playbook.IsCyclicDependency(err):
		status, code = http.StatusBadRequest, "CYCLIC_DEPENDENCY"
	case playbook.IsValidation(err):
		status, code = http.StatusBadRequest, "INVALID_PLAYBOOK"
	case errors.Is(err, ErrInvalidTransition):
		status, code = http.StatusConflict, "INVALID_STATE"
	case errors.Is(err, ErrCapacityExceeded), errors.Is(err, ErrEngineStopped):
		status, code = http.StatusServiceUnavailable, "UNAVAILABLE"
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
		msg = soarerrors.SafeErrorMessage(err)
	}
	h.writeError(w, status, code, msg)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
