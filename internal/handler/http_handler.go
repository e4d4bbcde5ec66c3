package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/ictgov/be-access-requests/internal/apperrors"
	"github.com/ictgov/be-access-requests/internal/repository"
	"github.com/ictgov/be-access-requests/internal/service"
	"github.com/ictgov/be-access-requests/internal/workflow"
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	service *service.RequestService
	log     zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(service *service.RequestService, log zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{
		service: service,
		log:     log,
	}
}

// CreateRequest handles access request submissions
func (h *HTTPHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var in service.SubmitRequestInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	req, err := h.service.SubmitRequest(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, requestView(req))
}

// GetRequest handles get request HTTP requests
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Request ID is required", http.StatusBadRequest)
		return
	}

	req, err := h.service.GetRequest(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, requestView(req))
}

// ListRequests handles list HTTP requests
func (h *HTTPHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	var filter repository.ListFilter

	if status := r.URL.Query().Get("status"); status != "" {
		composite := workflow.CompositeStatus(status)
		filter.CompositeStatus = &composite
	}
	if dept := r.URL.Query().Get("department_id"); dept != "" {
		filter.DepartmentID = &dept
	}
	if requester := r.URL.Query().Get("requester_id"); requester != "" {
		filter.RequesterID = &requester
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 200 {
		limit = 50
	}
	filter.Limit = limit
	filter.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))

	requests, err := h.service.ListRequests(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}

	views := make([]map[string]interface{}, 0, len(requests))
	for _, req := range requests {
		views = append(views, requestView(req))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"requests": views,
		"limit":    filter.Limit,
		"offset":   filter.Offset,
	})
}

// decisionPayload is the body shared by the approve/reject/implement routes.
type decisionPayload struct {
	ID           string `json:"id"`
	Stage        string `json:"stage"`
	ApproverID   string `json:"approver_id"`
	ApproverName string `json:"approver_name"`
	Comments     string `json:"comments"`
	SignatureRef string `json:"signature_ref"`
}

// ApproveStage records a stage approval
func (h *HTTPHandler) ApproveStage(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, workflow.StatusApproved)
}

// RejectStage records a stage rejection
func (h *HTTPHandler) RejectStage(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, workflow.StatusRejected)
}

// ImplementRequest records the terminal stage's implementation
func (h *HTTPHandler) ImplementRequest(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, workflow.StatusImplemented)
}

func (h *HTTPHandler) decide(w http.ResponseWriter, r *http.Request, action workflow.StageStatus) {
	var payload decisionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	stage, err := workflow.ParseStage(payload.Stage)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req, err := h.service.Decide(r.Context(), service.DecideInput{
		RequestID:    payload.ID,
		Stage:        stage,
		Action:       action,
		ApproverID:   payload.ApproverID,
		ApproverName: payload.ApproverName,
		Comments:     payload.Comments,
		SignatureRef: payload.SignatureRef,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, requestView(req))
}

// CancelRequest handles requester cancellations
func (h *HTTPHandler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ID       string `json:"id"`
		ByUserID string `json:"by_user_id"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.service.CancelRequest(r.Context(), payload.ID, payload.ByUserID, payload.Reason); err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// PendingForStage lists requests awaiting a given stage
func (h *HTTPHandler) PendingForStage(w http.ResponseWriter, r *http.Request) {
	stage, err := workflow.ParseStage(r.URL.Query().Get("stage"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var dept *string
	if d := r.URL.Query().Get("department_id"); d != "" {
		dept = &d
	}

	requests, err := h.service.PendingForStage(r.Context(), stage, dept)
	if err != nil {
		h.writeError(w, err)
		return
	}

	views := make([]map[string]interface{}, 0, len(requests))
	for _, req := range requests {
		views = append(views, requestView(req))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"requests": views})
}

// History returns the audit trail for a request
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Request ID is required", http.StatusBadRequest)
		return
	}

	entries, err := h.service.History(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// Statistics returns the dashboard counters
func (h *HTTPHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Statistics(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	byStage := make(map[string]int, len(stats.ByStage))
	for stage, n := range stats.ByStage {
		byStage[stage.String()] = n
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":     stats.Total,
		"pending":   stats.Pending,
		"completed": stats.Completed,
		"rejected":  stats.Rejected,
		"cancelled": stats.Cancelled,
		"by_stage":  byStage,
	})
}

// MigrateLegacy runs the legacy status backfill (operator endpoint)
func (h *HTTPHandler) MigrateLegacy(w http.ResponseWriter, r *http.Request) {
	batchSize, _ := strconv.Atoi(r.URL.Query().Get("batch_size"))

	report, err := h.service.MigrateLegacy(r.Context(), batchSize)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, report)
}

// ── response helpers ──────────────────────────────────────────────────────────

// requestView shapes a request for JSON responses, exposing both status
// representations plus the derived progress.
func requestView(req *workflow.AccessRequest) map[string]interface{} {
	stages := make(map[string]string, len(req.StageStatuses))
	for stage, status := range req.StageStatuses {
		stages[stage.String()] = string(status)
	}

	metadata := make(map[string]workflow.StageDecision, len(req.StageMetadata))
	for stage, d := range req.StageMetadata {
		metadata[stage.String()] = d
	}

	view := map[string]interface{}{
		"id":               req.ID,
		"requester_id":     req.RequesterID,
		"department_id":    req.DepartmentID,
		"capabilities":     req.Capabilities,
		"duration":         req.Duration,
		"status":           string(req.CompositeStatus),
		"stages":           stages,
		"stage_metadata":   metadata,
		"progress_percent": workflow.ProgressPercent(req.StageStatuses),
		"complete":         workflow.IsComplete(req.StageStatuses),
		"rejected":         workflow.HasRejection(req.StageStatuses),
		"created_at":       req.CreatedAt,
		"updated_at":       req.UpdatedAt,
	}
	if next, ok := workflow.NextPendingStage(req.StageStatuses); ok {
		view["next_stage"] = next.String()
	}
	if req.Cancellation != nil {
		view["cancellation"] = req.Cancellation
	}
	return view
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response body")
	}
}

// writeError maps service and engine errors onto HTTP statuses. Engine
// rejections are business-logic errors the approver can act on.
func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	if workflow.IsStageMismatch(err) {
		status = http.StatusConflict
	}
	if workflow.IsInvalidAction(err) {
		status = http.StatusBadRequest
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()}) //nolint:errcheck
}
