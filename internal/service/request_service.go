package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ictgov/be-access-requests/internal/apperrors"
	"github.com/ictgov/be-access-requests/internal/repository"
	"github.com/ictgov/be-access-requests/internal/workflow"
)

// maxCommitAttempts bounds the Load→Apply→Commit retry cycle on optimistic
// concurrency conflicts.
const maxCommitAttempts = 3

// dispatchTimeout bounds the fire-and-forget notification dispatch that
// follows a committed transition.
const dispatchTimeout = 15 * time.Second

type requestStore interface {
	Create(ctx context.Context, req *workflow.AccessRequest) error
	GetByID(ctx context.Context, id string) (*repository.StoredRequest, error)
	List(ctx context.Context, filter repository.ListFilter) ([]*repository.StoredRequest, error)
	CommitDecision(ctx context.Context, req *workflow.AccessRequest, expected workflow.CompositeStatus, stage workflow.Stage) error
	Cancel(ctx context.Context, id string, c workflow.Cancellation) error
	ListLegacy(ctx context.Context, limit int) ([]*repository.StoredRequest, error)
	BackfillStageStatuses(ctx context.Context, id string, st workflow.StageStatuses, composite workflow.CompositeStatus) error
}

type auditStore interface {
	Append(ctx context.Context, entry *repository.DecisionAuditEntry) error
	GetByRequestID(ctx context.Context, requestID string) ([]*repository.DecisionAuditEntry, error)
}

type planDispatcher interface {
	Dispatch(ctx context.Context, req workflow.AccessRequest, plan workflow.DispatchPlan)
}

// RequestService orchestrates the access-request approval pipeline:
// submission, per-stage decisions (load → apply → commit under optimistic
// concurrency), cancellation, legacy status migration and dashboard queries.
type RequestService struct {
	requests   requestStore
	audit      auditStore
	dispatcher planDispatcher
	engine     *workflow.Engine
	log        zerolog.Logger
}

// NewRequestService creates a new RequestService.
func NewRequestService(requests requestStore, audit auditStore, dispatcher planDispatcher, log zerolog.Logger) *RequestService {
	return &RequestService{
		requests:   requests,
		audit:      audit,
		dispatcher: dispatcher,
		engine:     workflow.NewEngine(),
		log:        log,
	}
}

// ── Submission ────────────────────────────────────────────────────────────────

// SubmitRequestInput is the payload for a new access request.
type SubmitRequestInput struct {
	RequesterID  string     `json:"requester_id"`
	DepartmentID string     `json:"department_id"`
	Capabilities []string   `json:"capabilities"`
	Permanent    bool       `json:"permanent"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// SubmitRequest creates a request with all stages pending and alerts the
// first approver.
func (s *RequestService) SubmitRequest(ctx context.Context, in SubmitRequestInput) (*workflow.AccessRequest, error) {
	if in.RequesterID == "" {
		return nil, apperrors.InvalidInput("requester_id", "requester is required")
	}
	if in.DepartmentID == "" {
		return nil, apperrors.InvalidInput("department_id", "department is required")
	}
	if len(in.Capabilities) == 0 {
		return nil, apperrors.InvalidInput("capabilities", "at least one capability is required")
	}
	if !in.Permanent && in.ExpiresAt == nil {
		return nil, apperrors.InvalidInput("expires_at", "temporary access requires an expiry date")
	}

	req := &workflow.AccessRequest{
		ID:           uuid.NewString(),
		RequesterID:  in.RequesterID,
		DepartmentID: in.DepartmentID,
		Capabilities: in.Capabilities,
		Duration: workflow.AccessDuration{
			Permanent: in.Permanent,
			ExpiresAt: in.ExpiresAt,
		},
		StageStatuses:   workflow.NewStageStatuses(),
		CompositeStatus: workflow.CompositePendingHOD,
		StageMetadata:   make(map[workflow.Stage]workflow.StageDecision),
	}

	if err := s.requests.Create(ctx, req); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Str("requester_id", req.RequesterID).
		Str("department_id", req.DepartmentID).
		Msg("Access request submitted")

	after := string(req.CompositeStatus)
	s.appendAudit(ctx, &repository.DecisionAuditEntry{
		RequestID:   req.ID,
		Action:      "submitted",
		PerformedBy: in.RequesterID,
		StatusAfter: &after,
		Metadata:    map[string]interface{}{"capabilities": in.Capabilities},
	})

	s.dispatchAsync(*req, workflow.SubmissionPlan(req.ID))

	return req, nil
}

// ── Stage decisions ───────────────────────────────────────────────────────────

// DecideInput carries one approver's decision on one stage.
type DecideInput struct {
	RequestID    string               `json:"request_id"`
	Stage        workflow.Stage       `json:"-"`
	Action       workflow.StageStatus `json:"-"`
	ApproverID   string               `json:"approver_id"`
	ApproverName string               `json:"approver_name"`
	Comments     string               `json:"comments,omitempty"`
	SignatureRef string               `json:"signature_ref,omitempty"`
}

// Decide applies a stage decision through the workflow engine and commits
// it. On a concurrent-writer conflict the full load→apply→commit cycle is
// retried a bounded number of times; a stage already decided by the
// concurrent writer then surfaces as the engine's StageMismatch.
func (s *RequestService) Decide(ctx context.Context, in DecideInput) (*workflow.AccessRequest, error) {
	if in.Action == workflow.StatusRejected && in.Comments == "" {
		return nil, apperrors.InvalidInput("comments", "a rejection reason is required")
	}
	if in.ApproverName == "" {
		return nil, apperrors.InvalidInput("approver_name", "approver name is required")
	}

	meta := workflow.StageDecision{
		ApproverID:   in.ApproverID,
		ApproverName: in.ApproverName,
		Comments:     in.Comments,
		SignatureRef: in.SignatureRef,
	}

	var lastErr error
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		current, err := s.loadReconciled(ctx, in.RequestID)
		if err != nil {
			return nil, err
		}
		expected := current.CompositeStatus

		updated, plan, err := s.engine.Apply(*current, in.Stage, in.Action, meta)
		if err != nil {
			return nil, err
		}

		if err := s.requests.CommitDecision(ctx, &updated, expected, in.Stage); err != nil {
			if apperrors.IsCode(err, apperrors.ErrCodeConflict) {
				lastErr = err
				s.log.Warn().
					Str("request_id", in.RequestID).
					Int("attempt", attempt).
					Msg("Decision commit conflicted with a concurrent writer; retrying")
				continue
			}
			return nil, err
		}

		s.log.Info().
			Str("request_id", updated.ID).
			Str("stage", in.Stage.String()).
			Str("action", string(in.Action)).
			Str("status", string(updated.CompositeStatus)).
			Msg("Stage decision recorded")

		stage := in.Stage.String()
		before := string(expected)
		after := string(updated.CompositeStatus)
		s.appendAudit(ctx, &repository.DecisionAuditEntry{
			RequestID:    updated.ID,
			Stage:        &stage,
			Action:       string(in.Action),
			PerformedBy:  in.ApproverID,
			StatusBefore: &before,
			StatusAfter:  &after,
			Metadata:     map[string]interface{}{"comments": in.Comments},
		})

		s.dispatchAsync(updated, plan)

		return &updated, nil
	}

	return nil, apperrors.Wrap(lastErr, apperrors.ErrCodeConflict,
		"request state kept changing; please reload and retry the decision")
}

// ── Cancellation ──────────────────────────────────────────────────────────────

// CancelRequest withdraws a request. Only the requester may cancel, and only
// while no stage has been decided.
func (s *RequestService) CancelRequest(ctx context.Context, requestID, byUserID, reason string) error {
	if reason == "" {
		return apperrors.InvalidInput("reason", "cancellation reason is required")
	}

	current, err := s.loadReconciled(ctx, requestID)
	if err != nil {
		return err
	}
	if current.RequesterID != byUserID {
		return apperrors.New(apperrors.ErrCodeUnauthorized, "only the requester can cancel the request")
	}
	if current.Cancelled() {
		return apperrors.Conflict("request is already cancelled")
	}

	c := workflow.Cancellation{Reason: reason, ByUserID: byUserID, At: time.Now()}
	if err := s.requests.Cancel(ctx, requestID, c); err != nil {
		return err
	}

	s.appendAudit(ctx, &repository.DecisionAuditEntry{
		RequestID:   requestID,
		Action:      "cancelled",
		PerformedBy: byUserID,
		Metadata:    map[string]interface{}{"reason": reason},
	})

	return nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetRequest returns a request, reconciling legacy rows on first touch.
func (s *RequestService) GetRequest(ctx context.Context, requestID string) (*workflow.AccessRequest, error) {
	return s.loadReconciled(ctx, requestID)
}

// ListRequests returns requests matching the filter. Un-migrated legacy rows
// are expanded in memory so callers always see both representations agree.
func (s *RequestService) ListRequests(ctx context.Context, filter repository.ListFilter) ([]*workflow.AccessRequest, error) {
	stored, err := s.requests.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	out := make([]*workflow.AccessRequest, 0, len(stored))
	for _, sr := range stored {
		req := sr.Request
		if !sr.StageBackfilled {
			s.expandInMemory(&req)
		}
		out = append(out, &req)
	}
	return out, nil
}

// PendingForStage returns requests currently awaiting the given stage's
// decision, optionally narrowed to one department. Un-migrated legacy rows
// carry legacy composite values the SQL filter cannot match, so those rows
// are fetched too, expanded in memory by ListRequests, and kept only when
// the expansion lands on the requested stage. Cancelled requests never
// appear in an approver's queue.
func (s *RequestService) PendingForStage(ctx context.Context, stage workflow.Stage, departmentID *string) ([]*workflow.AccessRequest, error) {
	composite := workflow.PendingFor(stage)
	requests, err := s.ListRequests(ctx, repository.ListFilter{
		CompositeStatus: &composite,
		IncludeLegacy:   true,
		DepartmentID:    departmentID,
	})
	if err != nil {
		return nil, err
	}

	out := make([]*workflow.AccessRequest, 0, len(requests))
	for _, req := range requests {
		if req.Cancelled() {
			continue
		}
		if next, ok := workflow.NextPendingStage(req.StageStatuses); ok && next == stage {
			out = append(out, req)
		}
	}
	return out, nil
}

// History returns the audit trail for a request oldest-first.
func (s *RequestService) History(ctx context.Context, requestID string) ([]*repository.DecisionAuditEntry, error) {
	return s.audit.GetByRequestID(ctx, requestID)
}

// Statistics computes the dashboard counters across all requests.
func (s *RequestService) Statistics(ctx context.Context) (workflow.Statistics, error) {
	requests, err := s.ListRequests(ctx, repository.ListFilter{})
	if err != nil {
		return workflow.Statistics{}, err
	}
	snapshot := make([]workflow.AccessRequest, 0, len(requests))
	for _, r := range requests {
		snapshot = append(snapshot, *r)
	}
	return workflow.Aggregate(snapshot), nil
}

// ── Legacy migration ──────────────────────────────────────────────────────────

// MigrationReport summarises one MigrateLegacy run.
type MigrationReport struct {
	Migrated      int `json:"migrated"`
	UnknownOrigin int `json:"unknown_origin"`
}

// MigrateLegacy backfills the five stage columns for rows that still only
// carry the legacy composite status. Rows whose rejection origin cannot be
// reconstructed are migrated with the first stage blamed and flagged in the
// audit log for manual reconciliation.
func (s *RequestService) MigrateLegacy(ctx context.Context, batchSize int) (MigrationReport, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	var report MigrationReport
	for {
		batch, err := s.requests.ListLegacy(ctx, batchSize)
		if err != nil {
			return report, err
		}
		if len(batch) == 0 {
			return report, nil
		}

		for _, sr := range batch {
			unknown, err := s.backfill(ctx, &sr.Request)
			if err != nil {
				return report, err
			}
			report.Migrated++
			if unknown {
				report.UnknownOrigin++
			}
		}
	}
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// loadReconciled loads a request and, for an un-migrated legacy row,
// reconstructs and persists the five-column representation before returning.
// After this, compositeStatus == Derive(stageStatuses) always holds.
func (s *RequestService) loadReconciled(ctx context.Context, requestID string) (*workflow.AccessRequest, error) {
	stored, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	req := stored.Request
	if !stored.StageBackfilled {
		if _, err := s.backfill(ctx, &req); err != nil {
			return nil, err
		}
	}
	return &req, nil
}

// backfill expands the legacy composite into stage statuses and persists the
// result. Returns whether the rejection origin had to be guessed.
func (s *RequestService) backfill(ctx context.Context, req *workflow.AccessRequest) (bool, error) {
	st, err := workflow.ExpandLegacy(req.CompositeStatus, repository.DecisionTimestamps(*req))
	unknownOrigin := errors.Is(err, workflow.ErrUnknownRejectionOrigin)
	if err != nil && !unknownOrigin {
		return false, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to expand legacy status")
	}

	composite := workflow.Derive(st)
	if err := s.requests.BackfillStageStatuses(ctx, req.ID, st, composite); err != nil {
		return false, err
	}

	before := string(req.CompositeStatus)
	after := string(composite)
	s.appendAudit(ctx, &repository.DecisionAuditEntry{
		RequestID:    req.ID,
		Action:       "migrated",
		PerformedBy:  "system",
		StatusBefore: &before,
		StatusAfter:  &after,
		Metadata:     map[string]interface{}{"unknown_rejection_origin": unknownOrigin},
	})
	if unknownOrigin {
		s.log.Warn().
			Str("request_id", req.ID).
			Msg("Legacy rejected record has no stage timestamps; rejection attributed to the first stage")
	}

	req.StageStatuses = st
	req.CompositeStatus = composite
	return unknownOrigin, nil
}

// expandInMemory reconciles a legacy row for read-only use without
// persisting; list queries must not write.
func (s *RequestService) expandInMemory(req *workflow.AccessRequest) {
	st, err := workflow.ExpandLegacy(req.CompositeStatus, repository.DecisionTimestamps(*req))
	if err != nil && !errors.Is(err, workflow.ErrUnknownRejectionOrigin) {
		return
	}
	req.StageStatuses = st
	req.CompositeStatus = workflow.Derive(st)
}

// dispatchAsync hands the plan to the dispatcher on a fresh context: the
// transition is already committed and must not be affected by notification
// delivery or by the caller's request context ending.
func (s *RequestService) dispatchAsync(req workflow.AccessRequest, plan workflow.DispatchPlan) {
	if len(plan.Notifications) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		s.dispatcher.Dispatch(ctx, req, plan)
	}()
}

// appendAudit writes an audit entry, logging a warning on failure (never
// returns an error).
func (s *RequestService) appendAudit(ctx context.Context, entry *repository.DecisionAuditEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("request_id", entry.RequestID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}
