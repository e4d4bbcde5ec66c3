package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ictgov/be-access-requests/internal/apperrors"
	"github.com/ictgov/be-access-requests/internal/workflow"
)

// AccessRequestRepository persists access requests. The request row carries
// both status representations: the five per-stage columns and the legacy
// composite_status column, which doubles as the optimistic-concurrency token
// for decision commits.
type AccessRequestRepository struct {
	db *pgxpool.Pool
}

// NewAccessRequestRepository creates a new AccessRequestRepository.
func NewAccessRequestRepository(db *pgxpool.Pool) *AccessRequestRepository {
	return &AccessRequestRepository{db: db}
}

const requestColumns = `
	id, requester_id, department_id, capabilities,
	is_permanent, expires_at,
	composite_status,
	hod_status, divisional_status, ict_director_status, head_it_status, ict_officer_status,
	stage_metadata,
	cancelled_reason, cancelled_by, cancelled_at,
	stage_backfilled,
	created_at, updated_at`

// Create inserts a freshly submitted request with all stages pending.
func (r *AccessRequestRepository) Create(ctx context.Context, req *workflow.AccessRequest) error {
	metadata, err := marshalStageMetadata(req.StageMetadata)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to encode stage metadata")
	}

	query := `
		INSERT INTO access_requests
		    (id, requester_id, department_id, capabilities,
		     is_permanent, expires_at,
		     composite_status,
		     hod_status, divisional_status, ict_director_status, head_it_status, ict_officer_status,
		     stage_metadata, stage_backfilled)
		VALUES ($1, $2, $3, $4,
		        $5, $6,
		        $7,
		        $8, $9, $10, $11, $12,
		        $13, TRUE)
		RETURNING created_at, updated_at
	`

	st := req.StageStatuses
	err = r.db.QueryRow(ctx, query,
		req.ID,
		req.RequesterID,
		req.DepartmentID,
		req.Capabilities,
		req.Duration.Permanent,
		req.Duration.ExpiresAt,
		string(req.CompositeStatus),
		string(st[workflow.StageHOD]),
		string(st[workflow.StageDivisionalDirector]),
		string(st[workflow.StageICTDirector]),
		string(st[workflow.StageHeadIT]),
		string(st[workflow.StageICTOfficer]),
		metadata,
	).Scan(&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create access request")
	}
	return nil
}

// GetByID retrieves a request by its primary key.
func (r *AccessRequestRepository) GetByID(ctx context.Context, id string) (*StoredRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM access_requests WHERE id = $1`, requestColumns)

	stored, err := scanRequest(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("access_request", id)
	}
	return stored, err
}

// List returns requests matching the filter, newest first.
func (r *AccessRequestRepository) List(ctx context.Context, filter ListFilter) ([]*StoredRequest, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.CompositeStatus != nil {
		cond := "composite_status = " + arg(string(*filter.CompositeStatus))
		if filter.IncludeLegacy {
			cond = "(" + cond + " OR stage_backfilled = FALSE)"
		}
		conds = append(conds, cond)
	}
	if filter.DepartmentID != nil {
		conds = append(conds, "department_id = "+arg(*filter.DepartmentID))
	}
	if filter.RequesterID != nil {
		conds = append(conds, "requester_id = "+arg(*filter.RequesterID))
	}

	query := fmt.Sprintf(`SELECT %s FROM access_requests`, requestColumns)
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list access requests")
	}
	defer rows.Close()

	var out []*StoredRequest
	for rows.Next() {
		stored, err := scanRequest(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan access request")
		}
		out = append(out, stored)
	}
	return out, rows.Err()
}

// CommitDecision writes a single stage transition. The update is guarded on
// the composite status observed at load time and on the row not being
// cancelled, so a concurrent writer that advanced or withdrew the request
// first makes this commit fail with a conflict — guaranteeing at-most-once
// transition per stage. Cancel never touches composite_status, which is why
// the composite token alone cannot see a cancellation that lands between
// load and commit.
//
// Only the decided stage's metadata entry is written, via jsonb_set: a
// concurrent MarkNotification on an earlier stage must not be clobbered by
// a document marshaled from a pre-mark load.
func (r *AccessRequestRepository) CommitDecision(ctx context.Context, req *workflow.AccessRequest, expected workflow.CompositeStatus, stage workflow.Stage) error {
	col, err := stageColumn(stage)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "invalid stage")
	}
	decision, err := json.Marshal(req.StageMetadata[stage])
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to encode stage decision")
	}

	query := fmt.Sprintf(`
		UPDATE access_requests
		SET %s              = $3,
		    composite_status = $4,
		    stage_metadata   = jsonb_set(COALESCE(stage_metadata, '{}'::jsonb), ARRAY[$5::text], $6::jsonb),
		    updated_at       = NOW()
		WHERE id = $1
		  AND composite_status = $2
		  AND cancelled_at IS NULL
		RETURNING updated_at
	`, col)

	err = r.db.QueryRow(ctx, query,
		req.ID,
		string(expected),
		string(req.StageStatuses[stage]),
		string(req.CompositeStatus),
		stage.String(),
		decision,
	).Scan(&req.UpdatedAt)
	if err == pgx.ErrNoRows {
		return apperrors.Conflict("request state changed while the decision was being recorded")
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to commit stage decision")
	}
	return nil
}

// Cancel withdraws a request. Only possible while no stage has been decided,
// which the guard on composite_status enforces atomically.
func (r *AccessRequestRepository) Cancel(ctx context.Context, id string, c workflow.Cancellation) error {
	query := `
		UPDATE access_requests
		SET cancelled_reason = $2,
		    cancelled_by     = $3,
		    cancelled_at     = $4,
		    updated_at       = NOW()
		WHERE id = $1
		  AND composite_status = $5
		  AND cancelled_at IS NULL
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, c.Reason, c.ByUserID, c.At, string(workflow.CompositePendingHOD)).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.Conflict("request cannot be cancelled once a stage has been decided")
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to cancel access request")
	}
	return nil
}

// ListLegacy returns rows whose stage columns have not been backfilled yet.
func (r *AccessRequestRepository) ListLegacy(ctx context.Context, limit int) ([]*StoredRequest, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM access_requests
		WHERE stage_backfilled = FALSE
		ORDER BY created_at ASC
		LIMIT $1
	`, requestColumns)

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list legacy requests")
	}
	defer rows.Close()

	var out []*StoredRequest
	for rows.Next() {
		stored, err := scanRequest(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan legacy request")
		}
		out = append(out, stored)
	}
	return out, rows.Err()
}

// BackfillStageStatuses writes the reconstructed five-column representation
// for a legacy row and marks it migrated.
func (r *AccessRequestRepository) BackfillStageStatuses(ctx context.Context, id string, st workflow.StageStatuses, composite workflow.CompositeStatus) error {
	query := `
		UPDATE access_requests
		SET hod_status          = $2,
		    divisional_status   = $3,
		    ict_director_status = $4,
		    head_it_status      = $5,
		    ict_officer_status  = $6,
		    composite_status    = $7,
		    stage_backfilled    = TRUE,
		    updated_at          = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query,
		id,
		string(st[workflow.StageHOD]),
		string(st[workflow.StageDivisionalDirector]),
		string(st[workflow.StageICTDirector]),
		string(st[workflow.StageHeadIT]),
		string(st[workflow.StageICTOfficer]),
		string(composite),
	).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("access_request", id)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to backfill stage statuses")
	}
	return nil
}

// MarkNotification records a delivery outcome on the stage's metadata entry,
// for audit. Never part of the decision transaction: a failed delivery must
// not roll back a committed transition.
func (r *AccessRequestRepository) MarkNotification(ctx context.Context, id string, stage workflow.Stage, status string) error {
	query := `
		UPDATE access_requests
		SET stage_metadata = jsonb_set(
		        jsonb_set(COALESCE(stage_metadata, '{}'::jsonb),
		                  ARRAY[$2::text, 'notify_status'], to_jsonb($3::text)),
		        ARRAY[$2::text, 'notified_at'], to_jsonb(NOW())),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, stage.String(), status).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("access_request", id)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to record notification outcome")
	}
	return nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type requestScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row requestScanner) (*StoredRequest, error) {
	var (
		req             workflow.AccessRequest
		composite       string
		hod, divisional string
		ictDir, headIT  string
		ictOfficer      string
		metadata        []byte
		cancelReason    *string
		cancelBy        *string
		cancelAt        *time.Time
		backfilled      bool
	)

	err := row.Scan(
		&req.ID,
		&req.RequesterID,
		&req.DepartmentID,
		&req.Capabilities,
		&req.Duration.Permanent,
		&req.Duration.ExpiresAt,
		&composite,
		&hod, &divisional, &ictDir, &headIT, &ictOfficer,
		&metadata,
		&cancelReason, &cancelBy, &cancelAt,
		&backfilled,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	req.CompositeStatus = workflow.CompositeStatus(composite)
	req.StageStatuses = workflow.StageStatuses{
		workflow.StageHOD:                workflow.StageStatus(hod),
		workflow.StageDivisionalDirector: workflow.StageStatus(divisional),
		workflow.StageICTDirector:        workflow.StageStatus(ictDir),
		workflow.StageHeadIT:             workflow.StageStatus(headIT),
		workflow.StageICTOfficer:         workflow.StageStatus(ictOfficer),
	}

	req.StageMetadata, err = unmarshalStageMetadata(metadata)
	if err != nil {
		return nil, err
	}

	if cancelAt != nil {
		req.Cancellation = &workflow.Cancellation{At: *cancelAt}
		if cancelReason != nil {
			req.Cancellation.Reason = *cancelReason
		}
		if cancelBy != nil {
			req.Cancellation.ByUserID = *cancelBy
		}
	}

	return &StoredRequest{Request: req, StageBackfilled: backfilled}, nil
}
