package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ictgov/be-access-requests/internal/apperrors"
)

// DecisionAuditEntry is one immutable record in the request audit trail.
type DecisionAuditEntry struct {
	ID           string
	RequestID    string
	Stage        *string // stage slug; nil for request-level actions
	Action       string  // submitted | approved | rejected | implemented | cancelled | notified | migrated
	PerformedBy  string
	PerformedAt  time.Time
	StatusBefore *string
	StatusAfter  *string
	Metadata     map[string]interface{}
}

// DecisionAuditRepository appends and reads immutable audit log entries.
type DecisionAuditRepository struct {
	db *pgxpool.Pool
}

// NewDecisionAuditRepository creates a new DecisionAuditRepository.
func NewDecisionAuditRepository(db *pgxpool.Pool) *DecisionAuditRepository {
	return &DecisionAuditRepository{db: db}
}

// Append inserts one audit entry. The table has a delete-prevention trigger
// so this is the only mutation operation exposed.
func (r *DecisionAuditRepository) Append(ctx context.Context, entry *DecisionAuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO request_decision_audit_log
		    (request_id, stage, action, performed_by,
		     status_before, status_after, metadata)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7)
		RETURNING id, performed_at
	`

	return r.db.QueryRow(ctx, query,
		entry.RequestID,
		entry.Stage,
		entry.Action,
		entry.PerformedBy,
		entry.StatusBefore,
		entry.StatusAfter,
		metadataJSON,
	).Scan(&entry.ID, &entry.PerformedAt)
}

// GetByRequestID returns the full audit trail for a request oldest-first.
func (r *DecisionAuditRepository) GetByRequestID(ctx context.Context, requestID string) ([]*DecisionAuditEntry, error) {
	query := `
		SELECT id, request_id, stage, action, performed_by, performed_at,
		       status_before, status_after, metadata
		FROM request_decision_audit_log
		WHERE request_id = $1
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *DecisionAuditRepository) scanRows(rows pgx.Rows) ([]*DecisionAuditEntry, error) {
	var entries []*DecisionAuditEntry
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type auditScanner interface {
	Scan(dest ...any) error
}

func (r *DecisionAuditRepository) scanEntry(sc auditScanner) (*DecisionAuditEntry, error) {
	entry := &DecisionAuditEntry{}
	var metadataJSON []byte

	err := sc.Scan(
		&entry.ID,
		&entry.RequestID,
		&entry.Stage,
		&entry.Action,
		&entry.PerformedBy,
		&entry.PerformedAt,
		&entry.StatusBefore,
		&entry.StatusAfter,
		&metadataJSON,
	)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan audit entry")
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to unmarshal audit metadata")
		}
	}

	return entry, nil
}
