package workflow

import "time"

// AccessRequest is an in-memory snapshot of a request under approval.
// The engine treats it as a value: Apply receives a copy and returns a new
// copy, never mutating shared state. Persistence owns the authoritative
// record.
type AccessRequest struct {
	ID           string
	RequesterID  string
	DepartmentID string

	// Capabilities are the requested access tags (module names, access
	// kinds, equipment identifiers). Immutable once submitted.
	Capabilities []string

	Duration AccessDuration

	// StageStatuses is the authoritative representation; CompositeStatus is
	// the derived legacy projection, recomputed on every transition.
	StageStatuses   StageStatuses
	CompositeStatus CompositeStatus

	// StageMetadata holds the decision record per finalized stage.
	// Append-only: once a stage is decided its entry is never overwritten.
	StageMetadata map[Stage]StageDecision

	Cancellation *Cancellation

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AccessDuration is either permanent or temporary with an expiry date.
type AccessDuration struct {
	Permanent bool       `json:"permanent"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// StageDecision is the audit record attached to a decided stage. The
// approver fields are caller-supplied and stored verbatim; DecidedAt is
// stamped by the engine. Notification fields are filled in after dispatch.
type StageDecision struct {
	ApproverID   string     `json:"approver_id,omitempty"`
	ApproverName string     `json:"approver_name,omitempty"`
	Comments     string     `json:"comments,omitempty"`
	SignatureRef string     `json:"signature_ref,omitempty"`
	DecidedAt    time.Time  `json:"decided_at"`
	NotifiedAt   *time.Time `json:"notified_at,omitempty"`
	NotifyStatus string     `json:"notify_status,omitempty"` // sent | failed
}

// Cancellation is the requester's terminal override, only settable while no
// stage has been decided.
type Cancellation struct {
	Reason   string    `json:"reason"`
	ByUserID string    `json:"by_user_id"`
	At       time.Time `json:"at"`
}

// Cancelled reports whether the request was withdrawn by the requester.
func (r AccessRequest) Cancelled() bool {
	return r.Cancellation != nil
}

// clone returns a deep copy safe to modify independently of r.
func (r AccessRequest) clone() AccessRequest {
	out := r
	out.StageStatuses = r.StageStatuses.Clone()
	out.StageMetadata = make(map[Stage]StageDecision, len(r.StageMetadata))
	for s, d := range r.StageMetadata {
		out.StageMetadata[s] = d
	}
	out.Capabilities = append([]string(nil), r.Capabilities...)
	if r.Cancellation != nil {
		c := *r.Cancellation
		out.Cancellation = &c
	}
	return out
}
