package workflow

import (
	"errors"
	"fmt"
	"time"
)

// CompositeStatus is the single legacy status value carried alongside the
// five per-stage statuses. It is a derived, cached projection of
// StageStatuses — Derive is the only producer; the two representations are
// never independently writable.
type CompositeStatus string

// Canonical values produced by Derive.
const (
	CompositePendingHOD         CompositeStatus = "pending_hod"
	CompositePendingDivisional  CompositeStatus = "pending_divisional"
	CompositePendingICTDirector CompositeStatus = "pending_ict_director"
	CompositePendingHeadIT      CompositeStatus = "pending_head_it"
	CompositePendingICTOfficer  CompositeStatus = "pending_ict_officer"

	CompositeHODRejected         CompositeStatus = "hod_rejected"
	CompositeDivisionalRejected  CompositeStatus = "divisional_rejected"
	CompositeICTDirectorRejected CompositeStatus = "ict_director_rejected"
	CompositeHeadITRejected      CompositeStatus = "head_it_rejected"
	CompositeICTOfficerRejected  CompositeStatus = "ict_officer_rejected"

	CompositeImplemented CompositeStatus = "implemented"
)

// Legacy values accepted by ExpandLegacy but never produced by Derive.
// These come from un-migrated records written before the per-stage columns
// existed.
const (
	LegacyPending   CompositeStatus = "pending"
	LegacyRejected  CompositeStatus = "rejected"
	LegacyCompleted CompositeStatus = "completed"
	// LegacyStatusEmpty covers legacy rows whose status column was never set.
	LegacyStatusEmpty CompositeStatus = ""
)

var pendingComposite = map[Stage]CompositeStatus{
	StageHOD:                CompositePendingHOD,
	StageDivisionalDirector: CompositePendingDivisional,
	StageICTDirector:        CompositePendingICTDirector,
	StageHeadIT:             CompositePendingHeadIT,
	StageICTOfficer:         CompositePendingICTOfficer,
}

var rejectedComposite = map[Stage]CompositeStatus{
	StageHOD:                CompositeHODRejected,
	StageDivisionalDirector: CompositeDivisionalRejected,
	StageICTDirector:        CompositeICTDirectorRejected,
	StageHeadIT:             CompositeHeadITRejected,
	StageICTOfficer:         CompositeICTOfficerRejected,
}

// PendingFor returns the composite value meaning "awaiting this stage".
func PendingFor(s Stage) CompositeStatus {
	return pendingComposite[s]
}

// ErrUnknownRejectionOrigin is returned by ExpandLegacy when a legacy
// "rejected" record carries no stage timestamps at all. The expansion
// defaults the rejection to the first stage as a best-effort reconstruction;
// callers should flag such records for manual reconciliation rather than
// trust the default.
var ErrUnknownRejectionOrigin = errors.New("legacy rejected record has no stage timestamps; rejection origin unknown")

// Derive computes the composite status from the per-stage statuses.
// The first rejected stage in approval order wins; otherwise the first
// pending stage determines a pending_<stage> value; a fully approved chain
// with the terminal stage implemented derives to implemented.
func Derive(st StageStatuses) CompositeStatus {
	for _, s := range stageOrder {
		if st[s] == StatusRejected {
			return rejectedComposite[s]
		}
	}
	for _, s := range stageOrder {
		if st[s] == StatusPending {
			return pendingComposite[s]
		}
	}
	return CompositeImplemented
}

// ExpandLegacy reconstructs the per-stage statuses from a legacy composite
// value and whatever per-stage decision timestamps the record carries. It is
// intended to run once per un-migrated record.
//
// A generic legacy "rejected" does not record which stage rejected, so the
// rejection point is inferred as the first stage lacking a timestamp; when
// no timestamps exist at all the first stage is blamed and
// ErrUnknownRejectionOrigin is returned alongside the (still usable) map.
func ExpandLegacy(composite CompositeStatus, decidedAt map[Stage]time.Time) (StageStatuses, error) {
	st := NewStageStatuses()

	switch composite {
	case CompositeImplemented, LegacyCompleted:
		for _, s := range stageOrder {
			st[s] = StatusApproved
		}
		st[StageICTOfficer] = StatusImplemented
		return st, nil

	case LegacyPending, LegacyStatusEmpty:
		// Stages with a recorded decision timestamp were approved; the chain
		// stops at the first stage without one.
		for _, s := range stageOrder {
			if _, ok := decidedAt[s]; !ok {
				break
			}
			if IsTerminal(s) {
				st[s] = StatusImplemented
			} else {
				st[s] = StatusApproved
			}
		}
		return st, nil

	case LegacyRejected:
		if len(decidedAt) == 0 {
			st[StageHOD] = StatusRejected
			return st, ErrUnknownRejectionOrigin
		}
		for _, s := range stageOrder {
			if _, ok := decidedAt[s]; ok {
				st[s] = StatusApproved
				continue
			}
			st[s] = StatusRejected
			return st, nil
		}
		// Every stage has a timestamp yet the record says rejected; blame
		// the terminal stage.
		st[StageICTOfficer] = StatusRejected
		return st, nil
	}

	// Canonical pending_<stage>: every earlier stage approved.
	for stage, c := range pendingComposite {
		if c != composite {
			continue
		}
		for _, s := range stageOrder {
			if s == stage {
				break
			}
			st[s] = StatusApproved
		}
		return st, nil
	}

	// Canonical <stage>_rejected: earlier stages approved, later pending.
	for stage, c := range rejectedComposite {
		if c != composite {
			continue
		}
		for _, s := range stageOrder {
			if s == stage {
				st[s] = StatusRejected
				break
			}
			st[s] = StatusApproved
		}
		return st, nil
	}

	// Legacy per-stage approved markers, e.g. "hod_approved": that stage and
	// all earlier stages approved, the rest pending.
	for _, stage := range stageOrder {
		if composite != CompositeStatus(stage.String()+"_approved") {
			continue
		}
		for _, s := range stageOrder {
			st[s] = StatusApproved
			if s == stage {
				break
			}
		}
		return st, nil
	}

	return nil, fmt.Errorf("unknown composite status %q", composite)
}

// IsComplete reports whether every non-terminal stage is approved and the
// terminal stage is implemented.
func IsComplete(st StageStatuses) bool {
	for _, s := range stageOrder {
		if IsTerminal(s) {
			if st[s] != StatusImplemented {
				return false
			}
			continue
		}
		if st[s] != StatusApproved {
			return false
		}
	}
	return true
}

// rejectingStage returns the first rejected stage in approval order.
// Only meaningful when HasRejection is true.
func rejectingStage(st StageStatuses) Stage {
	for _, s := range stageOrder {
		if st[s] == StatusRejected {
			return s
		}
	}
	return StageHOD
}

// HasRejection reports whether any stage has rejected the request.
func HasRejection(st StageStatuses) bool {
	for _, s := range stageOrder {
		if st[s] == StatusRejected {
			return true
		}
	}
	return false
}

// NextPendingStage returns the stage whose decision is awaited. It returns
// false when the workflow is halted by a rejection or already complete.
func NextPendingStage(st StageStatuses) (Stage, bool) {
	if HasRejection(st) {
		return 0, false
	}
	for _, s := range stageOrder {
		if st[s] == StatusPending {
			return s, true
		}
	}
	return 0, false
}

// ProgressPercent returns how far the request has advanced through the
// chain, as floor(100 * decided / total). Rejected stages do not count as
// progress.
func ProgressPercent(st StageStatuses) int {
	done := 0
	for _, s := range stageOrder {
		if st[s] == StatusApproved || st[s] == StatusImplemented {
			done++
		}
	}
	return 100 * done / len(stageOrder)
}
