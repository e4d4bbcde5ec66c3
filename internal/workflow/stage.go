// Package workflow implements the approval state machine for institutional
// access requests: five ordered human approval stages, the legacy composite
// status reconciliation, and the notification dispatch plan derived from
// each transition. The package is pure — it performs no I/O and never
// mutates the request values it is given.
package workflow

import "fmt"

// Stage is one approval step in the fixed institutional chain.
// The ordering is total: no stage may be skipped or reordered.
type Stage int

const (
	StageHOD Stage = iota
	StageDivisionalDirector
	StageICTDirector
	StageHeadIT
	StageICTOfficer
)

// stageOrder lists all stages in approval order.
var stageOrder = [...]Stage{
	StageHOD,
	StageDivisionalDirector,
	StageICTDirector,
	StageHeadIT,
	StageICTOfficer,
}

var stageSlugs = map[Stage]string{
	StageHOD:                "hod",
	StageDivisionalDirector: "divisional",
	StageICTDirector:        "ict_director",
	StageHeadIT:             "head_it",
	StageICTOfficer:         "ict_officer",
}

var stageTitles = map[Stage]string{
	StageHOD:                "Head of Department",
	StageDivisionalDirector: "Divisional Director",
	StageICTDirector:        "ICT Director",
	StageHeadIT:             "Head of IT",
	StageICTOfficer:         "ICT Officer",
}

// Stages returns all stages in approval order.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder[:])
	return out
}

// String returns the stage slug used in composite status values and
// over the wire ("hod", "divisional", "ict_director", ...).
func (s Stage) String() string {
	if slug, ok := stageSlugs[s]; ok {
		return slug
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Title returns the human-readable stage name.
func (s Stage) Title() string {
	return stageTitles[s]
}

// ParseStage resolves a stage slug back to its Stage.
func ParseStage(slug string) (Stage, error) {
	for stage, s := range stageSlugs {
		if s == slug {
			return stage, nil
		}
	}
	return 0, fmt.Errorf("unknown approval stage %q", slug)
}

// NextStage returns the stage immediately following s, or false when s is
// the terminal stage.
func NextStage(s Stage) (Stage, bool) {
	for i, stage := range stageOrder {
		if stage == s && i+1 < len(stageOrder) {
			return stageOrder[i+1], true
		}
	}
	return 0, false
}

// IsTerminal reports whether s is the last stage in the chain.
func IsTerminal(s Stage) bool {
	return s == stageOrder[len(stageOrder)-1]
}

// StageStatus is the per-stage decision state.
type StageStatus string

const (
	StatusPending  StageStatus = "pending"
	StatusApproved StageStatus = "approved"
	StatusRejected StageStatus = "rejected"
	// StatusImplemented is only valid for the terminal stage, where approval
	// and implementation are the same action.
	StatusImplemented StageStatus = "implemented"
)

// ValidStatusesFor returns the statuses a stage may hold. The terminal
// stage has no plain Approved state; it goes straight to Implemented.
func ValidStatusesFor(s Stage) []StageStatus {
	if IsTerminal(s) {
		return []StageStatus{StatusPending, StatusImplemented, StatusRejected}
	}
	return []StageStatus{StatusPending, StatusApproved, StatusRejected}
}

// validActionFor reports whether status is an allowed decision (non-Pending
// valid status) for the stage.
func validActionFor(s Stage, status StageStatus) bool {
	if status == StatusPending {
		return false
	}
	for _, v := range ValidStatusesFor(s) {
		if v == status {
			return true
		}
	}
	return false
}

// StageStatuses maps every stage to its current status. A well-formed map
// has exactly one entry per stage; NewStageStatuses builds one.
type StageStatuses map[Stage]StageStatus

// NewStageStatuses returns a fresh map with every stage Pending.
func NewStageStatuses() StageStatuses {
	st := make(StageStatuses, len(stageOrder))
	for _, s := range stageOrder {
		st[s] = StatusPending
	}
	return st
}

// Clone returns an independent copy of the map.
func (st StageStatuses) Clone() StageStatuses {
	out := make(StageStatuses, len(st))
	for s, v := range st {
		out[s] = v
	}
	return out
}
