package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ictgov/be-access-requests/internal/workflow"
)

// StoredRequest pairs the domain value with persistence bookkeeping.
type StoredRequest struct {
	Request workflow.AccessRequest
	// StageBackfilled is false for legacy rows whose five stage columns have
	// not yet been reconstructed from the composite status. The service
	// layer reconciles such rows on first touch.
	StageBackfilled bool
}

// ListFilter narrows List results. Nil fields match everything.
type ListFilter struct {
	CompositeStatus *workflow.CompositeStatus
	// IncludeLegacy widens a CompositeStatus filter to also match rows whose
	// stage columns have not been backfilled: their composite column still
	// holds legacy values ("pending", "hod_approved", ...) that only resolve
	// to a canonical status after in-memory expansion, so SQL cannot match
	// them against the canonical value. Callers filter after expanding.
	IncludeLegacy bool
	DepartmentID  *string
	RequesterID   *string
	Limit         int
	Offset        int
}

// stageColumns maps each stage to its status column. Fixed set; values are
// safe to interpolate into SQL.
var stageColumns = map[workflow.Stage]string{
	workflow.StageHOD:                "hod_status",
	workflow.StageDivisionalDirector: "divisional_status",
	workflow.StageICTDirector:        "ict_director_status",
	workflow.StageHeadIT:             "head_it_status",
	workflow.StageICTOfficer:         "ict_officer_status",
}

func stageColumn(s workflow.Stage) (string, error) {
	col, ok := stageColumns[s]
	if !ok {
		return "", fmt.Errorf("no status column for stage %v", s)
	}
	return col, nil
}

// marshalStageMetadata encodes per-stage decision records as a JSONB
// document keyed by stage slug.
func marshalStageMetadata(m map[workflow.Stage]workflow.StageDecision) ([]byte, error) {
	doc := make(map[string]workflow.StageDecision, len(m))
	for stage, d := range m {
		doc[stage.String()] = d
	}
	return json.Marshal(doc)
}

func unmarshalStageMetadata(data []byte) (map[workflow.Stage]workflow.StageDecision, error) {
	out := make(map[workflow.Stage]workflow.StageDecision)
	if len(data) == 0 {
		return out, nil
	}
	doc := make(map[string]workflow.StageDecision)
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	for slug, d := range doc {
		stage, err := workflow.ParseStage(slug)
		if err != nil {
			return nil, err
		}
		out[stage] = d
	}
	return out, nil
}

// DecisionTimestamps extracts the per-stage decision times recorded in a
// request's metadata, for legacy status expansion.
func DecisionTimestamps(req workflow.AccessRequest) map[workflow.Stage]time.Time {
	out := make(map[workflow.Stage]time.Time, len(req.StageMetadata))
	for stage, d := range req.StageMetadata {
		if !d.DecidedAt.IsZero() {
			out[stage] = d.DecidedAt
		}
	}
	return out
}
