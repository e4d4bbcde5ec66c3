package workflow

import "time"

// EventKind identifies what a notification is about.
type EventKind string

const (
	// EventStageApproved tells the requester their request cleared a stage.
	EventStageApproved EventKind = "stage_approved"
	// EventRejected tells the requester the workflow halted at a stage.
	EventRejected EventKind = "rejected"
	// EventPendingReview tells a stage approver a request awaits them.
	EventPendingReview EventKind = "pending_review"
	// EventAccessGranted tells the requester implementation is complete.
	EventAccessGranted EventKind = "access_granted"
)

// Target identifies who a notification is addressed to, abstractly; the
// dispatcher resolves targets into concrete recipients.
type Target string

const (
	TargetRequester Target = "requester"
	TargetApprover  Target = "approver"
)

// Notification is one entry in a DispatchPlan. For TargetApprover, Stage is
// the stage whose approver should be resolved; for TargetRequester it is
// the stage the event happened at.
type Notification struct {
	Target Target
	Stage  Stage
	Event  EventKind
}

// DispatchPlan describes who should be notified after a transition, without
// performing any delivery. It is returned as data so the state machine
// stays independent of any notification transport.
type DispatchPlan struct {
	RequestID     string
	Notifications []Notification
}

// Engine is the approval state machine. Transitions only ever move forward
// along the stage order or into a rejection sink; no transition reduces
// progress.
type Engine struct {
	now func() time.Time
}

// NewEngine returns an engine stamping decisions with time.Now.
func NewEngine() *Engine {
	return &Engine{now: time.Now}
}

// NewEngineWithClock returns an engine using the given clock.
func NewEngineWithClock(now func() time.Time) *Engine {
	return &Engine{now: now}
}

// Apply records a decision for a stage on a request and returns the updated
// request value plus the dispatch plan for the transition. The input request
// is never modified.
//
// Preconditions, checked in order with first failure winning:
//  1. stage must be the next pending stage (rejects double decisions,
//     skipped stages, halted and cancelled workflows) — StageMismatch;
//  2. action must be a valid non-pending status for the stage — InvalidAction.
//
// The meta blob is caller-supplied and stored verbatim except for DecidedAt,
// which the engine stamps itself.
func (e *Engine) Apply(req AccessRequest, stage Stage, action StageStatus, meta StageDecision) (AccessRequest, DispatchPlan, error) {
	if req.Cancelled() {
		return req, DispatchPlan{}, stageMismatch(stage, "request %s was cancelled by the requester", req.ID)
	}

	next, ok := NextPendingStage(req.StageStatuses)
	if !ok {
		if HasRejection(req.StageStatuses) {
			return req, DispatchPlan{}, stageMismatch(stage, "workflow halted: request %s was rejected at the %s stage", req.ID, rejectingStage(req.StageStatuses))
		}
		return req, DispatchPlan{}, stageMismatch(stage, "request %s has completed the approval chain", req.ID)
	}
	if next != stage {
		return req, DispatchPlan{}, stageMismatch(stage, "it is the %s stage's turn, not %s", next, stage)
	}

	if !validActionFor(stage, action) {
		return req, DispatchPlan{}, invalidAction(stage, "action %q is not valid for the %s stage", action, stage)
	}

	updated := req.clone()
	updated.StageStatuses[stage] = action
	updated.CompositeStatus = Derive(updated.StageStatuses)

	meta.DecidedAt = e.now()
	updated.StageMetadata[stage] = meta
	updated.UpdatedAt = meta.DecidedAt

	return updated, e.planFor(updated, stage, action), nil
}

// planFor builds the dispatch plan for a committed transition.
func (e *Engine) planFor(req AccessRequest, stage Stage, action StageStatus) DispatchPlan {
	plan := DispatchPlan{RequestID: req.ID}

	switch action {
	case StatusRejected:
		plan.Notifications = append(plan.Notifications, Notification{
			Target: TargetRequester, Stage: stage, Event: EventRejected,
		})
	case StatusImplemented:
		plan.Notifications = append(plan.Notifications, Notification{
			Target: TargetRequester, Stage: stage, Event: EventAccessGranted,
		})
	case StatusApproved:
		plan.Notifications = append(plan.Notifications, Notification{
			Target: TargetRequester, Stage: stage, Event: EventStageApproved,
		})
		if next, ok := NextStage(stage); ok {
			plan.Notifications = append(plan.Notifications, Notification{
				Target: TargetApprover, Stage: next, Event: EventPendingReview,
			})
		}
	}

	return plan
}

// SubmissionPlan is the dispatch plan for a freshly submitted request: the
// first stage's approver is asked to review it.
func SubmissionPlan(requestID string) DispatchPlan {
	return DispatchPlan{
		RequestID: requestID,
		Notifications: []Notification{
			{Target: TargetApprover, Stage: StageHOD, Event: EventPendingReview},
		},
	}
}
