package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testClock = func() time.Time {
	return time.Date(2026, 3, 12, 9, 30, 0, 0, time.UTC)
}

func testRequest(st StageStatuses) AccessRequest {
	return AccessRequest{
		ID:              "req-1",
		RequesterID:     "user-7",
		DepartmentID:    "dept-3",
		Capabilities:    []string{"finance_module", "reporting"},
		StageStatuses:   st,
		CompositeStatus: Derive(st),
		StageMetadata:   make(map[Stage]StageDecision),
	}
}

func TestApplyFirstStageApproval(t *testing.T) {
	engine := NewEngineWithClock(testClock)
	req := testRequest(NewStageStatuses())

	meta := StageDecision{ApproverID: "hod-1", ApproverName: "A. Mwangi", Comments: "ok"}
	updated, plan, err := engine.Apply(req, StageHOD, StatusApproved, meta)
	require.NoError(t, err)

	assert.Equal(t, StatusApproved, updated.StageStatuses[StageHOD])
	assert.Equal(t, CompositePendingDivisional, updated.CompositeStatus)

	// Metadata is stored verbatim, with the decision time stamped by the engine.
	decision := updated.StageMetadata[StageHOD]
	assert.Equal(t, "hod-1", decision.ApproverID)
	assert.Equal(t, "A. Mwangi", decision.ApproverName)
	assert.Equal(t, "ok", decision.Comments)
	assert.Equal(t, testClock(), decision.DecidedAt)

	// Requester hears about the approval; the next approver is asked to review.
	require.Len(t, plan.Notifications, 2)
	assert.Equal(t, Notification{Target: TargetRequester, Stage: StageHOD, Event: EventStageApproved}, plan.Notifications[0])
	assert.Equal(t, Notification{Target: TargetApprover, Stage: StageDivisionalDirector, Event: EventPendingReview}, plan.Notifications[1])

	// The input value is untouched.
	assert.Equal(t, StatusPending, req.StageStatuses[StageHOD])
	assert.Equal(t, CompositePendingHOD, req.CompositeStatus)
	assert.Empty(t, req.StageMetadata)
}

func TestApplyRejectionHaltsWorkflow(t *testing.T) {
	engine := NewEngineWithClock(testClock)
	req := testRequest(approvedThrough(StageICTDirector))

	updated, plan, err := engine.Apply(req, StageICTDirector, StatusRejected, StageDecision{Comments: "no budget line"})
	require.NoError(t, err)

	assert.Equal(t, CompositeICTDirectorRejected, updated.CompositeStatus)
	assert.True(t, HasRejection(updated.StageStatuses))
	_, ok := NextPendingStage(updated.StageStatuses)
	assert.False(t, ok)

	// Only the requester is notified; there is no next approver.
	require.Len(t, plan.Notifications, 1)
	assert.Equal(t, Notification{Target: TargetRequester, Stage: StageICTDirector, Event: EventRejected}, plan.Notifications[0])

	// Any further decision on any stage is refused.
	for _, s := range Stages() {
		_, _, err := engine.Apply(updated, s, StatusApproved, StageDecision{})
		assert.True(t, IsStageMismatch(err), s.String())
	}
}

func TestApplySkippedStageFails(t *testing.T) {
	engine := NewEngine()
	req := testRequest(approvedThrough(StageICTDirector))

	_, _, err := engine.Apply(req, StageHeadIT, StatusApproved, StageDecision{})
	require.True(t, IsStageMismatch(err))

	// No state change on failure.
	assert.Equal(t, StatusPending, req.StageStatuses[StageHeadIT])
	assert.Empty(t, req.StageMetadata)
}

func TestApplyTerminalImplementation(t *testing.T) {
	engine := NewEngineWithClock(testClock)
	req := testRequest(approvedThrough(StageICTOfficer))

	updated, plan, err := engine.Apply(req, StageICTOfficer, StatusImplemented, StageDecision{ApproverName: "ICT"})
	require.NoError(t, err)

	assert.Equal(t, CompositeImplemented, updated.CompositeStatus)
	assert.True(t, IsComplete(updated.StageStatuses))
	assert.Equal(t, 100, ProgressPercent(updated.StageStatuses))

	require.Len(t, plan.Notifications, 1)
	assert.Equal(t, Notification{Target: TargetRequester, Stage: StageICTOfficer, Event: EventAccessGranted}, plan.Notifications[0])
}

func TestApplyAtMostOncePerStage(t *testing.T) {
	engine := NewEngineWithClock(testClock)
	req := testRequest(NewStageStatuses())

	first, _, err := engine.Apply(req, StageHOD, StatusApproved, StageDecision{ApproverName: "first"})
	require.NoError(t, err)

	// The same decision applied to the already-transitioned state must fail
	// and leave the recorded metadata unchanged.
	second, _, err := engine.Apply(first, StageHOD, StatusApproved, StageDecision{ApproverName: "second"})
	require.True(t, IsStageMismatch(err))
	assert.Equal(t, "first", first.StageMetadata[StageHOD].ApproverName)
	assert.Equal(t, first, second)
}

func TestApplyInvalidActions(t *testing.T) {
	engine := NewEngine()

	// Plain approval is not a terminal-stage action.
	req := testRequest(approvedThrough(StageICTOfficer))
	_, _, err := engine.Apply(req, StageICTOfficer, StatusApproved, StageDecision{})
	assert.True(t, IsInvalidAction(err))

	// Implementation is terminal-stage only.
	fresh := testRequest(NewStageStatuses())
	_, _, err = engine.Apply(fresh, StageHOD, StatusImplemented, StageDecision{})
	assert.True(t, IsInvalidAction(err))

	// Pending is never a decision.
	_, _, err = engine.Apply(fresh, StageHOD, StatusPending, StageDecision{})
	assert.True(t, IsInvalidAction(err))
}

func TestApplyStageMismatchBeatsInvalidAction(t *testing.T) {
	// Precondition order: the turn check fires before action validation.
	engine := NewEngine()
	req := testRequest(NewStageStatuses())

	_, _, err := engine.Apply(req, StageHeadIT, StatusImplemented, StageDecision{})
	assert.True(t, IsStageMismatch(err))
}

func TestApplyCancelledRequest(t *testing.T) {
	engine := NewEngine()
	req := testRequest(NewStageStatuses())
	req.Cancellation = &Cancellation{Reason: "no longer needed", ByUserID: "user-7", At: testClock()}

	_, _, err := engine.Apply(req, StageHOD, StatusApproved, StageDecision{})
	assert.True(t, IsStageMismatch(err))
}

func TestApplyCompletedRequest(t *testing.T) {
	engine := NewEngine()
	st := approvedThrough(StageICTOfficer)
	st[StageICTOfficer] = StatusImplemented
	req := testRequest(st)

	_, _, err := engine.Apply(req, StageICTOfficer, StatusImplemented, StageDecision{})
	assert.True(t, IsStageMismatch(err))
}

func TestProgressIsMonotonicAcrossFullApproval(t *testing.T) {
	engine := NewEngineWithClock(testClock)
	req := testRequest(NewStageStatuses())

	prev := ProgressPercent(req.StageStatuses)
	actions := []struct {
		stage  Stage
		action StageStatus
	}{
		{StageHOD, StatusApproved},
		{StageDivisionalDirector, StatusApproved},
		{StageICTDirector, StatusApproved},
		{StageHeadIT, StatusApproved},
		{StageICTOfficer, StatusImplemented},
	}

	for _, step := range actions {
		updated, _, err := engine.Apply(req, step.stage, step.action, StageDecision{})
		require.NoError(t, err)

		current := ProgressPercent(updated.StageStatuses)
		assert.GreaterOrEqual(t, current, prev)

		// Every transition keeps the cached composite consistent with the
		// authoritative stage map.
		assert.Equal(t, Derive(updated.StageStatuses), updated.CompositeStatus)

		prev = current
		req = updated
	}

	assert.Equal(t, 100, prev)
	assert.True(t, IsComplete(req.StageStatuses))
}
