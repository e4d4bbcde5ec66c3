// Package notification turns a workflow dispatch plan into concrete
// deliveries. The dispatcher decides who is notified and records the
// outcome; the transport itself lives behind the Notifier interface and is
// always best-effort — a failed delivery never affects the committed
// approval transition.
package notification

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ictgov/be-access-requests/internal/workflow"
)

// Recipient is a resolved notification target.
type Recipient struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Phone  string `json:"phone,omitempty"`
	Email  string `json:"email,omitempty"`
}

// Directory resolves abstract plan targets into people. Backed by the staff
// directory service.
type Directory interface {
	// ApproverFor returns the person acting as the given stage's approver
	// for a department.
	ApproverFor(ctx context.Context, stage workflow.Stage, departmentID string) (Recipient, error)
	// RequesterOf returns the person who submitted the request.
	RequesterOf(ctx context.Context, req workflow.AccessRequest) (Recipient, error)
}

// Notifier delivers one notification. Implementations may publish to a
// message broker, call an SMS gateway, or drop the message entirely.
type Notifier interface {
	Send(ctx context.Context, rcpt Recipient, event workflow.EventKind, payload map[string]interface{}) error
}

// DeliveryRecorder persists the delivery outcome onto the request's stage
// metadata for audit.
type DeliveryRecorder interface {
	MarkNotification(ctx context.Context, requestID string, stage workflow.Stage, status string) error
}

// Delivery outcome values recorded per stage.
const (
	DeliverySent   = "sent"
	DeliveryFailed = "failed"
)

// Dispatcher executes dispatch plans.
type Dispatcher struct {
	directory Directory
	notifier  Notifier
	recorder  DeliveryRecorder
	log       zerolog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(directory Directory, notifier Notifier, recorder DeliveryRecorder, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		directory: directory,
		notifier:  notifier,
		recorder:  recorder,
		log:       log,
	}
}

// Dispatch resolves and delivers every notification in the plan. Errors are
// logged and recorded, never returned: by the time Dispatch runs the stage
// transition has already been committed.
func (d *Dispatcher) Dispatch(ctx context.Context, req workflow.AccessRequest, plan workflow.DispatchPlan) {
	for _, n := range plan.Notifications {
		rcpt, err := d.resolve(ctx, req, n)
		if err != nil {
			d.log.Warn().Err(err).
				Str("request_id", plan.RequestID).
				Str("target", string(n.Target)).
				Str("stage", n.Stage.String()).
				Msg("notification: could not resolve recipient")
			d.record(ctx, req.ID, n, DeliveryFailed)
			continue
		}

		payload := map[string]interface{}{
			"request_id":   req.ID,
			"stage":        n.Stage.String(),
			"stage_title":  n.Stage.Title(),
			"status":       string(req.CompositeStatus),
			"capabilities": req.Capabilities,
		}

		if err := d.notifier.Send(ctx, rcpt, n.Event, payload); err != nil {
			d.log.Warn().Err(err).
				Str("request_id", plan.RequestID).
				Str("event", string(n.Event)).
				Str("recipient", rcpt.UserID).
				Msg("notification: delivery failed (non-fatal)")
			d.record(ctx, req.ID, n, DeliveryFailed)
			continue
		}

		d.log.Debug().
			Str("request_id", plan.RequestID).
			Str("event", string(n.Event)).
			Str("recipient", rcpt.UserID).
			Msg("notification: delivered")
		d.record(ctx, req.ID, n, DeliverySent)
	}
}

func (d *Dispatcher) resolve(ctx context.Context, req workflow.AccessRequest, n workflow.Notification) (Recipient, error) {
	if n.Target == workflow.TargetApprover {
		return d.directory.ApproverFor(ctx, n.Stage, req.DepartmentID)
	}
	return d.directory.RequesterOf(ctx, req)
}

// record stores the delivery outcome on the decided stage's metadata.
// Approver alerts point at a stage that has no decision record yet, so only
// requester-facing events are recorded.
func (d *Dispatcher) record(ctx context.Context, requestID string, n workflow.Notification, status string) {
	if n.Target != workflow.TargetRequester {
		return
	}
	if err := d.recorder.MarkNotification(ctx, requestID, n.Stage, status); err != nil {
		d.log.Warn().Err(err).
			Str("request_id", requestID).
			Str("stage", n.Stage.String()).
			Msg("notification: could not record delivery outcome")
	}
}
