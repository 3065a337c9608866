package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/peyvandtel/broker/internal/broker"
	"github.com/peyvandtel/broker/internal/notify"
	"github.com/peyvandtel/broker/internal/records"
)

// Dispatcher submits a stored record. *broker.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, serviceID string, id uuid.UUID, short bool) (*records.Record, error)
}

// DispatchWorker submits records whose dispatch intent committed.
type DispatchWorker struct {
	river.WorkerDefaults[DispatchArgs]
	dispatcher Dispatcher
	timeout    time.Duration
}

func NewDispatchWorker(d Dispatcher, timeout time.Duration) *DispatchWorker {
	return &DispatchWorker{dispatcher: d, timeout: timeout}
}

func (w *DispatchWorker) Timeout(*river.Job[DispatchArgs]) time.Duration {
	return w.timeout
}

func (w *DispatchWorker) Work(ctx context.Context, job *river.Job[DispatchArgs]) error {
	args := job.Args
	rec, err := w.dispatcher.Dispatch(ctx, args.ServiceID, args.RecordID, false)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, records.ErrNotClaimable):
		// Already submitted inline or by an earlier delivery.
		return nil
	case rec != nil && rec.Status == records.StatusFailed:
		// The record was failed and refunded; nothing is left to retry.
		slog.Warn("dispatch job finished with a failed record", "record_id", args.RecordID, "error", err)
		return nil
	default:
		// The record stays waiting and the reconciler fails it once stale.
		return river.JobCancel(fmt.Errorf("dispatching %s: %w", args.RecordID, err))
	}
}

// Reconciler runs one pass. *broker.Reconciler satisfies it.
type Reconciler interface {
	RunOnce(ctx context.Context) (broker.Summary, error)
}

// ReconcileWorker runs the periodic reconciliation pass.
type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileArgs]
	reconciler Reconciler
	timeout    time.Duration
}

func NewReconcileWorker(r Reconciler, timeout time.Duration) *ReconcileWorker {
	return &ReconcileWorker{reconciler: r, timeout: timeout}
}

func (w *ReconcileWorker) Timeout(*river.Job[ReconcileArgs]) time.Duration {
	return w.timeout
}

func (w *ReconcileWorker) Work(ctx context.Context, job *river.Job[ReconcileArgs]) error {
	_, err := w.reconciler.RunOnce(ctx)
	return err
}

// Recipients resolves who to alert for a user.
type Recipients interface {
	Contact(ctx context.Context, userID string) (name, mobile string, err error)
}

// NotifyWorker delivers low-balance alerts.
type NotifyWorker struct {
	river.WorkerDefaults[NotifyLowBalanceArgs]
	recipients Recipients
	notifier   notify.Notifier
	metrics    NotifyMetrics
}

// NotifyMetrics is an optional interface for notification counters.
type NotifyMetrics interface {
	IncNotification(status string)
}

func NewNotifyWorker(recipients Recipients, notifier notify.Notifier) *NotifyWorker {
	return &NotifyWorker{recipients: recipients, notifier: notifier}
}

// SetMetrics sets the optional metrics recorder.
func (w *NotifyWorker) SetMetrics(m NotifyMetrics) {
	w.metrics = m
}

func (w *NotifyWorker) Work(ctx context.Context, job *river.Job[NotifyLowBalanceArgs]) error {
	args := job.Args
	name, mobile, err := w.recipients.Contact(ctx, args.UserID)
	if err != nil {
		w.count("error")
		return fmt.Errorf("loading recipient %s: %w", args.UserID, err)
	}

	err = w.notifier.NotifyLowBalance(ctx, notify.LowBalance{
		UserID:    args.UserID,
		Name:      name,
		Mobile:    mobile,
		Balance:   args.Balance,
		Threshold: args.Threshold,
		EntryID:   args.EntryID,
	})
	if err != nil {
		w.count("error")
		slog.Warn("low balance notification failed", "user_id", args.UserID, "attempt", job.Attempt, "error", err)
		return err
	}
	w.count("sent")
	return nil
}

func (w *NotifyWorker) count(status string) {
	if w.metrics != nil {
		w.metrics.IncNotification(status)
	}
}
