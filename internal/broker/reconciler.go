package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/peyvandtel/broker/internal/records"
	"github.com/peyvandtel/broker/internal/remote"
)

// ReconcileOptions bounds a reconciliation pass.
type ReconcileOptions struct {
	BatchSize   int
	MaxAttempts int           // polls before a still-pending record is failed
	MaxAge      time.Duration // age after which an unfinished record is failed
}

// Summary counts what one pass did.
type Summary struct {
	Scanned   int `json:"scanned"`
	Completed int `json:"completed"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
}

func (s *Summary) add(o Summary) {
	s.Scanned += o.Scanned
	s.Completed += o.Completed
	s.Pending += o.Pending
	s.Failed += o.Failed
	s.Deferred += o.Deferred
}

// Reconciler polls tracked jobs and settles them.
type Reconciler struct {
	registry    *Registry
	creds       CredentialSource
	compensator *Compensator
	opts        ReconcileOptions
	now         func() time.Time
	metrics     MetricsRecorder
}

func NewReconciler(registry *Registry, creds CredentialSource, compensator *Compensator, opts ReconcileOptions) *Reconciler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Reconciler{
		registry:    registry,
		creds:       creds,
		compensator: compensator,
		opts:        opts,
		now:         time.Now,
	}
}

// SetMetrics sets the optional metrics recorder.
func (r *Reconciler) SetMetrics(m MetricsRecorder) {
	r.metrics = m
}

// RunOnce settles every registered service once. Terminal records are never
// selected and failing is conditional, so overlapping passes are harmless.
func (r *Reconciler) RunOnce(ctx context.Context) (Summary, error) {
	var total Summary
	var errs []error

	for _, id := range r.registry.Services() {
		s, err := r.reconcileService(ctx, id)
		total.add(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("reconciling %s: %w", id, err))
		}
	}

	status := "ok"
	err := errors.Join(errs...)
	if err != nil {
		status = "error"
	}
	if r.metrics != nil {
		r.metrics.IncReconcileRun(status)
		r.metrics.AddReconcileRecords("completed", total.Completed)
		r.metrics.AddReconcileRecords("pending", total.Pending)
		r.metrics.AddReconcileRecords("failed", total.Failed)
		r.metrics.AddReconcileRecords("deferred", total.Deferred)
	}
	slog.Info("reconciliation pass finished",
		"scanned", total.Scanned,
		"completed", total.Completed,
		"pending", total.Pending,
		"failed", total.Failed,
		"deferred", total.Deferred,
	)
	return total, err
}

func (r *Reconciler) reconcileService(ctx context.Context, serviceID string) (Summary, error) {
	var sum Summary
	binding, err := r.registry.Lookup(serviceID)
	if err != nil {
		return sum, err
	}

	// Polling does not need a credential, but send one when the service has it.
	var credential string
	if cred, err := r.creds.Credential(ctx, serviceID); err == nil {
		credential = cred.Token
	}

	cutoff := r.now().Add(-r.opts.MaxAge)

	if r.opts.MaxAge > 0 {
		stale, err := binding.Repository.ListStaleWaiting(ctx, serviceID, cutoff, r.opts.BatchSize)
		if err != nil {
			return sum, err
		}
		for _, rec := range stale {
			sum.Scanned++
			if r.fail(ctx, serviceID, rec, "the request was never submitted") {
				sum.Failed++
			}
		}
	}

	params := records.ScanParams{ServiceID: serviceID, AfterID: uuid.Nil, Limit: r.opts.BatchSize}
	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		batch, err := binding.Repository.ListProcessing(ctx, params)
		if err != nil {
			return sum, err
		}
		for _, rec := range batch {
			sum.Scanned++
			r.settle(ctx, binding, credential, cutoff, rec, &sum)
		}
		if len(batch) < params.Limit {
			return sum, nil
		}
		last := batch[len(batch)-1]
		params.AfterUpdated, params.AfterID = last.UpdatedAt, last.ID
	}
}

func (r *Reconciler) settle(ctx context.Context, binding Binding, credential string, cutoff time.Time, rec *records.Record, sum *Summary) {
	res, err := binding.Remote.Poll(ctx, remote.PollRequest{
		ServiceID:  binding.ServiceID,
		RecordID:   rec.ID.String(),
		Credential: credential,
		Token:      rec.Token(),
	})

	var re *remote.RemoteError
	switch {
	case err != nil && errors.As(err, &re) && !re.Temporary:
		if r.fail(ctx, binding.ServiceID, rec, re.Error()) {
			sum.Failed++
		}
		return
	case err != nil:
		slog.Warn("poll deferred", "record_id", rec.ID, "error", err)
		if r.expired(rec, cutoff) {
			if r.fail(ctx, binding.ServiceID, rec, "the request timed out at the vendor") {
				sum.Failed++
			}
			return
		}
		sum.Deferred++
		return
	}

	switch res.State {
	case remote.Completed:
		err := binding.Repository.MarkSuccessful(ctx, rec.ID, res.Result)
		switch {
		case err == nil:
			slog.Info("service record completed", "record_id", rec.ID, "user_id", rec.UserID, "amount", rec.UsedCredit)
			sum.Completed++
		case errors.Is(err, records.ErrNotTransitions):
		default:
			slog.Error("storing poll result failed", "record_id", rec.ID, "error", err)
			sum.Deferred++
		}
	case remote.Failed:
		if r.fail(ctx, binding.ServiceID, rec, res.Reason) {
			sum.Failed++
		}
	default:
		if r.expired(rec, cutoff) || rec.PollAttempts+1 >= r.opts.MaxAttempts {
			if r.fail(ctx, binding.ServiceID, rec, "the request timed out at the vendor") {
				sum.Failed++
			}
			return
		}
		if err := binding.Repository.TouchPoll(ctx, rec.ID); err != nil {
			slog.Warn("recording poll attempt failed", "record_id", rec.ID, "error", err)
		}
		sum.Pending++
	}
}

func (r *Reconciler) expired(rec *records.Record, cutoff time.Time) bool {
	return r.opts.MaxAge > 0 && rec.CreatedAt.Before(cutoff)
}

func (r *Reconciler) fail(ctx context.Context, serviceID string, rec *records.Record, reason string) bool {
	ok, err := r.compensator.Fail(ctx, Failure{
		ServiceID: serviceID,
		RecordID:  rec.ID,
		Reason:    reason,
		Source:    "reconcile",
	})
	if err != nil {
		slog.Error("failing record", "record_id", rec.ID, "user_id", rec.UserID, "amount", rec.UsedCredit, "error", err)
	}
	return ok
}
