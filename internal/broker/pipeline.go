// Package broker executes metered service requests: it prices a request,
// reserves the charge, stores the record and hands it to the vendor, and
// later reconciles tracked jobs, refunding every request that fails.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/peyvandtel/broker/internal/catalog"
	"github.com/peyvandtel/broker/internal/database"
	"github.com/peyvandtel/broker/internal/ledger"
	"github.com/peyvandtel/broker/internal/pricing"
	"github.com/peyvandtel/broker/internal/records"
)

// BillingPolicy decides when a request is charged.
type BillingPolicy string

// ChargeOnSubmit debits the full price when the request is accepted and
// refunds it if the request later fails.
const ChargeOnSubmit BillingPolicy = "charge_on_submit"

// ServiceResolver loads the runtime view of a service.
type ServiceResolver interface {
	Resolve(ctx context.Context, id string) (*catalog.Executable, error)
}

// MetricsRecorder is an optional interface for pipeline, compensation and
// reconciliation metrics.
type MetricsRecorder interface {
	ObservePipeline(serviceID, status string, charged int64, seconds float64)
	IncPipelineRejection(serviceID, reason string)
	IncCompensation(serviceID, source string, amount int64)
	IncReconcileRun(status string)
	AddReconcileRecords(result string, n int)
}

// Outcome is the result of an accepted request.
type Outcome struct {
	Record *records.Record
	Status records.Status
	Result json.RawMessage
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	Timeout time.Duration
	Policy  BillingPolicy
}

// Pipeline runs service requests through their processor.
type Pipeline struct {
	registry   *Registry
	services   ServiceResolver
	db         database.Beginner
	dispatcher *Dispatcher
	timeout    time.Duration
	metrics    MetricsRecorder
}

func NewPipeline(opts PipelineOptions, registry *Registry, services ServiceResolver, db database.Beginner, dispatcher *Dispatcher) (*Pipeline, error) {
	if opts.Policy != ChargeOnSubmit {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPolicy, opts.Policy)
	}
	if opts.Timeout <= 0 {
		return nil, errors.New("pipeline timeout must be positive")
	}
	return &Pipeline{
		registry:   registry,
		services:   services,
		db:         db,
		dispatcher: dispatcher,
		timeout:    opts.Timeout,
	}, nil
}

// SetMetrics sets the optional metrics recorder.
func (p *Pipeline) SetMetrics(m MetricsRecorder) {
	p.metrics = m
}

// Execute runs d through validate, calculate, check credit, store, execute
// and change credit. The first three steps have no side effects. The last
// three share one transaction: the record, its dispatch intent and the
// debit commit together or not at all.
func (p *Pipeline) Execute(ctx context.Context, d *Descriptor) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	start := time.Now()

	binding, err := p.registry.Lookup(d.ServiceID)
	if err != nil {
		p.reject(d.ServiceID, "unknown_service")
		return nil, err
	}

	svc, err := p.services.Resolve(ctx, d.ServiceID)
	if err != nil {
		if errors.Is(err, catalog.ErrServiceNotFound) || errors.Is(err, catalog.ErrServiceInactive) {
			p.reject(d.ServiceID, "inactive")
			return nil, err
		}
		return nil, internal("resolve service", err)
	}

	run := &Run{Descriptor: d, Service: svc, Binding: binding}
	proc := binding.Processor

	if err := proc.Validate(ctx, run); err != nil {
		p.reject(d.ServiceID, rejectionReason(err))
		return nil, err
	}
	if err := proc.Calculate(ctx, run); err != nil {
		p.reject(d.ServiceID, rejectionReason(err))
		return nil, err
	}
	if err := proc.CheckCredit(ctx, run); err != nil {
		p.reject(d.ServiceID, rejectionReason(err))
		return nil, err
	}

	if err := p.commit(ctx, proc, run); err != nil {
		p.reject(d.ServiceID, rejectionReason(err))
		return nil, err
	}

	rec := d.Record
	charge, _ := d.Charge()
	slog.Info("service request accepted",
		"record_id", rec.ID,
		"user_id", d.UserID,
		"service_id", d.ServiceID,
		"amount", charge,
		"short", run.Short,
	)

	if run.Short {
		final, err := p.dispatcher.Dispatch(ctx, d.ServiceID, rec.ID, true)
		if errors.Is(err, records.ErrNotClaimable) {
			// The outbox worker claimed it first and owns the record now.
			final, err = binding.Repository.Get(ctx, rec.ID)
			if err != nil {
				err = internal("reload record", err)
			}
		}
		if final != nil {
			rec = final
			d.Record = final
		}
		if err != nil {
			p.observe(d.ServiceID, records.StatusFailed, charge, start)
			return nil, err
		}
	}

	p.observe(d.ServiceID, rec.Status, charge, start)
	out := &Outcome{Record: rec, Status: rec.Status}
	if rec.Status == records.StatusSuccessful {
		out.Result = rec.Result
	}
	return out, nil
}

func (p *Pipeline) commit(ctx context.Context, proc Processor, run *Run) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return internal("begin", err)
	}
	run.Tx = tx

	committed := false
	defer func() {
		if committed {
			return
		}
		if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("rollback failed", "record_id", run.Descriptor.RequestID, "error", err)
		}
		run.undo()
		run.Descriptor.Record = nil
	}()

	if err := proc.StoreInDB(ctx, run); err != nil {
		return err
	}
	if err := proc.ExecuteTheService(ctx, run); err != nil {
		return err
	}
	if err := proc.ChangeCredit(ctx, run); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return internal("commit", err)
	}
	committed = true
	return nil
}

func (p *Pipeline) reject(serviceID, reason string) {
	if p.metrics != nil {
		p.metrics.IncPipelineRejection(serviceID, reason)
	}
}

func (p *Pipeline) observe(serviceID string, status records.Status, charge int64, start time.Time) {
	if p.metrics != nil {
		p.metrics.ObservePipeline(serviceID, string(status), charge, time.Since(start).Seconds())
	}
}

func rejectionReason(err error) string {
	var validation *ValidationError
	var insufficient *ledger.InsufficientCreditError
	switch {
	case errors.As(err, &validation):
		return "validation"
	case errors.As(err, &insufficient):
		return "insufficient_credit"
	case errors.Is(err, pricing.ErrNoPriceConfigured):
		return "no_price"
	case errors.Is(err, pricing.ErrInvalidSetting):
		return "invalid_setting"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}
