package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/peyvandtel/broker/internal/database"
	"github.com/peyvandtel/broker/internal/ledger"
	"github.com/peyvandtel/broker/internal/records"
)

// compensateTimeout bounds a compensation that outlives its caller's context.
const compensateTimeout = 30 * time.Second

// Failure describes a record to fail and refund.
type Failure struct {
	ServiceID string
	RecordID  uuid.UUID
	Reason    string
	Source    string // pipeline, dispatch or reconcile
}

// Compensator fails records and reverses their charge.
type Compensator struct {
	db       database.Beginner
	registry *Registry
	ledger   Poster
	metrics  MetricsRecorder
}

func NewCompensator(db database.Beginner, registry *Registry, ledger Poster) *Compensator {
	return &Compensator{db: db, registry: registry, ledger: ledger}
}

// SetMetrics sets the optional metrics recorder.
func (c *Compensator) SetMetrics(m MetricsRecorder) {
	c.metrics = m
}

// Fail moves the record to failed and, only if that transition happened,
// credits its used_credit back in the same transaction. Calling it again
// for the same record is a no-op that returns false.
//
// Compensation runs even when ctx is already cancelled: a request that
// timed out still owes the user a refund.
func (c *Compensator) Fail(ctx context.Context, f Failure) (bool, error) {
	binding, err := c.registry.Lookup(f.ServiceID)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()

	var failed *records.Record
	err = database.InTx(ctx, c.db, func(tx pgx.Tx) error {
		rec, err := binding.Repository.MarkFailed(ctx, tx, f.RecordID, f.Reason)
		if err != nil {
			return err
		}
		if rec.UsedCredit > 0 {
			_, err = c.ledger.Credit(ctx, tx, ledger.Posting{
				UserID:      rec.UserID,
				Amount:      rec.UsedCredit,
				Type:        ledger.TypeCompensation,
				TypeName:    rec.ServiceID,
				Description: fmt.Sprintf("refund of the charge, the request failed. ID: %s", rec.ID),
			})
			if err != nil {
				return fmt.Errorf("crediting compensation: %w", err)
			}
		}
		failed = rec
		return nil
	})
	if errors.Is(err, records.ErrNotTransitions) {
		return false, nil
	}
	if err != nil {
		slog.Error("compensation failed", "record_id", f.RecordID, "service_id", f.ServiceID, "reason", f.Reason, "error", err)
		return false, internal("compensate", err)
	}

	slog.Warn("service record failed and compensated",
		"record_id", failed.ID,
		"user_id", failed.UserID,
		"amount", failed.UsedCredit,
		"source", f.Source,
		"reason", f.Reason,
	)
	if c.metrics != nil {
		c.metrics.IncCompensation(failed.ServiceID, f.Source, failed.UsedCredit)
	}
	return true, nil
}
