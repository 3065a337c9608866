// Package jobs runs the broker's background work on river: dispatching
// stored records to their vendor, the periodic reconciliation pass and
// low-balance notifications. Jobs are inserted on the caller's transaction,
// so they exist only if the write that produced them commits.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/peyvandtel/broker/internal/ledger"
)

const (
	QueueServices    = "services"
	QueueMaintenance = "maintenance"
	QueueNotify      = "notify"
)

// DispatchArgs submits one stored record. Submission is never retried:
// a vendor may have accepted a request whose response was lost.
type DispatchArgs struct {
	ServiceID string    `json:"service_id"`
	RecordID  uuid.UUID `json:"record_id"`
}

func (DispatchArgs) Kind() string { return "dispatch" }

func (DispatchArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueServices, MaxAttempts: 1}
}

// ReconcileArgs runs one reconciliation pass.
type ReconcileArgs struct{}

func (ReconcileArgs) Kind() string { return "reconcile" }

func (ReconcileArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueMaintenance, MaxAttempts: 1}
}

// NotifyLowBalanceArgs alerts a user whose balance dropped to or under
// their threshold.
type NotifyLowBalanceArgs struct {
	UserID    string `json:"user_id"`
	EntryID   int64  `json:"entry_id"`
	Balance   int64  `json:"balance"`
	Threshold int64  `json:"threshold"`
}

func (NotifyLowBalanceArgs) Kind() string { return "notify_low_balance" }

func (NotifyLowBalanceArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueNotify, MaxAttempts: 5}
}

// TxInserter inserts jobs on an open transaction. *river.Client[pgx.Tx]
// satisfies it.
type TxInserter interface {
	InsertTx(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

var errNotBound = errors.New("jobs: enqueuer is not bound to a river client")

// Enqueuer writes job rows inside business transactions. It is the dispatch
// outbox of the pipeline and the event sink of the ledger.
//
// The river client needs its workers, and the workers need the ledger, which
// needs the enqueuer, so the client is bound after construction.
type Enqueuer struct {
	mu            sync.RWMutex
	inserter      TxInserter
	dispatchDelay time.Duration
	now           func() time.Time
}

func NewEnqueuer(dispatchDelay time.Duration) *Enqueuer {
	return &Enqueuer{dispatchDelay: dispatchDelay, now: time.Now}
}

// Bind sets the client used for inserts.
func (e *Enqueuer) Bind(ins TxInserter) {
	e.mu.Lock()
	e.inserter = ins
	e.mu.Unlock()
}

func (e *Enqueuer) insert(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) error {
	e.mu.RLock()
	ins := e.inserter
	e.mu.RUnlock()
	if ins == nil {
		return errNotBound
	}
	_, err := ins.InsertTx(ctx, tx, args, opts)
	return err
}

// EnqueueDispatch schedules the record for submission after the dispatch
// delay. The row commits with the record and its debit.
func (e *Enqueuer) EnqueueDispatch(ctx context.Context, tx pgx.Tx, serviceID string, recordID uuid.UUID) error {
	var opts *river.InsertOpts
	if e.dispatchDelay > 0 {
		opts = &river.InsertOpts{ScheduledAt: e.now().Add(e.dispatchDelay)}
	}
	return e.insert(ctx, tx, DispatchArgs{ServiceID: serviceID, RecordID: recordID}, opts)
}

// Emit enqueues a notification for every entry that leaves the balance at
// or under the user's threshold.
func (e *Enqueuer) Emit(ctx context.Context, tx pgx.Tx, ev ledger.Event) error {
	if !ev.BelowThreshold() {
		return nil
	}
	return e.insert(ctx, tx, NotifyLowBalanceArgs{
		UserID:    ev.Entry.UserID,
		EntryID:   ev.Entry.ID,
		Balance:   ev.Entry.ResultingBalance,
		Threshold: ev.Threshold,
	}, nil)
}
