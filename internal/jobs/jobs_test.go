package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/peyvandtel/broker/internal/broker"
	"github.com/peyvandtel/broker/internal/ledger"
	"github.com/peyvandtel/broker/internal/notify"
	"github.com/peyvandtel/broker/internal/records"
)

type inserted struct {
	args river.JobArgs
	opts *river.InsertOpts
}

type fakeInserter struct {
	calls []inserted
}

func (f *fakeInserter) InsertTx(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	f.calls = append(f.calls, inserted{args, opts})
	return &rivertype.JobInsertResult{}, nil
}

func TestEnqueueDispatch(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ins := &fakeInserter{}
	e := NewEnqueuer(5 * time.Second)
	e.now = func() time.Time { return now }

	id := uuid.Must(uuid.NewV7())
	if err := e.EnqueueDispatch(context.Background(), nil, "STT", id); !errors.Is(err, errNotBound) {
		t.Fatalf("expected errNotBound before Bind, got %v", err)
	}

	e.Bind(ins)
	if err := e.EnqueueDispatch(context.Background(), nil, "STT", id); err != nil {
		t.Fatal(err)
	}
	if len(ins.calls) != 1 {
		t.Fatalf("inserts = %d, want 1", len(ins.calls))
	}
	args, ok := ins.calls[0].args.(DispatchArgs)
	if !ok || args.ServiceID != "STT" || args.RecordID != id {
		t.Errorf("args = %+v", ins.calls[0].args)
	}
	if got := ins.calls[0].opts.ScheduledAt; !got.Equal(now.Add(5 * time.Second)) {
		t.Errorf("scheduled at %v", got)
	}

	opts := args.InsertOpts()
	if opts.Queue != QueueServices || opts.MaxAttempts != 1 {
		t.Errorf("dispatch insert opts = %+v, submission must not be retried", opts)
	}
}

func TestEmitOnlyBelowThreshold(t *testing.T) {
	tests := []struct {
		name    string
		balance int64
		want    bool
	}{
		{"above", 1001, false},
		{"equal", 1000, true},
		{"below", 10, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ins := &fakeInserter{}
			e := NewEnqueuer(0)
			e.Bind(ins)
			ev := ledger.Event{
				Entry:     ledger.Entry{ID: 9, UserID: "u1", ResultingBalance: tt.balance},
				Threshold: 1000,
			}
			if err := e.Emit(context.Background(), nil, ev); err != nil {
				t.Fatal(err)
			}
			if got := len(ins.calls) == 1; got != tt.want {
				t.Fatalf("enqueued = %v, want %v", got, tt.want)
			}
			if !tt.want {
				return
			}
			args := ins.calls[0].args.(NotifyLowBalanceArgs)
			if args.UserID != "u1" || args.EntryID != 9 || args.Balance != tt.balance || args.Threshold != 1000 {
				t.Errorf("args = %+v", args)
			}
		})
	}
}

type fakeDispatcher struct {
	rec *records.Record
	err error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, serviceID string, id uuid.UUID, short bool) (*records.Record, error) {
	if short {
		return nil, errors.New("worker must use the tracked path")
	}
	return f.rec, f.err
}

func TestDispatchWorker(t *testing.T) {
	boom := errors.New("connection refused")
	tests := []struct {
		name    string
		d       *fakeDispatcher
		wantErr bool
	}{
		{"submitted", &fakeDispatcher{rec: &records.Record{Status: records.StatusProcessing}}, false},
		{"already claimed", &fakeDispatcher{err: records.ErrNotClaimable}, false},
		{"failed and refunded", &fakeDispatcher{rec: &records.Record{Status: records.StatusFailed}, err: boom}, false},
		{"claim error", &fakeDispatcher{err: boom}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewDispatchWorker(tt.d, time.Minute)
			job := &river.Job[DispatchArgs]{JobRow: &rivertype.JobRow{Attempt: 1}, Args: DispatchArgs{ServiceID: "STT", RecordID: uuid.New()}}
			err := w.Work(context.Background(), job)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

type fakeReconciler struct {
	runs int
}

func (f *fakeReconciler) RunOnce(ctx context.Context) (broker.Summary, error) {
	f.runs++
	return broker.Summary{Scanned: 1}, nil
}

func TestReconcileWorker(t *testing.T) {
	r := &fakeReconciler{}
	w := NewReconcileWorker(r, time.Minute)
	if err := w.Work(context.Background(), &river.Job[ReconcileArgs]{JobRow: &rivertype.JobRow{}}); err != nil {
		t.Fatal(err)
	}
	if r.runs != 1 {
		t.Errorf("runs = %d, want 1", r.runs)
	}
	if w.Timeout(nil) != time.Minute {
		t.Errorf("timeout = %v", w.Timeout(nil))
	}
}

type fakeRecipients struct {
	err error
}

func (f fakeRecipients) Contact(ctx context.Context, userID string) (string, string, error) {
	return "Sara", "0912", f.err
}

type captureNotifier struct {
	got []notify.LowBalance
	err error
}

func (c *captureNotifier) NotifyLowBalance(ctx context.Context, n notify.LowBalance) error {
	c.got = append(c.got, n)
	return c.err
}

type statusCounter map[string]int

func (s statusCounter) IncNotification(status string) { s[status]++ }

func TestNotifyWorker(t *testing.T) {
	n := &captureNotifier{}
	counts := statusCounter{}
	w := NewNotifyWorker(fakeRecipients{}, n)
	w.SetMetrics(counts)
	job := &river.Job[NotifyLowBalanceArgs]{
		JobRow: &rivertype.JobRow{Attempt: 1},
		Args:   NotifyLowBalanceArgs{UserID: "u1", EntryID: 3, Balance: 10, Threshold: 1000},
	}

	if err := w.Work(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	want := notify.LowBalance{UserID: "u1", Name: "Sara", Mobile: "0912", Balance: 10, Threshold: 1000, EntryID: 3}
	if len(n.got) != 1 || n.got[0] != want {
		t.Errorf("notified %+v, want %+v", n.got, want)
	}

	n.err = errors.New("provider down")
	if err := w.Work(context.Background(), job); err == nil {
		t.Error("expected error so the job is retried")
	}

	w = NewNotifyWorker(fakeRecipients{err: errors.New("no rows")}, n)
	if err := w.Work(context.Background(), job); err == nil {
		t.Error("expected error for unknown recipient")
	}
	if counts["sent"] != 1 || counts["error"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}
