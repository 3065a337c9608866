package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/peyvandtel/broker/internal/catalog"
	"github.com/peyvandtel/broker/internal/ledger"
	"github.com/peyvandtel/broker/internal/media"
	"github.com/peyvandtel/broker/internal/pricing"
	"github.com/peyvandtel/broker/internal/records"
)

// Processor runs the six steps of one service request. Validate, Calculate
// and CheckCredit have no side effects. StoreInDB, ExecuteTheService and
// ChangeCredit write through run.Tx and take effect only when the pipeline
// commits it.
type Processor interface {
	Validate(ctx context.Context, run *Run) error
	Calculate(ctx context.Context, run *Run) error
	CheckCredit(ctx context.Context, run *Run) error
	StoreInDB(ctx context.Context, run *Run) error
	ExecuteTheService(ctx context.Context, run *Run) error
	ChangeCredit(ctx context.Context, run *Run) error
}

// Run is the state of one pipeline execution.
type Run struct {
	Descriptor *Descriptor
	Service    *catalog.Executable
	Binding    Binding
	Tx         pgx.Tx

	// Quantity is the billable amount measured by Calculate, e.g. seconds.
	Quantity decimal.Decimal
	// Short is set by ExecuteTheService when the request is answered inline.
	Short bool

	rollback []func()
}

// OnRollback registers cleanup for side effects outside the transaction.
func (r *Run) OnRollback(fn func()) {
	r.rollback = append(r.rollback, fn)
}

func (r *Run) undo() {
	for i := len(r.rollback) - 1; i >= 0; i-- {
		r.rollback[i]()
	}
}

// Poster moves credit. *ledger.Ledger satisfies it.
type Poster interface {
	Debit(ctx context.Context, tx pgx.Tx, p ledger.Posting) (*ledger.Entry, error)
	Credit(ctx context.Context, tx pgx.Tx, p ledger.Posting) (*ledger.Entry, error)
}

// BalanceReader reads a user's current balance.
type BalanceReader interface {
	Balance(ctx context.Context, userID string) (int64, error)
}

// Outbox records the intent to dispatch a stored record. The row is written
// on tx and becomes visible to workers only after commit.
type Outbox interface {
	EnqueueDispatch(ctx context.Context, tx pgx.Tx, serviceID string, recordID uuid.UUID) error
}

// ProcessorDeps are the collaborators shared by every processor.
type ProcessorDeps struct {
	Ledger   Poster
	Balances BalanceReader
	Storage  media.Storage
	Outbox   Outbox

	// ShortJobMaxSeconds routes requests up to this quantity to the inline
	// path. Zero disables it.
	ShortJobMaxSeconds int
}

// BaseProcessor implements the steps every service shares. Concrete
// processors embed it and override Validate and Calculate.
type BaseProcessor struct {
	deps ProcessorDeps
	// Label names the service in ledger descriptions.
	Label string
}

func NewBaseProcessor(deps ProcessorDeps, label string) *BaseProcessor {
	return &BaseProcessor{deps: deps, Label: label}
}

func (b *BaseProcessor) Validate(ctx context.Context, run *Run) error {
	return nil
}

// Calculate prices run.Quantity with the service's price definition.
func (b *BaseProcessor) Calculate(ctx context.Context, run *Run) error {
	var price *pricing.PriceDefinition
	if run.Service != nil {
		price = run.Service.Price
	}
	charge, err := pricing.Resolve(price, run.Binding.Validator, run.Quantity)
	switch {
	case errors.Is(err, pricing.ErrInvalidQuantity):
		return &ValidationError{Field: "quantity", Reason: "couldn't calculate the billable quantity"}
	case errors.Is(err, pricing.ErrChargeOverflow):
		return &ValidationError{Field: "quantity", Reason: "request is too large to price"}
	case err != nil:
		return err
	}
	run.Descriptor.SetCharge(charge)
	return nil
}

// CheckCredit rejects the request early when the balance cannot cover it.
// The debit re-checks under the row lock.
func (b *BaseProcessor) CheckCredit(ctx context.Context, run *Run) error {
	charge, ok := run.Descriptor.Charge()
	if !ok {
		return internal("check credit", errors.New("charge has not been calculated"))
	}
	balance, err := b.deps.Balances.Balance(ctx, run.Descriptor.UserID)
	if err != nil {
		return internal("check credit", err)
	}
	if balance < charge {
		return &ledger.InsufficientCreditError{UserID: run.Descriptor.UserID, Required: charge, Available: balance}
	}
	return nil
}

// StoreInDB saves the first attachment and inserts the record in waiting.
func (b *BaseProcessor) StoreInDB(ctx context.Context, run *Run) error {
	d := run.Descriptor
	charge, _ := d.Charge()

	rec := &records.Record{
		ID:         d.RequestID,
		ServiceID:  d.ServiceID,
		UserID:     d.UserID,
		UsedCredit: charge,
		FileLength: run.Quantity,
		Payload:    d.Payload,
	}

	if len(d.Attachments) > 0 {
		name, err := b.saveAttachment(ctx, d.Attachments[0])
		if err != nil {
			return internal("store media", err)
		}
		rec.File = name
		run.OnRollback(func() {
			if err := b.deps.Storage.Remove(name); err != nil {
				slog.Warn("failed to remove media of rolled back request", "record_id", rec.ID, "file", name, "error", err)
			}
		})
	}

	if err := run.Binding.Repository.Insert(ctx, run.Tx, rec); err != nil {
		return internal("store record", err)
	}
	d.Record = rec
	return nil
}

func (b *BaseProcessor) saveAttachment(ctx context.Context, a Attachment) (string, error) {
	f, err := a.Open()
	if err != nil {
		return "", fmt.Errorf("opening attachment: %w", err)
	}
	defer f.Close()
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(a.Filename), "."))
	return b.deps.Storage.Save(ctx, ext, f)
}

// ExecuteTheService writes the dispatch intent to the outbox and decides
// whether the request is answered inline.
func (b *BaseProcessor) ExecuteTheService(ctx context.Context, run *Run) error {
	if run.Descriptor.Record == nil {
		return internal("execute", errors.New("record has not been stored"))
	}
	if err := b.deps.Outbox.EnqueueDispatch(ctx, run.Tx, run.Descriptor.ServiceID, run.Descriptor.Record.ID); err != nil {
		return internal("enqueue dispatch", err)
	}
	run.Short = b.deps.ShortJobMaxSeconds > 0 &&
		run.Quantity.LessThanOrEqual(decimal.NewFromInt(int64(b.deps.ShortJobMaxSeconds)))
	return nil
}

// ChangeCredit debits the charge. The description carries the record id so
// a compensation can be matched to its debit.
func (b *BaseProcessor) ChangeCredit(ctx context.Context, run *Run) error {
	charge, _ := run.Descriptor.Charge()
	_, err := b.deps.Ledger.Debit(ctx, run.Tx, ledger.Posting{
		UserID:      run.Descriptor.UserID,
		Amount:      charge,
		Type:        ledger.TypeService,
		TypeName:    run.Descriptor.ServiceID,
		Description: fmt.Sprintf("charge for %s request. ID: %s", b.Label, run.Descriptor.RequestID),
	})
	var insufficient *ledger.InsufficientCreditError
	if errors.As(err, &insufficient) {
		return err
	}
	return internal("change credit", err)
}
