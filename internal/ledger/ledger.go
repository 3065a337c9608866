// Package ledger is the append-only credit log backing every user balance.
// Debit and Credit run inside the caller's transaction: they lock the user's
// balance row, write the new balance and append the entry, so all postings
// for one user are serialized.
package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Repository is the storage the ledger posts through. Every method runs on
// the caller's transaction.
type Repository interface {
	LockAccount(ctx context.Context, tx pgx.Tx, userID string) (*Account, error)
	UpdateBalance(ctx context.Context, tx pgx.Tx, userID string, credit int64) error
	InsertEntry(ctx context.Context, tx pgx.Tx, e *Entry) error
}

// Event is emitted for every entry written.
type Event struct {
	Entry     Entry
	Threshold int64
}

// BelowThreshold reports whether the entry left the balance at or under the
// user's notification threshold.
func (e Event) BelowThreshold() bool {
	return e.Entry.ResultingBalance <= e.Threshold
}

// EventSink receives ledger events inside the posting transaction. Anything it
// enqueues commits or rolls back with the balance change.
type EventSink interface {
	Emit(ctx context.Context, tx pgx.Tx, ev Event) error
}

// Ledger posts debits and credits.
type Ledger struct {
	repo Repository
	sink EventSink
}

func New(repo Repository, sink EventSink) *Ledger {
	return &Ledger{repo: repo, sink: sink}
}

// Debit subtracts p.Amount from the user's balance. It fails with
// *InsufficientCreditError when the balance is lower than the amount.
func (l *Ledger) Debit(ctx context.Context, tx pgx.Tx, p Posting) (*Entry, error) {
	return l.post(ctx, tx, p, false)
}

// Credit adds p.Amount to the user's balance.
func (l *Ledger) Credit(ctx context.Context, tx pgx.Tx, p Posting) (*Entry, error) {
	return l.post(ctx, tx, p, true)
}

func (l *Ledger) post(ctx context.Context, tx pgx.Tx, p Posting, increase bool) (*Entry, error) {
	if p.Amount < 0 {
		return nil, ErrInvalidAmount
	}

	acct, err := l.repo.LockAccount(ctx, tx, p.UserID)
	if err != nil {
		return nil, err
	}

	balance := acct.Credit
	if increase {
		balance += p.Amount
	} else {
		if acct.Credit < p.Amount {
			return nil, &InsufficientCreditError{UserID: p.UserID, Required: p.Amount, Available: acct.Credit}
		}
		balance -= p.Amount
	}

	if err := l.repo.UpdateBalance(ctx, tx, p.UserID, balance); err != nil {
		return nil, fmt.Errorf("updating balance: %w", err)
	}

	entry := &Entry{
		UserID:           p.UserID,
		Type:             p.Type,
		TypeName:         p.TypeName,
		IsIncrease:       increase,
		Amount:           p.Amount,
		ResultingBalance: balance,
		Description:      p.Description,
	}
	if err := l.repo.InsertEntry(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("appending entry: %w", err)
	}

	if l.sink != nil {
		if err := l.sink.Emit(ctx, tx, Event{Entry: *entry, Threshold: acct.Threshold}); err != nil {
			return nil, fmt.Errorf("emitting ledger event: %w", err)
		}
	}

	return entry, nil
}

// Replay recomputes a balance from entries in application order, starting
// from a zero opening balance, and flags every entry whose stored resulting
// balance disagrees with the replay.
func Replay(userID string, entries []Entry, stored int64) *Report {
	r := &Report{UserID: userID, Entries: len(entries), StoredBalance: stored}
	var running int64
	for i := range entries {
		running += entries[i].Signed()
		if entries[i].ResultingBalance != running {
			r.BrokenEntryIDs = append(r.BrokenEntryIDs, entries[i].ID)
		}
	}
	r.ReplayBalance = running
	return r
}
