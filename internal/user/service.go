package user

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/peyvandtel/broker/internal/database"
	"github.com/peyvandtel/broker/internal/ledger"
)

var ErrInvalidAdjustment = errors.New("amount must be positive")

// Poster moves credit. *ledger.Ledger satisfies it.
type Poster interface {
	Debit(ctx context.Context, tx pgx.Tx, p ledger.Posting) (*ledger.Entry, error)
	Credit(ctx context.Context, tx pgx.Tx, p ledger.Posting) (*ledger.Entry, error)
}

// Service changes balances on an admin's behalf.
type Service struct {
	db     database.Beginner
	ledger Poster
}

func NewService(db database.Beginner, ledger Poster) *Service {
	return &Service{db: db, ledger: ledger}
}

// Adjust posts an admin credit or debit. A debit larger than the balance
// fails with *ledger.InsufficientCreditError.
func (s *Service) Adjust(ctx context.Context, userID string, adj Adjustment) (*ledger.Entry, error) {
	if adj.Amount <= 0 {
		return nil, ErrInvalidAdjustment
	}
	desc := strings.TrimSpace(adj.Description)
	if desc == "" {
		if adj.IsIncrease {
			desc = "credit increased by admin"
		} else {
			desc = "credit decreased by admin"
		}
	}

	p := ledger.Posting{
		UserID:      userID,
		Amount:      adj.Amount,
		Type:        ledger.TypeAdmin,
		Description: desc,
	}
	var entry *ledger.Entry
	err := database.InTx(ctx, s.db, func(tx pgx.Tx) error {
		var err error
		if adj.IsIncrease {
			entry, err = s.ledger.Credit(ctx, tx, p)
		} else {
			entry, err = s.ledger.Debit(ctx, tx, p)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Info("admin credit adjustment", "user_id", userID, "amount", entry.Signed(), "balance", entry.ResultingBalance)
	return entry, nil
}
