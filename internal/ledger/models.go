package ledger

import "time"

// Entry types.
const (
	TypeAdmin        = "admin"
	TypeService      = "service"
	TypeCompensation = "compensation"
)

// Entry is one append-only credit movement. ResultingBalance is the user's
// balance immediately after the entry was applied.
type Entry struct {
	ID               int64     `json:"id"`
	UserID           string    `json:"user_id"`
	Type             string    `json:"type"`
	TypeName         string    `json:"type_name,omitempty"`
	IsIncrease       bool      `json:"is_increase"`
	Amount           int64     `json:"amount"`
	ResultingBalance int64     `json:"resulting_balance"`
	Description      string    `json:"description"`
	CreatedAt        time.Time `json:"created_at"`
}

// Signed returns the entry's effect on the balance.
func (e *Entry) Signed() int64 {
	if e.IsIncrease {
		return e.Amount
	}
	return -e.Amount
}

// Posting is the input to Debit and Credit.
type Posting struct {
	UserID      string
	Amount      int64
	Type        string
	TypeName    string // service id for service postings
	Description string
}

// Account is the locked balance row of a user.
type Account struct {
	UserID    string
	Credit    int64
	Threshold int64
}

// ListParams filters a user's ledger by time range with keyset pagination.
type ListParams struct {
	UserID string
	From   *time.Time
	To     *time.Time
	Cursor string
	Limit  int
}

// Report is the result of replaying a user's ledger.
type Report struct {
	UserID         string  `json:"user_id"`
	Entries        int     `json:"entries"`
	StoredBalance  int64   `json:"stored_balance"`
	ReplayBalance  int64   `json:"replay_balance"`
	BrokenEntryIDs []int64 `json:"broken_entry_ids,omitempty"`
}

// Consistent reports whether the replay matched the stored balance and every
// entry's resulting balance.
func (r *Report) Consistent() bool {
	return r.StoredBalance == r.ReplayBalance && len(r.BrokenEntryIDs) == 0
}
