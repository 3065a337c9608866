package records

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a service record.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusProcessing Status = "processing"
	StatusFailed     Status = "failed"
	StatusSuccessful Status = "successful"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusSuccessful
}

// Record is one billable request. UsedCredit is fixed when the record is
// created and never changes.
type Record struct {
	ID            uuid.UUID         `json:"id"`
	ServiceID     string            `json:"service_id"`
	UserID        string            `json:"-"`
	Status        Status            `json:"status"`
	UsedCredit    int64             `json:"used_credit"`
	File          string            `json:"-"`
	FileLength    decimal.Decimal   `json:"file_length"`
	Payload       map[string]string `json:"payload"`
	Result        json.RawMessage   `json:"result"`
	FailureReason string            `json:"failure_reason,omitempty"`
	PollAttempts  int               `json:"-"`
	DispatchedAt  *time.Time        `json:"-"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

type tokenResult struct {
	Token string `json:"token"`
}

// Token returns the remote job token stored while the record is processing.
func (r *Record) Token() string {
	if r.Status != StatusProcessing || len(r.Result) == 0 {
		return ""
	}
	var tr tokenResult
	if err := json.Unmarshal(r.Result, &tr); err != nil {
		return ""
	}
	return tr.Token
}

// Public returns a copy safe to show to the owner: the intermediate vendor
// token is hidden while the record is processing.
func (r *Record) Public() *Record {
	cp := *r
	if cp.Status != StatusSuccessful {
		cp.Result = nil
	}
	return &cp
}

// ListParams filters a user's records of one service.
type ListParams struct {
	ServiceID string
	UserID    string
	Payload   string // substring match against the payload document
	Since     *time.Time
	Cursor    string
	Limit     int
}

// ScanParams pages through processing records oldest-updated first.
type ScanParams struct {
	ServiceID    string
	AfterUpdated time.Time
	AfterID      uuid.UUID
	Limit        int
}
