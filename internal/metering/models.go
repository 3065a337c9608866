package metering

import "time"

// Outcomes of a remote call.
const (
	OutcomeOK        = "ok"
	OutcomePending   = "pending"
	OutcomeRejected  = "rejected"
	OutcomeTransport = "transport_error"
)

// Call is the audit row of one request made to a vendor.
type Call struct {
	ID         int64     `json:"id"`
	ServiceID  string    `json:"service_id"`
	RecordID   string    `json:"record_id"`
	Op         string    `json:"op"` // submit or poll
	Timestamp  time.Time `json:"timestamp"`
	StatusCode int       `json:"status_code"`
	LatencyMs  int64     `json:"latency_ms"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
}

// CallSummary aggregates calls matching a CallQuery.
type CallSummary struct {
	TotalCalls   int64   `json:"total_calls"`
	OKCount      int64   `json:"ok_count"`
	ErrorCount   int64   `json:"error_count"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// CallQuery filters vendor calls.
type CallQuery struct {
	ServiceID string
	RecordID  string
	Op        string
	From      time.Time
	To        time.Time
}
