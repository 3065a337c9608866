// Package remote talks to the metered vendor APIs. Jobs are submitted once
// and then either answered immediately or tracked by a token that is polled
// until the vendor reports a result.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
)

// Operation names used in errors, metrics and call records.
const (
	OpSubmit = "submit"
	OpPoll   = "poll"
)

// SubmitRequest is one media file to transcribe.
type SubmitRequest struct {
	ServiceID  string
	RecordID   string
	Credential string // vendor gateway token
	Filename   string
	Media      io.Reader
	Short      bool // use the synchronous endpoint
}

// Submission is the vendor's answer to a submit. Exactly one of Immediate
// and Token is set.
type Submission struct {
	Immediate  json.RawMessage
	Token      string
	StatusCode int
}

// PollRequest asks for the state of a tracked job.
type PollRequest struct {
	ServiceID  string
	RecordID   string
	Credential string
	Token      string
}

// PollState is the vendor-side state of a tracked job.
type PollState int

const (
	Pending PollState = iota
	Completed
	Failed
)

func (s PollState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// PollResult carries Result when Completed and Reason when Failed.
type PollResult struct {
	State      PollState
	Result     json.RawMessage
	Reason     string
	StatusCode int
}

// Submitter sends a job to the vendor. Implementations never retry: a
// submit that may have reached the vendor is not sent twice.
type Submitter interface {
	Submit(ctx context.Context, req SubmitRequest) (*Submission, error)
}

// Poller checks a tracked job.
type Poller interface {
	Poll(ctx context.Context, req PollRequest) (*PollResult, error)
}

// Client is a vendor that both accepts and tracks jobs.
type Client interface {
	Submitter
	Poller
}

// RemoteError is a failed vendor call. Temporary errors (transport failures,
// timeouts, 5xx) may succeed on a later attempt; the rest are final answers.
type RemoteError struct {
	Op         string
	StatusCode int
	Reason     string
	Err        error
	Temporary  bool
}

func (e *RemoteError) Error() string {
	msg := fmt.Sprintf("remote %s failed", e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RemoteError) Unwrap() error { return e.Err }

// IsTemporary reports whether err is a RemoteError worth retrying later.
func IsTemporary(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Temporary
}

// classifyTransportError categorizes an HTTP client error.
func classifyTransportError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Op == "dial" {
			return "connection_refused"
		}
		return "network"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return "timeout"
	}
	return "other"
}
