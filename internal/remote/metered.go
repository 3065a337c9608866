package remote

import (
	"context"
	"errors"
	"time"

	"github.com/peyvandtel/broker/internal/metering"
)

// CallRecorder buffers call audit rows.
type CallRecorder interface {
	Record(call metering.Call)
}

// MetricsRecorder is an optional interface for recording vendor call metrics.
type MetricsRecorder interface {
	ObserveRemoteCall(serviceID, op, outcome string, seconds float64)
}

// Metered wraps a Client and records every call it makes.
type Metered struct {
	next      Client
	collector CallRecorder
	metrics   MetricsRecorder
}

func NewMetered(next Client, collector CallRecorder) *Metered {
	return &Metered{next: next, collector: collector}
}

// SetMetrics sets the optional metrics recorder.
func (m *Metered) SetMetrics(mr MetricsRecorder) {
	m.metrics = mr
}

func (m *Metered) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	start := time.Now()
	sub, err := m.next.Submit(ctx, req)

	status := 0
	if sub != nil {
		status = sub.StatusCode
	}
	m.record(req.ServiceID, req.RecordID, OpSubmit, status, outcomeOf(err), time.Since(start), err)
	return sub, err
}

func (m *Metered) Poll(ctx context.Context, req PollRequest) (*PollResult, error) {
	start := time.Now()
	res, err := m.next.Poll(ctx, req)

	status := 0
	outcome := outcomeOf(err)
	if res != nil {
		status = res.StatusCode
		switch res.State {
		case Pending:
			outcome = metering.OutcomePending
		case Failed:
			outcome = metering.OutcomeRejected
		}
	}
	m.record(req.ServiceID, req.RecordID, OpPoll, status, outcome, time.Since(start), err)
	return res, err
}

func (m *Metered) record(serviceID, recordID, op string, status int, outcome string, latency time.Duration, err error) {
	var re *RemoteError
	if errors.As(err, &re) && status == 0 {
		status = re.StatusCode
	}

	call := metering.Call{
		ServiceID:  serviceID,
		RecordID:   recordID,
		Op:         op,
		Timestamp:  time.Now().UTC(),
		StatusCode: status,
		LatencyMs:  latency.Milliseconds(),
		Outcome:    outcome,
	}
	if err != nil {
		call.Error = err.Error()
	}
	if m.collector != nil {
		m.collector.Record(call)
	}
	if m.metrics != nil {
		m.metrics.ObserveRemoteCall(serviceID, op, outcome, latency.Seconds())
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metering.OutcomeOK
	case IsTemporary(err):
		return metering.OutcomeTransport
	default:
		var re *RemoteError
		if errors.As(err, &re) {
			return metering.OutcomeRejected
		}
		return metering.OutcomeTransport
	}
}
