package broker

import (
	"io"

	"github.com/google/uuid"

	"github.com/peyvandtel/broker/internal/records"
)

// Attachment is one uploaded file of a request. Open may be called more
// than once; every call returns a fresh reader from the start.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int64
	Open        func() (io.ReadSeekCloser, error)
}

// Descriptor carries one service request through the pipeline.
type Descriptor struct {
	RequestID      uuid.UUID
	ServiceID      string
	UserID         string
	Payload        map[string]string
	Attachments    []Attachment
	AdditionalData map[string]any

	// Record is set once the request has been stored.
	Record *records.Record

	charge    int64
	chargeSet bool
}

// NewDescriptor builds a descriptor with a fresh time-ordered request id.
func NewDescriptor(serviceID, userID string, payload map[string]string, attachments []Attachment) *Descriptor {
	if payload == nil {
		payload = map[string]string{}
	}
	return &Descriptor{
		RequestID:      uuid.Must(uuid.NewV7()),
		ServiceID:      serviceID,
		UserID:         userID,
		Payload:        payload,
		Attachments:    attachments,
		AdditionalData: map[string]any{},
	}
}

// SetCharge fixes the final price of the request. Only the first
// non-negative value is kept; later calls are ignored.
func (d *Descriptor) SetCharge(n int64) {
	if n < 0 || d.chargeSet {
		return
	}
	d.charge = n
	d.chargeSet = true
}

// Charge returns the final price and whether it has been set.
func (d *Descriptor) Charge() (int64, bool) {
	return d.charge, d.chargeSet
}
