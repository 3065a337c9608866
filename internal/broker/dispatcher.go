package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/peyvandtel/broker/internal/catalog"
	"github.com/peyvandtel/broker/internal/media"
	"github.com/peyvandtel/broker/internal/records"
	"github.com/peyvandtel/broker/internal/remote"
)

// CredentialSource returns the plaintext vendor credential of an active service.
type CredentialSource interface {
	Credential(ctx context.Context, serviceID string) (catalog.Credential, error)
}

// Dispatcher submits stored records to their vendor.
type Dispatcher struct {
	registry    *Registry
	storage     media.Storage
	creds       CredentialSource
	compensator *Compensator
}

func NewDispatcher(registry *Registry, storage media.Storage, creds CredentialSource, compensator *Compensator) *Dispatcher {
	return &Dispatcher{registry: registry, storage: storage, creds: creds, compensator: compensator}
}

// Dispatch claims the record and submits it. The claim succeeds for exactly
// one caller, so a record is submitted at most once; every other caller
// gets records.ErrNotClaimable. Any failure after the claim fails the record
// and refunds it, and the returned record reflects that.
func (d *Dispatcher) Dispatch(ctx context.Context, serviceID string, id uuid.UUID, short bool) (*records.Record, error) {
	binding, err := d.registry.Lookup(serviceID)
	if err != nil {
		return nil, err
	}

	rec, err := binding.Repository.Claim(ctx, id)
	if err != nil {
		return nil, err
	}

	cred, err := d.creds.Credential(ctx, serviceID)
	if err != nil {
		return d.fail(ctx, binding, rec, catalog.ErrServiceInactive.Error(), err)
	}

	f, err := d.storage.Open(rec.File)
	if err != nil {
		return d.fail(ctx, binding, rec, "media file is missing", fmt.Errorf("opening media: %w", err))
	}
	defer f.Close()

	sub, err := binding.Remote.Submit(ctx, remote.SubmitRequest{
		ServiceID:  serviceID,
		RecordID:   rec.ID.String(),
		Credential: cred.Token,
		Filename:   filepath.Base(rec.File),
		Media:      f,
		Short:      short,
	})
	if err != nil {
		return d.fail(ctx, binding, rec, "error in sending the request", err)
	}

	if len(sub.Immediate) > 0 {
		err = binding.Repository.MarkSuccessful(ctx, rec.ID, sub.Immediate)
	} else {
		err = binding.Repository.MarkProcessing(ctx, rec.ID, sub.Token)
	}
	if errors.Is(err, records.ErrNotTransitions) {
		slog.Warn("record finished while it was being submitted", "record_id", rec.ID)
		return binding.Repository.Get(ctx, rec.ID)
	}
	if err != nil {
		return d.fail(ctx, binding, rec, "cannot store the vendor response", err)
	}

	slog.Info("service record submitted",
		"record_id", rec.ID,
		"user_id", rec.UserID,
		"amount", rec.UsedCredit,
		"immediate", len(sub.Immediate) > 0,
	)
	return binding.Repository.Get(ctx, rec.ID)
}

// fail compensates rec and returns its final state together with cause.
func (d *Dispatcher) fail(ctx context.Context, binding Binding, rec *records.Record, reason string, cause error) (*records.Record, error) {
	slog.Error("dispatch failed",
		"record_id", rec.ID,
		"user_id", rec.UserID,
		"amount", rec.UsedCredit,
		"error", cause,
	)
	if _, err := d.compensator.Fail(ctx, Failure{
		ServiceID: binding.ServiceID,
		RecordID:  rec.ID,
		Reason:    reason,
		Source:    "dispatch",
	}); err != nil {
		return nil, errors.Join(cause, err)
	}

	final, err := binding.Repository.Get(context.WithoutCancel(ctx), rec.ID)
	if err != nil {
		final = rec
		final.Status = records.StatusFailed
		final.FailureReason = reason
	}
	return final, cause
}
