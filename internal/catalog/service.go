package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/peyvandtel/broker/internal/pricing"
)

var (
	ErrServiceNotFound = errors.New("service not found")
	ErrServiceInactive = errors.New("the service cannot be found or is disabled")
	ErrCredentialEmpty = errors.New("credential requires a token or a username and password")
	ErrUnregistered    = errors.New("service has no registered processor")
)

// DefinitionStore is the persistence the catalog needs.
type DefinitionStore interface {
	Get(ctx context.Context, id string) (*ServiceDefinition, error)
	List(ctx context.Context) ([]*ServiceDefinition, error)
	SetCredential(ctx context.Context, id, sealed string) error
	ToggleActive(ctx context.Context, id string) (*ServiceDefinition, error)
}

// PriceStore persists prices.
type PriceStore interface {
	Get(ctx context.Context, serviceID string) (*pricing.PriceDefinition, error)
	Upsert(ctx context.Context, def *pricing.PriceDefinition) (*pricing.PriceDefinition, error)
	Delete(ctx context.Context, serviceID string) error
}

// Sealer encrypts credentials bound to a service id.
type Sealer interface {
	Seal(serviceID, credential string) (string, error)
	Open(serviceID, blob string) (string, error)
}

// ValidatorLookup returns the price validator registered for a service.
type ValidatorLookup func(serviceID string) (pricing.Validator, bool)

// Service is the admin and runtime view over service definitions and prices.
type Service struct {
	defs       DefinitionStore
	prices     PriceStore
	sealer     Sealer
	validators ValidatorLookup
}

func NewService(defs DefinitionStore, prices PriceStore, sealer Sealer, validators ValidatorLookup) *Service {
	return &Service{defs: defs, prices: prices, sealer: sealer, validators: validators}
}

// Resolve loads everything a pipeline run needs. A service runs only when it
// is active and has a credential; a missing price is left to the pricing step.
func (s *Service) Resolve(ctx context.Context, id string) (*Executable, error) {
	def, err := s.defs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !def.Active || !def.HasCredential() {
		return nil, ErrServiceInactive
	}

	cred, err := s.openCredential(def)
	if err != nil {
		return nil, err
	}

	price, err := s.prices.Get(ctx, id)
	if err != nil && !errors.Is(err, pricing.ErrNoPriceConfigured) {
		return nil, err
	}

	return &Executable{Definition: def, Price: price, Credential: cred}, nil
}

// Credential returns the plaintext credential of an active service.
func (s *Service) Credential(ctx context.Context, id string) (Credential, error) {
	def, err := s.defs.Get(ctx, id)
	if err != nil {
		return Credential{}, err
	}
	if !def.Active || !def.HasCredential() {
		return Credential{}, ErrServiceInactive
	}
	return s.openCredential(def)
}

func (s *Service) openCredential(def *ServiceDefinition) (Credential, error) {
	raw, err := s.sealer.Open(def.ID, def.Credential)
	if err != nil {
		return Credential{}, fmt.Errorf("opening credential: %w", err)
	}
	var cred Credential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return Credential{}, fmt.Errorf("decoding credential: %w", err)
	}
	return cred, nil
}

// SetCredential seals and stores a vendor credential.
func (s *Service) SetCredential(ctx context.Context, id string, cred Credential) error {
	if cred.Token == "" && (cred.Username == "" || cred.Password == "") {
		return ErrCredentialEmpty
	}
	raw, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	sealed, err := s.sealer.Seal(id, string(raw))
	if err != nil {
		return fmt.Errorf("sealing credential: %w", err)
	}
	return s.defs.SetCredential(ctx, id, sealed)
}

func (s *Service) ToggleActive(ctx context.Context, id string) (*ServiceDefinition, error) {
	return s.defs.ToggleActive(ctx, id)
}

// List returns every service with its price for the admin screen.
func (s *Service) List(ctx context.Context) ([]AdminView, error) {
	defs, err := s.defs.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]AdminView, 0, len(defs))
	for _, d := range defs {
		price, err := s.prices.Get(ctx, d.ID)
		if err != nil && !errors.Is(err, pricing.ErrNoPriceConfigured) {
			return nil, err
		}
		out = append(out, AdminView{
			ServiceDefinition: d,
			HasCredential:     d.HasCredential(),
			IsActive:          d.Active && d.HasCredential(),
			Price:             price,
		})
	}
	return out, nil
}

func (s *Service) Price(ctx context.Context, id string) (*pricing.PriceDefinition, error) {
	if _, err := s.defs.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.prices.Get(ctx, id)
}

// SetPrice validates def with the service's own validator before storing it.
func (s *Service) SetPrice(ctx context.Context, def *pricing.PriceDefinition) (*pricing.PriceDefinition, error) {
	if _, err := s.defs.Get(ctx, def.ServiceID); err != nil {
		return nil, err
	}
	v, ok := s.validators(def.ServiceID)
	if !ok {
		return nil, ErrUnregistered
	}
	if err := v.ValidatePrice(def); err != nil {
		return nil, err
	}
	return s.prices.Upsert(ctx, def)
}

func (s *Service) DeletePrice(ctx context.Context, id string) error {
	return s.prices.Delete(ctx, id)
}
