package catalog

import (
	"time"

	"github.com/peyvandtel/broker/internal/pricing"
)

// ServiceDefinition is one executable vendor service. Credential holds the
// sealed vendor secret and is never serialized.
type ServiceDefinition struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Active     bool      `json:"active"`
	Credential string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HasCredential reports whether a vendor credential has been set.
func (d *ServiceDefinition) HasCredential() bool {
	return d.Credential != ""
}

// Credential is the plaintext vendor secret: either a gateway token or a
// username/password pair.
type Credential struct {
	Token    string `json:"token,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Executable is a service resolved for one pipeline run.
type Executable struct {
	Definition *ServiceDefinition
	Price      *pricing.PriceDefinition // nil when no price is configured
	Credential Credential
}

// AdminView is the admin listing shape of a service.
type AdminView struct {
	*ServiceDefinition
	HasCredential bool                     `json:"has_credential"`
	IsActive      bool                     `json:"is_active"`
	Price         *pricing.PriceDefinition `json:"price"`
}
