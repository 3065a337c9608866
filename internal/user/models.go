package user

import "time"

// User is an end user holding a prepaid credit balance.
type User struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Mobile          string    `json:"mobile"`
	Credit          int64     `json:"credit"`
	CreditThreshold int64     `json:"credit_threshold"`
	RateLimit       int       `json:"rate_limit"`
	APIKeyHash      string    `json:"-"`
	APIKeyPrefix    string    `json:"api_key_prefix"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CreateUserInput holds the fields required to create a new user.
type CreateUserInput struct {
	Name            string `json:"name"`
	Mobile          string `json:"mobile"`
	CreditThreshold int64  `json:"credit_threshold"`
	RateLimit       int    `json:"rate_limit"`
}

// CreateUserResult carries the plaintext API key, shown only once.
type CreateUserResult struct {
	User   *User  `json:"user"`
	APIKey string `json:"api_key"`
}

// UpdateUserInput holds optional fields for a partial user update.
type UpdateUserInput struct {
	Name            *string `json:"name,omitempty"`
	Mobile          *string `json:"mobile,omitempty"`
	CreditThreshold *int64  `json:"credit_threshold,omitempty"`
	RateLimit       *int    `json:"rate_limit,omitempty"`
}

// Adjustment is an admin credit change.
type Adjustment struct {
	Amount      int64  `json:"amount"`
	IsIncrease  bool   `json:"is_increase"`
	Description string `json:"description"`
}
