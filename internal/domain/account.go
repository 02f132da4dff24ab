package domain

import (
	"strings"
	"time"
)

// Tokens is the OAuth token pair issued for one account.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Account is one registered mailbox. At most one account is active at a time.
type Account struct {
	ID        int64
	Email     string
	Secret    string // login credential for automated sign-in, empty when not stored
	Tokens    Tokens
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasToken reports whether the account can build an API session.
func (a *Account) HasToken() bool {
	return a != nil && a.Tokens.AccessToken != ""
}

func (a *Account) HasSecret() bool {
	return a != nil && a.Secret != ""
}

// NormalizeEmail lowercases and trims an address so lookups are stable.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
