// Package models defines types shared across internal packages.
package models

import "time"

// TokenSet is the OAuth material held for one account. It is replaced
// wholesale on refresh, never patched field by field.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// ExpiresWithin reports whether the access token expires before now+d.
func (t TokenSet) ExpiresWithin(d time.Duration, now time.Time) bool {
	return t.ExpiresAt < now.Add(d).Unix()
}

// Account is one stored login for a provider. Several accounts may share
// a provider; the ID is unique.
type Account struct {
	ID        string   `json:"id"`
	Provider  string   `json:"provider"`
	Name      string   `json:"name"`
	Tokens    TokenSet `json:"tokens"`
	CreatedAt int64    `json:"created_at"`
}

// AccountSummary is the token-free view of an account returned to the UI.
type AccountSummary struct {
	ID       string `json:"id" yaml:"id"`
	Provider string `json:"provider" yaml:"provider"`
	Name     string `json:"name" yaml:"name"`
	IsActive bool   `json:"is_active" yaml:"is_active"`
}
