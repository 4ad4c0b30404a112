package errors

import "errors"

// Contract errors. The HTTP layer maps these to 4xx responses.
var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrProviderNotFound = errors.New("provider not found")
	ErrInvalidAccountID = errors.New("invalid account id format")
	ErrNotConfigured    = errors.New("provider oauth not configured")
	ErrAccountActive    = errors.New("account is active")
)

// Security rejections. Never surfaced with detail to the caller.
var (
	ErrInvalidToken  = errors.New("invalid or tampered ciphertext")
	ErrInvalidState  = errors.New("invalid or expired oauth state")
	ErrNoPendingFlow = errors.New("no pending authorization flow")
	ErrInvalidCode   = errors.New("invalid authorization code")
)

// Transient external failures.
var (
	ErrTokenExchange    = errors.New("token exchange failed")
	ErrTokenRefresh     = errors.New("token refresh failed")
	ErrNotAuthenticated = errors.New("not authenticated")
)
