// Package providers defines the capability set every usage-limit
// provider exposes and a registry to look them up by name.
package providers

import (
	"context"
	"net/http"

	"github.com/alexjbarnes/aicap/internal/auth"
	apperr "github.com/alexjbarnes/aicap/internal/errors"
	"github.com/alexjbarnes/aicap/internal/limits"
	"github.com/alexjbarnes/aicap/internal/models"
)

// Provider is one AI vendor: its OAuth flow plus its usage-limit client.
type Provider interface {
	Name() string
	IsAuthenticated() bool
	GetValidToken(ctx context.Context) (string, error)
	GetLimits(ctx context.Context) (*models.UsageLimits, error)
	GetAuthURL(addNewAccount bool) (string, error)
	HandleCallback(ctx context.Context, code, state string) error
	Logout() error
}

// Base implements the authentication half of Provider on top of an
// auth.FlowManager. Vendor packages embed it and add GetLimits.
type Base struct {
	Flows *auth.FlowManager
}

// Name returns the provider name the flow manager was configured with.
func (b Base) Name() string {
	return b.Flows.Provider()
}

// IsAuthenticated reports whether tokens are stored for the provider.
func (b Base) IsAuthenticated() bool {
	return b.Flows.IsAuthenticated()
}

// GetValidToken returns a non-expiring access token, refreshing if needed.
func (b Base) GetValidToken(ctx context.Context) (string, error) {
	return b.Flows.GetValidToken(ctx)
}

// GetAuthURL starts an authorization flow.
func (b Base) GetAuthURL(addNewAccount bool) (string, error) {
	flow, err := b.Flows.CreateFlow(addNewAccount)
	if err != nil {
		return "", err
	}

	return flow.URL, nil
}

// HandleCallback completes the flow that owns state.
func (b Base) HandleCallback(ctx context.Context, code, state string) error {
	_, err := b.Flows.ExchangeCode(ctx, code, state)
	return err
}

// Logout removes the provider's active account.
func (b Base) Logout() error {
	return b.Flows.Logout()
}

// Registry is an ordered set of providers.
type Registry struct {
	order  []Provider
	byName map[string]Provider
}

// NewRegistry registers ps in order. Later duplicates replace earlier
// ones.
func NewRegistry(ps ...Provider) *Registry {
	r := &Registry{byName: make(map[string]Provider, len(ps))}

	for _, p := range ps {
		if _, dup := r.byName[p.Name()]; !dup {
			r.order = append(r.order, p)
		} else {
			for i, existing := range r.order {
				if existing.Name() == p.Name() {
					r.order[i] = p
				}
			}
		}

		r.byName[p.Name()] = p
	}

	return r
}

// Get returns the provider called name.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.byName[name]
	if !ok {
		return nil, apperr.ErrProviderNotFound
	}

	return p, nil
}

// All returns every provider in registration order.
func (r *Registry) All() []Provider {
	return append([]Provider(nil), r.order...)
}

// Names returns provider names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	for i, p := range r.order {
		names[i] = p.Name()
	}

	return names
}

// Sources adapts the registry for the limits coordinator.
func (r *Registry) Sources() []limits.Source {
	out := make([]limits.Source, len(r.order))
	for i, p := range r.order {
		out[i] = p
	}

	return out
}

// StatusMessage maps an upstream HTTP status to the user-facing error
// shared by vendor clients. ok is false for statuses that need
// vendor-specific wording.
func StatusMessage(status int) (msg string, authenticated bool, ok bool) {
	switch {
	case status == http.StatusUnauthorized:
		return "Session expired. Please reconnect.", false, true
	case status == http.StatusTooManyRequests:
		return "Rate limited. Try again later.", true, true
	default:
		return "", true, false
	}
}
