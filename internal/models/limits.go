package models

import "time"

// ModelQuota is the per-model quota reported by providers that meter
// individual models (Antigravity).
type ModelQuota struct {
	ModelName         string     `json:"model_name"`
	DisplayName       string     `json:"display_name"`
	RemainingFraction float64    `json:"remaining_fraction"`
	UsedPercent       float64    `json:"used_percent"`
	ResetTime         *time.Time `json:"reset_time"`
}

// UsageLimits is the last-known quota snapshot for one provider. Quota
// fields are nil when the provider did not report them. Error is set when
// the fetch completed but the provider could not produce usable data.
type UsageLimits struct {
	Provider        string `json:"provider"`
	IsAuthenticated bool   `json:"is_authenticated"`

	AccountID *string `json:"account_id"`
	Email     *string `json:"email"`
	PlanType  *string `json:"plan_type"`

	PrimaryUsedPercent   *float64   `json:"primary_used_percent"`
	PrimaryWindowMinutes *int       `json:"primary_window_minutes"`
	PrimaryResetAt       *time.Time `json:"primary_reset_at"`

	SecondaryUsedPercent   *float64   `json:"secondary_used_percent"`
	SecondaryWindowMinutes *int       `json:"secondary_window_minutes"`
	SecondaryResetAt       *time.Time `json:"secondary_reset_at"`

	Models []ModelQuota `json:"models,omitempty"`

	Error *string `json:"error"`
}

// NewErrorLimits builds a snapshot that carries only an error message.
func NewErrorLimits(provider string, authenticated bool, msg string) *UsageLimits {
	return &UsageLimits{
		Provider:        provider,
		IsAuthenticated: authenticated,
		Error:           &msg,
	}
}

// Clone returns a deep copy so readers never share memory with the cache.
func (u *UsageLimits) Clone() *UsageLimits {
	if u == nil {
		return nil
	}

	c := *u
	c.AccountID = clonePtr(u.AccountID)
	c.Email = clonePtr(u.Email)
	c.PlanType = clonePtr(u.PlanType)
	c.PrimaryUsedPercent = clonePtr(u.PrimaryUsedPercent)
	c.PrimaryWindowMinutes = clonePtr(u.PrimaryWindowMinutes)
	c.PrimaryResetAt = clonePtr(u.PrimaryResetAt)
	c.SecondaryUsedPercent = clonePtr(u.SecondaryUsedPercent)
	c.SecondaryWindowMinutes = clonePtr(u.SecondaryWindowMinutes)
	c.SecondaryResetAt = clonePtr(u.SecondaryResetAt)
	c.Error = clonePtr(u.Error)

	if u.Models != nil {
		c.Models = make([]ModelQuota, len(u.Models))
		for i, m := range u.Models {
			m.ResetTime = clonePtr(m.ResetTime)
			c.Models[i] = m
		}
	}

	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}

	v := *p

	return &v
}

// Ptr returns a pointer to v. Convenience for building snapshots.
func Ptr[T any](v T) *T {
	return &v
}
