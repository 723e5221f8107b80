// Package account holds the credential pool: account records, the
// store adapters that persist them, and the selection logic that picks
// which (account, path) pairs serve an inbound request.
package account

import (
	"strings"
	"time"
)

// Path is the upstream access mode for one attempt.
type Path string

const (
	PathAPI        Path = "api"
	PathWebSession Path = "web"
)

// HealthState classifies whether an account may serve requests.
type HealthState string

const (
	HealthActive        HealthState = "active"
	HealthQuotaExceeded HealthState = "quota_exceeded"
	HealthCooling       HealthState = "cooling"
	HealthInvalid       HealthState = "invalid"
)

// OAuthToken is the API-path credential.
type OAuthToken struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expiring reports whether the access token is within skew of expiry.
func (t OAuthToken) Expiring(skew time.Duration) bool {
	return !t.ExpiresAt.IsZero() && time.Until(t.ExpiresAt) < skew
}

// Account is one configured upstream credential. Records are owned by
// the Pool; everything else reads snapshots.
type Account struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`

	// OrgUUID is the provider organization behind the cookie; required
	// for the web-session path, unused on the API path.
	OrgUUID string `json:"org_uuid,omitempty"`

	Cookie string      `json:"cookie,omitempty"`
	OAuth  *OAuthToken `json:"oauth,omitempty"`

	// Capabilities as reported by the provider, e.g. "chat",
	// "claude_pro", "claude_max". Model tiers reachable over the API
	// path are derived from these.
	Capabilities []string `json:"capabilities,omitempty"`

	Health       HealthState `json:"health"`
	ResetsAt     time.Time   `json:"resets_at,omitempty"`
	CoolingUntil time.Time   `json:"cooling_until,omitempty"`
	Failures     int         `json:"failures,omitempty"`

	LastUsed     time.Time `json:"last_used"`
	RequestCount int64     `json:"request_count"`
}

// HasAPIAccess reports whether the account can serve the API path.
func (a *Account) HasAPIAccess() bool {
	return a.OAuth != nil && a.OAuth.AccessToken != ""
}

// HasWebAccess reports whether the account can serve the web-session path.
func (a *Account) HasWebAccess() bool {
	return a.Cookie != ""
}

// SupportsModel reports whether the account's tier reaches the model
// over the API path. Pro-tier models need a pro or max capability.
func (a *Account) SupportsModel(model string) bool {
	if !strings.Contains(model, "opus") {
		return true
	}
	return a.IsPro()
}

func (a *Account) IsPro() bool {
	for _, c := range a.Capabilities {
		lc := strings.ToLower(c)
		if strings.Contains(lc, "pro") || strings.Contains(lc, "max") || strings.Contains(lc, "enterprise") {
			return true
		}
	}
	return false
}

func (a *Account) IsMax() bool {
	for _, c := range a.Capabilities {
		if strings.Contains(strings.ToLower(c), "max") {
			return true
		}
	}
	return false
}

// Available reports whether the account may serve a request right now.
// QuotaExceeded and Cooling are checked against their expiry so callers
// see the effective state even before the sweep has run.
func (a *Account) Available(now time.Time) bool {
	switch a.Health {
	case HealthActive:
		return true
	case HealthQuotaExceeded:
		return !a.ResetsAt.IsZero() && now.After(a.ResetsAt)
	case HealthCooling:
		return !a.CoolingUntil.IsZero() && now.After(a.CoolingUntil)
	default:
		return false
	}
}

// Clone returns a deep copy so readers never alias pool-owned state.
func (a *Account) Clone() *Account {
	cp := *a
	if a.OAuth != nil {
		tok := *a.OAuth
		cp.OAuth = &tok
	}
	if a.Capabilities != nil {
		cp.Capabilities = append([]string(nil), a.Capabilities...)
	}
	return &cp
}
