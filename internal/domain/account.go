package domain

import (
	"fmt"
	"strings"
	"time"
)

// Provider identifies a supported mail service.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
	ProviderYahoo   Provider = "yahoo"
)

// Providers lists every supported provider in display order.
var Providers = []Provider{ProviderGmail, ProviderOutlook, ProviderYahoo}

// ParseProvider maps a user-supplied provider name to a Provider.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Providers {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unsupported provider %q", s)
}

// Credential is the OAuth bundle for one account.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
}

// ValidFor reports whether the access token stays valid for at least d from now.
// A zero expiry is treated as already expired.
func (c Credential) ValidFor(now time.Time, d time.Duration) bool {
	if c.AccessToken == "" || c.Expiry.IsZero() {
		return false
	}
	return c.Expiry.Sub(now) >= d
}

type Account struct {
	ID         string
	Email      string
	Provider   Provider
	Credential Credential
	Active     bool
	CreatedAt  time.Time
	LastSyncAt time.Time
}
