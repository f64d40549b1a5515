package models

import (
	"net/http"
	"time"
)

// Credential is a borrowed, time-boxed copy of an account's authentication
// material. The credential store owns the original.
type Credential struct {
	Source       string
	Account      string
	AccessToken  string
	TokenType    string
	RefreshToken string
	// HeaderName, when set, carries AccessToken verbatim instead of an
	// Authorization header (e.g. X-API-TOKEN).
	HeaderName string
	// ExpiresAt is zero for credentials that never expire.
	ExpiresAt time.Time
	Headers   map[string]string
}

// Expired reports whether the credential is unusable at now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// ExpiresWithin reports whether the credential expires before now+margin.
func (c Credential) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return !c.ExpiresAt.IsZero() && !now.Add(margin).Before(c.ExpiresAt)
}

// Apply writes the credential onto request headers.
func (c Credential) Apply(h http.Header) {
	switch {
	case c.HeaderName != "":
		h.Set(c.HeaderName, c.AccessToken)
	case c.AccessToken != "":
		tokenType := c.TokenType
		if tokenType == "" {
			tokenType = "Bearer"
		}
		h.Set("Authorization", tokenType+" "+c.AccessToken)
	}
	for k, v := range c.Headers {
		h.Set(k, v)
	}
}
