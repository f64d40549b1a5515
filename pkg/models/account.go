// Package models defines the entities that flow through a Tidewater pipeline run:
// accounts and their credentials, watermarks, extraction batches, and the
// records carried through the RAW, STAGE and LOAD layers.
package models

import "fmt"

// AccountKey identifies one provider tenant. Every keyed store (watermarks,
// batches, leases, credentials) is partitioned by it.
type AccountKey struct {
	Source  string `json:"source"`
	Account string `json:"account"`
}

// String returns "source/account".
func (k AccountKey) String() string {
	return fmt.Sprintf("%s/%s", k.Source, k.Account)
}

// Account is one external-provider tenant, typically one restaurant location.
// Accounts come from configuration and are never mutated by a run.
type Account struct {
	Source        string            `yaml:"source" mapstructure:"source" json:"source"`
	ID            string            `yaml:"account" mapstructure:"account" json:"account"`
	CredentialRef string            `yaml:"credential_ref" mapstructure:"credential_ref" json:"credential_ref"`
	Endpoint      string            `yaml:"endpoint" mapstructure:"endpoint" json:"endpoint,omitempty"`
	Enabled       *bool             `yaml:"enabled" mapstructure:"enabled" json:"enabled,omitempty"`
	Options       map[string]string `yaml:"options" mapstructure:"options" json:"options,omitempty"`
}

// Key returns the account's identity.
func (a Account) Key() AccountKey {
	return AccountKey{Source: a.Source, Account: a.ID}
}

// IsEnabled reports whether the account takes part in runs. Accounts are
// enabled unless configuration says otherwise.
func (a Account) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// Option returns the named option or def when it is unset.
func (a Account) Option(name, def string) string {
	if v, ok := a.Options[name]; ok && v != "" {
		return v
	}
	return def
}
