// Package identity describes who is calling: an authenticated account or an
// anonymous session. It is the unit of quota accounting.
package identity

import "strings"

// Identity is the caller as seen by the pipeline. The identity provider
// (internal/auth) builds it; the ledger only reads it.
type Identity struct {
	ID        string `json:"id"`
	Email     string `json:"email,omitempty"`
	Anonymous bool   `json:"anonymous"`

	// PlanHint is the plan recorded in account metadata. It is only consulted
	// when no active subscription record exists.
	PlanHint string `json:"planHint,omitempty"`

	// Credits is the chat credit balance attached to the account by the
	// identity provider, used to seed the ledger on first sight.
	Credits *int `json:"credits,omitempty"`
}

const anonymousPrefix = "anon:"

// Anonymous returns the identity for an anonymous session token.
func Anonymous(sessionID string) Identity {
	sessionID = strings.TrimSpace(sessionID)
	return Identity{
		ID:        anonymousPrefix + sessionID,
		Anonymous: true,
	}
}

// Authenticated returns the identity for a known account.
func Authenticated(accountID, email, planHint string, credits *int) Identity {
	return Identity{
		ID:       accountID,
		Email:    email,
		PlanHint: planHint,
		Credits:  credits,
	}
}

// IsZero reports whether the identity carries no id at all.
func (i Identity) IsZero() bool {
	return i.ID == "" || i.ID == anonymousPrefix
}

// SessionID returns the anonymous session token, or "" for accounts.
func (i Identity) SessionID() string {
	if !i.Anonymous {
		return ""
	}
	return strings.TrimPrefix(i.ID, anonymousPrefix)
}
