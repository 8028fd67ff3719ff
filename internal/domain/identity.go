package domain

import (
	"strings"
	"time"
)

// Identity is the authenticated principal owning a portfolio.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

func (i Identity) IsZero() bool {
	return strings.TrimSpace(i.ID) == ""
}

type IdentityEventType string

const (
	IdentitySignedIn       IdentityEventType = "SIGNED_IN"
	IdentitySignedOut      IdentityEventType = "SIGNED_OUT"
	IdentityTokenRefreshed IdentityEventType = "TOKEN_REFRESHED"
	IdentityUserUpdated    IdentityEventType = "USER_UPDATED"
)

// IdentityEvent is published by the auth provider when a session changes.
type IdentityEvent struct {
	Type       IdentityEventType `json:"type"`
	IdentityID string            `json:"identity_id"`
	Email      string            `json:"email,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

func (e IdentityEvent) Identity() Identity {
	return Identity{ID: strings.TrimSpace(e.IdentityID), Email: strings.TrimSpace(e.Email)}
}
