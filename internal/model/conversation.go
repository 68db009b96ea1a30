// Package model defines data structures for the messaging platform.
package model

import (
	"time"
)

// OwnershipMode determines who answers a conversation.
type OwnershipMode string

const (
	// ModeSpectator: the automated engine replies, operators observe.
	ModeSpectator OwnershipMode = "spectator"
	// ModeTakeover: a human operator replies, the engine stays silent.
	ModeTakeover OwnershipMode = "takeover"
	// ModeAutomatedOnly: no human escalation path is surfaced.
	ModeAutomatedOnly OwnershipMode = "automated_only"
)

// ValidMode reports whether s names a known ownership mode.
func ValidMode(s string) bool {
	switch OwnershipMode(s) {
	case ModeSpectator, ModeTakeover, ModeAutomatedOnly:
		return true
	}
	return false
}

// ClientProfile holds the client data gathered progressively across turns.
type ClientProfile struct {
	Name       string `json:"nombre,omitempty"`
	PostalCode string `json:"codigo_postal,omitempty"`
	Address    string `json:"direccion,omitempty"`
	Email      string `json:"email,omitempty"`
	Vehicle    string `json:"vehiculo,omitempty"`
}

// HasName reports whether the client's name is known.
func (p ClientProfile) HasName() bool { return p.Name != "" }

// HasLocator reports whether a postal code or address is known.
func (p ClientProfile) HasLocator() bool { return p.PostalCode != "" || p.Address != "" }

// Complete reports whether the minimum profile for tool execution is present.
func (p ClientProfile) Complete() bool { return p.HasName() && p.HasLocator() }

// Locator returns the best available locality hint.
func (p ClientProfile) Locator() string {
	if p.PostalCode != "" {
		return p.PostalCode
	}
	return p.Address
}

// Conversation is one client thread. Created on the first inbound event
// from a client identifier; never deleted, only archived.
type Conversation struct {
	ID                 string        `json:"id"`
	ClientID           string        `json:"client_id"`
	Mode               OwnershipMode `json:"mode"`
	AssignedOperatorID string        `json:"assigned_operator_id,omitempty"`
	ModeReason         string        `json:"mode_reason,omitempty"`
	Profile            ClientProfile `json:"profile"`
	UnreadCount        int           `json:"unread_count"`
	LastActivityAt     time.Time     `json:"last_activity_at"`
	CreatedAt          time.Time     `json:"created_at"`
	Archived           bool          `json:"archived,omitempty"`
}

// HandoffSummary is the structured package handed to an operator when a
// conversation escalates to human ownership.
type HandoffSummary struct {
	ConversationID string    `json:"conversation_id"`
	Priority       Priority  `json:"priority"`
	ClientName     string    `json:"client_name"`
	Locator        string    `json:"locator,omitempty"`
	Products       []string  `json:"products,omitempty"`
	LastAction     string    `json:"last_action,omitempty"`
	Summary        string    `json:"summary"`
	GeneratedAt    time.Time `json:"generated_at"`
}
