package model

import (
	"time"
)

const (
	ActionCreated        = "created"
	ActionApproved       = "approved"
	ActionForwarded      = "forwarded"
	ActionDeclined       = "declined"
	ActionRejected       = "rejected"
	ActionClosed         = "closed"
	ActionFanOut         = "fanout"
	ActionDivisionOpened = "division_approved"
	ActionFormDrafted    = "form_draft_saved"
	ActionFormSubmitted  = "form_submitted"
	ActionFormApproved   = "form_approved"
	ActionFormDeclined   = "form_declined"
	ActionMerged         = "merged"
	ActionReopened       = "division_reopened"
)

// AuditEntry records who did what and when. Entries are appended, never edited.
type AuditEntry struct {
	Action    string    `json:"action" bson:"action"`
	UserID    string    `json:"user_id" bson:"user_id"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	Notes     string    `json:"notes,omitempty" bson:"notes,omitempty"`
}

// NewAuditEntry stamps an entry with the given clock reading.
func NewAuditEntry(action, userID, notes string, at time.Time) AuditEntry {
	return AuditEntry{
		Action:    action,
		UserID:    userID,
		Timestamp: at.UTC(),
		Notes:     notes,
	}
}
