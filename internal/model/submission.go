package model

import (
	"time"
)

// Child submission status values
const (
	SubmissionDraft     = "draft"
	SubmissionSubmitted = "submitted"
	SubmissionApproved  = "approved"
	SubmissionRejected  = "rejected"
	SubmissionMerged    = "merged"
)

// ChildSubmission is a division's (or a state's merged) answer to a request.
// Branch is nil for the state-level record produced by consolidation. Revision
// counts how many times a declined form was reopened; Version guards writes.
type ChildSubmission struct {
	ID          string         `gorm:"type:varchar(64);primaryKey" json:"id" bson:"_id"`
	RequestID   string         `gorm:"type:varchar(64);not null;index" json:"request_id" bson:"request_id"`
	Branch      *string        `gorm:"type:varchar(120);index" json:"branch" bson:"branch"`
	State       string         `gorm:"type:varchar(120);not null;index" json:"state" bson:"state"`
	SubmittedBy string         `gorm:"type:varchar(64);not null" json:"submitted_by" bson:"submitted_by"`
	Data        map[string]any `gorm:"serializer:json;type:jsonb;not null" json:"data" bson:"data"`
	TemplateID  *string        `gorm:"type:varchar(64);index" json:"template_id,omitempty" bson:"template_id,omitempty"`
	Status      string         `gorm:"type:varchar(20);not null;default:'submitted';index" json:"status" bson:"status"`
	Revision    int            `gorm:"not null;default:1" json:"revision" bson:"revision"`
	Version     int64          `gorm:"not null;default:1" json:"version" bson:"version"`
	MergedFrom  []string       `gorm:"serializer:json;type:jsonb" json:"merged_from,omitempty" bson:"merged_from,omitempty"`
	Audit       []AuditEntry   `gorm:"serializer:json;type:jsonb;not null" json:"audit" bson:"audit"`
	CreatedAt   time.Time      `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" bson:"updated_at"`
}

// Label is the prefix used when the submission's text is concatenated.
func (s *ChildSubmission) Label() string {
	if s.Branch != nil && *s.Branch != "" {
		return *s.Branch
	}
	return s.State
}

// Reviewable reports whether a division head has content to look at. Its presence
// marks the second pass of the division cycle.
func (s *ChildSubmission) Reviewable() bool {
	return s.Status == SubmissionSubmitted || s.Status == SubmissionApproved
}

// Clone copies the submission; Data values are shared, the map is not.
func (s *ChildSubmission) Clone() *ChildSubmission {
	if s == nil {
		return nil
	}
	c := *s
	if s.Branch != nil {
		b := *s.Branch
		c.Branch = &b
	}
	if s.TemplateID != nil {
		t := *s.TemplateID
		c.TemplateID = &t
	}
	if s.Data != nil {
		c.Data = make(map[string]any, len(s.Data))
		for k, v := range s.Data {
			c.Data[k] = v
		}
	}
	c.MergedFrom = append([]string(nil), s.MergedFrom...)
	c.Audit = append([]AuditEntry(nil), s.Audit...)
	return &c
}
