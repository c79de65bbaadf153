package model

import (
	"time"
)

// Template status values
const (
	TemplateDraft     = "draft"
	TemplatePublished = "published"
	TemplateArchived  = "archived"
)

// TemplateMetadata is derived from the HTML body whenever it changes.
type TemplateMetadata struct {
	WordCount      int  `json:"word_count" bson:"word_count"`
	CharacterCount int  `json:"character_count" bson:"character_count"`
	HasImages      bool `json:"has_images" bson:"has_images"`
	HasTables      bool `json:"has_tables" bson:"has_tables"`
}

// TemplateUsage remembers the last time a principal opened a template.
type TemplateUsage struct {
	UserID string    `json:"user_id" bson:"user_id"`
	UsedAt time.Time `json:"used_at" bson:"used_at"`
}

// Template is a reusable rich-text form body owned by a division. Shared
// templates are offered to every division. Revision counts content edits;
// Version guards writes.
type Template struct {
	ID          string           `gorm:"type:varchar(64);primaryKey" json:"id" bson:"_id"`
	Name        string           `gorm:"type:varchar(200);not null" json:"name" bson:"name"`
	Description string           `gorm:"type:varchar(500)" json:"description" bson:"description"`
	State       string           `gorm:"type:varchar(120);not null;index:idx_template_scope" json:"state" bson:"state"`
	Division    string           `gorm:"type:varchar(120);not null;index:idx_template_scope" json:"division" bson:"division"`
	HTMLContent string           `gorm:"type:text;not null" json:"html_content" bson:"html_content"`
	IsDefault   bool             `gorm:"not null;default:false" json:"is_default" bson:"is_default"`
	IsShared    bool             `gorm:"not null;default:false;index" json:"is_shared" bson:"is_shared"`
	Tags        []string         `gorm:"serializer:json;type:jsonb;not null;default:'[]'" json:"tags" bson:"tags"`
	Status      string           `gorm:"type:varchar(20);not null;default:'published';index:idx_template_scope" json:"status" bson:"status"`
	Metadata    TemplateMetadata `gorm:"serializer:json;type:jsonb;not null" json:"metadata" bson:"metadata"`
	Usage       []TemplateUsage  `gorm:"serializer:json;type:jsonb;not null;default:'[]'" json:"usage" bson:"usage"`
	CreatedBy   string           `gorm:"type:varchar(64);not null;index" json:"created_by" bson:"created_by"`
	Revision    int              `gorm:"not null;default:1" json:"revision" bson:"revision"`
	Version     int64            `gorm:"not null;default:1" json:"version" bson:"version"`
	CreatedAt   time.Time        `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at" bson:"updated_at"`
}

// RecordUsage moves userID's usage entry to at, adding one if needed.
func (t *Template) RecordUsage(userID string, at time.Time) {
	for i := range t.Usage {
		if t.Usage[i].UserID == userID {
			t.Usage[i].UsedAt = at
			return
		}
	}
	t.Usage = append(t.Usage, TemplateUsage{UserID: userID, UsedAt: at})
}

// LastUsedBy returns when userID last opened the template.
func (t *Template) LastUsedBy(userID string) (time.Time, bool) {
	for _, u := range t.Usage {
		if u.UserID == userID {
			return u.UsedAt, true
		}
	}
	return time.Time{}, false
}

func (t *Template) Clone() *Template {
	if t == nil {
		return nil
	}
	c := *t
	c.Tags = append([]string(nil), t.Tags...)
	c.Usage = append([]TemplateUsage(nil), t.Usage...)
	return &c
}
