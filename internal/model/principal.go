package model

import (
	"time"
)

// Principal is a row of the role directory: someone who can act on requests.
type Principal struct {
	ID    string           `gorm:"type:varchar(64);primaryKey" json:"id" bson:"_id"`
	Name  string           `gorm:"type:varchar(255);not null" json:"name" bson:"name"`
	Email string           `gorm:"type:varchar(255);uniqueIndex;not null" json:"email" bson:"email"`
	Roles []RoleAssignment `gorm:"serializer:json;type:jsonb;not null;default:'[]'" json:"roles" bson:"roles"`
	// PasswordHash is a bcrypt hash; principals without one cannot log in.
	PasswordHash string    `gorm:"type:varchar(255)" json:"-" bson:"password_hash,omitempty"`
	Active       bool      `gorm:"default:true" json:"active" bson:"active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at" bson:"updated_at"`
}

// HasRole reports whether any of the principal's assignments grants role in context.
func (p Principal) HasRole(role Role, state, division string) bool {
	for _, a := range p.Roles {
		if a.Matches(role, state, division) {
			return true
		}
	}
	return false
}
