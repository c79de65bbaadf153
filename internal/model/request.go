package model

import (
	"time"
)

// Request status values
const (
	StatusOpen       = "open"
	StatusInProgress = "in-progress"
	StatusApproved   = "approved"
	StatusRejected   = "rejected"
	StatusClosed     = "closed"
)

// Phase tells which way the request is travelling through the hierarchy.
type Phase string

const (
	// PhaseAllocation moves the request down towards the divisions.
	PhaseAllocation Phase = "allocation"
	// PhaseConsolidation moves merged answers back up.
	PhaseConsolidation Phase = "consolidation"
)

// Division assignment status values
const (
	DivisionPending         = "pending"
	DivisionHODApproved     = "hod_approved"
	DivisionYPSubmitted     = "yp_submitted"
	DivisionHODApprovedForm = "hod_approved_form"
	DivisionCompleted       = "completed"
)

// Targets is the scope the request has been expanded to.
type Targets struct {
	States   []string `json:"states" bson:"states"`
	Branches []string `json:"branches" bson:"branches"`
	Domains  []string `json:"domains" bson:"domains"`
}

// HasState reports whether state is one of the request's target states.
func (t Targets) HasState(state string) bool {
	for _, s := range t.States {
		if s == state {
			return true
		}
	}
	return false
}

// AddBranch unions a division name into Branches, keeping first-seen order.
func (t *Targets) AddBranch(division string) {
	for _, b := range t.Branches {
		if b == division {
			return
		}
	}
	t.Branches = append(t.Branches, division)
}

// DivisionAssignment tracks one division's progress through the two-pass cycle.
type DivisionAssignment struct {
	Division      string     `json:"division" bson:"division"`
	State         string     `json:"state" bson:"state"`
	DivisionHODID string     `json:"division_hod_id" bson:"division_hod_id"`
	DivisionYPID  *string    `json:"division_yp_id" bson:"division_yp_id"`
	Status        string     `json:"status" bson:"status"`
	Deadline      time.Time  `json:"deadline" bson:"deadline"`
	ApprovedAt    *time.Time `json:"approved_at" bson:"approved_at"`
	CreatedAt     time.Time  `json:"created_at" bson:"created_at"`
}

// FormApproved reports whether the division has finished its local cycle.
func (a DivisionAssignment) FormApproved() bool {
	return a.Status == DivisionHODApprovedForm || a.Status == DivisionCompleted
}

// Request is the unit of work flowing through the hierarchy. DivisionAssignments
// and History are stored inside the request row so one conditional write covers them.
type Request struct {
	ID                  string               `gorm:"type:varchar(64);primaryKey" json:"id" bson:"_id"`
	Title               string               `gorm:"type:varchar(200);not null" json:"title" bson:"title"`
	InfoNeed            string               `gorm:"type:text;not null" json:"info_need" bson:"info_need"`
	Timeline            time.Time            `gorm:"not null" json:"timeline" bson:"timeline"`
	Deadline            time.Time            `gorm:"not null;index" json:"deadline" bson:"deadline"`
	Status              string               `gorm:"type:varchar(20);not null;default:'open';index" json:"status" bson:"status"`
	Targets             Targets              `gorm:"serializer:json;type:jsonb;not null" json:"targets" bson:"targets"`
	CurrentAssigneeID   *string              `gorm:"type:varchar(64);index" json:"current_assignee_id" bson:"current_assignee_id"`
	CurrentTier         Role                 `gorm:"type:varchar(40);not null" json:"current_tier" bson:"current_tier"`
	Phase               Phase                `gorm:"type:varchar(20);not null" json:"phase" bson:"phase"`
	PrimaryDivision     string               `gorm:"type:varchar(120)" json:"primary_division,omitempty" bson:"primary_division,omitempty"`
	MergeStrategy       map[string]string    `gorm:"serializer:json;type:jsonb" json:"merge_strategy,omitempty" bson:"merge_strategy,omitempty"`
	DivisionAssignments []DivisionAssignment `gorm:"serializer:json;type:jsonb;not null" json:"division_assignments" bson:"division_assignments"`
	CreatedBy           string               `gorm:"type:varchar(64);not null;index" json:"created_by" bson:"created_by"`
	History             []AuditEntry         `gorm:"serializer:json;type:jsonb;not null" json:"history" bson:"history"`
	Version             int64                `gorm:"not null;default:1" json:"version" bson:"version"`
	CreatedAt           time.Time            `json:"created_at" bson:"created_at"`
	UpdatedAt           time.Time            `json:"updated_at" bson:"updated_at"`
}

// RoutingState is the state used for non-divisional hops.
func (r *Request) RoutingState() string {
	if len(r.Targets.States) == 0 {
		return ""
	}
	return r.Targets.States[0]
}

// Assignment returns the division's assignment, or nil.
func (r *Request) Assignment(division string) *DivisionAssignment {
	for i := range r.DivisionAssignments {
		if r.DivisionAssignments[i].Division == division {
			return &r.DivisionAssignments[i]
		}
	}
	return nil
}

// AllDivisionsApproved is re-evaluated against the full current assignment set.
// A request without assignments is never complete.
func (r *Request) AllDivisionsApproved() bool {
	if len(r.DivisionAssignments) == 0 {
		return false
	}
	for _, a := range r.DivisionAssignments {
		if !a.FormApproved() {
			return false
		}
	}
	return true
}

// Terminal reports whether no further transitions are accepted.
func (r *Request) Terminal() bool {
	return r.Status == StatusClosed || r.Status == StatusRejected
}

// IsOverdue is computed on read; nothing pushes overdue state.
func (r *Request) IsOverdue(now time.Time) bool {
	switch r.Status {
	case StatusApproved, StatusClosed, StatusRejected:
		return false
	}
	return r.Deadline.Before(now)
}

// Record appends an audit entry.
func (r *Request) Record(entry AuditEntry) {
	r.History = append(r.History, entry)
}

// Clone returns a deep copy so callers never share slices with a store.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	c.Targets = Targets{
		States:   append([]string(nil), r.Targets.States...),
		Branches: append([]string(nil), r.Targets.Branches...),
		Domains:  append([]string(nil), r.Targets.Domains...),
	}
	if r.CurrentAssigneeID != nil {
		id := *r.CurrentAssigneeID
		c.CurrentAssigneeID = &id
	}
	if r.MergeStrategy != nil {
		c.MergeStrategy = make(map[string]string, len(r.MergeStrategy))
		for k, v := range r.MergeStrategy {
			c.MergeStrategy[k] = v
		}
	}
	c.DivisionAssignments = make([]DivisionAssignment, len(r.DivisionAssignments))
	for i, a := range r.DivisionAssignments {
		if a.DivisionYPID != nil {
			yp := *a.DivisionYPID
			a.DivisionYPID = &yp
		}
		if a.ApprovedAt != nil {
			at := *a.ApprovedAt
			a.ApprovedAt = &at
		}
		c.DivisionAssignments[i] = a
	}
	c.History = append([]AuditEntry(nil), r.History...)
	return &c
}
