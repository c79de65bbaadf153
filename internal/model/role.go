package model

// Role names one tier of the fixed hierarchy.
type Role string

const (
	RoleNationalOversight Role = "national_oversight"
	RoleExecutive         Role = "executive"
	RoleStateAdvisor      Role = "state_advisor"
	RoleStateCoordinator  Role = "state_coordinator"
	RoleDivisionHead      Role = "division_head"
	RoleDivisionAnalyst   Role = "division_analyst"
)

// Tiers lists the hierarchy top-down.
var Tiers = []Role{
	RoleNationalOversight,
	RoleExecutive,
	RoleStateAdvisor,
	RoleStateCoordinator,
	RoleDivisionHead,
	RoleDivisionAnalyst,
}

func (r Role) Valid() bool {
	for _, t := range Tiers {
		if t == r {
			return true
		}
	}
	return false
}

// Label is the human readable tier name used in denial messages.
func (r Role) Label() string {
	switch r {
	case RoleNationalOversight:
		return "National Oversight"
	case RoleExecutive:
		return "Executive"
	case RoleStateAdvisor:
		return "State Advisor"
	case RoleStateCoordinator:
		return "State Coordinator"
	case RoleDivisionHead:
		return "Division Head"
	case RoleDivisionAnalyst:
		return "Division Analyst"
	default:
		return string(r)
	}
}

// StateScoped reports whether the role is bound to a state.
func (r Role) StateScoped() bool {
	return r == RoleStateAdvisor || r == RoleStateCoordinator || r.DivisionScoped()
}

// DivisionScoped reports whether the role is bound to a division within a state.
func (r Role) DivisionScoped() bool {
	return r == RoleDivisionHead || r == RoleDivisionAnalyst
}

// RoleAssignment is one grant held by a principal. State and Division are empty
// for national tiers.
type RoleAssignment struct {
	Role     Role   `json:"role" bson:"role"`
	State    string `json:"state,omitempty" bson:"state,omitempty"`
	Division string `json:"division,omitempty" bson:"division,omitempty"`
}

// Matches reports whether the assignment grants role in the given context.
// Empty state or division arguments are wildcards.
func (a RoleAssignment) Matches(role Role, state, division string) bool {
	if a.Role != role {
		return false
	}
	if state != "" && a.State != state {
		return false
	}
	if division != "" && a.Division != division {
		return false
	}
	return true
}
