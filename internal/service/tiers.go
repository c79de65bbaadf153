package service

import "hierarchyflow/internal/model"

type tierPhase struct {
	tier  model.Role
	phase model.Phase
}

// hop describes what approving at a tier does.
type hop struct {
	next   model.Role
	phase  model.Phase
	action string
	// fanOut expands into division assignments when targets.branches is set.
	fanOut bool
	// consolidate merges the state's approved division forms before moving on.
	consolidate bool
	// complete marks the request approved instead of forwarding it.
	complete bool
}

// approveTable is the top-level transition map. Division tiers are driven by the
// per-assignment cycle instead. A State Coordinator on the way down has no hop:
// the request reaches the divisions only through fan-out.
var approveTable = map[tierPhase]hop{
	{model.RoleExecutive, model.PhaseAllocation}: {
		next: model.RoleStateAdvisor, phase: model.PhaseAllocation, action: model.ActionForwarded,
	},
	{model.RoleStateAdvisor, model.PhaseAllocation}: {
		next: model.RoleStateCoordinator, phase: model.PhaseAllocation, action: model.ActionForwarded, fanOut: true,
	},
	{model.RoleStateCoordinator, model.PhaseConsolidation}: {
		next: model.RoleStateAdvisor, phase: model.PhaseConsolidation, action: model.ActionMerged, consolidate: true,
	},
	{model.RoleStateAdvisor, model.PhaseConsolidation}: {
		next: model.RoleExecutive, phase: model.PhaseConsolidation, action: model.ActionForwarded,
	},
	{model.RoleExecutive, model.PhaseConsolidation}: {
		next: model.RoleNationalOversight, phase: model.PhaseConsolidation, action: model.ActionForwarded,
	},
	{model.RoleNationalOversight, model.PhaseConsolidation}: {
		action: model.ActionApproved, complete: true,
	},
}

// declineTable sends consolidated content back one tier. The State Coordinator
// declines to a single division and is handled separately.
var declineTable = map[model.Role]model.Role{
	model.RoleNationalOversight: model.RoleExecutive,
	model.RoleExecutive:         model.RoleStateAdvisor,
	model.RoleStateAdvisor:      model.RoleStateCoordinator,
}

// rejectors may end a request outright while holding it.
var rejectors = map[model.Role]bool{
	model.RoleNationalOversight: true,
	model.RoleExecutive:         true,
}

// stateLevel tiers are where fan-out may happen.
var stateLevel = map[model.Role]bool{
	model.RoleStateCoordinator: true,
	model.RoleDivisionHead:     true,
	model.RoleDivisionAnalyst:  true,
}
