package service

import (
	"context"
	"time"

	"hierarchyflow/internal/directory"
	"hierarchyflow/internal/model"
)

// stateFor returns the state context a tier is looked up in.
func stateFor(req *model.Request, tier model.Role) string {
	if tier.StateScoped() {
		return req.RoutingState()
	}
	return ""
}

// mayActTop reports whether actorID may act for the request's current top-level
// tier. An unassigned tier may be claimed by anyone holding it.
func (s *workflowService) mayActTop(ctx context.Context, req *model.Request, actorID string) (bool, error) {
	if req.CurrentTier.DivisionScoped() {
		return false, nil
	}
	if req.CurrentAssigneeID != nil && *req.CurrentAssigneeID != actorID {
		return false, nil
	}
	return directory.Holds(ctx, s.dir, actorID, req.CurrentTier, stateFor(req, req.CurrentTier), "")
}

// resolve looks up the principal who should hold tier next.
func (s *workflowService) resolve(ctx context.Context, req *model.Request, tier model.Role, division string) (*string, error) {
	id, found, err := s.dir.FindPrincipal(ctx, tier, stateFor(req, tier), division)
	if err != nil {
		return nil, translate("principal", string(tier), err)
	}
	if !found {
		return nil, nil
	}
	return &id, nil
}

// routeTo moves the top-level pointer to tier, resolving its holder.
func (s *workflowService) routeTo(ctx context.Context, req *model.Request, tier model.Role, phase model.Phase) (*string, bool, error) {
	next, err := s.resolve(ctx, req, tier, "")
	if err != nil {
		return nil, false, err
	}
	req.CurrentTier = tier
	req.Phase = phase
	req.CurrentAssigneeID = next
	return next, next == nil, nil
}

// pointAt makes currentAssigneeId follow division a.
func pointAt(req *model.Request, a *model.DivisionAssignment) {
	req.PrimaryDivision = a.Division
	req.Phase = model.PhaseAllocation
	switch a.Status {
	case model.DivisionHODApproved:
		req.CurrentTier = model.RoleDivisionAnalyst
		req.CurrentAssigneeID = a.DivisionYPID
	default:
		req.CurrentTier = model.RoleDivisionHead
		req.CurrentAssigneeID = strPtr(a.DivisionHODID)
	}
}

// repoint re-derives the pointer after a division transition. It stays on the
// primary division while that division is unfinished, moves to the first
// unfinished division in fan-out order otherwise, and hands the request to the
// State Coordinator for consolidation once every division is done.
func (s *workflowService) repoint(ctx context.Context, req *model.Request) (bool, error) {
	if !req.CurrentTier.DivisionScoped() {
		return false, nil
	}
	if a := req.Assignment(req.PrimaryDivision); a != nil && !a.FormApproved() {
		pointAt(req, a)
		return false, nil
	}
	for i := range req.DivisionAssignments {
		if a := &req.DivisionAssignments[i]; !a.FormApproved() {
			pointAt(req, a)
			return false, nil
		}
	}
	_, unresolved, err := s.routeTo(ctx, req, model.RoleStateCoordinator, model.PhaseConsolidation)
	return unresolved, err
}

// reviseDeadline applies a revised deadline to current, which may only move earlier.
func (s *workflowService) reviseDeadline(current *time.Time, revised *time.Time) error {
	if revised == nil {
		return nil
	}
	if revised.After(*current) {
		return &WorkflowError{
			Kind:    KindStateConflict,
			Code:    "deadline_increased",
			Message: "a revised deadline may not be later than the current one",
			Details: map[string]any{"current": *current, "revised": *revised},
		}
	}
	if revised.Before(s.now()) {
		return validationErr("deadline_in_past", "revised deadline is in the past")
	}
	*current = revised.UTC()
	return nil
}

func (s *workflowService) guardOpen(req *model.Request) error {
	switch req.Status {
	case model.StatusClosed, model.StatusRejected:
		return conflictErr("request_terminal", "request is %s", req.Status)
	case model.StatusApproved:
		return conflictErr("request_approved", "request is already approved and can only be closed")
	}
	return nil
}
