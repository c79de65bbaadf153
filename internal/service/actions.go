package service

import (
	"context"

	"hierarchyflow/internal/directory"
	"hierarchyflow/internal/model"
)

// Action names what an actor may do next on a request.
const (
	ActionApprove     = "approve"
	ActionDecline     = "decline"
	ActionReject      = "reject"
	ActionClose       = "close"
	ActionFanOut      = "fanout"
	ActionForward     = "forward_to_analyst"
	ActionApproveForm = "approve_form"
	ActionDeclineForm = "decline_form"
	ActionSubmitForm  = "submit_form"
)

type Action struct {
	Name     string `json:"name"`
	Division string `json:"division,omitempty"`
}

// AvailableActions lists what actorID may do now. For a Division Head it applies
// the two-pass rule: no reviewable form means forward only, without a decline.
func (s *workflowService) AvailableActions(ctx context.Context, actorID, requestID string) ([]Action, error) {
	req, err := s.store.Requests.FindByID(ctx, requestID)
	if err != nil {
		return nil, translate("request", requestID, err)
	}
	actions := []Action{}
	if req.Terminal() {
		return actions, nil
	}
	if req.Status == model.StatusApproved {
		ok, err := directory.Holds(ctx, s.dir, actorID, model.RoleNationalOversight, "", "")
		if err != nil {
			return nil, translate("principal", actorID, err)
		}
		if ok {
			actions = append(actions, Action{Name: ActionClose})
		}
		return actions, nil
	}

	top, err := s.mayActTop(ctx, req, actorID)
	if err != nil {
		return nil, translate("principal", actorID, err)
	}
	if top {
		if _, ok := approveTable[tierPhase{req.CurrentTier, req.Phase}]; ok {
			if !(req.CurrentTier == model.RoleStateCoordinator && !req.AllDivisionsApproved()) {
				actions = append(actions, Action{Name: ActionApprove})
			}
		}
		if req.Phase == model.PhaseConsolidation {
			actions = append(actions, Action{Name: ActionDecline})
		}
		if rejectors[req.CurrentTier] {
			actions = append(actions, Action{Name: ActionReject})
		}
	}

	if stateLevel[req.CurrentTier] {
		for _, st := range req.Targets.States {
			ok, err := directory.Holds(ctx, s.dir, actorID, model.RoleStateCoordinator, st, "")
			if err != nil {
				return nil, translate("principal", actorID, err)
			}
			if ok {
				actions = append(actions, Action{Name: ActionFanOut})
				break
			}
		}
	}

	for i := range req.DivisionAssignments {
		a := &req.DivisionAssignments[i]
		if a.DivisionHODID == actorID {
			sub, err := s.openRecord(ctx, req, a)
			if err != nil {
				return nil, translate("submission", "", err)
			}
			switch {
			case sub != nil && sub.Status == model.SubmissionSubmitted && a.Status == model.DivisionYPSubmitted:
				actions = append(actions, Action{Name: ActionApproveForm, Division: a.Division}, Action{Name: ActionDeclineForm, Division: a.Division})
			case (sub == nil || !sub.Reviewable()) && a.Status == model.DivisionPending:
				actions = append(actions, Action{Name: ActionForward, Division: a.Division})
			}
		}
		if a.Status == model.DivisionHODApproved {
			allowed := a.DivisionYPID != nil && *a.DivisionYPID == actorID
			if a.DivisionYPID == nil {
				if allowed, err = directory.Holds(ctx, s.dir, actorID, model.RoleDivisionAnalyst, a.State, a.Division); err != nil {
					return nil, translate("principal", actorID, err)
				}
			}
			if allowed {
				actions = append(actions, Action{Name: ActionSubmitForm, Division: a.Division})
			}
		}
	}
	return actions, nil
}
