package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"hierarchyflow/internal/directory"
	"hierarchyflow/internal/model"
	"hierarchyflow/internal/notify"
)

var errNoDivisionHeads = &WorkflowError{Kind: KindStateConflict, Code: "no_division_heads"}

func (s *workflowService) Approve(ctx context.Context, actorID, requestID string, dto ApproveDTO) (res TransitionResult, err error) {
	defer s.observe("approve", actorID, requestID, time.Now(), &err)

	var next *string
	var unresolved bool
	req, err := s.update(ctx, requestID, func(txCtx context.Context, req *model.Request, events *[]notify.Event) error {
		next, unresolved = nil, false
		if err := s.guardOpen(req); err != nil {
			return err
		}
		division, top, err := s.pickPath(txCtx, req, actorID, dto.Division)
		if err != nil {
			return err
		}
		if !top {
			next, unresolved, err = s.approveDivision(txCtx, req, actorID, division, dto.Notes, dto.RevisedDeadline, events)
			return err
		}
		next, unresolved, err = s.approveTop(txCtx, req, actorID, dto, events)
		return err
	})
	if err != nil {
		return TransitionResult{}, translate("request", requestID, err)
	}
	return s.transition(req, next, unresolved), nil
}

// pickPath decides whether actorID acts for the top-level tier or for one of the
// divisions it heads.
func (s *workflowService) pickPath(ctx context.Context, req *model.Request, actorID, division string) (string, bool, error) {
	top, err := s.mayActTop(ctx, req, actorID)
	if err != nil {
		return "", false, err
	}
	if top && (division == "" || req.CurrentTier == model.RoleStateCoordinator) {
		return division, true, nil
	}
	if division != "" {
		return division, false, nil
	}

	var headed []string
	for _, a := range req.DivisionAssignments {
		if a.DivisionHODID == actorID {
			headed = append(headed, a.Division)
		}
	}
	switch len(headed) {
	case 1:
		return headed[0], false, nil
	case 0:
		return "", false, s.denyTop(req)
	default:
		return "", false, validationErr("division_required", "actor heads %d divisions on this request, name one", len(headed))
	}
}

func (s *workflowService) denyTop(req *model.Request) error {
	if req.CurrentAssigneeID != nil {
		return deniedErr(req.CurrentTier, "request is assigned to %s", *req.CurrentAssigneeID)
	}
	return deniedErr(req.CurrentTier, "request is waiting on %s", req.CurrentTier.Label())
}

func (s *workflowService) approveTop(ctx context.Context, req *model.Request, actorID string, dto ApproveDTO, events *[]notify.Event) (*string, bool, error) {
	if req.CurrentTier == model.RoleStateCoordinator && req.Phase == model.PhaseAllocation {
		return nil, false, conflictErr("fanout_required", "fan out to divisions before approving at %s", req.CurrentTier.Label())
	}
	step, ok := approveTable[tierPhase{req.CurrentTier, req.Phase}]
	if !ok {
		return nil, false, conflictErr("no_transition", "no approval defined at %s during %s", req.CurrentTier.Label(), req.Phase)
	}
	if err := s.reviseDeadline(&req.Deadline, dto.RevisedDeadline); err != nil {
		return nil, false, err
	}

	if step.complete {
		req.Status = model.StatusApproved
		req.CurrentAssigneeID = nil
		s.record(req, step.action, actorID, dto.Notes)
		evt := s.event(notify.EventCompleted, req, actorID, dto.Notes)
		evt.Recipients = []string{req.CreatedBy}
		*events = append(*events, evt)
		return nil, false, nil
	}

	req.Status = model.StatusInProgress

	if step.fanOut && len(req.Targets.Branches) > 0 {
		// Branches nobody heads leave the request with the State Coordinator.
		created, _, err := s.expand(ctx, req, req.RoutingState(), req.Targets.Branches)
		if err != nil && !errors.Is(err, errNoDivisionHeads) {
			return nil, false, err
		}
		if len(created) > 0 {
			pointAt(req, req.Assignment(created[0].Division))
			s.record(req, model.ActionFanOut, actorID, fanOutNotes(created, dto.Notes))
			*events = append(*events, s.fanOutEvent(req, actorID, created))
			return req.CurrentAssigneeID, false, nil
		}
	}

	if step.consolidate {
		if !req.AllDivisionsApproved() {
			return nil, false, conflictErr("divisions_pending", "every division must approve its form before consolidation")
		}
		strategy := req.MergeStrategy
		if len(dto.MergeStrategy) > 0 {
			strategy = dto.MergeStrategy
		}
		// Lookups run before the submission writes in consolidate.
		next, unresolved, err := s.routeTo(ctx, req, step.next, step.phase)
		if err != nil {
			return nil, false, err
		}
		merged, err := s.consolidate(ctx, req, actorID, strategy)
		if err != nil {
			return nil, false, err
		}
		s.record(req, step.action, actorID, joinNotes(fmt.Sprintf("merged %d state record(s)", merged), dto.Notes))
		evt := s.event(notify.EventMerged, req, actorID, dto.Notes)
		evt.Recipients = recipients(next)
		*events = append(*events, evt)
		return next, unresolved, nil
	}

	next, unresolved, err := s.routeTo(ctx, req, step.next, step.phase)
	if err != nil {
		return nil, false, err
	}
	notes := dto.Notes
	if unresolved {
		notes = joinNotes("no "+step.next.Label()+" found", notes)
	}
	s.record(req, step.action, actorID, notes)
	evt := s.event(notify.EventAssigned, req, actorID, dto.Notes)
	evt.Recipients = recipients(next)
	*events = append(*events, evt)
	return next, unresolved, nil
}

func (s *workflowService) DeclineAndImprove(ctx context.Context, actorID, requestID string, dto DeclineDTO) (res TransitionResult, err error) {
	defer s.observe("decline", actorID, requestID, time.Now(), &err)

	var prev *string
	req, err := s.update(ctx, requestID, func(txCtx context.Context, req *model.Request, events *[]notify.Event) error {
		prev = nil
		if err := s.guardOpen(req); err != nil {
			return err
		}
		division, top, err := s.pickPath(txCtx, req, actorID, dto.Division)
		if err != nil {
			return err
		}
		if !top {
			prev, err = s.declineDivision(txCtx, req, actorID, division, dto.Notes, events)
			return err
		}
		prev, err = s.declineTop(txCtx, req, actorID, dto, events)
		return err
	})
	if err != nil {
		return TransitionResult{}, translate("request", requestID, err)
	}
	return s.transition(req, prev, prev == nil), nil
}

func (s *workflowService) declineTop(ctx context.Context, req *model.Request, actorID string, dto DeclineDTO, events *[]notify.Event) (*string, error) {
	if req.Phase != model.PhaseConsolidation {
		return nil, conflictErr("decline_first_pass", "%s has no submitted content to decline yet", req.CurrentTier.Label())
	}

	if req.CurrentTier == model.RoleStateCoordinator {
		return s.reopenDivision(ctx, req, actorID, dto, events)
	}

	back, ok := declineTable[req.CurrentTier]
	if !ok {
		return nil, conflictErr("no_transition", "no decline defined at %s", req.CurrentTier.Label())
	}
	prev, _, err := s.routeTo(ctx, req, back, model.PhaseConsolidation)
	if err != nil {
		return nil, err
	}
	s.record(req, model.ActionDeclined, actorID, dto.Notes)
	evt := s.event(notify.EventDeclined, req, actorID, dto.Notes)
	evt.Recipients = recipients(prev)
	*events = append(*events, evt)
	return prev, nil
}

// reopenDivision is the State Coordinator sending one division's approved form
// back to its head for another review.
func (s *workflowService) reopenDivision(ctx context.Context, req *model.Request, actorID string, dto DeclineDTO, events *[]notify.Event) (*string, error) {
	if dto.Division == "" {
		return nil, validationErr("division_required", "name the division to send back")
	}
	a := req.Assignment(dto.Division)
	if a == nil {
		return nil, notFoundErr("division_assignment", dto.Division)
	}
	if !a.FormApproved() {
		return nil, conflictErr("division_not_approved", "division %s has not approved a form yet", a.Division)
	}
	sub, err := s.divisionRecord(ctx, req, a)
	if err != nil {
		return nil, err
	}

	a.Status = model.DivisionYPSubmitted
	a.ApprovedAt = nil
	pointAt(req, a)
	s.record(req, model.ActionReopened, actorID, joinNotes(a.Division, dto.Notes))

	if sub != nil {
		sub.Status = model.SubmissionSubmitted
		s.recordForm(sub, model.ActionReopened, actorID, dto.Notes)
		if err := s.store.Submissions.Save(ctx, sub); err != nil {
			return nil, err
		}
	}

	evt := s.event(notify.EventDeclined, req, actorID, dto.Notes)
	evt.Division = a.Division
	evt.Recipients = []string{a.DivisionHODID}
	*events = append(*events, evt)
	return strPtr(a.DivisionHODID), nil
}

func (s *workflowService) Reject(ctx context.Context, actorID, requestID string, dto NotesDTO) (res TransitionResult, err error) {
	defer s.observe("reject", actorID, requestID, time.Now(), &err)

	req, err := s.update(ctx, requestID, func(txCtx context.Context, req *model.Request, events *[]notify.Event) error {
		if err := s.guardOpen(req); err != nil {
			return err
		}
		if !rejectors[req.CurrentTier] {
			return deniedErr(model.RoleExecutive, "requests can only be rejected by the executive or national oversight while they hold it")
		}
		ok, err := s.mayActTop(txCtx, req, actorID)
		if err != nil {
			return err
		}
		if !ok {
			return s.denyTop(req)
		}
		req.Status = model.StatusRejected
		req.CurrentAssigneeID = nil
		s.record(req, model.ActionRejected, actorID, dto.Notes)
		evt := s.event(notify.EventRejected, req, actorID, dto.Notes)
		evt.Recipients = []string{req.CreatedBy}
		*events = append(*events, evt)
		return nil
	})
	if err != nil {
		return TransitionResult{}, translate("request", requestID, err)
	}
	return s.transition(req, nil, false), nil
}

func (s *workflowService) Close(ctx context.Context, actorID, requestID string, dto NotesDTO) (res TransitionResult, err error) {
	defer s.observe("close", actorID, requestID, time.Now(), &err)

	req, err := s.update(ctx, requestID, func(txCtx context.Context, req *model.Request, events *[]notify.Event) error {
		if req.Status != model.StatusApproved {
			return conflictErr("request_not_approved", "only approved requests can be closed, request is %s", req.Status)
		}
		ok, err := directory.Holds(txCtx, s.dir, actorID, model.RoleNationalOversight, "", "")
		if err != nil {
			return err
		}
		if !ok {
			return deniedErr(model.RoleNationalOversight, "only national oversight may close a request")
		}
		req.Status = model.StatusClosed
		s.record(req, model.ActionClosed, actorID, dto.Notes)
		evt := s.event(notify.EventClosed, req, actorID, dto.Notes)
		evt.Recipients = []string{req.CreatedBy}
		*events = append(*events, evt)
		return nil
	})
	if err != nil {
		return TransitionResult{}, translate("request", requestID, err)
	}
	return s.transition(req, nil, false), nil
}

func (s *workflowService) FanOut(ctx context.Context, actorID, requestID string, dto FanOutDTO) (res FanOutResult, err error) {
	defer s.observe("fanout", actorID, requestID, time.Now(), &err)

	state := strings.TrimSpace(dto.State)
	if state == "" {
		return FanOutResult{}, validationErr("missing_field", "state is required")
	}

	var created []model.DivisionAssignment
	var skipped []string
	req, err := s.update(ctx, requestID, func(txCtx context.Context, req *model.Request, events *[]notify.Event) error {
		created, skipped = nil, nil
		if err := s.guardOpen(req); err != nil {
			return err
		}
		if !req.Targets.HasState(state) {
			return validationErr("state_not_targeted", "request does not target state %s", state)
		}
		ok, err := directory.Holds(txCtx, s.dir, actorID, model.RoleStateCoordinator, state, "")
		if err != nil {
			return err
		}
		if !ok {
			return deniedErr(model.RoleStateCoordinator, "fan-out in %s", state)
		}
		if !stateLevel[req.CurrentTier] {
			return conflictErr("not_at_state_level", "request is still with %s", req.CurrentTier.Label())
		}

		created, skipped, err = s.expand(txCtx, req, state, dto.Divisions)
		if err != nil {
			return err
		}
		if len(created) == 0 {
			return errUnchanged
		}

		req.Status = model.StatusInProgress
		if req.PrimaryDivision == "" || !req.CurrentTier.DivisionScoped() {
			pointAt(req, req.Assignment(created[0].Division))
		}
		s.record(req, model.ActionFanOut, actorID, fanOutNotes(created, ""))
		*events = append(*events, s.fanOutEvent(req, actorID, created))
		return nil
	})
	if errors.Is(err, errUnchanged) {
		req, err = s.store.Requests.FindByID(ctx, requestID)
	}
	if err != nil {
		return FanOutResult{}, translate("request", requestID, err)
	}
	return FanOutResult{Request: s.view(req), Created: created, Skipped: skipped, DryRun: s.store.DryRun}, nil
}

// expand creates one pending assignment per candidate division that has a head
// and no assignment yet. With no candidates given it discovers every division of
// the state. It fails without touching req when nothing is resolvable.
func (s *workflowService) expand(ctx context.Context, req *model.Request, state string, divisions []string) ([]model.DivisionAssignment, []string, error) {
	candidates := uniqueNonEmpty(divisions)
	if len(candidates) == 0 {
		found, err := s.dir.Divisions(ctx, state)
		if err != nil {
			return nil, nil, translate("division", state, err)
		}
		candidates = found
	}

	now := s.now().UTC()
	var created []model.DivisionAssignment
	var skipped []string
	existing := 0
	for _, division := range candidates {
		if req.Assignment(division) != nil {
			existing++
			continue
		}
		hod, err := s.findIn(ctx, model.RoleDivisionHead, state, division)
		if err != nil {
			return nil, nil, err
		}
		if hod == nil {
			skipped = append(skipped, division)
			continue
		}
		yp, err := s.findIn(ctx, model.RoleDivisionAnalyst, state, division)
		if err != nil {
			return nil, nil, err
		}
		created = append(created, model.DivisionAssignment{
			Division:      division,
			State:         state,
			DivisionHODID: *hod,
			DivisionYPID:  yp,
			Status:        model.DivisionPending,
			Deadline:      req.Deadline,
			CreatedAt:     now,
		})
	}
	if len(created) == 0 && existing == 0 {
		return nil, skipped, &WorkflowError{
			Kind:    KindStateConflict,
			Code:    errNoDivisionHeads.Code,
			Message: "no qualifying division heads found in " + state,
			Details: map[string]any{"state": state, "candidates": candidates},
		}
	}

	req.DivisionAssignments = append(req.DivisionAssignments, created...)
	for _, a := range created {
		req.Targets.AddBranch(a.Division)
	}
	return created, skipped, nil
}

// findIn resolves a division-scoped role in an explicit state.
func (s *workflowService) findIn(ctx context.Context, role model.Role, state, division string) (*string, error) {
	id, found, err := s.dir.FindPrincipal(ctx, role, state, division)
	if err != nil {
		return nil, translate("principal", string(role), err)
	}
	if !found {
		return nil, nil
	}
	return &id, nil
}

func (s *workflowService) fanOutEvent(req *model.Request, actorID string, created []model.DivisionAssignment) notify.Event {
	evt := s.event(notify.EventFanOut, req, actorID, "")
	for _, a := range created {
		evt.Recipients = append(evt.Recipients, a.DivisionHODID)
	}
	return evt
}

func fanOutNotes(created []model.DivisionAssignment, notes string) string {
	names := make([]string, 0, len(created))
	for _, a := range created {
		names = append(names, a.Division)
	}
	return joinNotes("divisions: "+strings.Join(names, ", "), notes)
}

func joinNotes(prefix, notes string) string {
	if notes == "" {
		return prefix
	}
	return prefix + "; " + notes
}

func recipients(id *string) []string {
	if id == nil {
		return nil
	}
	return []string{*id}
}
