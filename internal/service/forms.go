package service

import (
	"context"
	"errors"
	"time"

	"hierarchyflow/internal/directory"
	"hierarchyflow/internal/merge"
	"hierarchyflow/internal/metrics"
	"hierarchyflow/internal/model"
	"hierarchyflow/internal/notify"
	"hierarchyflow/internal/repository"
)

// openRecord returns the division's unmerged submission, or nil.
func (s *workflowService) openRecord(ctx context.Context, req *model.Request, a *model.DivisionAssignment) (*model.ChildSubmission, error) {
	sub, err := s.store.Submissions.FindOpen(ctx, req.ID, a.State, a.Division)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return sub, err
}

// divisionRecord returns the division's latest submission, merged or not.
func (s *workflowService) divisionRecord(ctx context.Context, req *model.Request, a *model.DivisionAssignment) (*model.ChildSubmission, error) {
	subs, err := s.store.Submissions.List(ctx, repository.SubmissionFilter{RequestID: req.ID, State: a.State})
	if err != nil {
		return nil, err
	}
	var latest *model.ChildSubmission
	for i := range subs {
		if subs[i].Branch != nil && *subs[i].Branch == a.Division {
			latest = &subs[i]
		}
	}
	return latest, nil
}

func (s *workflowService) headOf(req *model.Request, division, actorID string) (*model.DivisionAssignment, error) {
	a := req.Assignment(division)
	if a == nil {
		return nil, notFoundErr("division_assignment", division)
	}
	if a.DivisionHODID != actorID {
		return nil, deniedErr(model.RoleDivisionHead, "only the head of %s may act on its assignment", division)
	}
	return a, nil
}

// approveDivision runs one Division Head approval. Whether a reviewable form
// exists decides between forwarding to the analyst and approving the form.
func (s *workflowService) approveDivision(ctx context.Context, req *model.Request, actorID, division, notes string, revised *time.Time, events *[]notify.Event) (*string, bool, error) {
	a, err := s.headOf(req, division, actorID)
	if err != nil {
		return nil, false, err
	}
	if err := s.reviseDeadline(&a.Deadline, revised); err != nil {
		return nil, false, err
	}
	sub, err := s.openRecord(ctx, req, a)
	if err != nil {
		return nil, false, err
	}
	if sub != nil && sub.Reviewable() {
		return s.approveForm(ctx, req, a, sub, actorID, notes, events)
	}

	switch a.Status {
	case model.DivisionPending:
	case model.DivisionHODApproved:
		return nil, false, conflictErr("awaiting_analyst", "division %s is waiting for its analyst", a.Division)
	default:
		return nil, false, conflictErr("division_done", "division %s has already approved its form", a.Division)
	}

	if a.DivisionYPID == nil {
		yp, err := s.findIn(ctx, model.RoleDivisionAnalyst, a.State, a.Division)
		if err != nil {
			return nil, false, err
		}
		a.DivisionYPID = yp
	}
	a.Status = model.DivisionHODApproved
	if _, err := s.repoint(ctx, req); err != nil {
		return nil, false, err
	}
	s.record(req, model.ActionDivisionOpened, actorID, joinNotes(a.Division, notes))

	evt := s.event(notify.EventAssigned, req, actorID, notes)
	evt.Division = a.Division
	evt.Tier = model.RoleDivisionAnalyst
	evt.Recipients = recipients(a.DivisionYPID)
	*events = append(*events, evt)
	return a.DivisionYPID, a.DivisionYPID == nil, nil
}

func (s *workflowService) approveForm(ctx context.Context, req *model.Request, a *model.DivisionAssignment, sub *model.ChildSubmission, actorID, notes string, events *[]notify.Event) (*string, bool, error) {
	if sub.Status != model.SubmissionSubmitted || a.Status != model.DivisionYPSubmitted {
		return nil, false, conflictErr("form_already_approved", "the form of %s is already approved", a.Division)
	}

	now := s.now().UTC()
	a.Status = model.DivisionHODApprovedForm
	a.ApprovedAt = &now
	unresolved, err := s.repoint(ctx, req)
	if err != nil {
		return nil, false, err
	}
	s.record(req, model.ActionFormApproved, actorID, joinNotes(a.Division, notes))

	sub.Status = model.SubmissionApproved
	s.recordForm(sub, model.ActionFormApproved, actorID, notes)
	if err := s.store.Submissions.Save(ctx, sub); err != nil {
		return nil, false, err
	}

	var next *string
	evt := s.event(notify.EventFormReviewed, req, actorID, notes)
	evt.Division = a.Division
	evt.Recipients = []string{sub.SubmittedBy}
	if req.CurrentTier == model.RoleStateCoordinator {
		next = req.CurrentAssigneeID
		evt.Recipients = append(evt.Recipients, recipients(next)...)
	}
	*events = append(*events, evt)
	return next, unresolved, nil
}

// declineDivision sends a submitted form back to the analyst. The same record is
// reopened as a draft with its revision bumped.
func (s *workflowService) declineDivision(ctx context.Context, req *model.Request, actorID, division, notes string, events *[]notify.Event) (*string, error) {
	a, err := s.headOf(req, division, actorID)
	if err != nil {
		return nil, err
	}
	sub, err := s.openRecord(ctx, req, a)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.Status != model.SubmissionSubmitted || a.Status != model.DivisionYPSubmitted {
		return nil, conflictErr("decline_first_pass", "division %s has no submitted form to decline", a.Division)
	}

	a.Status = model.DivisionHODApproved
	if _, err := s.repoint(ctx, req); err != nil {
		return nil, err
	}
	s.record(req, model.ActionFormDeclined, actorID, joinNotes(a.Division, notes))

	sub.Status = model.SubmissionDraft
	sub.Revision++
	s.recordForm(sub, model.ActionFormDeclined, actorID, notes)
	if err := s.store.Submissions.Save(ctx, sub); err != nil {
		return nil, err
	}

	back := a.DivisionYPID
	if back == nil {
		back = strPtr(sub.SubmittedBy)
	}
	evt := s.event(notify.EventDeclined, req, actorID, notes)
	evt.Division = a.Division
	evt.Tier = model.RoleDivisionAnalyst
	evt.Recipients = []string{*back}
	*events = append(*events, evt)
	return back, nil
}

// formTemplate checks that id names a template a new form may be written from.
func (s *workflowService) formTemplate(ctx context.Context, id string) (*string, error) {
	if id == "" {
		return nil, nil
	}
	tpl, err := s.store.Templates.FindByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFoundErr("template", id)
	}
	if err != nil {
		return nil, err
	}
	if tpl.Status == model.TemplateArchived {
		return nil, conflictErr("template_archived", "template %q is archived", id)
	}
	return &tpl.ID, nil
}

func (s *workflowService) SubmitChildForm(ctx context.Context, actorID string, dto SubmitFormDTO) (res SubmissionResult, err error) {
	defer s.observe("submit_form", actorID, dto.RequestID, time.Now(), &err)

	if dto.RequestID == "" || dto.Division == "" {
		return SubmissionResult{}, validationErr("missing_field", "request_id and division are required")
	}

	var out *model.ChildSubmission
	_, err = s.update(ctx, dto.RequestID, func(txCtx context.Context, req *model.Request, events *[]notify.Event) error {
		out = nil
		if err := s.guardOpen(req); err != nil {
			return err
		}
		a := req.Assignment(dto.Division)
		if a == nil {
			return notFoundErr("division_assignment", dto.Division)
		}
		if dto.State != "" && dto.State != a.State {
			return validationErr("state_mismatch", "division %s belongs to %s, not %s", a.Division, a.State, dto.State)
		}
		if a.DivisionYPID != nil && *a.DivisionYPID != actorID {
			return deniedErr(model.RoleDivisionAnalyst, "division %s is assigned to another analyst", a.Division)
		}
		if a.DivisionYPID == nil {
			ok, err := directory.Holds(txCtx, s.dir, actorID, model.RoleDivisionAnalyst, a.State, a.Division)
			if err != nil {
				return err
			}
			if !ok {
				return deniedErr(model.RoleDivisionAnalyst, "submitting for %s in %s", a.Division, a.State)
			}
		}
		switch a.Status {
		case model.DivisionHODApproved:
		case model.DivisionPending:
			return conflictErr("division_not_open", "the head of %s has not forwarded the request yet", a.Division)
		case model.DivisionYPSubmitted:
			return conflictErr("division_not_open", "the form of %s is awaiting review", a.Division)
		default:
			return conflictErr("division_done", "division %s has already approved its form", a.Division)
		}

		sub, err := s.openRecord(txCtx, req, a)
		if err != nil {
			return err
		}
		if sub != nil && sub.Status != model.SubmissionDraft {
			return conflictErr("form_not_editable", "the form of %s is %s", a.Division, sub.Status)
		}
		templateID, err := s.formTemplate(txCtx, dto.TemplateID)
		if err != nil {
			return err
		}

		a.DivisionYPID = strPtr(actorID)
		action, status := model.ActionFormDrafted, model.SubmissionDraft
		if !dto.IsDraft {
			action, status = model.ActionFormSubmitted, model.SubmissionSubmitted
			a.Status = model.DivisionYPSubmitted
			if _, err := s.repoint(txCtx, req); err != nil {
				return err
			}
		}
		s.record(req, action, actorID, a.Division)

		data := dto.Data
		if data == nil {
			data = map[string]any{}
		}
		if sub == nil {
			sub = &model.ChildSubmission{
				RequestID:   req.ID,
				Branch:      strPtr(a.Division),
				State:       a.State,
				SubmittedBy: actorID,
				Data:        data,
				TemplateID:  templateID,
				Status:      status,
				Revision:    1,
			}
			s.recordForm(sub, action, actorID, "")
			if err := s.store.Submissions.Create(txCtx, sub); err != nil {
				return err
			}
		} else {
			sub.Data = data
			sub.Status = status
			sub.SubmittedBy = actorID
			if templateID != nil {
				sub.TemplateID = templateID
			}
			s.recordForm(sub, action, actorID, "")
			if err := s.store.Submissions.Save(txCtx, sub); err != nil {
				return err
			}
		}
		out = sub.Clone()

		if !dto.IsDraft {
			evt := s.event(notify.EventFormSubmitted, req, actorID, "")
			evt.Division = a.Division
			evt.Tier = model.RoleDivisionHead
			evt.Recipients = []string{a.DivisionHODID}
			*events = append(*events, evt)
		}
		return nil
	})
	if err != nil {
		return SubmissionResult{}, translate("request", dto.RequestID, err)
	}
	return SubmissionResult{Submission: out, DryRun: s.store.DryRun}, nil
}

func (s *workflowService) ReviewChildForm(ctx context.Context, actorID, submissionID string, dto ReviewFormDTO) (res TransitionResult, err error) {
	defer s.observe("review_form", actorID, submissionID, time.Now(), &err)

	if dto.Action != "approve" && dto.Action != "reject" {
		return TransitionResult{}, validationErr("invalid_action", "action must be approve or reject")
	}
	sub, err := s.store.Submissions.FindByID(ctx, submissionID)
	if err != nil {
		return TransitionResult{}, translate("submission", submissionID, err)
	}
	if sub.Branch == nil {
		return TransitionResult{}, conflictErr("state_record", "state-level records are reviewed through the approval chain")
	}

	var next *string
	var unresolved bool
	req, err := s.update(ctx, sub.RequestID, func(txCtx context.Context, req *model.Request, events *[]notify.Event) error {
		next, unresolved = nil, false
		if err := s.guardOpen(req); err != nil {
			return err
		}
		a := req.Assignment(*sub.Branch)
		if a == nil {
			return notFoundErr("division_assignment", *sub.Branch)
		}
		open, err := s.openRecord(txCtx, req, a)
		if err != nil {
			return err
		}
		if open == nil || open.ID != submissionID {
			return conflictErr("stale_submission", "submission %s is no longer the open form of %s", submissionID, a.Division)
		}
		if dto.Action == "approve" {
			next, unresolved, err = s.approveDivision(txCtx, req, actorID, a.Division, dto.Notes, nil, events)
			return err
		}
		next, err = s.declineDivision(txCtx, req, actorID, a.Division, dto.Notes, events)
		return err
	})
	if err != nil {
		return TransitionResult{}, translate("request", sub.RequestID, err)
	}
	return s.transition(req, next, unresolved), nil
}

// consolidate merges, per state, every division's approved form into one
// state-level record and marks the division forms merged. Re-running it after a
// decline rebuilds the same record.
func (s *workflowService) consolidate(ctx context.Context, req *model.Request, actorID string, raw map[string]string) (int, error) {
	strategy, err := merge.ParseStrategy(raw)
	if err != nil {
		return 0, validationErr("invalid_strategy", "%v", err)
	}

	var states []string
	seen := map[string]bool{}
	for _, a := range req.DivisionAssignments {
		if !seen[a.State] {
			seen[a.State] = true
			states = append(states, a.State)
		}
	}

	for _, state := range states {
		subs, err := s.store.Submissions.List(ctx, repository.SubmissionFilter{RequestID: req.ID, State: state})
		if err != nil {
			return 0, err
		}
		latest := map[string]*model.ChildSubmission{}
		var record *model.ChildSubmission
		for i := range subs {
			if subs[i].Branch == nil {
				record = &subs[i]
				continue
			}
			latest[*subs[i].Branch] = &subs[i]
		}

		var inputs []*model.ChildSubmission
		var ids []string
		for i := range req.DivisionAssignments {
			a := &req.DivisionAssignments[i]
			if a.State != state {
				continue
			}
			sub := latest[a.Division]
			if sub != nil && (sub.Status == model.SubmissionApproved || sub.Status == model.SubmissionMerged) {
				inputs = append(inputs, sub)
				ids = append(ids, sub.ID)
			}
		}

		data := merge.Merge(inputs, strategy)
		for field, op := range strategy {
			if _, ok := data[field]; ok {
				metrics.MergedField(string(op))
			}
		}

		if record == nil {
			record = &model.ChildSubmission{
				RequestID:   req.ID,
				State:       state,
				SubmittedBy: actorID,
				Data:        data,
				Status:      model.SubmissionSubmitted,
				Revision:    1,
				MergedFrom:  ids,
			}
			s.recordForm(record, model.ActionMerged, actorID, "")
			if err := s.store.Submissions.Create(ctx, record); err != nil {
				return 0, err
			}
		} else {
			record.Data = data
			record.MergedFrom = ids
			record.SubmittedBy = actorID
			record.Status = model.SubmissionSubmitted
			record.Revision++
			s.recordForm(record, model.ActionMerged, actorID, "")
			if err := s.store.Submissions.Save(ctx, record); err != nil {
				return 0, err
			}
		}

		for _, sub := range inputs {
			if sub.Status == model.SubmissionMerged {
				continue
			}
			sub.Status = model.SubmissionMerged
			s.recordForm(sub, model.ActionMerged, actorID, "")
			if err := s.store.Submissions.Save(ctx, sub); err != nil {
				return 0, err
			}
		}
		for i := range req.DivisionAssignments {
			if req.DivisionAssignments[i].State == state {
				req.DivisionAssignments[i].Status = model.DivisionCompleted
			}
		}
	}
	return len(states), nil
}

func (s *workflowService) PreviewMerge(ctx context.Context, submissionIDs []string, raw map[string]string) (map[string]any, error) {
	strategy, err := merge.ParseStrategy(raw)
	if err != nil {
		return nil, validationErr("invalid_strategy", "%v", err)
	}
	subs := make([]*model.ChildSubmission, 0, len(submissionIDs))
	for _, id := range submissionIDs {
		sub, err := s.store.Submissions.FindByID(ctx, id)
		if err != nil {
			return nil, translate("submission", id, err)
		}
		subs = append(subs, sub)
	}
	return merge.Merge(subs, strategy), nil
}
