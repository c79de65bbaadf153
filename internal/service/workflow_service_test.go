package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"hierarchyflow/internal/directory"
	"hierarchyflow/internal/model"
	"hierarchyflow/internal/notify"
	"hierarchyflow/internal/repository"
)

func grant(id string, role model.Role, state, division string) model.Principal {
	return model.Principal{
		ID:     id,
		Name:   id,
		Email:  id + "@example.org",
		Active: true,
		Roles:  []model.RoleAssignment{{Role: role, State: state, Division: division}},
	}
}

func testPrincipals() []model.Principal {
	return []model.Principal{
		grant("nat-1", model.RoleNationalOversight, "", ""),
		grant("exec-1", model.RoleExecutive, "", ""),
		grant("adv-x", model.RoleStateAdvisor, "X", ""),
		grant("coord-x", model.RoleStateCoordinator, "X", ""),
		grant("coord-y", model.RoleStateCoordinator, "Y", ""),
		grant("hod-energy", model.RoleDivisionHead, "X", "Energy"),
		grant("yp-energy", model.RoleDivisionAnalyst, "X", "Energy"),
		grant("hod-wind", model.RoleDivisionHead, "X", "Wind"),
		grant("yp-wind", model.RoleDivisionAnalyst, "X", "Wind"),
	}
}

type WorkflowSuite struct {
	suite.Suite
	ctx    context.Context
	now    time.Time
	store  repository.Store
	dir    *directory.MemoryDirectory
	events *notify.Recorder
	svc    WorkflowService
}

func TestWorkflowSuite(t *testing.T) {
	suite.Run(t, new(WorkflowSuite))
}

func (s *WorkflowSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s.store = repository.NewMemoryStore()
	s.dir = directory.NewMemoryDirectory(testPrincipals()...)
	s.events = &notify.Recorder{}
	s.svc = s.newService(s.store)
}

func (s *WorkflowSuite) newService(store repository.Store) WorkflowService {
	return NewWorkflowService(store, s.dir, s.events, zap.NewNop(), WithClock(func() time.Time { return s.now }))
}

func (s *WorkflowSuite) days(n int) time.Time {
	return s.now.Add(time.Duration(n) * 24 * time.Hour)
}

func (s *WorkflowSuite) create(states []string, branches ...string) RequestView {
	view, err := s.svc.CreateRequest(s.ctx, "nat-1", CreateRequestDTO{
		Title:    "Q2 Energy Data",
		InfoNeed: "Installed capacity per division",
		Timeline: s.days(10),
		States:   states,
		Branches: branches,
	})
	s.Require().NoError(err)
	return view
}

func (s *WorkflowSuite) approve(actor, id string, dto ApproveDTO) TransitionResult {
	res, err := s.svc.Approve(s.ctx, actor, id, dto)
	s.Require().NoError(err, "approve by %s", actor)
	return res
}

func (s *WorkflowSuite) submit(actor, id, division string, data map[string]any, draft bool) *model.ChildSubmission {
	res, err := s.svc.SubmitChildForm(s.ctx, actor, SubmitFormDTO{RequestID: id, Division: division, State: "X", Data: data, IsDraft: draft})
	s.Require().NoError(err, "submit by %s", actor)
	return res.Submission
}

func (s *WorkflowSuite) load(id string) *model.Request {
	req, err := s.store.Requests.FindByID(s.ctx, id)
	s.Require().NoError(err)
	return req
}

// toCoordinator walks a request without branches down to the State Coordinator.
func (s *WorkflowSuite) toCoordinator(states ...string) string {
	view := s.create(states)
	s.approve("exec-1", view.ID, ApproveDTO{})
	s.approve("adv-x", view.ID, ApproveDTO{})
	return view.ID
}

// toDivisions creates a request with Energy and Wind branches and lets the
// Advisor's approval fan it out.
func (s *WorkflowSuite) toDivisions() string {
	view := s.create([]string{"X"}, "Energy", "Wind")
	s.approve("exec-1", view.ID, ApproveDTO{})
	s.approve("adv-x", view.ID, ApproveDTO{})
	return view.ID
}

func (s *WorkflowSuite) completeDivision(id, hod, yp, division string, data map[string]any) {
	s.approve(hod, id, ApproveDTO{Division: division})
	s.submit(yp, id, division, data, false)
	s.approve(hod, id, ApproveDTO{Division: division})
}

func (s *WorkflowSuite) requireKind(err error, kind *WorkflowError, code string) *WorkflowError {
	s.Require().Error(err)
	s.Require().ErrorIs(err, kind)
	var we *WorkflowError
	s.Require().True(errors.As(err, &we))
	if code != "" {
		s.Equal(code, we.Code)
	}
	return we
}

func (s *WorkflowSuite) TestTimelineFloor() {
	dto := CreateRequestDTO{Title: "t", InfoNeed: "n", States: []string{"X"}}

	s.Run("two days is too soon", func() {
		dto.Timeline = s.days(2)
		_, err := s.svc.CreateRequest(s.ctx, "nat-1", dto)
		s.requireKind(err, ErrValidation, "timeline_too_soon")
	})

	s.Run("three days and a second is accepted", func() {
		dto.Timeline = s.now.Add(MinLeadTime + time.Second)
		view, err := s.svc.CreateRequest(s.ctx, "nat-1", dto)
		s.Require().NoError(err)
		s.True(view.Deadline.Equal(dto.Timeline))
	})

	s.Run("deadline may not exceed timeline", func() {
		dto.Timeline = s.days(10)
		late := s.days(11)
		dto.Deadline = &late
		_, err := s.svc.CreateRequest(s.ctx, "nat-1", dto)
		s.requireKind(err, ErrValidation, "deadline_after_timeline")
	})
}

func (s *WorkflowSuite) TestCreateAssignsExecutive() {
	view := s.create([]string{"X"})

	s.Equal(model.StatusInProgress, view.Status)
	s.Require().NotNil(view.CurrentAssigneeID)
	s.Equal("exec-1", *view.CurrentAssigneeID)
	s.Equal(model.RoleExecutive, view.CurrentTier)
	s.Require().Len(view.History, 1)
	s.Equal(model.ActionCreated, view.History[0].Action)
	s.Empty(view.DivisionAssignments)

	events := s.events.Events()
	s.Require().Len(events, 1)
	s.Equal(notify.EventCreated, events[0].Type)
	s.Equal([]string{"exec-1"}, events[0].Recipients)
}

func (s *WorkflowSuite) TestCreateWithoutExecutiveStaysOpen() {
	s.dir = directory.NewMemoryDirectory(grant("nat-1", model.RoleNationalOversight, "", ""))
	s.svc = s.newService(s.store)

	view := s.create([]string{"X"})
	s.Equal(model.StatusOpen, view.Status)
	s.Nil(view.CurrentAssigneeID)
	s.Len(view.History, 1)
}

func (s *WorkflowSuite) TestCreateRequiresInitiatingRole() {
	_, err := s.svc.CreateRequest(s.ctx, "exec-1", CreateRequestDTO{
		Title: "t", InfoNeed: "n", Timeline: s.days(10), States: []string{"X"},
	})
	we := s.requireKind(err, ErrAuthorization, "")
	s.Equal(model.RoleNationalOversight, we.RequiredRole)
	s.Contains(err.Error(), "National Oversight")
}

func (s *WorkflowSuite) TestApproveDeniesOtherTiers() {
	view := s.create([]string{"X"})

	_, err := s.svc.Approve(s.ctx, "adv-x", view.ID, ApproveDTO{})
	we := s.requireKind(err, ErrAuthorization, "")
	s.Equal(model.RoleExecutive, we.RequiredRole)

	_, err = s.svc.Approve(s.ctx, "exec-1", "missing", ApproveDTO{})
	s.requireKind(err, ErrNotFound, "request_not_found")
}

func (s *WorkflowSuite) TestDeadlineMonotonicity() {
	view := s.create([]string{"X"})

	earlier := s.days(5)
	res := s.approve("exec-1", view.ID, ApproveDTO{RevisedDeadline: &earlier})
	s.True(res.Request.Deadline.Equal(earlier))

	before := s.load(view.ID)
	later := s.days(8)
	_, err := s.svc.Approve(s.ctx, "adv-x", view.ID, ApproveDTO{RevisedDeadline: &later})
	s.requireKind(err, ErrStateConflict, "deadline_increased")

	after := s.load(view.ID)
	s.True(after.Deadline.Equal(earlier), "rejected revision leaves the deadline alone")
	s.Equal(before.History, after.History)
	s.Equal(before.Version, after.Version)
	s.Equal(model.RoleStateAdvisor, after.CurrentTier)

	same := s.days(5)
	s.approve("adv-x", view.ID, ApproveDTO{RevisedDeadline: &same})
}

func (s *WorkflowSuite) TestDivisionDeadlineIsIndependent() {
	id := s.toDivisions()

	earlier := s.days(4)
	s.approve("hod-energy", id, ApproveDTO{Division: "Energy", RevisedDeadline: &earlier})

	req := s.load(id)
	s.True(req.Assignment("Energy").Deadline.Equal(earlier))
	s.True(req.Assignment("Wind").Deadline.Equal(s.days(10)))
	s.True(req.Deadline.Equal(s.days(10)))

	s.submit("yp-energy", id, "Energy", map[string]any{"mw": 1}, false)
	later := s.days(6)
	_, err := s.svc.Approve(s.ctx, "hod-energy", id, ApproveDTO{Division: "Energy", RevisedDeadline: &later})
	s.requireKind(err, ErrStateConflict, "deadline_increased")
}

func (s *WorkflowSuite) TestUnresolvedNextTierStillRecords() {
	view := s.create([]string{"Z"})

	res := s.approve("exec-1", view.ID, ApproveDTO{Notes: "over to the state"})
	s.True(res.Unresolved)
	s.Nil(res.NextAssigneeID)
	s.Equal(model.RoleStateAdvisor, res.Request.CurrentTier)
	s.Len(res.Request.History, 2)
	s.Contains(res.Request.History[1].Notes, "no State Advisor found")
}

func (s *WorkflowSuite) TestEndToEnd() {
	view := s.create([]string{"X"}, "Energy", "Wind")
	id := view.ID
	history := view.History

	// Each mutating call appends exactly one entry and never touches earlier ones.
	step := func(name string, fn func()) {
		fn()
		got := s.load(id).History
		s.Require().Len(got, len(history)+1, name)
		s.Equal(history, got[:len(history)], name)
		history = got
	}

	step("executive", func() {
		res := s.approve("exec-1", id, ApproveDTO{})
		s.Equal("adv-x", *res.NextAssigneeID)
	})
	step("advisor fans out", func() {
		res := s.approve("adv-x", id, ApproveDTO{})
		s.Require().Len(res.Request.DivisionAssignments, 2)
		for _, a := range res.Request.DivisionAssignments {
			s.Equal(model.DivisionPending, a.Status)
			s.True(a.Deadline.Equal(res.Request.Deadline))
		}
		s.Equal("hod-energy", *res.NextAssigneeID)
		s.Equal("Energy", res.Request.PrimaryDivision)
	})
	step("energy first pass", func() {
		res := s.approve("hod-energy", id, ApproveDTO{})
		s.Equal("yp-energy", *res.NextAssigneeID)
		s.Equal(model.DivisionHODApproved, res.Request.Assignment("Energy").Status)
	})
	step("energy submits", func() {
		s.submit("yp-energy", id, "Energy", map[string]any{"mw": 10, "summary": "coal units"}, false)
		req := s.load(id)
		s.Equal(model.DivisionYPSubmitted, req.Assignment("Energy").Status)
		s.Equal("hod-energy", *req.CurrentAssigneeID)
	})
	step("energy second pass", func() {
		res := s.approve("hod-energy", id, ApproveDTO{})
		a := res.Request.Assignment("Energy")
		s.Equal(model.DivisionHODApprovedForm, a.Status)
		s.NotNil(a.ApprovedAt)
		s.Equal("Wind", res.Request.PrimaryDivision)
	})
	step("wind first pass", func() { s.approve("hod-wind", id, ApproveDTO{}) })
	step("wind submits", func() {
		s.submit("yp-wind", id, "Wind", map[string]any{"mw": 5, "summary": "offshore"}, false)
	})
	step("wind second pass", func() {
		res := s.approve("hod-wind", id, ApproveDTO{})
		s.True(res.Request.AllDivisionsApproved())
		s.Equal(model.RoleStateCoordinator, res.Request.CurrentTier)
		s.Equal(model.PhaseConsolidation, res.Request.Phase)
		s.Equal("coord-x", *res.NextAssigneeID)
	})
	step("coordinator merges", func() {
		res := s.approve("coord-x", id, ApproveDTO{MergeStrategy: map[string]string{"mw": "sum", "summary": "concat"}})
		s.Equal(model.StatusInProgress, res.Request.Status)
		s.Equal(model.RoleStateAdvisor, res.Request.CurrentTier)
		s.Equal("adv-x", *res.NextAssigneeID)
		for _, a := range res.Request.DivisionAssignments {
			s.Equal(model.DivisionCompleted, a.Status)
		}
	})

	record, err := s.store.Submissions.FindStateRecord(s.ctx, id, "X")
	s.Require().NoError(err)
	s.Nil(record.Branch)
	s.Equal(15.0, record.Data["mw"])
	s.Equal("[Energy]\ncoal units\n\n[Wind]\noffshore", record.Data["summary"])
	s.Len(record.MergedFrom, 2)

	merged, err := s.svc.ListSubmissions(s.ctx, id, "X", model.SubmissionMerged)
	s.Require().NoError(err)
	s.Len(merged, 2)

	step("advisor up", func() { s.approve("adv-x", id, ApproveDTO{}) })
	step("executive up", func() { s.approve("exec-1", id, ApproveDTO{}) })
	step("national approves", func() {
		res := s.approve("nat-1", id, ApproveDTO{})
		s.Equal(model.StatusApproved, res.Request.Status)
		s.Nil(res.Request.CurrentAssigneeID)
	})
	step("national closes", func() {
		res, err := s.svc.Close(s.ctx, "nat-1", id, NotesDTO{})
		s.Require().NoError(err)
		s.Equal(model.StatusClosed, res.Request.Status)
	})

	_, err = s.svc.Approve(s.ctx, "nat-1", id, ApproveDTO{})
	s.requireKind(err, ErrStateConflict, "request_terminal")
}

func (s *WorkflowSuite) TestFanOutIdempotence() {
	id := s.toCoordinator("X")

	_, err := s.svc.Approve(s.ctx, "coord-x", id, ApproveDTO{})
	s.requireKind(err, ErrStateConflict, "fanout_required")

	first, err := s.svc.FanOut(s.ctx, "coord-x", id, FanOutDTO{State: "X", Divisions: []string{"Energy", "Wind"}})
	s.Require().NoError(err)
	s.Len(first.Created, 2)
	s.Equal([]string{"Energy", "Wind"}, first.Request.Targets.Branches)
	s.Equal("hod-energy", *first.Request.CurrentAssigneeID)
	historyLen := len(first.Request.History)

	second, err := s.svc.FanOut(s.ctx, "coord-x", id, FanOutDTO{State: "X", Divisions: []string{"Wind", "Energy"}})
	s.Require().NoError(err)
	s.Empty(second.Created)
	s.Len(second.Request.DivisionAssignments, 2)
	s.Len(second.Request.History, historyLen)
}

func (s *WorkflowSuite) TestFanOutCompleteness() {
	id := s.toCoordinator("X", "Y")

	s.Run("empty state fails without partial effect", func() {
		_, err := s.svc.FanOut(s.ctx, "coord-y", id, FanOutDTO{State: "Y"})
		s.requireKind(err, ErrStateConflict, "no_division_heads")
		s.Empty(s.load(id).DivisionAssignments)
	})

	s.Run("unknown divisions fail", func() {
		_, err := s.svc.FanOut(s.ctx, "coord-x", id, FanOutDTO{State: "X", Divisions: []string{"Ghost"}})
		s.requireKind(err, ErrStateConflict, "no_division_heads")
	})

	s.Run("coordinator of another state is denied", func() {
		_, err := s.svc.FanOut(s.ctx, "coord-y", id, FanOutDTO{State: "X"})
		we := s.requireKind(err, ErrAuthorization, "")
		s.Equal(model.RoleStateCoordinator, we.RequiredRole)
	})

	s.Run("auto discovery covers every headed division", func() {
		res, err := s.svc.FanOut(s.ctx, "coord-x", id, FanOutDTO{State: "X"})
		s.Require().NoError(err)
		var names []string
		for _, a := range res.Created {
			names = append(names, a.Division)
			s.Equal("X", a.State)
			s.NotNil(a.DivisionYPID)
		}
		s.Equal([]string{"Energy", "Wind"}, names)
	})

	s.Run("late division joins and resets completeness", func() {
		s.Require().NoError(s.dir.Upsert(s.ctx,
			grant("hod-solar", model.RoleDivisionHead, "X", "Solar"),
		))
		res, err := s.svc.FanOut(s.ctx, "coord-x", id, FanOutDTO{State: "X", Divisions: []string{"Energy", "Solar"}})
		s.Require().NoError(err)
		s.Require().Len(res.Created, 1)
		s.Equal("Solar", res.Created[0].Division)
		s.Nil(res.Created[0].DivisionYPID)
		s.Len(res.Request.DivisionAssignments, 3)
		s.False(res.Request.AllDivisionsApproved())
	})
}

func (s *WorkflowSuite) TestFanOutBeforeStateLevelIsRefused() {
	view := s.create([]string{"X"})
	_, err := s.svc.FanOut(s.ctx, "coord-x", view.ID, FanOutDTO{State: "X"})
	s.requireKind(err, ErrStateConflict, "not_at_state_level")
}

func (s *WorkflowSuite) TestAdvisorFanOutWithoutHeadsFallsBackToCoordinator() {
	view := s.create([]string{"X"}, "Ghost")
	s.approve("exec-1", view.ID, ApproveDTO{})
	res := s.approve("adv-x", view.ID, ApproveDTO{})
	s.Equal(model.RoleStateCoordinator, res.Request.CurrentTier)
	s.Empty(res.Request.DivisionAssignments)
}

func (s *WorkflowSuite) TestTwoPassTieBreak() {
	id := s.toDivisions()

	actions, err := s.svc.AvailableActions(s.ctx, "hod-energy", id)
	s.Require().NoError(err)
	s.Equal([]Action{{Name: ActionForward, Division: "Energy"}}, actions)

	_, err = s.svc.DeclineAndImprove(s.ctx, "hod-energy", id, DeclineDTO{})
	s.requireKind(err, ErrStateConflict, "decline_first_pass")

	s.approve("hod-energy", id, ApproveDTO{})

	actions, err = s.svc.AvailableActions(s.ctx, "yp-energy", id)
	s.Require().NoError(err)
	s.Equal([]Action{{Name: ActionSubmitForm, Division: "Energy"}}, actions)

	actions, err = s.svc.AvailableActions(s.ctx, "hod-energy", id)
	s.Require().NoError(err)
	s.Empty(actions, "nothing to do while the analyst works")

	s.submit("yp-energy", id, "Energy", map[string]any{"mw": 3}, false)

	actions, err = s.svc.AvailableActions(s.ctx, "hod-energy", id)
	s.Require().NoError(err)
	s.Equal([]Action{
		{Name: ActionApproveForm, Division: "Energy"},
		{Name: ActionDeclineForm, Division: "Energy"},
	}, actions)
}

func (s *WorkflowSuite) TestDraftKeepsDivisionOpen() {
	id := s.toDivisions()
	s.approve("hod-energy", id, ApproveDTO{})

	draft := s.submit("yp-energy", id, "Energy", map[string]any{"mw": 1}, true)
	s.Equal(model.SubmissionDraft, draft.Status)
	s.Equal(model.DivisionHODApproved, s.load(id).Assignment("Energy").Status)

	final := s.submit("yp-energy", id, "Energy", map[string]any{"mw": 2}, false)
	s.Equal(draft.ID, final.ID)
	s.Equal(model.SubmissionSubmitted, final.Status)
	s.EqualValues(2, final.Data["mw"])
}

func (s *WorkflowSuite) TestSubmitAuthorization() {
	id := s.toDivisions()

	_, err := s.svc.SubmitChildForm(s.ctx, "yp-energy", SubmitFormDTO{RequestID: id, Division: "Energy", Data: map[string]any{}})
	s.requireKind(err, ErrStateConflict, "division_not_open")

	s.approve("hod-energy", id, ApproveDTO{})
	_, err = s.svc.SubmitChildForm(s.ctx, "yp-wind", SubmitFormDTO{RequestID: id, Division: "Energy", Data: map[string]any{}})
	we := s.requireKind(err, ErrAuthorization, "")
	s.Equal(model.RoleDivisionAnalyst, we.RequiredRole)

	_, err = s.svc.SubmitChildForm(s.ctx, "yp-energy", SubmitFormDTO{RequestID: id, Division: "Mines", Data: map[string]any{}})
	s.requireKind(err, ErrNotFound, "division_assignment_not_found")
}

func (s *WorkflowSuite) TestHeadDeclineReopensSameRecord() {
	id := s.toDivisions()
	s.approve("hod-energy", id, ApproveDTO{})
	first := s.submit("yp-energy", id, "Energy", map[string]any{"mw": 1}, false)

	res, err := s.svc.DeclineAndImprove(s.ctx, "hod-energy", id, DeclineDTO{Notes: "units are off"})
	s.Require().NoError(err)
	s.Equal("yp-energy", *res.NextAssigneeID)
	s.Equal(model.DivisionHODApproved, res.Request.Assignment("Energy").Status)
	s.Equal(model.RoleDivisionAnalyst, res.Request.CurrentTier)

	reopened, err := s.store.Submissions.FindByID(s.ctx, first.ID)
	s.Require().NoError(err)
	s.Equal(model.SubmissionDraft, reopened.Status)
	s.Equal(2, reopened.Revision)
	s.Equal(model.ActionFormDeclined, reopened.Audit[len(reopened.Audit)-1].Action)

	again := s.submit("yp-energy", id, "Energy", map[string]any{"mw": 1.5}, false)
	s.Equal(first.ID, again.ID)
	s.Equal(2, again.Revision)
}

func (s *WorkflowSuite) TestReviewChildForm() {
	id := s.toDivisions()
	s.approve("hod-energy", id, ApproveDTO{})
	sub := s.submit("yp-energy", id, "Energy", map[string]any{"mw": 1}, false)

	_, err := s.svc.ReviewChildForm(s.ctx, "hod-wind", sub.ID, ReviewFormDTO{Action: "approve"})
	we := s.requireKind(err, ErrAuthorization, "")
	s.Equal(model.RoleDivisionHead, we.RequiredRole)

	res, err := s.svc.ReviewChildForm(s.ctx, "hod-energy", sub.ID, ReviewFormDTO{Action: "approve"})
	s.Require().NoError(err)
	s.Equal(model.DivisionHODApprovedForm, res.Request.Assignment("Energy").Status)

	stored, err := s.store.Submissions.FindByID(s.ctx, sub.ID)
	s.Require().NoError(err)
	s.Equal(model.SubmissionApproved, stored.Status)

	_, err = s.svc.ReviewChildForm(s.ctx, "hod-energy", sub.ID, ReviewFormDTO{Action: "reject"})
	s.requireKind(err, ErrStateConflict, "decline_first_pass")
}

func (s *WorkflowSuite) TestDeclineOnlyOnSecondPass() {
	view := s.create([]string{"X"})
	s.approve("exec-1", view.ID, ApproveDTO{})

	_, err := s.svc.DeclineAndImprove(s.ctx, "adv-x", view.ID, DeclineDTO{})
	s.requireKind(err, ErrStateConflict, "decline_first_pass")
}

func (s *WorkflowSuite) consolidated() string {
	id := s.toDivisions()
	s.completeDivision(id, "hod-energy", "yp-energy", "Energy", map[string]any{"mw": 10})
	s.completeDivision(id, "hod-wind", "yp-wind", "Wind", map[string]any{"mw": 5})
	return id
}

func (s *WorkflowSuite) TestCoordinatorSendsOneDivisionBack() {
	id := s.consolidated()

	_, err := s.svc.DeclineAndImprove(s.ctx, "coord-x", id, DeclineDTO{})
	s.requireKind(err, ErrValidation, "division_required")

	res, err := s.svc.DeclineAndImprove(s.ctx, "coord-x", id, DeclineDTO{Division: "Wind", Notes: "recheck"})
	s.Require().NoError(err)
	s.Equal("hod-wind", *res.NextAssigneeID)
	s.Equal(model.DivisionYPSubmitted, res.Request.Assignment("Wind").Status)
	s.Equal(model.DivisionHODApprovedForm, res.Request.Assignment("Energy").Status)

	_, err = s.svc.Approve(s.ctx, "coord-x", id, ApproveDTO{})
	s.requireKind(err, ErrAuthorization, "")

	res = s.approve("hod-wind", id, ApproveDTO{})
	s.Equal("coord-x", *res.NextAssigneeID)
}

func (s *WorkflowSuite) TestRoutingCoordinatorConsolidatesEveryState() {
	s.Require().NoError(s.dir.Upsert(s.ctx,
		grant("hod-solar", model.RoleDivisionHead, "Y", "Solar"),
		grant("yp-solar", model.RoleDivisionAnalyst, "Y", "Solar"),
	))
	id := s.toCoordinator("X", "Y")
	_, err := s.svc.FanOut(s.ctx, "coord-x", id, FanOutDTO{State: "X", Divisions: []string{"Energy"}})
	s.Require().NoError(err)
	_, err = s.svc.FanOut(s.ctx, "coord-y", id, FanOutDTO{State: "Y"})
	s.Require().NoError(err)

	s.completeDivision(id, "hod-energy", "yp-energy", "Energy", map[string]any{"mw": 10})
	s.approve("hod-solar", id, ApproveDTO{Division: "Solar"})
	_, err = s.svc.SubmitChildForm(s.ctx, "yp-solar", SubmitFormDTO{RequestID: id, Division: "Solar", State: "Y", Data: map[string]any{"mw": 4}})
	s.Require().NoError(err)
	s.approve("hod-solar", id, ApproveDTO{Division: "Solar"})

	s.Equal("coord-x", *s.load(id).CurrentAssigneeID)
	_, err = s.svc.Approve(s.ctx, "coord-y", id, ApproveDTO{})
	s.requireKind(err, ErrAuthorization, "")

	s.approve("coord-x", id, ApproveDTO{MergeStrategy: map[string]string{"mw": "sum"}})

	for state, want := range map[string]float64{"X": 10, "Y": 4} {
		record, err := s.store.Submissions.FindStateRecord(s.ctx, id, state)
		s.Require().NoError(err, state)
		s.EqualValues(want, record.Data["mw"], state)
		s.Len(record.MergedFrom, 1, state)
		s.Equal("coord-x", record.SubmittedBy, state)
	}
}

func (s *WorkflowSuite) TestAdvisorDeclineThenRemerge() {
	id := s.consolidated()
	strategy := map[string]string{"mw": "sum"}
	s.approve("coord-x", id, ApproveDTO{MergeStrategy: strategy})

	res, err := s.svc.DeclineAndImprove(s.ctx, "adv-x", id, DeclineDTO{Notes: "totals look low"})
	s.Require().NoError(err)
	s.Equal(model.RoleStateCoordinator, res.Request.CurrentTier)
	s.Equal("coord-x", *res.NextAssigneeID)

	s.approve("coord-x", id, ApproveDTO{MergeStrategy: strategy})

	record, err := s.store.Submissions.FindStateRecord(s.ctx, id, "X")
	s.Require().NoError(err)
	s.Equal(15.0, record.Data["mw"])
	s.Equal(2, record.Revision)

	all, err := s.svc.ListSubmissions(s.ctx, id, "X", "")
	s.Require().NoError(err)
	s.Len(all, 3, "re-merging reuses the state record")
}

func (s *WorkflowSuite) TestRejectIsTerminal() {
	view := s.create([]string{"X"})

	s.Run("advisor may not reject", func() {
		s.approve("exec-1", view.ID, ApproveDTO{})
		_, err := s.svc.Reject(s.ctx, "adv-x", view.ID, NotesDTO{})
		s.requireKind(err, ErrAuthorization, "")
	})

	other := s.create([]string{"X"})
	res, err := s.svc.Reject(s.ctx, "exec-1", other.ID, NotesDTO{Notes: "duplicate"})
	s.Require().NoError(err)
	s.Equal(model.StatusRejected, res.Request.Status)

	_, err = s.svc.Approve(s.ctx, "exec-1", other.ID, ApproveDTO{})
	s.requireKind(err, ErrStateConflict, "request_terminal")

	_, err = s.svc.Close(s.ctx, "nat-1", other.ID, NotesDTO{})
	s.requireKind(err, ErrStateConflict, "request_not_approved")
}

func (s *WorkflowSuite) TestDeleteCascades() {
	id := s.toDivisions()
	s.approve("hod-energy", id, ApproveDTO{})
	s.submit("yp-energy", id, "Energy", map[string]any{"mw": 1}, false)

	_, err := s.svc.DeleteRequest(s.ctx, "hod-energy", id)
	s.requireKind(err, ErrAuthorization, "")

	res, err := s.svc.DeleteRequest(s.ctx, "nat-1", id)
	s.Require().NoError(err)
	s.EqualValues(1, res.DeletedSubmissions)

	_, err = s.svc.GetRequest(s.ctx, id)
	s.requireKind(err, ErrNotFound, "")

	_, err = s.svc.DeleteRequest(s.ctx, "nat-1", id)
	s.requireKind(err, ErrNotFound, "")
}

func (s *WorkflowSuite) TestExecutiveMayDelete() {
	id := s.toDivisions()

	_, err := s.svc.DeleteRequest(s.ctx, "adv-x", id)
	we := s.requireKind(err, ErrAuthorization, "")
	s.Equal(model.RoleExecutive, we.RequiredRole)

	res, err := s.svc.DeleteRequest(s.ctx, "exec-1", id)
	s.Require().NoError(err)
	s.Equal(id, res.RequestID)
	_, err = s.svc.GetRequest(s.ctx, id)
	s.requireKind(err, ErrNotFound, "")
}

// contendedRequests loses the compare-and-swap of as many updates as it is
// armed for, as if another writer committed between read and write.
type contendedRequests struct {
	repository.RequestRepository
	mu     sync.Mutex
	losses int
}

func (r *contendedRequests) arm(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.losses = n
}

func (r *contendedRequests) Update(ctx context.Context, id string, fn repository.MutateFunc) (*model.Request, error) {
	return r.RequestRepository.Update(ctx, id, func(ctx context.Context, req *model.Request) error {
		if err := fn(ctx, req); err != nil {
			return err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.losses > 0 {
			r.losses--
			return repository.ErrConflict
		}
		return nil
	})
}

func (s *WorkflowSuite) TestLostWriteIsRetriedCleanly() {
	contended := &contendedRequests{RequestRepository: s.store.Requests}
	s.store.Requests = contended
	s.svc = s.newService(s.store)

	id := s.toDivisions()
	s.approve("hod-energy", id, ApproveDTO{Division: "Energy"})

	contended.arm(1)
	sub := s.submit("yp-energy", id, "Energy", map[string]any{"mw": 10}, false)
	s.Equal(model.SubmissionSubmitted, sub.Status)
	s.Equal(model.DivisionYPSubmitted, s.load(id).Assignment("Energy").Status)

	subs, err := s.svc.ListSubmissions(s.ctx, id, "X", "")
	s.Require().NoError(err)
	s.Require().Len(subs, 1)
	s.Equal(sub.ID, subs[0].ID)
	s.EqualValues(1, subs[0].Version)

	contended.arm(1)
	res := s.approve("hod-energy", id, ApproveDTO{Division: "Energy"})
	s.Equal(model.DivisionHODApprovedForm, res.Request.Assignment("Energy").Status)

	stored, err := s.store.Submissions.FindByID(s.ctx, sub.ID)
	s.Require().NoError(err)
	s.Equal(model.SubmissionApproved, stored.Status)
}

func (s *WorkflowSuite) TestDryRunResultsAreMarked() {
	s.store = repository.NewDryRunStore()
	s.svc = s.newService(s.store)

	view := s.create([]string{"X"})
	s.True(view.DryRun)
	s.True(strings.HasPrefix(view.ID, repository.DryRunIDPrefix))

	res := s.approve("exec-1", view.ID, ApproveDTO{})
	s.True(res.DryRun)

	events := s.events.Events()
	s.Require().NotEmpty(events)
	s.True(events[len(events)-1].DryRun)
}

func (s *WorkflowSuite) TestConcurrentApprovalsSerialize() {
	view := s.create([]string{"X"})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.svc.Approve(s.ctx, "exec-1", view.ID, ApproveDTO{})
		}(i)
	}
	wg.Wait()

	var ok, denied int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAuthorization):
			denied++
		}
	}
	s.Equal(1, ok)
	s.Equal(1, denied, "the loser is judged against the winner's state")
	s.Len(s.load(view.ID).History, 2)
}

func (s *WorkflowSuite) TestEventsFollowCommits() {
	view := s.create([]string{"X"})
	s.events.Reset()

	s.approve("exec-1", view.ID, ApproveDTO{})
	_, err := s.svc.Approve(s.ctx, "exec-1", view.ID, ApproveDTO{})
	s.Require().Error(err)

	events := s.events.Events()
	s.Require().Len(events, 1, "failed transitions publish nothing")
	s.Equal(notify.EventAssigned, events[0].Type)
	s.Equal([]string{"adv-x"}, events[0].Recipients)
}

func (s *WorkflowSuite) TestPreviewMerge() {
	id := s.toDivisions()
	s.approve("hod-energy", id, ApproveDTO{})
	a := s.submit("yp-energy", id, "Energy", map[string]any{"mw": 4}, false)
	s.approve("hod-wind", id, ApproveDTO{})
	b := s.submit("yp-wind", id, "Wind", map[string]any{"mw": 6}, false)

	out, err := s.svc.PreviewMerge(s.ctx, []string{a.ID, b.ID}, map[string]string{"mw": "avg"})
	s.Require().NoError(err)
	s.Equal(5.0, out["mw"])

	_, err = s.svc.PreviewMerge(s.ctx, []string{a.ID}, map[string]string{"mw": "median"})
	s.requireKind(err, ErrValidation, "invalid_strategy")
}

func (s *WorkflowSuite) TestDivisions() {
	divisions, err := s.svc.Divisions(s.ctx, "X")
	s.Require().NoError(err)
	s.Equal([]string{"Energy", "Wind"}, divisions)

	_, err = s.svc.Divisions(s.ctx, "")
	s.requireKind(err, ErrValidation, "")
}
