package repository

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"hierarchyflow/internal/model"
)

type MemoryStoreSuite struct {
	suite.Suite
	ctx   context.Context
	store Store
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreSuite))
}

func (s *MemoryStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = NewMemoryStore()
}

func (s *MemoryStoreSuite) newRequest(state string, deadline time.Time) *model.Request {
	return &model.Request{
		Title:    "Power demand",
		InfoNeed: "Peak MW per district",
		Timeline: deadline,
		Deadline: deadline,
		Status:   model.StatusOpen,
		Targets:  model.Targets{States: []string{state}},
		Phase:    model.PhaseAllocation,
	}
}

func (s *MemoryStoreSuite) TestCreateAndFind() {
	req := s.newRequest("Karnataka", time.Now().Add(96*time.Hour))
	s.Require().NoError(s.store.Requests.Create(s.ctx, req))
	s.NotEmpty(req.ID)
	s.EqualValues(1, req.Version)

	got, err := s.store.Requests.FindByID(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Equal("Power demand", got.Title)

	s.Run("returned copy is detached", func() {
		got.Targets.States[0] = "Goa"
		again, err := s.store.Requests.FindByID(s.ctx, req.ID)
		s.Require().NoError(err)
		s.Equal("Karnataka", again.Targets.States[0])
	})

	s.Run("missing id", func() {
		_, err := s.store.Requests.FindByID(s.ctx, "nope")
		s.ErrorIs(err, ErrNotFound)
	})
}

func (s *MemoryStoreSuite) TestUpdateBumpsVersion() {
	req := s.newRequest("Karnataka", time.Now().Add(96*time.Hour))
	s.Require().NoError(s.store.Requests.Create(s.ctx, req))

	out, err := s.store.Requests.Update(s.ctx, req.ID, func(_ context.Context, r *model.Request) error {
		r.Status = model.StatusInProgress
		return nil
	})
	s.Require().NoError(err)
	s.EqualValues(2, out.Version)
	s.Equal(model.StatusInProgress, out.Status)

	s.Run("failing mutation leaves the record untouched", func() {
		boom := errors.New("boom")
		_, err := s.store.Requests.Update(s.ctx, req.ID, func(_ context.Context, r *model.Request) error {
			r.Status = model.StatusClosed
			return boom
		})
		s.ErrorIs(err, boom)

		got, err := s.store.Requests.FindByID(s.ctx, req.ID)
		s.Require().NoError(err)
		s.Equal(model.StatusInProgress, got.Status)
		s.EqualValues(2, got.Version)
	})
}

func (s *MemoryStoreSuite) TestConcurrentUpdatesSerialize() {
	req := s.newRequest("Karnataka", time.Now().Add(96*time.Hour))
	s.Require().NoError(s.store.Requests.Create(s.ctx, req))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.store.Requests.Update(s.ctx, req.ID, func(_ context.Context, r *model.Request) error {
				r.Record(model.NewAuditEntry(model.ActionApproved, "u", "", time.Now()))
				return nil
			})
		}()
	}
	wg.Wait()

	got, err := s.store.Requests.FindByID(s.ctx, req.ID)
	s.Require().NoError(err)
	s.Len(got.History, 20)
	s.EqualValues(21, got.Version)
}

func (s *MemoryStoreSuite) TestListFiltersAndPages() {
	base := time.Now().Add(96 * time.Hour)
	for i, state := range []string{"Karnataka", "Goa", "Karnataka"} {
		s.Require().NoError(s.store.Requests.Create(s.ctx, s.newRequest(state, base.Add(time.Duration(3-i)*time.Hour))))
	}

	items, total, err := s.store.Requests.List(s.ctx, RequestFilter{State: "Karnataka"})
	s.Require().NoError(err)
	s.EqualValues(2, total)
	s.Require().Len(items, 2)
	s.True(items[0].Deadline.Before(items[1].Deadline))

	items, total, err = s.store.Requests.List(s.ctx, RequestFilter{Page: 2, Limit: 2})
	s.Require().NoError(err)
	s.EqualValues(3, total)
	s.Len(items, 1)
}

func (s *MemoryStoreSuite) TestCountOverdue() {
	past := s.newRequest("Goa", time.Now().Add(-time.Hour))
	closed := s.newRequest("Goa", time.Now().Add(-time.Hour))
	closed.Status = model.StatusClosed
	future := s.newRequest("Goa", time.Now().Add(time.Hour))
	for _, r := range []*model.Request{past, closed, future} {
		s.Require().NoError(s.store.Requests.Create(s.ctx, r))
	}

	n, err := s.store.Requests.CountOverdue(s.ctx, time.Now())
	s.Require().NoError(err)
	s.EqualValues(1, n)
}

func (s *MemoryStoreSuite) TestSubmissions() {
	branch := "Energy"
	sub := &model.ChildSubmission{
		RequestID: "req-1",
		Branch:    &branch,
		State:     "Karnataka",
		Data:      map[string]any{"mw": 10},
		Status:    model.SubmissionDraft,
	}
	s.Require().NoError(s.store.Submissions.Create(s.ctx, sub))

	s.Run("find open by division", func() {
		got, err := s.store.Submissions.FindOpen(s.ctx, "req-1", "Karnataka", "Energy")
		s.Require().NoError(err)
		s.Equal(sub.ID, got.ID)
	})

	s.Run("stale save conflicts", func() {
		fresh, err := s.store.Submissions.FindByID(s.ctx, sub.ID)
		s.Require().NoError(err)
		stale := fresh.Clone()

		fresh.Status = model.SubmissionSubmitted
		s.Require().NoError(s.store.Submissions.Save(s.ctx, fresh))
		s.EqualValues(2, fresh.Version)

		stale.Status = model.SubmissionRejected
		s.ErrorIs(s.store.Submissions.Save(s.ctx, stale), ErrConflict)
	})

	s.Run("state record has no branch", func() {
		_, err := s.store.Submissions.FindStateRecord(s.ctx, "req-1", "Karnataka")
		s.ErrorIs(err, ErrNotFound)

		state := &model.ChildSubmission{RequestID: "req-1", State: "Karnataka", Status: model.SubmissionSubmitted}
		s.Require().NoError(s.store.Submissions.Create(s.ctx, state))
		got, err := s.store.Submissions.FindStateRecord(s.ctx, "req-1", "Karnataka")
		s.Require().NoError(err)
		s.Equal(state.ID, got.ID)
	})

	s.Run("delete by request cascades", func() {
		n, err := s.store.Submissions.DeleteByRequest(s.ctx, "req-1")
		s.Require().NoError(err)
		s.EqualValues(2, n)
		count, err := s.store.Submissions.Count(s.ctx)
		s.Require().NoError(err)
		s.Zero(count)
	})
}

func (s *MemoryStoreSuite) TestDryRunStoreMarksIdentifiers() {
	store := NewDryRunStore()
	s.True(store.DryRun)

	req := s.newRequest("Goa", time.Now().Add(96*time.Hour))
	s.Require().NoError(store.Requests.Create(s.ctx, req))
	s.True(strings.HasPrefix(req.ID, DryRunIDPrefix))

	sub := &model.ChildSubmission{RequestID: req.ID, State: "Goa"}
	s.Require().NoError(store.Submissions.Create(s.ctx, sub))
	s.True(strings.HasPrefix(sub.ID, DryRunIDPrefix))
}

// racingRequests loses the compare-and-swap of the next `losses` updates, as if
// another writer committed between the read and the conditional write.
type racingRequests struct {
	RequestRepository
	losses int
	calls  int
}

func (r *racingRequests) Update(ctx context.Context, id string, fn MutateFunc) (*model.Request, error) {
	r.calls++
	return r.RequestRepository.Update(ctx, id, func(ctx context.Context, req *model.Request) error {
		if err := fn(ctx, req); err != nil {
			return err
		}
		if r.losses > 0 {
			r.losses--
			return ErrConflict
		}
		return nil
	})
}

func (s *MemoryStoreSuite) TestStoreUpdateRollsBackLostAttempts() {
	req := s.newRequest("Karnataka", time.Now().Add(96*time.Hour))
	s.Require().NoError(s.store.Requests.Create(s.ctx, req))
	racing := &racingRequests{RequestRepository: s.store.Requests, losses: 2}
	s.store.Requests = racing

	branch := "Energy"
	runs := 0
	out, err := s.store.Update(s.ctx, req.ID, func(ctx context.Context, r *model.Request) error {
		runs++
		if _, err := s.store.Submissions.FindOpen(ctx, r.ID, "Karnataka", branch); err == nil {
			return errors.New("saw a submission from a lost attempt")
		}
		r.Status = model.StatusInProgress
		return s.store.Submissions.Create(ctx, &model.ChildSubmission{
			RequestID: r.ID, Branch: &branch, State: "Karnataka", Status: model.SubmissionSubmitted,
		})
	})
	s.Require().NoError(err)
	s.Equal(3, runs)
	s.Equal(3, racing.calls)
	s.Equal(model.StatusInProgress, out.Status)
	s.EqualValues(2, out.Version)

	subs, err := s.store.Submissions.List(s.ctx, SubmissionFilter{RequestID: req.ID})
	s.Require().NoError(err)
	s.Len(subs, 1)
}

func (s *MemoryStoreSuite) TestStoreUpdateGivesUpAfterMaxAttempts() {
	req := s.newRequest("Karnataka", time.Now().Add(96*time.Hour))
	s.Require().NoError(s.store.Requests.Create(s.ctx, req))
	s.store.Requests = &racingRequests{RequestRepository: s.store.Requests, losses: MaxUpdateAttempts}

	_, err := s.store.Update(s.ctx, req.ID, func(ctx context.Context, r *model.Request) error {
		return s.store.Submissions.Create(ctx, &model.ChildSubmission{RequestID: r.ID, State: "Karnataka"})
	})
	s.ErrorIs(err, ErrConflict)

	n, err := s.store.Submissions.Count(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)
	got, err := s.store.Requests.FindByID(s.ctx, req.ID)
	s.Require().NoError(err)
	s.EqualValues(1, got.Version)
}

func (s *MemoryStoreSuite) TestAtomicUndoesEveryWrite() {
	req := s.newRequest("Karnataka", time.Now().Add(96*time.Hour))
	s.Require().NoError(s.store.Requests.Create(s.ctx, req))
	branch := "Energy"
	kept := &model.ChildSubmission{RequestID: req.ID, Branch: &branch, State: "Karnataka", Status: model.SubmissionDraft}
	s.Require().NoError(s.store.Submissions.Create(s.ctx, kept))

	boom := errors.New("boom")
	err := s.store.Atomic(s.ctx, func(ctx context.Context) error {
		edited := kept.Clone()
		edited.Status = model.SubmissionSubmitted
		if err := s.store.Submissions.Save(ctx, edited); err != nil {
			return err
		}
		if _, err := s.store.Submissions.DeleteByRequest(ctx, req.ID); err != nil {
			return err
		}
		if err := s.store.Requests.Delete(ctx, req.ID); err != nil {
			return err
		}
		return boom
	})
	s.ErrorIs(err, boom)

	got, err := s.store.Submissions.FindOpen(s.ctx, req.ID, "Karnataka", branch)
	s.Require().NoError(err)
	s.Equal(model.SubmissionDraft, got.Status)
	s.EqualValues(1, got.Version)
	_, err = s.store.Requests.FindByID(s.ctx, req.ID)
	s.NoError(err)
}

func (s *MemoryStoreSuite) TestTemplates() {
	tpls := NewInMemoryTemplates()
	clock := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	tpls.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	store := s.store
	store.Templates = tpls

	own := &model.Template{Name: "Solar capacity", State: "Karnataka", Division: "Energy", Status: model.TemplatePublished, Tags: []string{"quarterly"}}
	shared := &model.Template{Name: "Shared outline", State: "Kerala", Division: "Water", Status: model.TemplatePublished, IsShared: true}
	other := &model.Template{Name: "Wind sites", State: "Karnataka", Division: "Wind", Status: model.TemplatePublished}
	for _, tpl := range []*model.Template{own, shared, other} {
		s.Require().NoError(tpls.Create(s.ctx, tpl))
	}

	list, total, err := tpls.List(s.ctx, TemplateFilter{State: "Karnataka", Division: "Energy"})
	s.Require().NoError(err)
	s.EqualValues(2, total)
	s.Equal([]string{shared.ID, own.ID}, []string{list[0].ID, list[1].ID}, "newest first")

	list, _, err = tpls.List(s.ctx, TemplateFilter{Search: "QUARTER"})
	s.Require().NoError(err)
	s.Len(list, 1)
	s.Equal(own.ID, list[0].ID)

	stale := own.Clone()
	own.RecordUsage("analyst-1", clock)
	s.Require().NoError(tpls.Save(s.ctx, own))
	s.EqualValues(2, own.Version)
	s.ErrorIs(tpls.Save(s.ctx, stale), ErrConflict)

	list, _, err = tpls.List(s.ctx, TemplateFilter{UsedBy: "analyst-1"})
	s.Require().NoError(err)
	s.Len(list, 1)

	branch := "Energy"
	templateID := own.ID
	sub := &model.ChildSubmission{RequestID: "req-1", Branch: &branch, State: "Karnataka", TemplateID: &templateID}
	s.Require().NoError(store.Submissions.Create(s.ctx, sub))
	n, err := store.Submissions.CountByTemplate(s.ctx, own.ID)
	s.Require().NoError(err)
	s.EqualValues(1, n)

	boom := errors.New("boom")
	err = store.Atomic(s.ctx, func(ctx context.Context) error {
		if err := tpls.Delete(ctx, other.ID); err != nil {
			return err
		}
		return boom
	})
	s.ErrorIs(err, boom)
	_, err = tpls.FindByID(s.ctx, other.ID)
	s.NoError(err, "rolled back delete restores the template")

	s.ErrorIs(tpls.Delete(s.ctx, "missing"), ErrNotFound)
}
