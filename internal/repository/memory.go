package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"hierarchyflow/internal/model"
	"hierarchyflow/pkg/pagination"

	"github.com/google/uuid"
)

// DryRunIDPrefix marks identifiers minted by the dry-run store.
const DryRunIDPrefix = "dryrun-"

type idFunc func() string

func newUUID() string { return uuid.NewString() }

func dryRunID() string { return DryRunIDPrefix + uuid.NewString() }

// memTx journals how to undo each write made through its context.
type memTx struct {
	undo []func()
}

type memTxKey struct{}

func journal(ctx context.Context, step func()) {
	if tx, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		tx.undo = append(tx.undo, step)
	}
}

// journaledAtomic serializes units of work on the in-memory stores and replays
// the journal backwards when fn fails. Nested calls join the outer unit.
func journaledAtomic() func(ctx context.Context, fn func(ctx context.Context) error) error {
	var mu sync.Mutex
	return func(ctx context.Context, fn func(ctx context.Context) error) error {
		if _, ok := ctx.Value(memTxKey{}).(*memTx); ok {
			return fn(ctx)
		}
		mu.Lock()
		defer mu.Unlock()

		tx := &memTx{}
		if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
			for i := len(tx.undo) - 1; i >= 0; i-- {
				tx.undo[i]()
			}
			return err
		}
		return nil
	}
}

// InMemoryRequests keeps requests in a map. Update holds the store lock for the
// whole read-modify-write, which serializes transitions on every request.
type InMemoryRequests struct {
	mu    sync.Mutex
	items map[string]*model.Request
	newID idFunc
	now   func() time.Time
}

func NewInMemoryRequests() *InMemoryRequests {
	return &InMemoryRequests{items: map[string]*model.Request{}, newID: newUUID, now: time.Now}
}

func (s *InMemoryRequests) Create(_ context.Context, req *model.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.ID == "" {
		req.ID = s.newID()
	}
	now := s.now()
	req.Version = 1
	req.CreatedAt = now
	req.UpdatedAt = now
	s.items[req.ID] = req.Clone()
	return nil
}

func (s *InMemoryRequests) FindByID(_ context.Context, id string) (*model.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return req.Clone(), nil
}

func (s *InMemoryRequests) List(_ context.Context, filter RequestFilter) ([]model.Request, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]model.Request, 0, len(s.items))
	for _, req := range s.items {
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		if filter.State != "" && !req.Targets.HasState(filter.State) {
			continue
		}
		if filter.AssigneeID != "" && (req.CurrentAssigneeID == nil || *req.CurrentAssigneeID != filter.AssigneeID) {
			continue
		}
		matched = append(matched, *req.Clone())
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Deadline.Equal(matched[j].Deadline) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].Deadline.Before(matched[j].Deadline)
	})

	total := int64(len(matched))
	start, end := pagination.New(filter.Page, filter.Limit).Bounds(len(matched))
	return matched[start:end], total, nil
}

func (s *InMemoryRequests) Update(ctx context.Context, id string, fn MutateFunc) (*model.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	working := stored.Clone()
	if err := fn(ctx, working); err != nil {
		return nil, err
	}
	working.ID = id
	working.Version = stored.Version + 1
	working.UpdatedAt = s.now()
	s.items[id] = working
	journal(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.items[id] = stored
	})
	return working.Clone(), nil
}

func (s *InMemoryRequests) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	journal(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.items[id] = stored
	})
	return nil
}

func (s *InMemoryRequests) Count(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.items)), nil
}

func (s *InMemoryRequests) CountOverdue(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, req := range s.items {
		if req.IsOverdue(now) {
			n++
		}
	}
	return n, nil
}

// InMemorySubmissions keeps child submissions in insertion order.
type InMemorySubmissions struct {
	mu    sync.Mutex
	items map[string]*model.ChildSubmission
	order []string
	newID idFunc
	now   func() time.Time
}

func NewInMemorySubmissions() *InMemorySubmissions {
	return &InMemorySubmissions{items: map[string]*model.ChildSubmission{}, newID: newUUID, now: time.Now}
}

func (s *InMemorySubmissions) Create(ctx context.Context, sub *model.ChildSubmission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == "" {
		sub.ID = s.newID()
	}
	if sub.Version == 0 {
		sub.Version = 1
	}
	now := s.now()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	id := sub.ID
	s.items[id] = sub.Clone()
	s.order = append(s.order, id)
	journal(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.items, id)
		for i := len(s.order) - 1; i >= 0; i-- {
			if s.order[i] == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	})
	return nil
}

func (s *InMemorySubmissions) FindByID(_ context.Context, id string) (*model.ChildSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sub.Clone(), nil
}

func (s *InMemorySubmissions) FindOpen(_ context.Context, requestID, state, division string) (*model.ChildSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		sub, ok := s.items[s.order[i]]
		if !ok {
			continue
		}
		if sub.RequestID == requestID && sub.State == state && sub.Branch != nil &&
			*sub.Branch == division && sub.Status != model.SubmissionMerged {
			return sub.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *InMemorySubmissions) FindStateRecord(_ context.Context, requestID, state string) (*model.ChildSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		sub, ok := s.items[id]
		if ok && sub.RequestID == requestID && sub.State == state && sub.Branch == nil {
			return sub.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *InMemorySubmissions) List(_ context.Context, filter SubmissionFilter) ([]model.ChildSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.ChildSubmission{}
	for _, id := range s.order {
		sub, ok := s.items[id]
		if !ok {
			continue
		}
		if filter.RequestID != "" && sub.RequestID != filter.RequestID {
			continue
		}
		if filter.State != "" && sub.State != filter.State {
			continue
		}
		if filter.Status != "" && sub.Status != filter.Status {
			continue
		}
		out = append(out, *sub.Clone())
	}
	return out, nil
}

func (s *InMemorySubmissions) Save(ctx context.Context, sub *model.ChildSubmission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.items[sub.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != sub.Version {
		return ErrConflict
	}
	sub.Version++
	sub.UpdatedAt = s.now()
	s.items[sub.ID] = sub.Clone()
	journal(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.items[stored.ID] = stored
	})
	return nil
}

func (s *InMemorySubmissions) DeleteByRequest(ctx context.Context, requestID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := append([]string(nil), s.order...)
	removed := map[string]*model.ChildSubmission{}
	kept := make([]string, 0, len(s.order))
	for _, id := range s.order {
		sub, ok := s.items[id]
		if ok && sub.RequestID == requestID {
			delete(s.items, id)
			removed[id] = sub
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	journal(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, sub := range removed {
			s.items[id] = sub
		}
		s.order = order
	})
	return int64(len(removed)), nil
}

func (s *InMemorySubmissions) CountByTemplate(_ context.Context, templateID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, sub := range s.items {
		if sub.TemplateID != nil && *sub.TemplateID == templateID {
			n++
		}
	}
	return n, nil
}

func (s *InMemorySubmissions) Count(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.items)), nil
}

// InMemoryTemplates keeps templates in a map.
type InMemoryTemplates struct {
	mu    sync.Mutex
	items map[string]*model.Template
	newID idFunc
	now   func() time.Time
}

func NewInMemoryTemplates() *InMemoryTemplates {
	return &InMemoryTemplates{items: map[string]*model.Template{}, newID: newUUID, now: time.Now}
}

func (s *InMemoryTemplates) Create(ctx context.Context, tpl *model.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tpl.ID == "" {
		tpl.ID = s.newID()
	}
	now := s.now()
	tpl.Version = 1
	tpl.CreatedAt = now
	tpl.UpdatedAt = now
	id := tpl.ID
	s.items[id] = tpl.Clone()
	journal(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.items, id)
	})
	return nil
}

func (s *InMemoryTemplates) FindByID(_ context.Context, id string) (*model.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tpl, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return tpl.Clone(), nil
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func templateMatches(filter TemplateFilter, tpl *model.Template) bool {
	if filter.Status != "" && tpl.Status != filter.Status {
		return false
	}
	switch {
	case filter.SharedOnly:
		if !tpl.IsShared {
			return false
		}
	case filter.State != "" && filter.Division != "":
		own := tpl.State == filter.State && tpl.Division == filter.Division
		if !own && !tpl.IsShared {
			return false
		}
	default:
		if filter.State != "" && tpl.State != filter.State {
			return false
		}
		if filter.Division != "" && tpl.Division != filter.Division {
			return false
		}
	}
	if filter.Search != "" {
		hit := containsFold(tpl.Name, filter.Search)
		for _, tag := range tpl.Tags {
			hit = hit || containsFold(tag, filter.Search)
		}
		if !hit {
			return false
		}
	}
	if filter.UsedBy != "" {
		if _, ok := tpl.LastUsedBy(filter.UsedBy); !ok {
			return false
		}
	}
	return true
}

func (s *InMemoryTemplates) List(_ context.Context, filter TemplateFilter) ([]model.Template, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]model.Template, 0, len(s.items))
	for _, tpl := range s.items {
		if templateMatches(filter, tpl) {
			matched = append(matched, *tpl.Clone())
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	start, end := pagination.New(filter.Page, filter.Limit).Bounds(len(matched))
	return matched[start:end], total, nil
}

func (s *InMemoryTemplates) Save(ctx context.Context, tpl *model.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.items[tpl.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != tpl.Version {
		return ErrConflict
	}
	tpl.Version++
	tpl.UpdatedAt = s.now()
	s.items[tpl.ID] = tpl.Clone()
	journal(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.items[stored.ID] = stored
	})
	return nil
}

func (s *InMemoryTemplates) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	journal(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.items[id] = stored
	})
	return nil
}

// NewMemoryStore is a real, process-local store used by tests and local runs.
func NewMemoryStore() Store {
	return Store{
		Requests:    NewInMemoryRequests(),
		Submissions: NewInMemorySubmissions(),
		Templates:   NewInMemoryTemplates(),
		Atomic:      journaledAtomic(),
		Close:       func(context.Context) error { return nil },
	}
}

// NewDryRunStore keeps everything in memory and marks every identifier it mints
// with DryRunIDPrefix. Nothing it accepts is ever committed to a database.
func NewDryRunStore() Store {
	reqs := NewInMemoryRequests()
	reqs.newID = dryRunID
	subs := NewInMemorySubmissions()
	subs.newID = dryRunID
	tpls := NewInMemoryTemplates()
	tpls.newID = dryRunID
	return Store{
		Requests:    reqs,
		Submissions: subs,
		Templates:   tpls,
		DryRun:      true,
		Atomic:      journaledAtomic(),
		Close:       func(context.Context) error { return nil },
	}
}
