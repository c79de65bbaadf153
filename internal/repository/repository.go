package repository

import (
	"context"
	"errors"
	"time"

	"hierarchyflow/internal/model"
)

// MaxUpdateAttempts bounds compare-and-swap retries in Store.Update.
const MaxUpdateAttempts = 5

// MutateFunc receives the freshly loaded request and edits it in place. The ctx it
// receives carries the store's transaction, if any; submission writes made with it
// commit or roll back together with the request.
type MutateFunc func(ctx context.Context, req *model.Request) error

type RequestFilter struct {
	Status     string
	State      string
	AssigneeID string
	Page       int
	Limit      int
}

type SubmissionFilter struct {
	RequestID string
	State     string
	Status    string
}

type RequestRepository interface {
	Create(ctx context.Context, req *model.Request) error
	FindByID(ctx context.Context, id string) (*model.Request, error)
	List(ctx context.Context, filter RequestFilter) ([]model.Request, int64, error)
	// Update is the single serialization point for a request: read, mutate and a
	// version-conditional write. A lost write returns ErrConflict; Store.Update
	// retries the whole unit of work.
	Update(ctx context.Context, id string, fn MutateFunc) (*model.Request, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int64, error)
	CountOverdue(ctx context.Context, now time.Time) (int64, error)
}

type SubmissionRepository interface {
	Create(ctx context.Context, sub *model.ChildSubmission) error
	FindByID(ctx context.Context, id string) (*model.ChildSubmission, error)
	// FindOpen returns the division's latest submission that has not been merged.
	FindOpen(ctx context.Context, requestID, state, division string) (*model.ChildSubmission, error)
	// FindStateRecord returns the state-level consolidated submission.
	FindStateRecord(ctx context.Context, requestID, state string) (*model.ChildSubmission, error)
	List(ctx context.Context, filter SubmissionFilter) ([]model.ChildSubmission, error)
	// Save writes the submission if its stored version still equals sub.Version,
	// then bumps the version.
	Save(ctx context.Context, sub *model.ChildSubmission) error
	DeleteByRequest(ctx context.Context, requestID string) (int64, error)
	// CountByTemplate reports how many submissions were written from a template.
	CountByTemplate(ctx context.Context, templateID string) (int64, error)
	Count(ctx context.Context) (int64, error)
}

// TemplateFilter narrows template listings. With both State and Division set
// and SharedOnly unset, the division's own templates and every shared template
// match. Search matches the name or a tag, ignoring case. UsedBy keeps the
// templates that principal has opened.
type TemplateFilter struct {
	State      string
	Division   string
	SharedOnly bool
	Search     string
	UsedBy     string
	Status     string
	Page       int
	Limit      int
}

type TemplateRepository interface {
	Create(ctx context.Context, tpl *model.Template) error
	FindByID(ctx context.Context, id string) (*model.Template, error)
	// List orders templates newest first.
	List(ctx context.Context, filter TemplateFilter) ([]model.Template, int64, error)
	// Save writes the template if its stored version still equals tpl.Version,
	// then bumps the version.
	Save(ctx context.Context, tpl *model.Template) error
	Delete(ctx context.Context, id string) error
}

// Store bundles the collections. DryRun is true for the non-persisting store.
// Atomic runs fn so that every write made with its ctx commits or rolls back
// together: a gorm transaction, a mongo session transaction, or an undo journal
// for the in-memory stores.
type Store struct {
	Requests    RequestRepository
	Submissions SubmissionRepository
	Templates   TemplateRepository
	DryRun      bool
	Atomic      func(ctx context.Context, fn func(ctx context.Context) error) error
	Close       func(ctx context.Context) error
}

// Update runs Requests.Update inside Atomic. When a concurrent writer wins the
// compare-and-swap the attempt is rolled back, submission writes included, and
// fn runs again on the fresh request.
func (s Store) Update(ctx context.Context, id string, fn MutateFunc) (*model.Request, error) {
	var err error
	for attempt := 0; attempt < MaxUpdateAttempts; attempt++ {
		var out *model.Request
		err = s.Atomic(ctx, func(txCtx context.Context) error {
			var uerr error
			out, uerr = s.Requests.Update(txCtx, id, fn)
			return uerr
		})
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
	}
	return nil, err
}
