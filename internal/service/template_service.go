package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"hierarchyflow/internal/directory"
	"hierarchyflow/internal/model"
	"hierarchyflow/internal/repository"
	"hierarchyflow/internal/richtext"

	"go.uber.org/zap"
)

const (
	maxTemplateName        = 200
	maxTemplateDescription = 500
)

type CreateTemplateDTO struct {
	Name        string   `json:"name" binding:"required,max=200"`
	Description string   `json:"description" binding:"max=500"`
	State       string   `json:"state" binding:"required"`
	Division    string   `json:"division" binding:"required"`
	HTMLContent string   `json:"html_content" binding:"required"`
	IsDefault   bool     `json:"is_default"`
	IsShared    bool     `json:"is_shared"`
	Tags        []string `json:"tags"`
}

// UpdateTemplateDTO changes only the fields it carries.
type UpdateTemplateDTO struct {
	Name        *string  `json:"name" binding:"omitempty,max=200"`
	Description *string  `json:"description" binding:"omitempty,max=500"`
	HTMLContent *string  `json:"html_content"`
	IsDefault   *bool    `json:"is_default"`
	IsShared    *bool    `json:"is_shared"`
	Tags        []string `json:"tags"`
	Status      *string  `json:"status" binding:"omitempty,oneof=draft published archived"`
}

// TemplateQuery lists published templates unless Status says otherwise.
// RecentlyUsed keeps the caller's templates, most recently opened first.
type TemplateQuery struct {
	State        string
	Division     string
	Shared       bool
	Search       string
	Status       string
	RecentlyUsed bool
	Page         int
	Limit        int
}

// DeleteTemplateResult reports whether the template was archived instead of
// removed because forms were written from it.
type DeleteTemplateResult struct {
	Archived bool            `json:"archived"`
	Template *model.Template `json:"template,omitempty"`
	DryRun   bool            `json:"dry_run"`
}

type TemplateService interface {
	ListTemplates(ctx context.Context, actorID string, q TemplateQuery) ([]model.Template, int64, error)
	GetTemplate(ctx context.Context, actorID, id string) (*model.Template, error)
	CreateTemplate(ctx context.Context, actorID string, dto CreateTemplateDTO) (*model.Template, error)
	UpdateTemplate(ctx context.Context, actorID, id string, dto UpdateTemplateDTO) (*model.Template, error)
	DeleteTemplate(ctx context.Context, actorID, id string) (DeleteTemplateResult, error)
}

type templateService struct {
	store repository.Store
	dir   directory.Directory
	log   *zap.Logger
	now   func() time.Time
}

func NewTemplateService(store repository.Store, dir directory.Directory, log *zap.Logger) TemplateService {
	if log == nil {
		log = zap.NewNop()
	}
	return &templateService{store: store, dir: dir, log: log, now: time.Now}
}

func (s *templateService) observe(op, actorID, templateID string, started time.Time, errp *error) {
	observe(s.log, op, started, *errp, zap.String("actor_id", actorID), zap.String("template_id", templateID))
}

func validTemplateStatus(status string) bool {
	switch status {
	case model.TemplateDraft, model.TemplatePublished, model.TemplateArchived:
		return true
	}
	return false
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := map[string]bool{}
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func checkTemplateText(name, description string) error {
	if name == "" {
		return validationErr("missing_field", "name is required")
	}
	if utf8.RuneCountInString(name) > maxTemplateName {
		return validationErr("field_too_long", "name is limited to %d characters", maxTemplateName)
	}
	if utf8.RuneCountInString(description) > maxTemplateDescription {
		return validationErr("field_too_long", "description is limited to %d characters", maxTemplateDescription)
	}
	return nil
}

// holdsAnyGrant reports whether actorID holds any of the given grants.
func (s *templateService) holdsAnyGrant(ctx context.Context, actorID string, grants ...model.RoleAssignment) (bool, error) {
	for _, g := range grants {
		ok, err := directory.Holds(ctx, s.dir, actorID, g.Role, g.State, g.Division)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func (s *templateService) ListTemplates(ctx context.Context, actorID string, q TemplateQuery) ([]model.Template, int64, error) {
	status := q.Status
	if status == "" {
		status = model.TemplatePublished
	}
	if !validTemplateStatus(status) {
		return nil, 0, validationErr("invalid_status", "unknown template status %q", status)
	}
	filter := repository.TemplateFilter{
		State:      q.State,
		Division:   q.Division,
		SharedOnly: q.Shared,
		Search:     strings.TrimSpace(q.Search),
		Status:     status,
		Page:       q.Page,
		Limit:      q.Limit,
	}
	if q.RecentlyUsed {
		filter.UsedBy = actorID
	}

	templates, total, err := s.store.Templates.List(ctx, filter)
	if err != nil {
		return nil, 0, translate("template", "", err)
	}
	if q.RecentlyUsed {
		sort.SliceStable(templates, func(i, j int) bool {
			a, _ := templates[i].LastUsedBy(actorID)
			b, _ := templates[j].LastUsedBy(actorID)
			return a.After(b)
		})
	}
	return templates, total, nil
}

// mutate loads the template, applies fn and saves it, retrying when a
// concurrent writer wins the version check.
func (s *templateService) mutate(ctx context.Context, id string, fn func(tpl *model.Template) error) (*model.Template, error) {
	var err error
	for attempt := 0; attempt < repository.MaxUpdateAttempts; attempt++ {
		var tpl *model.Template
		tpl, err = s.store.Templates.FindByID(ctx, id)
		if err != nil {
			return nil, translate("template", id, err)
		}
		if err = fn(tpl); err != nil {
			return nil, translate("template", id, err)
		}
		err = s.store.Templates.Save(ctx, tpl)
		if err == nil {
			return tpl, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			break
		}
	}
	return nil, translate("template", id, err)
}

// GetTemplate returns the template and remembers that actorID opened it.
func (s *templateService) GetTemplate(ctx context.Context, actorID, id string) (tpl *model.Template, err error) {
	defer s.observe("template_open", actorID, id, time.Now(), &err)
	return s.mutate(ctx, id, func(tpl *model.Template) error {
		tpl.RecordUsage(actorID, s.now().UTC())
		return nil
	})
}

// CreateTemplate accepts templates from the division's own tiers, the state's
// advisor and national oversight.
func (s *templateService) CreateTemplate(ctx context.Context, actorID string, dto CreateTemplateDTO) (tpl *model.Template, err error) {
	defer s.observe("template_create", actorID, "", time.Now(), &err)

	state, division := strings.TrimSpace(dto.State), strings.TrimSpace(dto.Division)
	name, description := strings.TrimSpace(dto.Name), strings.TrimSpace(dto.Description)
	if err := checkTemplateText(name, description); err != nil {
		return nil, err
	}
	if state == "" || division == "" {
		return nil, validationErr("missing_field", "state and division are required")
	}
	if strings.TrimSpace(dto.HTMLContent) == "" {
		return nil, validationErr("missing_field", "html_content is required")
	}

	ok, err := s.holdsAnyGrant(ctx, actorID,
		model.RoleAssignment{Role: model.RoleDivisionAnalyst, State: state, Division: division},
		model.RoleAssignment{Role: model.RoleDivisionHead, State: state, Division: division},
		model.RoleAssignment{Role: model.RoleStateAdvisor, State: state},
		model.RoleAssignment{Role: model.RoleNationalOversight},
	)
	if err != nil {
		return nil, translate("principal", actorID, err)
	}
	if !ok {
		return nil, deniedErr(model.RoleDivisionAnalyst, "creating templates for %s in %s", division, state)
	}

	tpl = &model.Template{
		Name:        name,
		Description: description,
		State:       state,
		Division:    division,
		HTMLContent: dto.HTMLContent,
		IsDefault:   dto.IsDefault,
		IsShared:    dto.IsShared,
		Tags:        cleanTags(dto.Tags),
		Status:      model.TemplatePublished,
		Metadata:    richtext.Analyze(dto.HTMLContent),
		Usage:       []model.TemplateUsage{},
		CreatedBy:   actorID,
		Revision:    1,
	}
	if err := s.store.Templates.Create(ctx, tpl); err != nil {
		return nil, translate("template", "", err)
	}
	return tpl, nil
}

// UpdateTemplate is open to the creator, national oversight and the advisor of
// the template's state. A new body refreshes the metadata and bumps Revision.
func (s *templateService) UpdateTemplate(ctx context.Context, actorID, id string, dto UpdateTemplateDTO) (tpl *model.Template, err error) {
	defer s.observe("template_update", actorID, id, time.Now(), &err)

	if dto.Status != nil && !validTemplateStatus(*dto.Status) {
		return nil, validationErr("invalid_status", "unknown template status %q", *dto.Status)
	}
	if dto.HTMLContent != nil && strings.TrimSpace(*dto.HTMLContent) == "" {
		return nil, validationErr("missing_field", "html_content cannot be empty")
	}

	return s.mutate(ctx, id, func(tpl *model.Template) error {
		if tpl.CreatedBy != actorID {
			ok, err := s.holdsAnyGrant(ctx, actorID,
				model.RoleAssignment{Role: model.RoleNationalOversight},
				model.RoleAssignment{Role: model.RoleStateAdvisor, State: tpl.State},
			)
			if err != nil {
				return err
			}
			if !ok {
				return deniedErr(model.RoleStateAdvisor, "only the creator, national oversight or the state advisor may edit template %q", id)
			}
		}

		if dto.Name != nil {
			tpl.Name = strings.TrimSpace(*dto.Name)
		}
		if dto.Description != nil {
			tpl.Description = strings.TrimSpace(*dto.Description)
		}
		if err := checkTemplateText(tpl.Name, tpl.Description); err != nil {
			return err
		}
		if dto.IsDefault != nil {
			tpl.IsDefault = *dto.IsDefault
		}
		if dto.IsShared != nil {
			tpl.IsShared = *dto.IsShared
		}
		if dto.Tags != nil {
			tpl.Tags = cleanTags(dto.Tags)
		}
		if dto.Status != nil {
			tpl.Status = *dto.Status
		}
		if dto.HTMLContent != nil && *dto.HTMLContent != tpl.HTMLContent {
			tpl.HTMLContent = *dto.HTMLContent
			tpl.Metadata = richtext.Analyze(tpl.HTMLContent)
			tpl.Revision++
		}
		return nil
	})
}

// DeleteTemplate removes a template, or archives it when forms reference it.
// Default templates are never removed.
func (s *templateService) DeleteTemplate(ctx context.Context, actorID, id string) (res DeleteTemplateResult, err error) {
	defer s.observe("template_delete", actorID, id, time.Now(), &err)

	err = s.store.Atomic(ctx, func(txCtx context.Context) error {
		res = DeleteTemplateResult{}
		tpl, err := s.store.Templates.FindByID(txCtx, id)
		if err != nil {
			return err
		}
		if tpl.CreatedBy != actorID {
			ok, err := directory.Holds(txCtx, s.dir, actorID, model.RoleNationalOversight, "", "")
			if err != nil {
				return err
			}
			if !ok {
				return deniedErr(model.RoleNationalOversight, "only the creator or national oversight may delete template %q", id)
			}
		}
		if tpl.IsDefault {
			return validationErr("default_template", "default templates cannot be deleted")
		}

		used, err := s.store.Submissions.CountByTemplate(txCtx, id)
		if err != nil {
			return err
		}
		if used == 0 {
			return s.store.Templates.Delete(txCtx, id)
		}
		tpl.Status = model.TemplateArchived
		if err := s.store.Templates.Save(txCtx, tpl); err != nil {
			return err
		}
		res.Archived = true
		res.Template = tpl
		return nil
	})
	if err != nil {
		return DeleteTemplateResult{}, translate("template", id, err)
	}
	res.DryRun = s.store.DryRun
	return res, nil
}
