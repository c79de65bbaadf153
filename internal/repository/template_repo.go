package repository

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"hierarchyflow/internal/model"
	"hierarchyflow/pkg/pagination"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

type templateRepository struct {
	db *gorm.DB
}

// NewTemplateRepository returns the Postgres-backed template repository.
func NewTemplateRepository(db *gorm.DB) TemplateRepository {
	return &templateRepository{db: db}
}

func (r *templateRepository) Create(ctx context.Context, tpl *model.Template) error {
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}
	tpl.Version = 1
	if err := GetDB(ctx, r.db).Create(tpl).Error; err != nil {
		return translate("create template", err)
	}
	return nil
}

func (r *templateRepository) FindByID(ctx context.Context, id string) (*model.Template, error) {
	var tpl model.Template
	if err := GetDB(ctx, r.db).First(&tpl, "id = ?", id).Error; err != nil {
		return nil, translate("find template", err)
	}
	return &tpl, nil
}

func (r *templateRepository) scope(ctx context.Context, filter TemplateFilter) (*gorm.DB, error) {
	query := GetDB(ctx, r.db).Model(&model.Template{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	switch {
	case filter.SharedOnly:
		query = query.Where("is_shared = ?", true)
	case filter.State != "" && filter.Division != "":
		query = query.Where("((state = ? AND division = ?) OR is_shared = ?)", filter.State, filter.Division, true)
	default:
		if filter.State != "" {
			query = query.Where("state = ?", filter.State)
		}
		if filter.Division != "" {
			query = query.Where("division = ?", filter.Division)
		}
	}
	if filter.Search != "" {
		pattern := "%" + likeEscaper.Replace(filter.Search) + "%"
		query = query.Where(
			"(name ILIKE ? OR EXISTS (SELECT 1 FROM jsonb_array_elements_text(tags) AS tag WHERE tag ILIKE ?))",
			pattern, pattern)
	}
	if filter.UsedBy != "" {
		contains, err := json.Marshal([]map[string]string{{"user_id": filter.UsedBy}})
		if err != nil {
			return nil, err
		}
		query = query.Where("usage @> ?::jsonb", string(contains))
	}
	return query, nil
}

func (r *templateRepository) List(ctx context.Context, filter TemplateFilter) ([]model.Template, int64, error) {
	var templates []model.Template
	var total int64

	query, err := r.scope(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, translate("count templates", err)
	}

	p := pagination.New(filter.Page, filter.Limit)
	query, _ = r.scope(ctx, filter)
	if err := query.Order("created_at DESC, id ASC").Offset(p.Offset).Limit(p.Limit).Find(&templates).Error; err != nil {
		return nil, 0, translate("list templates", err)
	}
	return templates, total, nil
}

func (r *templateRepository) Save(ctx context.Context, tpl *model.Template) error {
	prev := tpl.Version
	tpl.Version = prev + 1
	tpl.UpdatedAt = time.Now()
	res := GetDB(ctx, r.db).Model(&model.Template{}).
		Where("id = ? AND version = ?", tpl.ID, prev).
		Select("*").
		Updates(tpl)
	if res.Error != nil {
		tpl.Version = prev
		return translate("save template", res.Error)
	}
	if res.RowsAffected == 0 {
		tpl.Version = prev
		if _, err := r.FindByID(ctx, tpl.ID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (r *templateRepository) Delete(ctx context.Context, id string) error {
	res := GetDB(ctx, r.db).Where("id = ?", id).Delete(&model.Template{})
	if res.Error != nil {
		return translate("delete template", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
