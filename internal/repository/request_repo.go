package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"hierarchyflow/internal/model"
	"hierarchyflow/pkg/pagination"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type requestRepository struct {
	db *gorm.DB
	tx TransactionManager
}

// NewRequestRepository returns the Postgres-backed request repository.
func NewRequestRepository(db *gorm.DB, tx TransactionManager) RequestRepository {
	return &requestRepository{db: db, tx: tx}
}

func translate(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return unavailable(op, err)
}

func (r *requestRepository) Create(ctx context.Context, req *model.Request) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Version = 1
	if err := GetDB(ctx, r.db).Create(req).Error; err != nil {
		return translate("create request", err)
	}
	return nil
}

func (r *requestRepository) FindByID(ctx context.Context, id string) (*model.Request, error) {
	var req model.Request
	if err := GetDB(ctx, r.db).First(&req, "id = ?", id).Error; err != nil {
		return nil, translate("find request", err)
	}
	return &req, nil
}

func (r *requestRepository) List(ctx context.Context, filter RequestFilter) ([]model.Request, int64, error) {
	var requests []model.Request
	var total int64

	p := pagination.New(filter.Page, filter.Limit)
	scoped := func() (*gorm.DB, error) {
		query := GetDB(ctx, r.db).Model(&model.Request{})
		if filter.Status != "" {
			query = query.Where("status = ?", filter.Status)
		}
		if filter.AssigneeID != "" {
			query = query.Where("current_assignee_id = ?", filter.AssigneeID)
		}
		if filter.State != "" {
			contains, err := json.Marshal(map[string][]string{"states": {filter.State}})
			if err != nil {
				return nil, err
			}
			query = query.Where("targets @> ?::jsonb", string(contains))
		}
		return query, nil
	}

	query, err := scoped()
	if err != nil {
		return nil, 0, err
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, translate("count requests", err)
	}

	query, _ = scoped()
	if err := query.Order("deadline ASC, id ASC").Offset(p.Offset).Limit(p.Limit).Find(&requests).Error; err != nil {
		return nil, 0, translate("list requests", err)
	}
	return requests, total, nil
}

// Update locks the row for the rest of the transaction, so the version check
// only fails when the row changed outside this repository.
func (r *requestRepository) Update(ctx context.Context, id string, fn MutateFunc) (*model.Request, error) {
	var req model.Request
	err := r.tx.RunInTx(ctx, func(txCtx context.Context) error {
		db := GetDB(txCtx, r.db)
		if err := db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&req, "id = ?", id).Error; err != nil {
			return translate("lock request", err)
		}

		prev := req.Version
		if err := fn(txCtx, &req); err != nil {
			return err
		}
		req.ID = id
		req.Version = prev + 1
		req.UpdatedAt = time.Now()

		res := db.Model(&model.Request{}).
			Where("id = ? AND version = ?", id, prev).
			Select("*").
			Updates(&req)
		if res.Error != nil {
			return translate("update request", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *requestRepository) Delete(ctx context.Context, id string) error {
	res := GetDB(ctx, r.db).Where("id = ?", id).Delete(&model.Request{})
	if res.Error != nil {
		return translate("delete request", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *requestRepository) Count(ctx context.Context) (int64, error) {
	var total int64
	if err := GetDB(ctx, r.db).Model(&model.Request{}).Count(&total).Error; err != nil {
		return 0, translate("count requests", err)
	}
	return total, nil
}

func (r *requestRepository) CountOverdue(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	err := GetDB(ctx, r.db).Model(&model.Request{}).
		Where("deadline < ?", now).
		Where("status NOT IN ?", []string{model.StatusApproved, model.StatusClosed, model.StatusRejected}).
		Count(&total).Error
	if err != nil {
		return 0, translate("count overdue requests", err)
	}
	return total, nil
}
