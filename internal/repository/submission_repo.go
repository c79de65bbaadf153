package repository

import (
	"context"
	"time"

	"hierarchyflow/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type submissionRepository struct {
	db *gorm.DB
}

// NewSubmissionRepository returns the Postgres-backed child submission repository.
func NewSubmissionRepository(db *gorm.DB) SubmissionRepository {
	return &submissionRepository{db: db}
}

func (r *submissionRepository) Create(ctx context.Context, sub *model.ChildSubmission) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.Version == 0 {
		sub.Version = 1
	}
	if err := GetDB(ctx, r.db).Create(sub).Error; err != nil {
		return translate("create submission", err)
	}
	return nil
}

func (r *submissionRepository) FindByID(ctx context.Context, id string) (*model.ChildSubmission, error) {
	var sub model.ChildSubmission
	if err := GetDB(ctx, r.db).First(&sub, "id = ?", id).Error; err != nil {
		return nil, translate("find submission", err)
	}
	return &sub, nil
}

func (r *submissionRepository) FindOpen(ctx context.Context, requestID, state, division string) (*model.ChildSubmission, error) {
	var sub model.ChildSubmission
	err := GetDB(ctx, r.db).
		Where("request_id = ? AND state = ? AND branch = ?", requestID, state, division).
		Where("status <> ?", model.SubmissionMerged).
		Order("created_at DESC").
		First(&sub).Error
	if err != nil {
		return nil, translate("find open submission", err)
	}
	return &sub, nil
}

func (r *submissionRepository) FindStateRecord(ctx context.Context, requestID, state string) (*model.ChildSubmission, error) {
	var sub model.ChildSubmission
	err := GetDB(ctx, r.db).
		Where("request_id = ? AND state = ? AND branch IS NULL", requestID, state).
		First(&sub).Error
	if err != nil {
		return nil, translate("find state submission", err)
	}
	return &sub, nil
}

func (r *submissionRepository) List(ctx context.Context, filter SubmissionFilter) ([]model.ChildSubmission, error) {
	var subs []model.ChildSubmission
	query := GetDB(ctx, r.db).Model(&model.ChildSubmission{})
	if filter.RequestID != "" {
		query = query.Where("request_id = ?", filter.RequestID)
	}
	if filter.State != "" {
		query = query.Where("state = ?", filter.State)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if err := query.Order("created_at ASC").Order("id ASC").Find(&subs).Error; err != nil {
		return nil, translate("list submissions", err)
	}
	return subs, nil
}

func (r *submissionRepository) Save(ctx context.Context, sub *model.ChildSubmission) error {
	prev := sub.Version
	sub.Version = prev + 1
	sub.UpdatedAt = time.Now()
	res := GetDB(ctx, r.db).Model(&model.ChildSubmission{}).
		Where("id = ? AND version = ?", sub.ID, prev).
		Select("*").
		Updates(sub)
	if res.Error != nil {
		sub.Version = prev
		return translate("save submission", res.Error)
	}
	if res.RowsAffected == 0 {
		sub.Version = prev
		return ErrConflict
	}
	return nil
}

func (r *submissionRepository) DeleteByRequest(ctx context.Context, requestID string) (int64, error) {
	res := GetDB(ctx, r.db).Where("request_id = ?", requestID).Delete(&model.ChildSubmission{})
	if res.Error != nil {
		return 0, translate("delete submissions", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *submissionRepository) CountByTemplate(ctx context.Context, templateID string) (int64, error) {
	var total int64
	err := GetDB(ctx, r.db).Model(&model.ChildSubmission{}).
		Where("template_id = ?", templateID).
		Count(&total).Error
	if err != nil {
		return 0, translate("count template submissions", err)
	}
	return total, nil
}

func (r *submissionRepository) Count(ctx context.Context) (int64, error) {
	var total int64
	if err := GetDB(ctx, r.db).Model(&model.ChildSubmission{}).Count(&total).Error; err != nil {
		return 0, translate("count submissions", err)
	}
	return total, nil
}

// NewPostgresStore wires the gorm repositories around one transaction manager.
func NewPostgresStore(db *gorm.DB) Store {
	tx := NewTransactionManager(db)
	return Store{
		Requests:    NewRequestRepository(db, tx),
		Submissions: NewSubmissionRepository(db),
		Templates:   NewTemplateRepository(db),
		Atomic:      tx.RunInTx,
		Close: func(context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	}
}
