package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"hierarchyflow/internal/model"
	"hierarchyflow/pkg/pagination"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostgresDirectory reads the principals table. Role grants live in a jsonb array
// and are matched with the containment operator.
type PostgresDirectory struct {
	db *gorm.DB
}

func NewPostgresDirectory(db *gorm.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Assignments(ctx context.Context, principalID string) ([]model.RoleAssignment, error) {
	p, err := d.Principal(ctx, principalID)
	if errors.Is(err, ErrPrincipalNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, nil
	}
	return p.Roles, nil
}

func grantFilter(role model.Role, state, division string) (string, error) {
	b, err := json.Marshal([]model.RoleAssignment{{Role: role, State: state, Division: division}})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *PostgresDirectory) FindPrincipal(ctx context.Context, role model.Role, state, division string) (string, bool, error) {
	filter, err := grantFilter(role, state, division)
	if err != nil {
		return "", false, err
	}
	var p model.Principal
	err = d.db.WithContext(ctx).
		Where("active = ?", true).
		Where("roles @> ?::jsonb", filter).
		Order("created_at ASC").Order("id ASC").
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find principal: %w", err)
	}
	return p.ID, true, nil
}

func (d *PostgresDirectory) Divisions(ctx context.Context, state string) ([]string, error) {
	filter, err := grantFilter(model.RoleDivisionHead, state, "")
	if err != nil {
		return nil, err
	}
	var heads []model.Principal
	if err := d.db.WithContext(ctx).
		Where("active = ?", true).
		Where("roles @> ?::jsonb", filter).
		Find(&heads).Error; err != nil {
		return nil, fmt.Errorf("list division heads: %w", err)
	}
	return headDivisions(heads, state), nil
}

func (d *PostgresDirectory) Principal(ctx context.Context, id string) (*model.Principal, error) {
	var p model.Principal
	err := d.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPrincipalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get principal: %w", err)
	}
	return &p, nil
}

func (d *PostgresDirectory) PrincipalByEmail(ctx context.Context, email string) (*model.Principal, error) {
	var p model.Principal
	err := d.db.WithContext(ctx).Where("LOWER(email) = LOWER(?)", email).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPrincipalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get principal by email: %w", err)
	}
	return &p, nil
}

func (d *PostgresDirectory) ListPrincipals(ctx context.Context, page, limit int) ([]model.Principal, int64, error) {
	var principals []model.Principal
	var total int64

	if err := d.db.WithContext(ctx).Model(&model.Principal{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	p := pagination.New(page, limit)
	if err := d.db.WithContext(ctx).Order("created_at ASC, id ASC").Offset(p.Offset).Limit(p.Limit).Find(&principals).Error; err != nil {
		return nil, 0, err
	}
	return principals, total, nil
}

// Upsert inserts principals or refreshes their profile, grants and active flag.
func (d *PostgresDirectory) Upsert(ctx context.Context, principals ...model.Principal) error {
	if len(principals) == 0 {
		return nil
	}
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "email", "roles", "active", "password_hash", "updated_at"}),
	}).Create(&principals).Error
}
