package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"hierarchyflow/internal/model"
	"hierarchyflow/pkg/pagination"

	"golang.org/x/crypto/bcrypt"
)

// MemoryDirectory keeps principals in registration order.
type MemoryDirectory struct {
	mu         sync.RWMutex
	principals []model.Principal
}

func NewMemoryDirectory(principals ...model.Principal) *MemoryDirectory {
	d := &MemoryDirectory{}
	_ = d.Upsert(context.Background(), principals...)
	return d
}

// LoadSeed reads a JSON array of principals. Entries without an explicit
// "active" field are treated as active; a plain "password" is stored hashed.
func LoadSeed(path string) ([]model.Principal, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory seed: %w", err)
	}
	var entries []struct {
		model.Principal
		Active   *bool  `json:"active"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse directory seed: %w", err)
	}
	out := make([]model.Principal, 0, len(entries))
	for i, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("directory seed entry %d: missing id", i)
		}
		for _, g := range e.Roles {
			if !g.Role.Valid() {
				return nil, fmt.Errorf("directory seed entry %q: unknown role %q", e.ID, g.Role)
			}
		}
		p := e.Principal
		p.Active = e.Active == nil || *e.Active
		if e.Password != "" {
			hash, err := bcrypt.GenerateFromPassword([]byte(e.Password), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("directory seed entry %q: %w", e.ID, err)
			}
			p.PasswordHash = string(hash)
		}
		out = append(out, p)
	}
	return out, nil
}

func (d *MemoryDirectory) Upsert(_ context.Context, principals ...model.Principal) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	for _, p := range principals {
		p.Roles = append([]model.RoleAssignment(nil), p.Roles...)
		p.UpdatedAt = now
		replaced := false
		for i := range d.principals {
			if d.principals[i].ID == p.ID {
				p.CreatedAt = d.principals[i].CreatedAt
				d.principals[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			p.CreatedAt = now
			d.principals = append(d.principals, p)
		}
	}
	return nil
}

func (d *MemoryDirectory) Assignments(_ context.Context, principalID string) ([]model.RoleAssignment, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.principals {
		if p.ID == principalID && p.Active {
			return append([]model.RoleAssignment(nil), p.Roles...), nil
		}
	}
	return nil, nil
}

func (d *MemoryDirectory) FindPrincipal(_ context.Context, role model.Role, state, division string) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.principals {
		if p.Active && p.HasRole(role, state, division) {
			return p.ID, true, nil
		}
	}
	return "", false, nil
}

func (d *MemoryDirectory) Divisions(_ context.Context, state string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return headDivisions(d.principals, state), nil
}

func (d *MemoryDirectory) Principal(_ context.Context, id string) (*model.Principal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.principals {
		if p.ID == id {
			p.Roles = append([]model.RoleAssignment(nil), p.Roles...)
			return &p, nil
		}
	}
	return nil, ErrPrincipalNotFound
}

func (d *MemoryDirectory) PrincipalByEmail(_ context.Context, email string) (*model.Principal, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.principals {
		if strings.EqualFold(p.Email, email) {
			p.Roles = append([]model.RoleAssignment(nil), p.Roles...)
			return &p, nil
		}
	}
	return nil, ErrPrincipalNotFound
}

func (d *MemoryDirectory) ListPrincipals(_ context.Context, page, limit int) ([]model.Principal, int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	total := int64(len(d.principals))
	start, end := pagination.New(page, limit).Bounds(len(d.principals))
	return append([]model.Principal{}, d.principals[start:end]...), total, nil
}
