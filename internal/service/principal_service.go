package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"hierarchyflow/internal/directory"
	"hierarchyflow/internal/model"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// TokenTTL matches the lifetime of the access_token cookie.
const TokenTTL = 24 * time.Hour

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type UpsertPrincipalRequest struct {
	ID       string                 `json:"id" binding:"required"`
	Name     string                 `json:"name" binding:"required"`
	Email    string                 `json:"email" binding:"required,email"`
	Password string                 `json:"password"`
	Roles    []model.RoleAssignment `json:"roles" binding:"required,min=1"`
	Active   *bool                  `json:"active"`
}

// PrincipalResponse never exposes the password hash.
type PrincipalResponse struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Email     string                 `json:"email"`
	Roles     []model.RoleAssignment `json:"roles"`
	Active    bool                   `json:"active"`
	CreatedAt string                 `json:"created_at"`
	UpdatedAt string                 `json:"updated_at"`
}

type PrincipalService interface {
	Login(ctx context.Context, req LoginRequest) (*TokenResponse, error)
	GetPrincipal(ctx context.Context, id string) (*PrincipalResponse, error)
	ListPrincipals(ctx context.Context, page, limit int) ([]PrincipalResponse, int64, error)
	UpsertPrincipal(ctx context.Context, actorID string, req UpsertPrincipalRequest) (*PrincipalResponse, error)
}

// PrincipalWriter is implemented by the postgres, mongo and in-memory directories.
type PrincipalWriter interface {
	Upsert(ctx context.Context, principals ...model.Principal) error
}

type principalService struct {
	dir    directory.Directory
	writer PrincipalWriter
	secret []byte
	now    func() time.Time
}

func NewPrincipalService(dir directory.Directory, writer PrincipalWriter, secret []byte) PrincipalService {
	return &principalService{dir: dir, writer: writer, secret: secret, now: time.Now}
}

func mapPrincipal(p *model.Principal) *PrincipalResponse {
	roles := p.Roles
	if roles == nil {
		roles = []model.RoleAssignment{}
	}
	return &PrincipalResponse{
		ID:        p.ID,
		Name:      p.Name,
		Email:     p.Email,
		Roles:     roles,
		Active:    p.Active,
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
		UpdatedAt: p.UpdatedAt.Format(time.RFC3339),
	}
}

var errBadCredentials = &WorkflowError{Kind: KindAuthorization, Code: "invalid_credentials", Message: "invalid email or password"}

func (s *principalService) Login(ctx context.Context, req LoginRequest) (*TokenResponse, error) {
	p, err := s.dir.PrincipalByEmail(ctx, req.Email)
	if errors.Is(err, directory.ErrPrincipalNotFound) {
		return nil, errBadCredentials
	}
	if err != nil {
		return nil, translate("principal", req.Email, err)
	}
	if !p.Active || p.PasswordHash == "" {
		return nil, errBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(req.Password)); err != nil {
		return nil, errBadCredentials
	}

	now := s.now()
	expires := now.Add(TokenTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   p.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return nil, errors.New("failed to generate token")
	}
	return &TokenResponse{Token: signed, ExpiresAt: expires}, nil
}

func (s *principalService) GetPrincipal(ctx context.Context, id string) (*PrincipalResponse, error) {
	p, err := s.dir.Principal(ctx, id)
	if errors.Is(err, directory.ErrPrincipalNotFound) {
		return nil, notFoundErr("principal", id)
	}
	if err != nil {
		return nil, translate("principal", id, err)
	}
	return mapPrincipal(p), nil
}

func (s *principalService) ListPrincipals(ctx context.Context, page, limit int) ([]PrincipalResponse, int64, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 10
	}
	principals, total, err := s.dir.ListPrincipals(ctx, page, limit)
	if err != nil {
		return nil, 0, translate("principal", "", err)
	}
	responses := make([]PrincipalResponse, 0, len(principals))
	for i := range principals {
		responses = append(responses, *mapPrincipal(&principals[i]))
	}
	return responses, total, nil
}

// UpsertPrincipal registers or updates a principal. Only National Oversight
// manages the directory. An empty password keeps the stored hash.
func (s *principalService) UpsertPrincipal(ctx context.Context, actorID string, req UpsertPrincipalRequest) (*PrincipalResponse, error) {
	ok, err := directory.Holds(ctx, s.dir, actorID, model.RoleNationalOversight, "", "")
	if err != nil {
		return nil, translate("principal", actorID, err)
	}
	if !ok {
		return nil, deniedErr(model.RoleNationalOversight, "only national oversight may manage principals")
	}
	if s.writer == nil {
		return nil, &WorkflowError{Kind: KindUnavailable, Code: "directory_read_only", Message: "the directory does not accept writes"}
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		return nil, validationErr("missing_field", "id is required")
	}
	for _, g := range req.Roles {
		if !g.Role.Valid() {
			return nil, validationErr("invalid_role", "unknown role %q", g.Role)
		}
		if g.Role.StateScoped() && g.State == "" {
			return nil, validationErr("invalid_role", "%s requires a state", g.Role.Label())
		}
		if g.Role.DivisionScoped() && g.Division == "" {
			return nil, validationErr("invalid_role", "%s requires a division", g.Role.Label())
		}
	}

	p := model.Principal{
		ID:     id,
		Name:   strings.TrimSpace(req.Name),
		Email:  strings.TrimSpace(req.Email),
		Roles:  req.Roles,
		Active: req.Active == nil || *req.Active,
	}
	existing, err := s.dir.Principal(ctx, id)
	switch {
	case err == nil:
		p.PasswordHash = existing.PasswordHash
	case !errors.Is(err, directory.ErrPrincipalNotFound):
		return nil, translate("principal", id, err)
	}
	if req.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, errors.New("failed to hash password")
		}
		p.PasswordHash = string(hash)
	}

	if err := s.writer.Upsert(ctx, p); err != nil {
		return nil, translate("principal", id, err)
	}
	if inv, ok := s.dir.(interface{ Invalidate(context.Context) error }); ok {
		_ = inv.Invalidate(ctx)
	}
	return s.GetPrincipal(ctx, id)
}
