// Package directory answers "who holds role R in state S and division D".
// The workflow engine treats it as a pure lookup.
package directory

import (
	"context"
	"errors"
	"sort"

	"hierarchyflow/internal/model"
)

// ErrPrincipalNotFound is returned by Principal for unknown ids.
var ErrPrincipalNotFound = errors.New("principal not found")

type Directory interface {
	// Assignments returns every role grant of the principal; unknown ids yield none.
	Assignments(ctx context.Context, principalID string) ([]model.RoleAssignment, error)
	// FindPrincipal returns the first active principal, by registration order, holding
	// role in the given context. Empty state or division are wildcards.
	FindPrincipal(ctx context.Context, role model.Role, state, division string) (string, bool, error)
	// Divisions lists, sorted and unique, the divisions of state that have a Division Head.
	Divisions(ctx context.Context, state string) ([]string, error)
	Principal(ctx context.Context, id string) (*model.Principal, error)
	PrincipalByEmail(ctx context.Context, email string) (*model.Principal, error)
	ListPrincipals(ctx context.Context, page, limit int) ([]model.Principal, int64, error)
}

// Holds reports whether principalID is granted role in the given context.
func Holds(ctx context.Context, dir Directory, principalID string, role model.Role, state, division string) (bool, error) {
	grants, err := dir.Assignments(ctx, principalID)
	if err != nil {
		return false, err
	}
	for _, g := range grants {
		if g.Matches(role, state, division) {
			return true, nil
		}
	}
	return false, nil
}

func headDivisions(principals []model.Principal, state string) []string {
	seen := map[string]struct{}{}
	for _, p := range principals {
		if !p.Active {
			continue
		}
		for _, g := range p.Roles {
			if g.Role == model.RoleDivisionHead && g.State == state && g.Division != "" {
				seen[g.Division] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
