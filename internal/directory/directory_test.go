package directory

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"hierarchyflow/internal/model"
)

func samplePrincipals() []model.Principal {
	return []model.Principal{
		{ID: "exec-1", Name: "Exec", Active: true, Roles: []model.RoleAssignment{{Role: model.RoleExecutive}}},
		{ID: "hod-wind", Name: "Wind Head", Active: true, Roles: []model.RoleAssignment{{Role: model.RoleDivisionHead, State: "X", Division: "Wind"}}},
		{ID: "hod-energy", Name: "Energy Head", Active: true, Roles: []model.RoleAssignment{{Role: model.RoleDivisionHead, State: "X", Division: "Energy"}}},
		{ID: "hod-energy-2", Name: "Energy Deputy", Active: true, Roles: []model.RoleAssignment{{Role: model.RoleDivisionHead, State: "X", Division: "Energy"}}},
		{ID: "hod-y", Name: "Other State", Active: true, Roles: []model.RoleAssignment{{Role: model.RoleDivisionHead, State: "Y", Division: "Water"}}},
		{ID: "gone", Name: "Retired", Active: false, Roles: []model.RoleAssignment{{Role: model.RoleDivisionHead, State: "X", Division: "Mines"}}},
	}
}

func TestMemoryDirectoryFindPrincipal(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory(samplePrincipals()...)

	id, found, err := dir.FindPrincipal(ctx, model.RoleExecutive, "", "")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "exec-1", id)

	id, found, err = dir.FindPrincipal(ctx, model.RoleDivisionHead, "X", "Energy")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "hod-energy", id, "first registered holder wins")

	_, found, err = dir.FindPrincipal(ctx, model.RoleDivisionHead, "X", "Mines")
	require.NoError(t, err)
	assert.False(t, found, "inactive principals are never resolved")
}

func TestMemoryDirectoryDivisions(t *testing.T) {
	dir := NewMemoryDirectory(samplePrincipals()...)

	divisions, err := dir.Divisions(context.Background(), "X")
	require.NoError(t, err)
	assert.Equal(t, []string{"Energy", "Wind"}, divisions)

	divisions, err = dir.Divisions(context.Background(), "Z")
	require.NoError(t, err)
	assert.Empty(t, divisions)
}

func TestHolds(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory(samplePrincipals()...)

	ok, err := Holds(ctx, dir, "hod-wind", model.RoleDivisionHead, "X", "Wind")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Holds(ctx, dir, "hod-wind", model.RoleDivisionHead, "X", "Energy")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Holds(ctx, dir, "nobody", model.RoleExecutive, "", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpsertKeepsRegistrationOrder(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory(samplePrincipals()...)

	require.NoError(t, dir.Upsert(ctx, model.Principal{
		ID: "hod-energy", Name: "Energy Head", Active: false,
		Roles: []model.RoleAssignment{{Role: model.RoleDivisionHead, State: "X", Division: "Energy"}},
	}))

	id, found, err := dir.FindPrincipal(ctx, model.RoleDivisionHead, "X", "Energy")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "hod-energy-2", id)

	all, total, err := dir.ListPrincipals(ctx, 1, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 6, total)
	require.Len(t, all, 3)
	assert.Equal(t, "hod-energy", all[2].ID)
}

func TestLoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "principals.json")
	seed := `[
		{"id":"nat-1","name":"Oversight","email":"nat@example.org","password":"s3cret","roles":[{"role":"national_oversight"}]},
		{"id":"adv-x","name":"Advisor","email":"adv@example.org","active":false,"roles":[{"role":"state_advisor","state":"X"}]}
	]`
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))

	principals, err := LoadSeed(path)
	require.NoError(t, err)
	require.Len(t, principals, 2)
	assert.True(t, principals[0].Active)
	assert.False(t, principals[1].Active)
	assert.Equal(t, "X", principals[1].Roles[0].State)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(principals[0].PasswordHash), []byte("s3cret")))
	assert.Empty(t, principals[1].PasswordHash)

	dir := NewMemoryDirectory(principals...)
	p, err := dir.PrincipalByEmail(context.Background(), "NAT@example.org")
	require.NoError(t, err)
	assert.Equal(t, "nat-1", p.ID)
	_, err = dir.PrincipalByEmail(context.Background(), "nobody@example.org")
	assert.ErrorIs(t, err, ErrPrincipalNotFound)

	t.Run("unknown role", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte(`[{"id":"a","roles":[{"role":"janitor"}]}]`), 0o600))
		_, err := LoadSeed(bad)
		assert.ErrorContains(t, err, "unknown role")
	})
}
