package service

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"hierarchyflow/internal/model"
	"hierarchyflow/internal/repository"
)

func TestWorkflowErrorMatching(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", conflictErr("deadline_increased", "later"))

	assert.ErrorIs(t, err, ErrStateConflict)
	assert.ErrorIs(t, err, &WorkflowError{Kind: KindStateConflict, Code: "deadline_increased"})
	assert.NotErrorIs(t, err, &WorkflowError{Kind: KindStateConflict, Code: "fanout_required"})
	assert.NotErrorIs(t, err, ErrValidation)
}

func TestDeniedErrorNamesTier(t *testing.T) {
	err := deniedErr(model.RoleStateCoordinator, "fan-out in %s", "X")
	assert.Equal(t, model.RoleStateCoordinator, err.RequiredRole)
	assert.Contains(t, err.Error(), "requires State Coordinator")
}

func TestTranslateRepositoryErrors(t *testing.T) {
	assert.ErrorIs(t, translate("request", "r1", repository.ErrNotFound), ErrNotFound)
	assert.ErrorIs(t, translate("request", "r1", repository.ErrConflict), ErrStateConflict)

	boom := errors.New("connection refused")
	err := translate("request", "r1", boom)
	assert.ErrorIs(t, err, ErrRepositoryUnavailable)
	assert.ErrorIs(t, err, boom)

	denied := deniedErr(model.RoleExecutive, "no")
	assert.Same(t, denied, translate("request", "r1", denied))
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "ok", Outcome(nil))
	assert.Equal(t, string(KindValidation), Outcome(validationErr("x", "y")))
}
