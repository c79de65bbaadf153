package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"

	"hierarchyflow/internal/model"
)

func TestGrantMatchTreatsEmptyScopeAsWildcard(t *testing.T) {
	tests := []struct {
		name     string
		role     model.Role
		state    string
		division string
		want     bson.M
	}{
		{
			name: "national tier",
			role: model.RoleExecutive,
			want: bson.M{"role": model.RoleExecutive},
		},
		{
			name:  "state tier",
			role:  model.RoleStateAdvisor,
			state: "X",
			want:  bson.M{"role": model.RoleStateAdvisor, "state": "X"},
		},
		{
			name:     "division tier",
			role:     model.RoleDivisionHead,
			state:    "X",
			division: "Wind",
			want:     bson.M{"role": model.RoleDivisionHead, "state": "X", "division": "Wind"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := grantMatch(tt.role, tt.state, tt.division)
			assert.Equal(t, true, got["active"])
			assert.Equal(t, bson.M{"$elemMatch": tt.want}, got["roles"])
		})
	}
}
