package merge

import (
	"encoding/json"
	"strings"
	"testing"

	"hierarchyflow/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func division(name string, data map[string]any) *model.ChildSubmission {
	return &model.ChildSubmission{Branch: &name, State: "X", Data: data}
}

func TestMergeSumIsDeterministic(t *testing.T) {
	subs := []*model.ChildSubmission{
		division("Energy", map[string]any{"mw": 10}),
		division("Wind", map[string]any{"mw": 5}),
	}
	strategy := Strategy{"mw": OpSum}

	first := Merge(subs, strategy)
	assert.Equal(t, map[string]any{"mw": 15.0}, first)

	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Merge(subs, strategy))
	}
}

func TestMergeNumericOperators(t *testing.T) {
	subs := []*model.ChildSubmission{
		division("A", map[string]any{"v": 4}),
		division("B", map[string]any{"v": 10.5}),
		division("C", map[string]any{"v": json.Number("1.5")}),
		division("D", map[string]any{"v": "2"}),
	}

	cases := map[Op]float64{
		OpSum: 18,
		OpAvg: 4.5,
		OpMax: 10.5,
		OpMin: 1.5,
	}
	for op, want := range cases {
		t.Run(string(op), func(t *testing.T) {
			got := Merge(subs, Strategy{"v": op})
			assert.InDelta(t, want, got["v"], 1e-9)
		})
	}
}

func TestMergeConcatKeepsInputOrder(t *testing.T) {
	subs := []*model.ChildSubmission{
		division("A", map[string]any{"text": "x"}),
		division("B", map[string]any{"text": "y"}),
	}

	got := Merge(subs, Strategy{"text": OpConcat})
	text, ok := got["text"].(string)
	require.True(t, ok)

	a := strings.Index(text, "[A]\nx")
	b := strings.Index(text, "[B]\ny")
	require.GreaterOrEqual(t, a, 0)
	require.Greater(t, b, a)
	assert.Equal(t, "[A]\nx\n\n[B]\ny", text)
}

func TestMergeConcatLabelsStateRecords(t *testing.T) {
	subs := []*model.ChildSubmission{
		{State: "Kerala", Data: map[string]any{"summary": "ok"}},
	}
	got := Merge(subs, Strategy{"summary": OpConcat})
	assert.Equal(t, "[Kerala]\nok", got["summary"])
}

func TestMergeUnmappedFields(t *testing.T) {
	subs := []*model.ChildSubmission{
		division("A", map[string]any{"shared": 1, "only_a": "solo"}),
		division("B", map[string]any{"shared": 2}),
	}

	got := Merge(subs, Strategy{})
	assert.Equal(t, "solo", got["only_a"])
	assert.NotContains(t, got, "shared")
}

func TestMergeSkipsNonNumericValues(t *testing.T) {
	subs := []*model.ChildSubmission{
		division("A", map[string]any{"mw": "n/a"}),
		division("B", map[string]any{"mw": 7}),
		division("C", map[string]any{"flag": true}),
		division("D", map[string]any{"flag": false}),
	}

	got := Merge(subs, Strategy{"mw": OpMax, "flag": OpSum})
	assert.Equal(t, 7.0, got["mw"])
	assert.NotContains(t, got, "flag")
}

func TestMergeEmptyInput(t *testing.T) {
	got := Merge(nil, Strategy{"mw": OpSum})
	require.NotNil(t, got)
	assert.Empty(t, got)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy(map[string]string{"mw": "sum", "notes": "concat"})
	require.NoError(t, err)
	assert.Equal(t, OpSum, s["mw"])
	assert.Equal(t, map[string]string{"mw": "sum", "notes": "concat"}, s.Raw())

	_, err = ParseStrategy(map[string]string{"mw": "median"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "median")

	_, err = ParseStrategy(map[string]string{" ": "sum"})
	require.Error(t, err)
}
