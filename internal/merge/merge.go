// Package merge consolidates several child submissions into one record.
//
// The result is a pure function of the input submissions (in order) and the
// strategy map: no clocks, no map-iteration order leaks into the output.
package merge

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"hierarchyflow/internal/model"

	"github.com/shopspring/decimal"
)

// Op is the reducer applied to one field.
type Op string

const (
	OpSum    Op = "sum"
	OpAvg    Op = "avg"
	OpMax    Op = "max"
	OpMin    Op = "min"
	OpConcat Op = "concat"
)

// Strategy maps a field name to its reducer.
type Strategy map[string]Op

// ParseStrategy converts a raw field→operator map, rejecting unknown operators.
func ParseStrategy(raw map[string]string) (Strategy, error) {
	s := make(Strategy, len(raw))
	for field, op := range raw {
		s[field] = Op(op)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate rejects empty field names and unknown operators.
func (s Strategy) Validate() error {
	fields := make([]string, 0, len(s))
	for f := range s {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("strategy has an empty field name")
		}
		switch s[f] {
		case OpSum, OpAvg, OpMax, OpMin, OpConcat:
		default:
			return fmt.Errorf("unknown merge strategy %q for field %q", s[f], f)
		}
	}
	return nil
}

// Raw returns the strategy as plain strings for storage.
func (s Strategy) Raw() map[string]string {
	out := make(map[string]string, len(s))
	for f, op := range s {
		out[f] = string(op)
	}
	return out
}

type carried struct {
	label string
	value any
}

// Merge groups every field across submissions and reduces it with the strategy.
// Fields without a strategy pass through only when exactly one submission carries
// them. Nil submissions are skipped.
func Merge(submissions []*model.ChildSubmission, strategy Strategy) map[string]any {
	out := map[string]any{}
	if len(submissions) == 0 {
		return out
	}

	groups := map[string][]carried{}
	for _, sub := range submissions {
		if sub == nil {
			continue
		}
		for field, value := range sub.Data {
			groups[field] = append(groups[field], carried{label: sub.Label(), value: value})
		}
	}

	for field, values := range groups {
		op, ok := strategy[field]
		if !ok {
			if len(values) == 1 {
				out[field] = values[0].value
			}
			continue
		}
		if op == OpConcat {
			out[field] = concat(values)
			continue
		}
		if reduced, ok := reduce(op, values); ok {
			out[field] = reduced
		}
	}
	return out
}

func concat(values []carried) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, "["+v.label+"]\n"+text(v.value))
	}
	return strings.Join(parts, "\n\n")
}

func text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// reduce folds the numeric values of a field. Non-numeric values are ignored; a
// field with no numeric values at all is left out of the result.
func reduce(op Op, values []carried) (float64, bool) {
	nums := make([]decimal.Decimal, 0, len(values))
	for _, v := range values {
		if d, ok := toDecimal(v.value); ok {
			nums = append(nums, d)
		}
	}
	if len(nums) == 0 {
		return 0, false
	}

	var result decimal.Decimal
	switch op {
	case OpSum:
		result = decimal.Sum(nums[0], nums[1:]...)
	case OpAvg:
		result = decimal.Avg(nums[0], nums[1:]...)
	case OpMax:
		result = decimal.Max(nums[0], nums[1:]...)
	case OpMin:
		result = decimal.Min(nums[0], nums[1:]...)
	default:
		return 0, false
	}
	return result.InexactFloat64(), true
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt32(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint:
		return decimal.RequireFromString(strconv.FormatUint(uint64(n), 10)), true
	case uint32:
		return decimal.NewFromInt(int64(n)), true
	case uint64:
		return decimal.RequireFromString(strconv.FormatUint(n, 10)), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case float64:
		return decimal.NewFromFloat(n), true
	case decimal.Decimal:
		return n, true
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}
