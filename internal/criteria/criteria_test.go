package criteria

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulk-transfer-engine/internal/models"
)

func rec(kv ...any) models.Record {
	r := models.Record{}
	for i := 0; i+1 < len(kv); i += 2 {
		r[kv[i].(string)] = kv[i+1]
	}
	return r
}

func TestCompileOperators(t *testing.T) {
	alice := rec("email", "Alice@Example.com", "name", "Alice", "age", float64(34), "joined", "2024-03-01", "tier", "gold", "note", "")

	cases := []struct {
		name  string
		cond  models.Condition
		field string
		want  bool
	}{
		{"equals", models.Condition{Operator: "equals", Value: "Alice"}, "name", true},
		{"equals number", models.Condition{Operator: "equals", Value: 34}, "age", true},
		{"not_equals", models.Condition{Operator: "not_equals", Value: "Bob"}, "name", true},
		{"contains case-insensitive", models.Condition{Operator: "contains", Value: "EXAMPLE"}, "email", true},
		{"not_contains", models.Condition{Operator: "not_contains", Value: "example"}, "email", false},
		{"starts_with", models.Condition{Operator: "starts_with", Value: "ali"}, "name", true},
		{"ends_with", models.Condition{Operator: "ends_with", Value: ".org"}, "email", false},
		{"is_empty on empty string", models.Condition{Operator: "is_empty"}, "note", true},
		{"is_empty on missing", models.Condition{Operator: "is_empty"}, "phone", true},
		{"is_not_empty", models.Condition{Operator: "is_not_empty"}, "name", true},
		{"greater_than numeric", models.Condition{Operator: "greater_than", Value: "9"}, "age", true},
		{"less_than numeric", models.Condition{Operator: "less_than", Value: 34}, "age", false},
		{"greater_than lexicographic", models.Condition{Operator: "greater_than", Value: "Aaron"}, "name", true},
		{"after", models.Condition{Operator: "after", Value: "2024-01-01"}, "joined", true},
		{"before strict", models.Condition{Operator: "before", Value: "2024-03-01"}, "joined", false},
		{"in list", models.Condition{Operator: "in", Value: []any{"gold", "silver"}}, "tier", true},
		{"in csv string", models.Condition{Operator: "in", Value: "bronze, silver"}, "tier", false},
		{"not_in", models.Condition{Operator: "not_in", Value: []any{"bronze"}}, "tier", true},
		{"not_in missing field", models.Condition{Operator: "not_in", Value: []any{"x"}}, "phone", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := Compile(models.Criteria{tc.field: tc.cond})
			require.NoError(t, err)
			assert.Equal(t, tc.want, p.Match(alice))
		})
	}
}

func TestCompileCombinesWithAnd(t *testing.T) {
	p, err := Compile(models.Criteria{
		"tier": {Operator: "equals", Value: "gold"},
		"age":  {Operator: "greater_than", Value: 40},
	})
	require.NoError(t, err)

	assert.False(t, p.Match(rec("tier", "gold", "age", 30)))
	assert.True(t, p.Match(rec("tier", "gold", "age", 41)))
	assert.False(t, p.Match(rec("tier", "silver", "age", 41)))
}

func TestEmptyCriteriaMatchesAll(t *testing.T) {
	p, err := Compile(nil)
	require.NoError(t, err)
	assert.True(t, p.Empty())
	assert.True(t, p.Match(rec("anything", 1)))
	assert.True(t, p.Match(models.Record{}))

	var nilPredicate *Predicate
	assert.True(t, nilPredicate.Match(rec("a", "b")))
}

func TestUnknownOperatorRejected(t *testing.T) {
	_, err := Compile(models.Criteria{"name": {Operator: "sounds_like", Value: "x"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrUnknownOperator))
}

func TestInvalidOperands(t *testing.T) {
	_, err := Compile(models.Criteria{"joined": {Operator: "after", Value: "yesterday"}})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, err = Compile(models.Criteria{"tier": {Operator: "in", Value: 7}})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestUnparseableRecordTimestampNeverMatches(t *testing.T) {
	p, err := Compile(models.Criteria{"joined": {Operator: "before", Value: "2030-01-01"}})
	require.NoError(t, err)
	assert.False(t, p.Match(rec("joined", "not a date")))
}

func TestKeyLookup(t *testing.T) {
	p := Equals([]string{"email"}, []string{"a@example.com"})
	values, ok := p.KeyLookup([]string{"email"})
	require.True(t, ok)
	assert.Equal(t, []string{"a@example.com"}, values)

	_, ok = p.KeyLookup([]string{"sku"})
	assert.False(t, ok)

	q, err := Compile(models.Criteria{"email": {Operator: "contains", Value: "a"}})
	require.NoError(t, err)
	_, ok = q.KeyLookup([]string{"email"})
	assert.False(t, ok)
}

func TestEqualities(t *testing.T) {
	p, err := Compile(models.Criteria{
		"sku":  {Operator: "equals", Value: "A-1"},
		"size": {Operator: "equals", Value: 3},
	})
	require.NoError(t, err)
	eq, ok := p.Equalities()
	require.True(t, ok)
	assert.Equal(t, map[string]string{"sku": "A-1", "size": "3"}, eq)

	_, ok = All().Equalities()
	assert.False(t, ok)
}
