// Package criteria compiles declarative filter descriptions into predicates
// that entity stores evaluate against records.
package criteria

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"bulk-transfer-engine/internal/models"
)

// Supported operators.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpStartsWith  = "starts_with"
	OpEndsWith    = "ends_with"
	OpIsEmpty     = "is_empty"
	OpIsNotEmpty  = "is_not_empty"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpAfter       = "after"
	OpBefore      = "before"
	OpIn          = "in"
	OpNotIn       = "not_in"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Predicate is a compiled criteria tree. The zero value matches everything.
type Predicate struct {
	clauses []clause
}

type clause struct {
	field string
	op    string
	// raw is the stringified operand for equality clauses.
	raw   string
	match func(value any, present bool) bool
}

// All returns a predicate that matches every record.
func All() *Predicate {
	return &Predicate{}
}

// Equals builds a predicate requiring each field to equal the value at the same
// index. It is how natural-key lookups are expressed.
func Equals(fields, values []string) *Predicate {
	p := &Predicate{}
	for i, f := range fields {
		want := ""
		if i < len(values) {
			want = values[i]
		}
		p.clauses = append(p.clauses, equalsClause(f, want))
	}
	return p
}

// Compile validates c and returns its predicate. Unknown operators are
// rejected with models.ErrUnknownOperator rather than silently ignored.
func Compile(c models.Criteria) (*Predicate, error) {
	fields := make([]string, 0, len(c))
	for f := range c {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	p := &Predicate{clauses: make([]clause, 0, len(fields))}
	for _, field := range fields {
		if strings.TrimSpace(field) == "" {
			return nil, fmt.Errorf("%w: empty field name in filters", models.ErrInvalidRequest)
		}
		cl, err := compileCondition(field, c[field])
		if err != nil {
			return nil, err
		}
		p.clauses = append(p.clauses, cl)
	}
	return p, nil
}

func compileCondition(field string, cond models.Condition) (clause, error) {
	op := strings.ToLower(strings.TrimSpace(cond.Operator))
	cl := clause{field: field, op: op}

	switch op {
	case OpEquals:
		return equalsClause(field, Stringify(cond.Value)), nil
	case OpNotEquals:
		want := Stringify(cond.Value)
		cl.match = func(v any, present bool) bool { return !present || Stringify(v) != want }
	case OpContains, OpNotContains, OpStartsWith, OpEndsWith:
		needle := strings.ToLower(Stringify(cond.Value))
		test := textTest(op, needle)
		if op == OpNotContains {
			cl.match = func(v any, present bool) bool { return !present || !test(v) }
		} else {
			cl.match = func(v any, present bool) bool { return present && test(v) }
		}
	case OpIsEmpty:
		cl.match = func(v any, present bool) bool { return !present || isEmpty(v) }
	case OpIsNotEmpty:
		cl.match = func(v any, present bool) bool { return present && !isEmpty(v) }
	case OpGreaterThan, OpLessThan:
		want := Stringify(cond.Value)
		sign := 1
		if op == OpLessThan {
			sign = -1
		}
		cl.match = func(v any, present bool) bool {
			return present && !isEmpty(v) && compareValues(Stringify(v), want)*sign > 0
		}
	case OpAfter, OpBefore:
		bound, ok := ParseTime(cond.Value)
		if !ok {
			return clause{}, fmt.Errorf("%w: field %q: %s needs a timestamp, got %v", models.ErrInvalidRequest, field, op, cond.Value)
		}
		after := op == OpAfter
		cl.match = func(v any, present bool) bool {
			if !present {
				return false
			}
			ts, ok := ParseTime(v)
			if !ok {
				return false
			}
			if after {
				return ts.After(bound)
			}
			return ts.Before(bound)
		}
	case OpIn, OpNotIn:
		set, err := toSet(cond.Value)
		if err != nil {
			return clause{}, fmt.Errorf("%w: field %q: %v", models.ErrInvalidRequest, field, err)
		}
		negate := op == OpNotIn
		cl.match = func(v any, present bool) bool {
			_, hit := set[Stringify(v)]
			if negate {
				return !present || !hit
			}
			return present && hit
		}
	default:
		return clause{}, fmt.Errorf("%w: %q on field %q", models.ErrUnknownOperator, cond.Operator, field)
	}
	return cl, nil
}

func equalsClause(field, want string) clause {
	return clause{
		field: field,
		op:    OpEquals,
		raw:   want,
		match: func(v any, present bool) bool { return present && Stringify(v) == want },
	}
}

// Match reports whether r satisfies every clause.
func (p *Predicate) Match(r models.Record) bool {
	if p == nil {
		return true
	}
	for _, cl := range p.clauses {
		v, present := r[cl.field]
		if present && v == nil {
			present = cl.op == OpIsEmpty || cl.op == OpIsNotEmpty
		}
		if !cl.match(v, present) {
			return false
		}
	}
	return true
}

// Empty reports whether the predicate has no clauses.
func (p *Predicate) Empty() bool {
	return p == nil || len(p.clauses) == 0
}

// Equalities returns the field/operand pairs when every clause is an equality
// test. Stores push such predicates down to their query layer.
func (p *Predicate) Equalities() (map[string]string, bool) {
	if p.Empty() {
		return nil, false
	}
	out := make(map[string]string, len(p.clauses))
	for _, cl := range p.clauses {
		if cl.op != OpEquals {
			return nil, false
		}
		out[cl.field] = cl.raw
	}
	return out, true
}

// KeyLookup returns the equality operands for fields, in order, when the
// predicate consists solely of equality clauses on exactly those fields.
func (p *Predicate) KeyLookup(fields []string) ([]string, bool) {
	eq, ok := p.Equalities()
	if !ok || len(fields) == 0 || len(eq) != len(fields) {
		return nil, false
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		v, ok := eq[f]
		if !ok {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}

func textTest(op, needle string) func(any) bool {
	return func(v any) bool {
		s := strings.ToLower(Stringify(v))
		switch op {
		case OpStartsWith:
			return strings.HasPrefix(s, needle)
		case OpEndsWith:
			return strings.HasSuffix(s, needle)
		default:
			return strings.Contains(s, needle)
		}
	}
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// compareValues orders a and b numerically when both parse as numbers and
// lexicographically otherwise.
func compareValues(a, b string) int {
	fa, errA := strconv.ParseFloat(strings.TrimSpace(a), 64)
	fb, errB := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if errA == nil && errB == nil {
		switch {
		case fa > fb:
			return 1
		case fa < fb:
			return -1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

func toSet(v any) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			set[Stringify(item)] = struct{}{}
		}
	case []string:
		for _, item := range t {
			set[item] = struct{}{}
		}
	case string:
		for _, item := range strings.Split(t, ",") {
			set[strings.TrimSpace(item)] = struct{}{}
		}
	default:
		return nil, fmt.Errorf("set operand must be a list or comma separated string, got %T", v)
	}
	return set, nil
}

// Stringify renders a record or operand value in the canonical form used for
// comparisons and delimited-text output.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}

// ParseTime accepts time.Time values and strings in the supported layouts.
func ParseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}
