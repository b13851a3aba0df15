// Package entity holds the entity record stores the bulk pipelines write to
// and read from, together with the schemas they validate records against.
package entity

import (
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"

	"bulk-transfer-engine/internal/criteria"
	"bulk-transfer-engine/internal/models"
)

// FieldType enumerates the value kinds a schema field accepts.
type FieldType string

const (
	FieldText   FieldType = "text"
	FieldNumber FieldType = "number"
	FieldBool   FieldType = "bool"
	FieldDate   FieldType = "date"
	FieldEmail  FieldType = "email"
)

// ErrDuplicateKey is returned by Create when the natural key is taken.
var ErrDuplicateKey = errors.New("duplicate natural key")

// ValidationError describes why a record was rejected.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Message)
}

// FieldSpec defines one field of an entity schema.
type FieldSpec struct {
	Name     string
	Type     FieldType
	Required bool
}

// Schema describes one entity collection.
type Schema struct {
	Name       string
	Fields     []FieldSpec
	NaturalKey []string
}

// Field looks up a field definition by name.
func (s Schema) Field(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// FieldNames lists the schema's fields in declaration order.
func (s Schema) FieldNames() []string {
	out := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		out = append(out, f.Name)
	}
	return out
}

// Validate trims and coerces rec into the schema's types. Empty optional values become
// nil for non-text fields.
func (s Schema) Validate(rec models.Record) (models.Record, error) {
	out := make(models.Record, len(rec))
	for name := range rec {
		if _, ok := s.Field(name); !ok {
			return nil, &ValidationError{Field: name, Message: "unknown field"}
		}
	}
	for _, f := range s.Fields {
		raw, present := rec[f.Name]
		str := strings.TrimSpace(criteria.Stringify(raw))
		if !present || raw == nil || str == "" {
			if f.Required {
				return nil, &ValidationError{Field: f.Name, Message: "required value is missing"}
			}
			if present {
				if f.Type == FieldText {
					out[f.Name] = ""
				} else {
					out[f.Name] = nil
				}
			}
			continue
		}
		v, err := coerce(f.Type, str)
		if err != nil {
			return nil, &ValidationError{Field: f.Name, Message: err.Error()}
		}
		out[f.Name] = v
	}
	return out, nil
}

func coerce(t FieldType, str string) (any, error) {
	switch t {
	case FieldNumber:
		n, err := strconv.ParseFloat(str, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", str)
		}
		return n, nil
	case FieldBool:
		switch strings.ToLower(str) {
		case "yes", "y":
			return true, nil
		case "no", "n":
			return false, nil
		}
		b, err := strconv.ParseBool(str)
		if err != nil {
			return nil, fmt.Errorf("invalid boolean %q", str)
		}
		return b, nil
	case FieldDate:
		ts, ok := criteria.ParseTime(str)
		if !ok {
			return nil, fmt.Errorf("invalid date %q", str)
		}
		if ts.Hour() == 0 && ts.Minute() == 0 && ts.Second() == 0 && ts.Nanosecond() == 0 {
			return ts.Format("2006-01-02"), nil
		}
		return ts.UTC().Format("2006-01-02T15:04:05Z07:00"), nil
	case FieldEmail:
		addr, err := mail.ParseAddress(str)
		if err != nil || addr.Address != str {
			return nil, fmt.Errorf("invalid email %q", str)
		}
		return str, nil
	default:
		return str, nil
	}
}

// KeyValues extracts the natural key of rec. ok is false when any key field is
// missing or blank.
func KeyValues(rec models.Record, fields []string) ([]string, bool) {
	if len(fields) == 0 {
		return nil, false
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		v := strings.TrimSpace(criteria.Stringify(rec[f]))
		if v == "" {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}

// KeyOf coerces the natural key fields of rec through the schema so they
// compare equal to the values stored records carry ("30.0" and "30" are the
// same number key). ok is false when any key value is missing or blank; a key
// value of the wrong type is a *ValidationError.
func (s Schema) KeyOf(rec models.Record, fields []string) ([]string, bool, error) {
	if len(fields) == 0 {
		return nil, false, nil
	}
	out := make([]string, 0, len(fields))
	for _, name := range fields {
		str := strings.TrimSpace(criteria.Stringify(rec[name]))
		if str == "" {
			return nil, false, nil
		}
		f, known := s.Field(name)
		if !known {
			return nil, false, &ValidationError{Field: name, Message: "unknown field"}
		}
		v, err := coerce(f.Type, str)
		if err != nil {
			return nil, false, &ValidationError{Field: name, Message: err.Error()}
		}
		out = append(out, criteria.Stringify(v))
	}
	return out, true, nil
}

// JoinKey renders key values as the single string stores index on.
func JoinKey(values []string) string {
	return strings.Join(values, "\x1f")
}
