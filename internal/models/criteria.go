package models

// Condition constrains a single field.
type Condition struct {
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// Criteria maps field names to conditions. Conditions on different fields are
// combined with AND; an empty Criteria matches every record.
type Criteria map[string]Condition
