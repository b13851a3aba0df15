package mapper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulk-transfer-engine/internal/models"
)

func TestApplyDropsUnmappedColumns(t *testing.T) {
	m, err := New([]models.FieldMap{
		{Source: "E-mail", Target: "email"},
		{Source: "First Name", Target: "first_name"},
	})
	require.NoError(t, err)

	got := m.Apply(Row{"E-mail": "a@example.com", "First Name": "Ann", "Notes": "drop me"})
	assert.Equal(t, models.Record{"email": "a@example.com", "first_name": "Ann"}, got)
}

func TestApplyDoesNotCoerce(t *testing.T) {
	m, err := New([]models.FieldMap{{Source: "age", Target: "age"}})
	require.NoError(t, err)

	got := m.Apply(Row{"age": "forty"})
	assert.Equal(t, "forty", got["age"])
}

func TestApplyMissingColumnLeavesFieldOut(t *testing.T) {
	m, err := New([]models.FieldMap{{Source: "phone", Target: "phone"}})
	require.NoError(t, err)

	got := m.Apply(Row{"email": "x@example.com"})
	_, ok := got["phone"]
	assert.False(t, ok)
}

func TestNewRejectsBadMappings(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, err = New([]models.FieldMap{{Source: " ", Target: "email"}})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, err = New([]models.FieldMap{{Source: "a", Target: "x"}, {Source: "b", Target: "x"}})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestMissingAndCleanColumn(t *testing.T) {
	m, err := New(Identity([]string{"email", "sku"}))
	require.NoError(t, err)

	assert.Equal(t, []string{"sku"}, m.Missing([]string{"\ufeffemail", "name"}))
	assert.Equal(t, "Total", CleanColumn(` ="Total" `))
}
