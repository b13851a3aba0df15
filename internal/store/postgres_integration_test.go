package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulk-transfer-engine/internal/models"
)

func TestPostgresJobStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}
	ctx := context.Background()

	st, err := New(ctx, dsn)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.RunMigrations(ctx))
	require.NoError(t, st.RunMigrations(ctx), "second run must skip applied migrations")
	var applied int
	require.NoError(t, st.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
	assert.Equal(t, 2, applied)

	imp, err := st.CreateImportJob(ctx, CreateImportParams{
		EntityType:   "contacts",
		SourceFile:   models.FileRef{Key: "uploads/a.csv", Size: 10},
		FieldMapping: []models.FieldMap{{Source: "Email", Target: "email"}},
		Options:      models.ImportOptions{SkipDuplicates: true},
		CreatedBy:    "u1",
	})
	require.NoError(t, err)
	require.NoError(t, st.StartImport(ctx, imp.ID))
	assert.ErrorIs(t, st.StartImport(ctx, imp.ID), models.ErrInvalidTransition)

	_, err = st.RequestImportCancel(ctx, imp.ID)
	require.NoError(t, err)
	cancel, err := st.CheckpointImport(ctx, imp.ID, ImportProgress{
		ImportCounters: models.ImportCounters{TotalRows: 2, ProcessedRows: 1, SuccessfulRows: 1},
	})
	require.NoError(t, err)
	assert.True(t, cancel)
	require.NoError(t, st.FinishImport(ctx, imp.ID, models.StatusCancelled, ImportProgress{
		ImportCounters: models.ImportCounters{TotalRows: 2, ProcessedRows: 1, SuccessfulRows: 1},
	}))

	got, err := st.GetImportJob(ctx, imp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.True(t, got.Options.SkipDuplicates)
	assert.Equal(t, int64(1), got.SuccessfulRows)

	stalled, err := st.CreateImportJob(ctx, CreateImportParams{
		EntityType:   "contacts",
		SourceFile:   models.FileRef{Key: "uploads/b.csv", Size: 10},
		FieldMapping: []models.FieldMap{{Source: "Email", Target: "email"}},
		CreatedBy:    "u1",
	})
	require.NoError(t, err)
	require.NoError(t, st.StartImport(ctx, stalled.ID))
	_, err = st.CheckpointImport(ctx, stalled.ID, ImportProgress{
		ImportCounters: models.ImportCounters{TotalRows: 3, ProcessedRows: 1, FailedRows: 1},
		Errors:         []models.RowError{{RowNumber: 1, Message: "bad email"}},
	})
	require.NoError(t, err)
	require.NoError(t, st.FailImport(ctx, stalled.ID, "worker lease expired before the job finished"))
	gotStalled, err := st.GetImportJob(ctx, stalled.ID)
	require.NoError(t, err)
	require.Len(t, gotStalled.Errors, 2)
	assert.Equal(t, int64(1), gotStalled.Errors[0].RowNumber)
	assert.Equal(t, int64(0), gotStalled.Errors[1].RowNumber)

	exp, err := st.CreateExportJob(ctx, CreateExportParams{
		EntityType: "contacts",
		Format:     "json",
		Filters:    models.Criteria{"age": {Operator: "greater_than", Value: float64(30)}},
		CreatedBy:  "u1",
		TTL:        time.Hour,
		FileName:   func(time.Time) string { return "contacts_export.json" },
	})
	require.NoError(t, err)
	require.NoError(t, st.StartExport(ctx, exp.ID))
	require.NoError(t, st.CompleteExport(ctx, exp.ID, 3, "local://exports/x.json", 99))

	gotExp, err := st.GetExportJob(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, gotExp.Status)
	assert.Equal(t, "greater_than", gotExp.Filters["age"].Operator)
	assert.Equal(t, "local://exports/x.json", gotExp.ArtifactRef)

	_, err = st.GetExportJob(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, models.ErrNotFound)
	require.NoError(t, st.AppendEvent(ctx, models.KindExport, exp.ID, "completed", ""))
}
