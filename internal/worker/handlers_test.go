package worker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulk-transfer-engine/internal/config"
	"bulk-transfer-engine/internal/criteria"
	"bulk-transfer-engine/internal/entity"
	"bulk-transfer-engine/internal/export"
	"bulk-transfer-engine/internal/filestore"
	"bulk-transfer-engine/internal/models"
	"bulk-transfer-engine/internal/queue"
	"bulk-transfer-engine/internal/store"
)

type fixture struct {
	cfg      config.Config
	jobs     *store.Memory
	entities *entity.MemoryStore
	registry *entity.Registry
	files    *filestore.LocalStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := entity.DefaultRegistry()
	return &fixture{
		cfg:      config.Config{ImportCheckpointRows: 100, MaxRowErrors: 1000},
		jobs:     store.NewMemory(),
		entities: entity.NewMemoryStore(registry),
		registry: registry,
		files:    filestore.NewLocalStore(t.TempDir()),
	}
}

func noHeartbeat(context.Context) error { return nil }

func (f *fixture) upload(t *testing.T, body string) string {
	t.Helper()
	ref, err := f.files.Put(context.Background(), "uploads/"+t.Name()+".csv", strings.NewReader(body), "text/csv")
	require.NoError(t, err)
	return ref
}

func (f *fixture) submitImport(t *testing.T, entityType, ref string, mapping []models.FieldMap, opts models.ImportOptions) models.ImportJob {
	t.Helper()
	job, err := f.jobs.CreateImportJob(context.Background(), store.CreateImportParams{
		EntityType:   entityType,
		SourceFile:   models.FileRef{Key: ref},
		FieldMapping: mapping,
		Options:      opts,
		CreatedBy:    "tester",
	})
	require.NoError(t, err)
	return job
}

func (f *fixture) runImport(t *testing.T, ctx context.Context, jobs store.JobStore, id string) models.ImportJob {
	t.Helper()
	h := NewImportHandler(f.cfg, jobs, f.entities, f.registry, f.files)
	require.NoError(t, h.Handle(ctx, id, noHeartbeat))
	job, err := f.jobs.GetImportJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (f *fixture) seed(t *testing.T, entityType string, recs ...models.Record) {
	t.Helper()
	for _, rec := range recs {
		_, err := f.entities.Create(context.Background(), entityType, rec)
		require.NoError(t, err)
	}
}

func contactMapping() []models.FieldMap {
	return []models.FieldMap{
		{Source: "Email", Target: "email"},
		{Source: "First Name", Target: "first_name"},
	}
}

func TestImportRowFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t)
	ref := f.upload(t, "SKU,Name,Price\nP-1,Pen,1.50\nP-2,Pencil,abc\nP-3,Paper,3\n")
	job := f.submitImport(t, "products", ref, []models.FieldMap{
		{Source: "SKU", Target: "sku"},
		{Source: "Name", Target: "name"},
		{Source: "Price", Target: "price"},
	}, models.ImportOptions{})

	got := f.runImport(t, context.Background(), f.jobs, job.ID)

	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, models.ImportCounters{TotalRows: 3, ProcessedRows: 3, SuccessfulRows: 2, FailedRows: 1}, got.ImportCounters)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, int64(2), got.Errors[0].RowNumber)
	assert.Contains(t, got.Errors[0].Message, "price")
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 2, f.entities.Count("products"))
}

func TestImportSkipDuplicates(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "contacts",
		models.Record{"email": "a@x.io", "first_name": "Ann"},
		models.Record{"email": "b@x.io", "first_name": "Bo"},
	)
	ref := f.upload(t, "Email,First Name\na@x.io,Other\nc@x.io,Cy\nb@x.io,Other\nd@x.io,Di\nc@x.io,Again\n")
	job := f.submitImport(t, "contacts", ref, contactMapping(), models.ImportOptions{SkipDuplicates: true})

	got := f.runImport(t, context.Background(), f.jobs, job.ID)

	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, int64(5), got.ProcessedRows)
	// Two pre-existing keys plus the repeated c@x.io inside the file.
	assert.Equal(t, int64(3), got.SkippedRows)
	assert.Equal(t, int64(2), got.SuccessfulRows)
	assert.Zero(t, got.FailedRows)
	assert.True(t, got.Consistent())

	rec, found, err := f.entities.FindOne(context.Background(), "contacts", criteria.Equals([]string{"email"}, []string{"a@x.io"}))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Ann", rec["first_name"])
}

func TestImportUpdateExistingUpserts(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "contacts", models.Record{"email": "a@x.io", "first_name": "Ann", "age": "30"})
	ref := f.upload(t, "Email,First Name\na@x.io,Anna\nn@x.io,New\n")
	job := f.submitImport(t, "contacts", ref, contactMapping(), models.ImportOptions{UpdateExisting: true})

	got := f.runImport(t, context.Background(), f.jobs, job.ID)

	assert.Equal(t, int64(2), got.SuccessfulRows)
	assert.Equal(t, 2, f.entities.Count("contacts"))
	rec, _, err := f.entities.FindOne(context.Background(), "contacts", criteria.Equals([]string{"email"}, []string{"a@x.io"}))
	require.NoError(t, err)
	assert.Equal(t, "Anna", rec["first_name"])
	assert.Equal(t, float64(30), rec["age"])
}

func TestImportCustomNaturalKey(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "contacts", models.Record{"email": "a@x.io", "phone": "555-1"})
	ref := f.upload(t, "Email,Phone\nb@x.io,555-1\nc@x.io,555-2\n")
	job := f.submitImport(t, "contacts", ref, []models.FieldMap{
		{Source: "Email", Target: "email"},
		{Source: "Phone", Target: "phone"},
	}, models.ImportOptions{SkipDuplicates: true, NaturalKey: []string{"phone"}})

	got := f.runImport(t, context.Background(), f.jobs, job.ID)

	assert.Equal(t, int64(1), got.SkippedRows)
	assert.Equal(t, int64(1), got.SuccessfulRows)
}

func TestImportTypedNaturalKeyMatchesStoredValue(t *testing.T) {
	cases := []struct {
		name   string
		key    string
		column string
		cell   string
	}{
		{name: "number", key: "age", column: "Age", cell: "30.0"},
		{name: "date", key: "signed_up_on", column: "Signed Up", cell: "2024-01-02 00:00:00"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mapping := []models.FieldMap{
				{Source: "Email", Target: "email"},
				{Source: tc.column, Target: tc.key},
			}
			body := "Email," + tc.column + "\nz@x.io," + tc.cell + "\n"

			t.Run("skip duplicates", func(t *testing.T) {
				f := newFixture(t)
				f.seed(t, "contacts", models.Record{"email": "a@x.io", "age": "30", "signed_up_on": "2024-01-02"})
				job := f.submitImport(t, "contacts", f.upload(t, body), mapping,
					models.ImportOptions{SkipDuplicates: true, NaturalKey: []string{tc.key}})

				got := f.runImport(t, context.Background(), f.jobs, job.ID)

				assert.Equal(t, int64(1), got.SkippedRows)
				assert.Zero(t, got.SuccessfulRows)
				assert.Equal(t, 1, f.entities.Count("contacts"))
			})
			t.Run("update existing", func(t *testing.T) {
				f := newFixture(t)
				f.seed(t, "contacts", models.Record{"email": "a@x.io", "age": "30", "signed_up_on": "2024-01-02"})
				job := f.submitImport(t, "contacts", f.upload(t, body), mapping,
					models.ImportOptions{UpdateExisting: true, NaturalKey: []string{tc.key}})

				got := f.runImport(t, context.Background(), f.jobs, job.ID)

				assert.Equal(t, int64(1), got.SuccessfulRows)
				assert.Equal(t, 1, f.entities.Count("contacts"))
				_, found, err := f.entities.FindOne(context.Background(), "contacts", criteria.Equals([]string{"email"}, []string{"z@x.io"}))
				require.NoError(t, err)
				assert.True(t, found)
			})
		})
	}
}

func TestImportMalformedNaturalKeyIsRowError(t *testing.T) {
	f := newFixture(t)
	ref := f.upload(t, "Email,Age\na@x.io,thirty\nb@x.io,31\n")
	job := f.submitImport(t, "contacts", ref, []models.FieldMap{
		{Source: "Email", Target: "email"},
		{Source: "Age", Target: "age"},
	}, models.ImportOptions{SkipDuplicates: true, NaturalKey: []string{"age"}})

	got := f.runImport(t, context.Background(), f.jobs, job.ID)

	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, int64(1), got.FailedRows)
	assert.Equal(t, int64(1), got.SuccessfulRows)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, int64(1), got.Errors[0].RowNumber)
	assert.Contains(t, got.Errors[0].Message, "age")
}

func TestImportPlainInsertReportsDuplicateAsRowError(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "contacts", models.Record{"email": "a@x.io"})
	ref := f.upload(t, "Email,First Name\na@x.io,Ann\n")
	job := f.submitImport(t, "contacts", ref, contactMapping(), models.ImportOptions{})

	got := f.runImport(t, context.Background(), f.jobs, job.ID)

	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, int64(1), got.FailedRows)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, int64(1), got.Errors[0].RowNumber)
}

func TestImportCapsRowErrors(t *testing.T) {
	f := newFixture(t)
	f.cfg.MaxRowErrors = 2
	ref := f.upload(t, "Email\nbad1\nbad2\nbad3\nbad4\nok@x.io\n")
	job := f.submitImport(t, "contacts", ref, []models.FieldMap{{Source: "Email", Target: "email"}}, models.ImportOptions{})

	got := f.runImport(t, context.Background(), f.jobs, job.ID)

	assert.Equal(t, int64(4), got.FailedRows)
	assert.Len(t, got.Errors, 2)
	assert.Equal(t, int64(2), got.ErrorsTruncated)
	assert.Equal(t, got.FailedRows, int64(len(got.Errors))+got.ErrorsTruncated)
}

func TestImportJobLevelFailures(t *testing.T) {
	cases := []struct {
		name       string
		entityType string
		body       string
		mapping    []models.FieldMap
		want       string
	}{
		{name: "unknown entity type", entityType: "widgets", body: "Email\na@x.io\n", mapping: contactMapping()[:1], want: "unknown entity type"},
		{name: "missing column", entityType: "contacts", body: "Mail\na@x.io\n", mapping: contactMapping()[:1], want: "missing mapped columns"},
		{name: "empty file", entityType: "contacts", body: "", mapping: contactMapping()[:1], want: "cannot read source file"},
		{name: "bad natural key", entityType: "contacts", body: "Email\na@x.io\n", mapping: contactMapping()[:1], want: "natural key"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ref := f.upload(t, tc.body)
			opts := models.ImportOptions{}
			if tc.name == "bad natural key" {
				opts.NaturalKey = []string{"nope"}
			}
			job := f.submitImport(t, tc.entityType, ref, tc.mapping, opts)

			got := f.runImport(t, context.Background(), f.jobs, job.ID)

			assert.Equal(t, models.StatusFailed, got.Status)
			assert.Zero(t, got.ProcessedRows)
			require.Len(t, got.Errors, 1)
			assert.Equal(t, int64(0), got.Errors[0].RowNumber)
			assert.Contains(t, got.Errors[0].Message, tc.want)
		})
	}
}

func TestImportMissingSourceFile(t *testing.T) {
	f := newFixture(t)
	job := f.submitImport(t, "contacts", "uploads/nope.csv", contactMapping(), models.ImportOptions{})

	got := f.runImport(t, context.Background(), f.jobs, job.ID)

	assert.Equal(t, models.StatusFailed, got.Status)
	require.Len(t, got.Errors, 1)
	assert.Contains(t, got.Errors[0].Message, "cannot read source file")
}

func TestImportTimeout(t *testing.T) {
	f := newFixture(t)
	ref := f.upload(t, "Email\na@x.io\n")
	job := f.submitImport(t, "contacts", ref, contactMapping()[:1], models.ImportOptions{})

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	got := f.runImport(t, ctx, f.jobs, job.ID)

	assert.Equal(t, models.StatusFailed, got.Status)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "job timed out", got.Errors[0].Message)
}

func TestImportStopsWhenLeaseIsLost(t *testing.T) {
	f := newFixture(t)
	ref := f.upload(t, "Email\na@x.io\n")
	job := f.submitImport(t, "contacts", ref, contactMapping()[:1], models.ImportOptions{})

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(queue.ErrLeaseLost)
	got := f.runImport(t, ctx, f.jobs, job.ID)

	assert.Equal(t, models.StatusFailed, got.Status)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, leaseExpiredReason, got.Errors[0].Message)
	assert.Zero(t, f.entities.Count("contacts"))
}

// cancellingStore requests cancellation the first time a checkpoint is written.
type cancellingStore struct {
	*store.Memory
	done bool
}

func (c *cancellingStore) CheckpointImport(ctx context.Context, id string, p store.ImportProgress) (bool, error) {
	if !c.done {
		c.done = true
		if _, err := c.Memory.RequestImportCancel(ctx, id); err != nil {
			return false, err
		}
	}
	return c.Memory.CheckpointImport(ctx, id, p)
}

// recordingStore keeps every checkpoint payload the handler writes.
type recordingStore struct {
	*store.Memory
	checkpoints []store.ImportProgress
}

func (r *recordingStore) CheckpointImport(ctx context.Context, id string, p store.ImportProgress) (bool, error) {
	r.checkpoints = append(r.checkpoints, p)
	return r.Memory.CheckpointImport(ctx, id, p)
}

func TestImportCheckpointsStayConsistent(t *testing.T) {
	f := newFixture(t)
	f.cfg.ImportCheckpointRows = 2
	f.seed(t, "contacts", models.Record{"email": "a@x.io"})
	// succeed, fail, skip, succeed, fail
	ref := f.upload(t, "Email\nb@x.io\nnope\na@x.io\nc@x.io\nx\n")
	job := f.submitImport(t, "contacts", ref, contactMapping()[:1], models.ImportOptions{SkipDuplicates: true})

	rec := &recordingStore{Memory: f.jobs}
	got := f.runImport(t, context.Background(), rec, job.ID)

	require.Len(t, rec.checkpoints, 2, "5 rows at a cadence of 2 give 2 checkpoints")
	for i, p := range rec.checkpoints {
		assert.True(t, p.Consistent(), "checkpoint %d: %+v", i, p.ImportCounters)
		assert.Equal(t, int64(2*(i+1)), p.ProcessedRows)
		assert.Equal(t, int64(5), p.TotalRows)
	}
	assert.Equal(t, models.ImportCounters{TotalRows: 5, ProcessedRows: 2, SuccessfulRows: 1, FailedRows: 1}, rec.checkpoints[0].ImportCounters)
	assert.Equal(t, models.ImportCounters{TotalRows: 5, ProcessedRows: 4, SuccessfulRows: 2, FailedRows: 1, SkippedRows: 1}, rec.checkpoints[1].ImportCounters)

	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, models.ImportCounters{TotalRows: 5, ProcessedRows: 5, SuccessfulRows: 2, FailedRows: 2, SkippedRows: 1}, got.ImportCounters)
	assert.True(t, got.Consistent())
}

func TestImportCancelledAtCheckpoint(t *testing.T) {
	f := newFixture(t)
	f.cfg.ImportCheckpointRows = 1
	ref := f.upload(t, "Email\na@x.io\nb@x.io\nc@x.io\n")
	job := f.submitImport(t, "contacts", ref, contactMapping()[:1], models.ImportOptions{})

	got := f.runImport(t, context.Background(), &cancellingStore{Memory: f.jobs}, job.ID)

	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, int64(3), got.TotalRows)
	assert.Equal(t, int64(1), got.ProcessedRows)
	assert.Equal(t, 1, f.entities.Count("contacts"))
}

func TestImportSkipsJobNotPending(t *testing.T) {
	f := newFixture(t)
	ref := f.upload(t, "Email\na@x.io\n")
	job := f.submitImport(t, "contacts", ref, contactMapping()[:1], models.ImportOptions{})
	_, err := f.jobs.RequestImportCancel(context.Background(), job.ID)
	require.NoError(t, err)

	got := f.runImport(t, context.Background(), f.jobs, job.ID)

	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Zero(t, f.entities.Count("contacts"))
}

func (f *fixture) submitExport(t *testing.T, entityType string, format export.Format, filters models.Criteria, fields []string) models.ExportJob {
	t.Helper()
	job, err := f.jobs.CreateExportJob(context.Background(), store.CreateExportParams{
		EntityType:     entityType,
		Format:         string(format),
		Filters:        filters,
		SelectedFields: fields,
		CreatedBy:      "tester",
		TTL:            time.Hour,
		FileName: func(at time.Time) string {
			return export.ArtifactName(entityType, format, at)
		},
	})
	require.NoError(t, err)
	return job
}

func (f *fixture) runExport(t *testing.T, id string) models.ExportJob {
	t.Helper()
	h := NewExportHandler(f.cfg, f.jobs, f.entities, f.registry, f.files)
	require.NoError(t, h.Handle(context.Background(), id, noHeartbeat))
	job, err := f.jobs.GetExportJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestExportFiltersAndSelectsFields(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "contacts",
		models.Record{"email": "a@x.io", "first_name": "Ann", "age": "30"},
		models.Record{"email": "b@x.io", "first_name": "Bo", "age": "20"},
		models.Record{"email": "c@x.io", "first_name": "Cy", "age": "40"},
	)
	job := f.submitExport(t, "contacts", export.FormatCSV,
		models.Criteria{"age": {Operator: "greater_than", Value: 25}}, []string{"email", "age"})

	got := f.runExport(t, job.ID)

	require.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, int64(2), got.TotalRecords)
	assert.True(t, strings.HasPrefix(got.FileName, "contacts_export_"))
	assert.True(t, strings.HasSuffix(got.FileName, ".csv"))

	data, err := filestore.ReadArtifact(context.Background(), f.files, got.ArtifactRef)
	require.NoError(t, err)
	assert.Equal(t, "email,age\na@x.io,30\nc@x.io,40\n", string(data))
	assert.Equal(t, int64(len(data)), got.ArtifactSize)
}

func TestExportZeroMatchesIsHeaderOnly(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "contacts", models.Record{"email": "a@x.io"})
	job := f.submitExport(t, "contacts", export.FormatCSV,
		models.Criteria{"email": {Operator: "ends_with", Value: "@nowhere.io"}}, []string{"email", "first_name"})

	got := f.runExport(t, job.ID)

	require.Equal(t, models.StatusCompleted, got.Status)
	assert.Zero(t, got.TotalRecords)
	data, err := filestore.ReadArtifact(context.Background(), f.files, got.ArtifactRef)
	require.NoError(t, err)
	assert.Equal(t, "email,first_name\n", string(data))
}

func TestExportZeroMatchesWithoutFieldsJSON(t *testing.T) {
	f := newFixture(t)
	job := f.submitExport(t, "contacts", export.FormatJSON, nil, nil)

	got := f.runExport(t, job.ID)

	require.Equal(t, models.StatusCompleted, got.Status)
	data, err := filestore.ReadArtifact(context.Background(), f.files, got.ArtifactRef)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(data))
}

func TestExportUnknownEntityFailsWithoutArtifact(t *testing.T) {
	f := newFixture(t)
	job := f.submitExport(t, "widgets", export.FormatCSV, nil, nil)

	got := f.runExport(t, job.ID)

	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "unknown entity type")
	assert.Empty(t, got.ArtifactRef)
	_, err := f.files.Open(context.Background(), export.ArtifactKey(job.ID, job.FileName))
	assert.ErrorIs(t, err, filestore.ErrNotFound)
}

func TestExportThenImportRoundTrip(t *testing.T) {
	src := newFixture(t)
	recs := []models.Record{
		{"email": "a@x.io", "first_name": "Ann", "age": "30", "subscribed": "true", "signed_up_on": "2024-01-02"},
		{"email": "b@x.io", "first_name": "Bo", "age": "41.5", "subscribed": "false", "signed_up_on": "2023-06-30"},
	}
	src.seed(t, "contacts", recs...)
	exp := src.runExport(t, src.submitExport(t, "contacts", export.FormatCSV, nil, nil).ID)
	require.Equal(t, models.StatusCompleted, exp.Status)

	data, err := filestore.ReadArtifact(context.Background(), src.files, exp.ArtifactRef)
	require.NoError(t, err)

	dst := newFixture(t)
	ref := dst.upload(t, string(data))
	header := strings.Split(strings.SplitN(string(data), "\n", 2)[0], ",")
	imp := dst.submitImport(t, "contacts", ref, identity(header), models.ImportOptions{})
	got := dst.runImport(t, context.Background(), dst.jobs, imp.ID)
	require.Equal(t, models.StatusCompleted, got.Status)
	require.Equal(t, int64(2), got.SuccessfulRows)

	collect := func(st *entity.MemoryStore) []models.Record {
		var out []models.Record
		require.NoError(t, st.FindAll(context.Background(), "contacts", nil, func(r models.Record) error {
			out = append(out, r)
			return nil
		}))
		return out
	}
	assert.ElementsMatch(t, collect(src.entities), collect(dst.entities))
}

func identity(columns []string) []models.FieldMap {
	out := make([]models.FieldMap, 0, len(columns))
	for _, c := range columns {
		out = append(out, models.FieldMap{Source: c, Target: c})
	}
	return out
}
