package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"bulk-transfer-engine/internal/models"
)

// Postgres wraps pgxpool for job persistence.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ JobStore = (*Postgres)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Pool exposes the connection pool so the entity store can share it.
func (s *Postgres) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateImportJob inserts a pending import job.
func (s *Postgres) CreateImportJob(ctx context.Context, p CreateImportParams) (models.ImportJob, error) {
	mappingJSON, err := json.Marshal(p.FieldMapping)
	if err != nil {
		return models.ImportJob{}, fmt.Errorf("marshal field mapping: %w", err)
	}
	optionsJSON, err := json.Marshal(p.Options)
	if err != nil {
		return models.ImportJob{}, fmt.Errorf("marshal options: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO import_jobs (id, entity_type, source_key, source_size, field_mapping, options, status, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, id, p.EntityType, p.SourceFile.Key, p.SourceFile.Size, mappingJSON, optionsJSON, models.StatusPending, p.CreatedBy, now)
	if err != nil {
		return models.ImportJob{}, fmt.Errorf("insert import job: %w", err)
	}

	return models.ImportJob{
		ID:           id,
		EntityType:   p.EntityType,
		SourceFile:   p.SourceFile,
		FieldMapping: p.FieldMapping,
		Options:      p.Options,
		Status:       models.StatusPending,
		Errors:       []models.RowError{},
		CreatedBy:    p.CreatedBy,
		CreatedAt:    now,
	}, nil
}

// GetImportJob fetches an import job by id.
func (s *Postgres) GetImportJob(ctx context.Context, id string) (models.ImportJob, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.ImportJob{}, models.ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, entity_type, source_key, source_size, field_mapping, options, status,
		       total_rows, processed_rows, successful_rows, failed_rows, skipped_rows,
		       errors, errors_truncated, cancel_requested, created_by, created_at, started_at, completed_at
		FROM import_jobs WHERE id = $1
	`, id)

	var job models.ImportJob
	var mappingJSON, optionsJSON, errorsJSON []byte
	err := row.Scan(&job.ID, &job.EntityType, &job.SourceFile.Key, &job.SourceFile.Size, &mappingJSON, &optionsJSON, &job.Status,
		&job.TotalRows, &job.ProcessedRows, &job.SuccessfulRows, &job.FailedRows, &job.SkippedRows,
		&errorsJSON, &job.ErrorsTruncated, &job.CancelRequested, &job.CreatedBy, &job.CreatedAt, &job.StartedAt, &job.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ImportJob{}, models.ErrNotFound
		}
		return models.ImportJob{}, fmt.Errorf("scan import job: %w", err)
	}
	if err := json.Unmarshal(mappingJSON, &job.FieldMapping); err != nil {
		return models.ImportJob{}, fmt.Errorf("unmarshal field mapping: %w", err)
	}
	if err := json.Unmarshal(optionsJSON, &job.Options); err != nil {
		return models.ImportJob{}, fmt.Errorf("unmarshal options: %w", err)
	}
	if err := json.Unmarshal(errorsJSON, &job.Errors); err != nil {
		return models.ImportJob{}, fmt.Errorf("unmarshal errors: %w", err)
	}
	return job, nil
}

// StartImport moves a pending import to processing.
func (s *Postgres) StartImport(ctx context.Context, id string) error {
	return s.transition(ctx, models.KindImport, id, models.StatusProcessing, `
		UPDATE import_jobs SET status = $2, started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`)
}

// CheckpointImport writes counters of a processing import.
func (s *Postgres) CheckpointImport(ctx context.Context, id string, p ImportProgress) (bool, error) {
	errorsJSON, err := marshalErrors(p.Errors)
	if err != nil {
		return false, err
	}
	var cancelRequested bool
	err = s.pool.QueryRow(ctx, `
		UPDATE import_jobs
		SET total_rows = $2, processed_rows = $3, successful_rows = $4, failed_rows = $5, skipped_rows = $6,
		    errors = $7, errors_truncated = $8, updated_at = NOW()
		WHERE id = $1 AND status = $9
		RETURNING cancel_requested
	`, id, p.TotalRows, p.ProcessedRows, p.SuccessfulRows, p.FailedRows, p.SkippedRows,
		errorsJSON, p.ErrorsTruncated, models.StatusProcessing).Scan(&cancelRequested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("checkpoint import %s: %w", id, models.ErrInvalidTransition)
	}
	if err != nil {
		return false, fmt.Errorf("checkpoint import %s: %w", id, err)
	}
	return cancelRequested, nil
}

// FinishImport moves an import to a terminal status with its final counters.
func (s *Postgres) FinishImport(ctx context.Context, id, status string, p ImportProgress) error {
	if !models.IsTerminal(models.KindImport, status) {
		return fmt.Errorf("finish import with %q: %w", status, models.ErrInvalidTransition)
	}
	errorsJSON, err := marshalErrors(p.Errors)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE import_jobs
		SET status = $2, total_rows = $3, processed_rows = $4, successful_rows = $5, failed_rows = $6, skipped_rows = $7,
		    errors = $8, errors_truncated = $9, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = ANY($10)
	`, id, status, p.TotalRows, p.ProcessedRows, p.SuccessfulRows, p.FailedRows, p.SkippedRows,
		errorsJSON, p.ErrorsTruncated, models.SourcesFor(models.KindImport, status))
	if err != nil {
		return fmt.Errorf("finish import %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish import %s as %s: %w", id, status, models.ErrInvalidTransition)
	}
	return nil
}

// FailImport fails a pending or processing import, keeping any row errors
// committed at earlier checkpoints ahead of the job-level entry.
func (s *Postgres) FailImport(ctx context.Context, id, reason string) error {
	errorsJSON, err := marshalErrors(jobLevelError(reason))
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE import_jobs SET status = $2, errors = errors || $3::jsonb, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)
	`, id, models.StatusFailed, errorsJSON, models.SourcesFor(models.KindImport, models.StatusFailed))
	if err != nil {
		return fmt.Errorf("fail import %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail import %s: %w", id, models.ErrInvalidTransition)
	}
	return nil
}

// RequestImportCancel cancels a pending import or flags a processing one.
func (s *Postgres) RequestImportCancel(ctx context.Context, id string) (models.ImportJob, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.ImportJob{}, models.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE import_jobs
		SET cancel_requested = TRUE,
		    status = CASE WHEN status = $2 THEN $3 ELSE status END,
		    completed_at = CASE WHEN status = $2 THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status IN ($2, $4)
	`, id, models.StatusPending, models.StatusCancelled, models.StatusProcessing)
	if err != nil {
		return models.ImportJob{}, fmt.Errorf("cancel import %s: %w", id, err)
	}
	job, err := s.GetImportJob(ctx, id)
	if err != nil {
		return models.ImportJob{}, err
	}
	if tag.RowsAffected() == 0 {
		return job, fmt.Errorf("cancel import in status %s: %w", job.Status, models.ErrInvalidTransition)
	}
	return job, nil
}

// CreateExportJob inserts a pending export job with a fixed expiry.
func (s *Postgres) CreateExportJob(ctx context.Context, p CreateExportParams) (models.ExportJob, error) {
	filters := p.Filters
	if filters == nil {
		filters = models.Criteria{}
	}
	selected := p.SelectedFields
	if selected == nil {
		selected = []string{}
	}
	filtersJSON, err := json.Marshal(filters)
	if err != nil {
		return models.ExportJob{}, fmt.Errorf("marshal filters: %w", err)
	}
	selectedJSON, err := json.Marshal(selected)
	if err != nil {
		return models.ExportJob{}, fmt.Errorf("marshal selected fields: %w", err)
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	job := models.ExportJob{
		ID:             id,
		EntityType:     p.EntityType,
		Format:         p.Format,
		FileName:       p.FileName(now),
		Filters:        filters,
		SelectedFields: selected,
		Status:         models.StatusPending,
		CreatedBy:      p.CreatedBy,
		CreatedAt:      now,
		ExpiresAt:      now.Add(p.TTL),
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO export_jobs (id, entity_type, export_format, file_name, filters, selected_fields, status, created_by, created_at, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $9)
	`, job.ID, job.EntityType, job.Format, job.FileName, filtersJSON, selectedJSON, job.Status, job.CreatedBy, job.CreatedAt, job.ExpiresAt)
	if err != nil {
		return models.ExportJob{}, fmt.Errorf("insert export job: %w", err)
	}
	return job, nil
}

const exportColumns = `
	id, entity_type, export_format, file_name, filters, selected_fields, status, total_records,
	artifact_ref, artifact_size, error, created_by, created_at, expires_at, started_at, completed_at`

// GetExportJob fetches an export job by id. The stored status is returned as
// is; callers apply lazy expiry.
func (s *Postgres) GetExportJob(ctx context.Context, id string) (models.ExportJob, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.ExportJob{}, models.ErrNotFound
	}
	job, err := scanExport(s.pool.QueryRow(ctx, `SELECT `+exportColumns+` FROM export_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ExportJob{}, models.ErrNotFound
	}
	return job, err
}

// StartExport moves a pending export to processing.
func (s *Postgres) StartExport(ctx context.Context, id string) error {
	return s.transition(ctx, models.KindExport, id, models.StatusProcessing, `
		UPDATE export_jobs SET status = $2, started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`)
}

// CompleteExport records the artifact and marks the export completed.
func (s *Postgres) CompleteExport(ctx context.Context, id string, totalRecords int64, artifactRef string, artifactSize int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE export_jobs
		SET status = $2, total_records = $3, artifact_ref = $4, artifact_size = $5, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = ANY($6)
	`, id, models.StatusCompleted, totalRecords, artifactRef, artifactSize, models.SourcesFor(models.KindExport, models.StatusCompleted))
	if err != nil {
		return fmt.Errorf("complete export %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete export %s: %w", id, models.ErrInvalidTransition)
	}
	return nil
}

// FailExport marks an export failed. No artifact is recorded.
func (s *Postgres) FailExport(ctx context.Context, id, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE export_jobs SET status = $2, error = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)
	`, id, models.StatusFailed, truncateReason(reason), models.SourcesFor(models.KindExport, models.StatusFailed))
	if err != nil {
		return fmt.Errorf("fail export %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail export %s: %w", id, models.ErrInvalidTransition)
	}
	return nil
}

func (s *Postgres) ListPurgeableExports(ctx context.Context, now time.Time, limit int) ([]models.ExportJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+exportColumns+` FROM export_jobs
		WHERE status = $1 AND expires_at < $2 AND artifact_purged_at IS NULL
		ORDER BY expires_at
		LIMIT $3
	`, models.StatusCompleted, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query purgeable exports: %w", err)
	}
	defer rows.Close()

	var out []models.ExportJob
	for rows.Next() {
		job, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Postgres) MarkArtifactPurged(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE export_jobs SET artifact_purged_at = NOW(), updated_at = NOW() WHERE id = $1
	`, id)
	return err
}

// AppendEvent adds a job history row.
func (s *Postgres) AppendEvent(ctx context.Context, kind models.JobKind, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_events (job_kind, job_id, event, detail, recorded_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, string(kind), jobID, event, detail)
	return err
}

func (s *Postgres) transition(ctx context.Context, kind models.JobKind, id, to, sql string) error {
	tag, err := s.pool.Exec(ctx, sql, id, to, models.SourcesFor(kind, to))
	if err != nil {
		return fmt.Errorf("%s %s -> %s: %w", kind, id, to, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s -> %s: %w", kind, id, to, models.ErrInvalidTransition)
	}
	return nil
}

func scanExport(row pgx.Row) (models.ExportJob, error) {
	var job models.ExportJob
	var filtersJSON, selectedJSON []byte
	var artifactRef, jobErr pgtype.Text
	err := row.Scan(&job.ID, &job.EntityType, &job.Format, &job.FileName, &filtersJSON, &selectedJSON, &job.Status, &job.TotalRecords,
		&artifactRef, &job.ArtifactSize, &jobErr, &job.CreatedBy, &job.CreatedAt, &job.ExpiresAt, &job.StartedAt, &job.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ExportJob{}, err
		}
		return models.ExportJob{}, fmt.Errorf("scan export job: %w", err)
	}
	if err := json.Unmarshal(filtersJSON, &job.Filters); err != nil {
		return models.ExportJob{}, fmt.Errorf("unmarshal filters: %w", err)
	}
	if err := json.Unmarshal(selectedJSON, &job.SelectedFields); err != nil {
		return models.ExportJob{}, fmt.Errorf("unmarshal selected fields: %w", err)
	}
	job.ArtifactRef = artifactRef.String
	job.Error = jobErr.String
	return job, nil
}

func marshalErrors(errs []models.RowError) ([]byte, error) {
	if errs == nil {
		errs = []models.RowError{}
	}
	b, err := json.Marshal(errs)
	if err != nil {
		return nil, fmt.Errorf("marshal row errors: %w", err)
	}
	return b, nil
}
