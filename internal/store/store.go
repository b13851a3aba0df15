// Package store persists import and export jobs and guards their lifecycle.
// Every state change is conditional on the job's current status, so a
// transition the lifecycle does not allow fails with
// models.ErrInvalidTransition instead of overwriting a terminal job.
package store

import (
	"context"
	"time"

	"bulk-transfer-engine/internal/models"
)

// CreateImportParams collects inputs required to insert an import job.
type CreateImportParams struct {
	EntityType   string
	SourceFile   models.FileRef
	FieldMapping []models.FieldMap
	Options      models.ImportOptions
	CreatedBy    string
}

// CreateExportParams collects inputs required to insert an export job.
type CreateExportParams struct {
	EntityType     string
	Format         string
	Filters        models.Criteria
	SelectedFields []string
	CreatedBy      string
	TTL            time.Duration
	// FileName derives the artifact file name from the creation time.
	FileName func(createdAt time.Time) string
}

// ImportProgress is what a running import checkpoints.
type ImportProgress struct {
	models.ImportCounters
	Errors          []models.RowError
	ErrorsTruncated int64
}

// JobStore is the persistence surface shared by the API and the workers.
type JobStore interface {
	CreateImportJob(ctx context.Context, p CreateImportParams) (models.ImportJob, error)
	GetImportJob(ctx context.Context, id string) (models.ImportJob, error)
	StartImport(ctx context.Context, id string) error
	// CheckpointImport persists progress of a processing import and reports
	// whether cancellation has been requested.
	CheckpointImport(ctx context.Context, id string, p ImportProgress) (bool, error)
	// FinishImport moves an import to a terminal status with its final progress.
	FinishImport(ctx context.Context, id, status string, p ImportProgress) error
	// FailImport records a job-level failure without touching row counters.
	FailImport(ctx context.Context, id, reason string) error
	// RequestImportCancel cancels a pending import outright or flags a
	// processing one for cancellation at its next checkpoint.
	RequestImportCancel(ctx context.Context, id string) (models.ImportJob, error)

	CreateExportJob(ctx context.Context, p CreateExportParams) (models.ExportJob, error)
	GetExportJob(ctx context.Context, id string) (models.ExportJob, error)
	StartExport(ctx context.Context, id string) error
	CompleteExport(ctx context.Context, id string, totalRecords int64, artifactRef string, artifactSize int64) error
	FailExport(ctx context.Context, id, reason string) error
	// ListPurgeableExports returns completed exports expired before now whose
	// artifacts have not been deleted yet.
	ListPurgeableExports(ctx context.Context, now time.Time, limit int) ([]models.ExportJob, error)
	MarkArtifactPurged(ctx context.Context, id string) error

	AppendEvent(ctx context.Context, kind models.JobKind, jobID, event, detail string) error
}

const maxReasonLen = 1000

func truncateReason(reason string) string {
	if len(reason) <= maxReasonLen {
		return reason
	}
	return reason[:maxReasonLen]
}

func jobLevelError(reason string) []models.RowError {
	return []models.RowError{{RowNumber: 0, Message: truncateReason(reason)}}
}
