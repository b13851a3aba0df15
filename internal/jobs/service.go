// Package jobs is the lifecycle controller: it validates submissions, creates
// pending jobs, hands them to the queue and serves snapshots and downloads.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bulk-transfer-engine/internal/criteria"
	"bulk-transfer-engine/internal/entity"
	"bulk-transfer-engine/internal/export"
	"bulk-transfer-engine/internal/filestore"
	"bulk-transfer-engine/internal/logging"
	"bulk-transfer-engine/internal/mapper"
	"bulk-transfer-engine/internal/models"
	"bulk-transfer-engine/internal/store"
	"bulk-transfer-engine/internal/telemetry"
)

// Queue is what the service needs from the work queue.
type Queue interface {
	Enqueue(ctx context.Context, kind models.JobKind, id string) error
	Remove(ctx context.Context, kind models.JobKind, id string) error
}

// Service owns job creation and read access.
type Service struct {
	store     store.JobStore
	queue     Queue
	registry  *entity.Registry
	files     filestore.Store
	exportTTL time.Duration
	now       func() time.Time
}

func NewService(st store.JobStore, q Queue, registry *entity.Registry, files filestore.Store, exportTTL time.Duration) *Service {
	if exportTTL <= 0 {
		exportTTL = 7 * 24 * time.Hour
	}
	return &Service{
		store:     st,
		queue:     q,
		registry:  registry,
		files:     files,
		exportTTL: exportTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ImportRequest is a submit-import call.
type ImportRequest struct {
	EntityType   string               `json:"entity_type"`
	SourceFile   models.FileRef       `json:"source_file"`
	FieldMapping []models.FieldMap    `json:"field_mapping"`
	Options      models.ImportOptions `json:"options"`
}

// ExportRequest is a submit-export call.
type ExportRequest struct {
	EntityType     string          `json:"entity_type"`
	Format         string          `json:"export_format"`
	Filters        models.Criteria `json:"filters"`
	SelectedFields []string        `json:"selected_fields"`
}

// Download is a servable export artifact.
type Download struct {
	FileName    string
	ContentType string
	Data        []byte
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", models.ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// SubmitImport validates req, stores a pending job and enqueues it. The entity
// type itself is resolved by the worker; an unknown type fails the job.
func (s *Service) SubmitImport(ctx context.Context, owner string, req ImportRequest) (models.ImportJob, error) {
	req.EntityType = strings.TrimSpace(req.EntityType)
	if req.EntityType == "" {
		return models.ImportJob{}, invalid("entity_type is required")
	}
	if strings.TrimSpace(req.SourceFile.Key) == "" {
		return models.ImportJob{}, invalid("source_file.key is required")
	}
	if _, err := mapper.New(req.FieldMapping); err != nil {
		return models.ImportJob{}, err
	}
	for _, f := range req.Options.NaturalKey {
		if strings.TrimSpace(f) == "" {
			return models.ImportJob{}, invalid("natural_key contains a blank field")
		}
	}

	job, err := s.store.CreateImportJob(ctx, store.CreateImportParams{
		EntityType:   req.EntityType,
		SourceFile:   req.SourceFile,
		FieldMapping: req.FieldMapping,
		Options:      req.Options,
		CreatedBy:    owner,
	})
	if err != nil {
		return models.ImportJob{}, err
	}
	if err := s.queue.Enqueue(ctx, models.KindImport, job.ID); err != nil {
		_ = s.store.FailImport(ctx, job.ID, "enqueue failed: "+err.Error())
		return models.ImportJob{}, fmt.Errorf("enqueue import %s: %w", job.ID, err)
	}
	_ = s.store.AppendEvent(ctx, models.KindImport, job.ID, "submitted", "owner="+owner)
	telemetry.JobsSubmitted.WithLabelValues(string(models.KindImport)).Inc()
	logging.WithFields(ctx, "job_id", job.ID, "entity_type", job.EntityType).Info("import submitted")
	return job, nil
}

func (s *Service) ImportStatus(ctx context.Context, id string) (models.ImportJob, error) {
	return s.store.GetImportJob(ctx, id)
}

// CancelImport cancels a pending import immediately or asks a running one to
// stop at its next checkpoint.
func (s *Service) CancelImport(ctx context.Context, id string) (models.ImportJob, error) {
	job, err := s.store.RequestImportCancel(ctx, id)
	if err != nil {
		return job, err
	}
	if job.Status == models.StatusCancelled {
		if err := s.queue.Remove(ctx, models.KindImport, id); err != nil {
			logging.FromContext(ctx).Warn("remove cancelled import from queue", "job_id", id, "error", err)
		}
		telemetry.JobsFinished.WithLabelValues(string(models.KindImport), models.StatusCancelled).Inc()
	}
	_ = s.store.AppendEvent(ctx, models.KindImport, id, "cancel_requested", "status="+job.Status)
	return job, nil
}

// SubmitExport validates req, stores a pending job and enqueues it.
func (s *Service) SubmitExport(ctx context.Context, owner string, req ExportRequest) (models.ExportJob, error) {
	req.EntityType = strings.TrimSpace(req.EntityType)
	if req.EntityType == "" {
		return models.ExportJob{}, invalid("entity_type is required")
	}
	format, err := export.ParseFormat(req.Format)
	if err != nil {
		return models.ExportJob{}, err
	}
	if _, err := criteria.Compile(req.Filters); err != nil {
		return models.ExportJob{}, err
	}
	seen := make(map[string]struct{}, len(req.SelectedFields))
	for _, f := range req.SelectedFields {
		if strings.TrimSpace(f) == "" {
			return models.ExportJob{}, invalid("selected_fields contains a blank field")
		}
		if _, dup := seen[f]; dup {
			return models.ExportJob{}, invalid("selected field %q listed twice", f)
		}
		seen[f] = struct{}{}
	}
	if schema, err := s.registry.Resolve(req.EntityType); err == nil {
		for _, f := range req.SelectedFields {
			if _, ok := schema.Field(f); !ok {
				return models.ExportJob{}, invalid("selected field %q is not a field of %s", f, schema.Name)
			}
		}
	}

	entityType := req.EntityType
	job, err := s.store.CreateExportJob(ctx, store.CreateExportParams{
		EntityType:     entityType,
		Format:         string(format),
		Filters:        req.Filters,
		SelectedFields: req.SelectedFields,
		CreatedBy:      owner,
		TTL:            s.exportTTL,
		FileName: func(createdAt time.Time) string {
			return export.ArtifactName(entityType, format, createdAt)
		},
	})
	if err != nil {
		return models.ExportJob{}, err
	}
	if err := s.queue.Enqueue(ctx, models.KindExport, job.ID); err != nil {
		_ = s.store.FailExport(ctx, job.ID, "enqueue failed: "+err.Error())
		return models.ExportJob{}, fmt.Errorf("enqueue export %s: %w", job.ID, err)
	}
	_ = s.store.AppendEvent(ctx, models.KindExport, job.ID, "submitted", "owner="+owner)
	telemetry.JobsSubmitted.WithLabelValues(string(models.KindExport)).Inc()
	logging.WithFields(ctx, "job_id", job.ID, "entity_type", job.EntityType, "format", job.Format).Info("export submitted")
	return job, nil
}

// ExportStatus returns the export as callers see it, with lazy expiry applied.
func (s *Service) ExportStatus(ctx context.Context, id string) (models.ExportJob, error) {
	job, err := s.store.GetExportJob(ctx, id)
	if err != nil {
		return models.ExportJob{}, err
	}
	return job.Snapshot(s.now()), nil
}

// DownloadExport returns the artifact of a completed, unexpired export.
func (s *Service) DownloadExport(ctx context.Context, id string) (Download, error) {
	job, err := s.store.GetExportJob(ctx, id)
	if err != nil {
		return Download{}, err
	}
	switch job.ViewAt(s.now()) {
	case models.StatusExpired:
		return Download{}, models.ErrExpired
	case models.StatusFailed:
		return Download{}, fmt.Errorf("%w: %s", models.ErrJobFailed, job.Error)
	case models.StatusCompleted:
	default:
		return Download{}, models.ErrNotReady
	}

	data, err := filestore.ReadArtifact(ctx, s.files, job.ArtifactRef)
	if err != nil {
		return Download{}, fmt.Errorf("read artifact of export %s: %w", id, err)
	}
	format, err := export.ParseFormat(job.Format)
	if err != nil {
		return Download{}, err
	}
	return Download{FileName: job.FileName, ContentType: format.ContentType(), Data: data}, nil
}

const purgeBatch = 100

// PurgeExpiredExports deletes artifacts of expired exports. Job records are
// left as they are; expiry stays a read-time decision.
func (s *Service) PurgeExpiredExports(ctx context.Context) (int, error) {
	now := s.now()
	purged := 0
	for {
		batch, err := s.store.ListPurgeableExports(ctx, now, purgeBatch)
		if err != nil {
			return purged, err
		}
		for _, job := range batch {
			if err := s.files.Delete(ctx, job.ArtifactRef); err != nil && !errors.Is(err, filestore.ErrNotFound) {
				return purged, fmt.Errorf("delete artifact of export %s: %w", job.ID, err)
			}
			if err := s.store.MarkArtifactPurged(ctx, job.ID); err != nil {
				return purged, fmt.Errorf("mark export %s purged: %w", job.ID, err)
			}
			_ = s.store.AppendEvent(ctx, models.KindExport, job.ID, "artifact_purged", job.ArtifactRef)
			purged++
		}
		if len(batch) < purgeBatch {
			return purged, nil
		}
	}
}
