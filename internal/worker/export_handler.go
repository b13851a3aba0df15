package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"bulk-transfer-engine/internal/config"
	"bulk-transfer-engine/internal/criteria"
	"bulk-transfer-engine/internal/entity"
	"bulk-transfer-engine/internal/export"
	"bulk-transfer-engine/internal/filestore"
	"bulk-transfer-engine/internal/logging"
	"bulk-transfer-engine/internal/models"
	"bulk-transfer-engine/internal/store"
	"bulk-transfer-engine/internal/telemetry"
)

// ExportHandler serializes matching entity records into an artifact.
type ExportHandler struct {
	jobs           store.JobStore
	entities       entity.Store
	registry       *entity.Registry
	files          filestore.Store
	heartbeatEvery int64
}

func NewExportHandler(cfg config.Config, jobs store.JobStore, entities entity.Store, registry *entity.Registry, files filestore.Store) *ExportHandler {
	every := int64(cfg.ImportCheckpointRows)
	if every <= 0 {
		every = 100
	}
	return &ExportHandler{
		jobs:           jobs,
		entities:       entities,
		registry:       registry,
		files:          files,
		heartbeatEvery: every,
	}
}

// Handle runs export jobID to a terminal state.
func (h *ExportHandler) Handle(ctx context.Context, jobID string, heartbeat Heartbeat) error {
	logger := logging.WithFields(ctx, "job_id", jobID, "kind", models.KindExport)

	job, err := h.jobs.GetExportJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			logger.Warn("export job vanished before start")
			return nil
		}
		return err
	}
	if job.Status != models.StatusPending {
		logger.Info("export not pending, skipping", "status", job.Status)
		return nil
	}
	if err := h.jobs.StartExport(ctx, jobID); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	_ = h.jobs.AppendEvent(ctx, models.KindExport, jobID, "started", "")
	logger = logger.With("entity_type", job.EntityType, "format", job.Format)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	total, data, err := h.render(ctx, job, heartbeat)
	if err != nil {
		return h.fail(wctx, job.ID, failureReason(ctx, err), logger)
	}

	if ctx.Err() != nil {
		return h.fail(wctx, job.ID, contextReason(ctx), logger)
	}
	format, _ := export.ParseFormat(job.Format)
	ref, size, err := filestore.WriteArtifact(ctx, h.files, export.ArtifactKey(job.ID, job.FileName), data, format.ContentType())
	if err != nil {
		return h.fail(wctx, job.ID, failureReason(ctx, fmt.Errorf("write artifact: %w", err)), logger)
	}
	if err := h.jobs.CompleteExport(wctx, job.ID, total, ref, size); err != nil {
		// A job that cannot be completed must not leave an artifact behind.
		if derr := h.files.Delete(wctx, ref); derr != nil {
			logger.Warn("remove orphaned artifact failed", "artifact_ref", ref, "error", derr)
		}
		if errors.Is(err, models.ErrInvalidTransition) {
			logger.Warn("export already terminal")
			return nil
		}
		return fmt.Errorf("complete export %s: %w", job.ID, err)
	}

	telemetry.ExportRecords.Add(float64(total))
	telemetry.JobsFinished.WithLabelValues(string(models.KindExport), models.StatusCompleted).Inc()
	_ = h.jobs.AppendEvent(wctx, models.KindExport, job.ID, models.StatusCompleted, fmt.Sprintf("records=%d bytes=%d", total, size))
	logger.Info("export finished", "total_records", total, "artifact_size", size)
	return nil
}

// render fetches the matching records and encodes them in memory. Nothing is
// written to the file store until the whole artifact encoded cleanly.
func (h *ExportHandler) render(ctx context.Context, job models.ExportJob, heartbeat Heartbeat) (int64, []byte, error) {
	schema, err := h.registry.Resolve(job.EntityType)
	if err != nil {
		return 0, nil, err
	}
	format, err := export.ParseFormat(job.Format)
	if err != nil {
		return 0, nil, err
	}
	pred, err := criteria.Compile(job.Filters)
	if err != nil {
		return 0, nil, err
	}

	var buf bytes.Buffer
	var enc export.Encoder
	if len(job.SelectedFields) > 0 {
		if enc, err = export.NewEncoder(format, &buf, job.SelectedFields); err != nil {
			return 0, nil, err
		}
	}

	var total int64
	err = h.entities.FindAll(ctx, schema.Name, pred, func(rec models.Record) error {
		if enc == nil {
			var err error
			if enc, err = export.NewEncoder(format, &buf, export.FieldsOf(rec)); err != nil {
				return err
			}
		}
		if err := enc.Write(rec); err != nil {
			return fmt.Errorf("encode record %d: %w", total+1, err)
		}
		total++
		if total%h.heartbeatEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			_ = heartbeat(ctx)
		}
		return nil
	})
	if err != nil {
		return 0, nil, fmt.Errorf("fetch records: %w", err)
	}
	if enc == nil {
		// No records and no selected fields: a header-only artifact with zero columns.
		if enc, err = export.NewEncoder(format, &buf, nil); err != nil {
			return 0, nil, err
		}
	}
	if err := enc.Close(); err != nil {
		return 0, nil, fmt.Errorf("finish artifact: %w", err)
	}
	return total, buf.Bytes(), nil
}

func (h *ExportHandler) fail(ctx context.Context, id, reason string, logger *slog.Logger) error {
	if err := h.jobs.FailExport(ctx, id, reason); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("fail export %s: %w", id, err)
	}
	telemetry.JobsFinished.WithLabelValues(string(models.KindExport), models.StatusFailed).Inc()
	_ = h.jobs.AppendEvent(ctx, models.KindExport, id, models.StatusFailed, reason)
	logger.Error("export failed", "reason", reason)
	return nil
}

func failureReason(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return contextReason(ctx)
	}
	return err.Error()
}
