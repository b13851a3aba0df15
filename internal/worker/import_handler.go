package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"bulk-transfer-engine/internal/config"
	"bulk-transfer-engine/internal/criteria"
	"bulk-transfer-engine/internal/entity"
	"bulk-transfer-engine/internal/filestore"
	"bulk-transfer-engine/internal/logging"
	"bulk-transfer-engine/internal/mapper"
	"bulk-transfer-engine/internal/models"
	"bulk-transfer-engine/internal/queue"
	"bulk-transfer-engine/internal/store"
	"bulk-transfer-engine/internal/telemetry"
)

// finalizeTimeout bounds the terminal write made after the job context is done.
const finalizeTimeout = 10 * time.Second

// ImportHandler streams a source file into the entity store.
type ImportHandler struct {
	jobs            store.JobStore
	entities        entity.Store
	registry        *entity.Registry
	files           filestore.Store
	checkpointEvery int64
	maxErrors       int
}

func NewImportHandler(cfg config.Config, jobs store.JobStore, entities entity.Store, registry *entity.Registry, files filestore.Store) *ImportHandler {
	every := int64(cfg.ImportCheckpointRows)
	if every <= 0 {
		every = 100
	}
	maxErrors := cfg.MaxRowErrors
	if maxErrors < 0 {
		maxErrors = 0
	}
	return &ImportHandler{
		jobs:            jobs,
		entities:        entities,
		registry:        registry,
		files:           files,
		checkpointEvery: every,
		maxErrors:       maxErrors,
	}
}

// importRun is the mutable state of one import while rows are applied.
type importRun struct {
	job       models.ImportJob
	progress  store.ImportProgress
	maxErrors int
}

func (r *importRun) rowFailed(n int64, err error) {
	r.progress.FailedRows++
	if len(r.progress.Errors) < r.maxErrors {
		r.progress.Errors = append(r.progress.Errors, models.RowError{RowNumber: n, Message: err.Error()})
	} else {
		r.progress.ErrorsTruncated++
	}
	telemetry.ImportRows.WithLabelValues("failed").Inc()
}

// Handle runs import jobID to a terminal state.
func (h *ImportHandler) Handle(ctx context.Context, jobID string, heartbeat Heartbeat) error {
	logger := logging.WithFields(ctx, "job_id", jobID, "kind", models.KindImport)

	job, err := h.jobs.GetImportJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			logger.Warn("import job vanished before start")
			return nil
		}
		return err
	}
	if job.Status != models.StatusPending {
		logger.Info("import not pending, skipping", "status", job.Status)
		return nil
	}
	if err := h.jobs.StartImport(ctx, jobID); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			// Cancelled between dequeue and start.
			return nil
		}
		return err
	}
	_ = h.jobs.AppendEvent(ctx, models.KindImport, jobID, "started", "")
	logger = logger.With("entity_type", job.EntityType)

	run := &importRun{job: job, maxErrors: h.maxErrors}
	status, reason := h.apply(ctx, run, heartbeat, logger)
	return h.finish(ctx, run, status, reason, logger)
}

// apply processes every row. It returns the terminal status and, for failed
// jobs, the job-level reason.
func (h *ImportHandler) apply(ctx context.Context, run *importRun, heartbeat Heartbeat, logger *slog.Logger) (string, string) {
	job := run.job
	schema, err := h.registry.Resolve(job.EntityType)
	if err != nil {
		return models.StatusFailed, err.Error()
	}
	m, err := mapper.New(job.FieldMapping)
	if err != nil {
		return models.StatusFailed, err.Error()
	}
	naturalKey := job.Options.NaturalKey
	if len(naturalKey) == 0 {
		naturalKey = schema.NaturalKey
	}
	for _, f := range naturalKey {
		if _, ok := schema.Field(f); !ok {
			return models.StatusFailed, fmt.Sprintf("natural key field %q is not a field of %s", f, schema.Name)
		}
	}

	total, err := filestore.CountRows(ctx, h.files, job.SourceFile.Key)
	if err != nil {
		return models.StatusFailed, sourceError(ctx, err)
	}
	run.progress.TotalRows = total

	rows, err := filestore.OpenRows(ctx, h.files, job.SourceFile.Key)
	if err != nil {
		return models.StatusFailed, sourceError(ctx, err)
	}
	defer rows.Close()
	if missing := m.Missing(rows.Header()); len(missing) > 0 {
		return models.StatusFailed, fmt.Sprintf("source file is missing mapped columns: %s", strings.Join(missing, ", "))
	}

	for {
		if ctx.Err() != nil {
			return models.StatusFailed, contextReason(ctx)
		}
		row, err := rows.Next()
		if errors.Is(err, io.EOF) {
			return models.StatusCompleted, ""
		}
		if err != nil {
			return models.StatusFailed, sourceError(ctx, err)
		}

		if row.Err != nil {
			run.rowFailed(row.Number, row.Err)
		} else if err := h.applyRow(ctx, run, schema, naturalKey, m.Apply(row.Values)); err != nil {
			if ctx.Err() != nil {
				return models.StatusFailed, contextReason(ctx)
			}
			run.rowFailed(row.Number, err)
		}
		run.progress.ProcessedRows++
		if run.progress.ProcessedRows > run.progress.TotalRows {
			run.progress.TotalRows = run.progress.ProcessedRows
		}

		if run.progress.ProcessedRows%h.checkpointEvery == 0 {
			if ctx.Err() != nil {
				return models.StatusFailed, contextReason(ctx)
			}
			cancel, err := h.jobs.CheckpointImport(ctx, job.ID, run.progress)
			if err != nil {
				return models.StatusFailed, fmt.Sprintf("checkpoint failed: %v", err)
			}
			if err := heartbeat(ctx); err != nil {
				logger.Warn("extend lease failed", "error", err)
			}
			logger.Debug("import checkpoint", "processed_rows", run.progress.ProcessedRows, "total_rows", run.progress.TotalRows)
			if cancel {
				return models.StatusCancelled, ""
			}
		}
	}
}

// applyRow writes one mapped record. Skipped rows return nil and are counted here.
func (h *ImportHandler) applyRow(ctx context.Context, run *importRun, schema entity.Schema, naturalKey []string, rec models.Record) error {
	opts := run.job.Options
	key, hasKey, err := schema.KeyOf(rec, naturalKey)
	if err != nil {
		return err
	}

	if opts.SkipDuplicates && hasKey {
		_, found, err := h.entities.FindOne(ctx, schema.Name, criteria.Equals(naturalKey, key))
		if err != nil {
			return err
		}
		if found {
			run.progress.SkippedRows++
			telemetry.ImportRows.WithLabelValues("skipped").Inc()
			return nil
		}
	}

	if opts.UpdateExisting && hasKey {
		_, err = h.entities.Upsert(ctx, schema.Name, rec, naturalKey)
	} else {
		_, err = h.entities.Create(ctx, schema.Name, rec)
	}
	if err != nil {
		return err
	}
	run.progress.SuccessfulRows++
	telemetry.ImportRows.WithLabelValues("succeeded").Inc()
	return nil
}

func (h *ImportHandler) finish(ctx context.Context, run *importRun, status, reason string, logger *slog.Logger) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	id := run.job.ID

	var err error
	switch {
	case status == models.StatusFailed && run.progress.ProcessedRows == 0:
		err = h.jobs.FailImport(wctx, id, reason)
	case status == models.StatusFailed:
		// Rows already applied stay counted; the job-level entry follows the row errors.
		run.progress.Errors = append(run.progress.Errors, models.RowError{RowNumber: 0, Message: reason})
		err = h.jobs.FinishImport(wctx, id, status, run.progress)
	default:
		err = h.jobs.FinishImport(wctx, id, status, run.progress)
	}
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			logger.Warn("import already terminal", "status", status)
			return nil
		}
		return fmt.Errorf("finish import %s: %w", id, err)
	}

	telemetry.JobsFinished.WithLabelValues(string(models.KindImport), status).Inc()
	detail := fmt.Sprintf("processed=%d successful=%d failed=%d skipped=%d",
		run.progress.ProcessedRows, run.progress.SuccessfulRows, run.progress.FailedRows, run.progress.SkippedRows)
	if reason != "" {
		detail = reason
		logger.Error("import failed", "reason", reason)
	} else {
		logger.Info("import finished", "status", status, "processed_rows", run.progress.ProcessedRows, "failed_rows", run.progress.FailedRows)
	}
	_ = h.jobs.AppendEvent(wctx, models.KindImport, id, status, detail)
	return nil
}

func sourceError(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return contextReason(ctx)
	}
	return fmt.Sprintf("cannot read source file: %v", err)
}

func contextReason(ctx context.Context) string {
	if errors.Is(context.Cause(ctx), queue.ErrLeaseLost) {
		return leaseExpiredReason
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "job timed out"
	}
	return "worker stopped before the job finished"
}
