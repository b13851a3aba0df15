package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"bulk-transfer-engine/internal/models"
)

// Event is one job history entry kept by Memory.
type Event struct {
	Kind   models.JobKind
	JobID  string
	Event  string
	Detail string
	At     time.Time
}

// Memory is an in-process JobStore used by tests and single-binary runs. It
// applies the same lifecycle rules as Postgres.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	imports map[string]models.ImportJob
	exports map[string]*memoryExport
	events  []Event
}

type memoryExport struct {
	job    models.ExportJob
	purged bool
}

var _ JobStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		now:     func() time.Time { return time.Now().UTC() },
		imports: make(map[string]models.ImportJob),
		exports: make(map[string]*memoryExport),
	}
}

// SetClock replaces the time source. Tests use it to move exports past expiry.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) CreateImportJob(_ context.Context, p CreateImportParams) (models.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job := models.ImportJob{
		ID:           uuid.New().String(),
		EntityType:   p.EntityType,
		SourceFile:   p.SourceFile,
		FieldMapping: append([]models.FieldMap(nil), p.FieldMapping...),
		Options:      p.Options,
		Status:       models.StatusPending,
		Errors:       []models.RowError{},
		CreatedBy:    p.CreatedBy,
		CreatedAt:    m.now(),
	}
	m.imports[job.ID] = job
	return cloneImport(job), nil
}

func (m *Memory) GetImportJob(_ context.Context, id string) (models.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.imports[id]
	if !ok {
		return models.ImportJob{}, models.ErrNotFound
	}
	return cloneImport(job), nil
}

func (m *Memory) StartImport(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, err := m.importFor(id, models.StatusProcessing)
	if err != nil {
		return err
	}
	now := m.now()
	job.Status = models.StatusProcessing
	job.StartedAt = &now
	m.imports[id] = job
	return nil
}

func (m *Memory) CheckpointImport(_ context.Context, id string, p ImportProgress) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.imports[id]
	if !ok {
		return false, models.ErrNotFound
	}
	if job.Status != models.StatusProcessing {
		return false, fmt.Errorf("checkpoint import %s: %w", id, models.ErrInvalidTransition)
	}
	applyProgress(&job, p)
	m.imports[id] = job
	return job.CancelRequested, nil
}

func (m *Memory) FinishImport(_ context.Context, id, status string, p ImportProgress) error {
	if !models.IsTerminal(models.KindImport, status) {
		return fmt.Errorf("finish import with %q: %w", status, models.ErrInvalidTransition)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, err := m.importFor(id, status)
	if err != nil {
		return err
	}
	applyProgress(&job, p)
	now := m.now()
	job.Status = status
	job.CompletedAt = &now
	m.imports[id] = job
	return nil
}

func (m *Memory) FailImport(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, err := m.importFor(id, models.StatusFailed)
	if err != nil {
		return err
	}
	now := m.now()
	job.Status = models.StatusFailed
	// Row errors committed at earlier checkpoints stay; the job-level entry follows them.
	job.Errors = append(append([]models.RowError(nil), job.Errors...), jobLevelError(reason)...)
	job.CompletedAt = &now
	m.imports[id] = job
	return nil
}

func (m *Memory) RequestImportCancel(_ context.Context, id string) (models.ImportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.imports[id]
	if !ok {
		return models.ImportJob{}, models.ErrNotFound
	}
	switch job.Status {
	case models.StatusPending:
		now := m.now()
		job.Status = models.StatusCancelled
		job.CancelRequested = true
		job.CompletedAt = &now
	case models.StatusProcessing:
		job.CancelRequested = true
	default:
		return cloneImport(job), fmt.Errorf("cancel import in status %s: %w", job.Status, models.ErrInvalidTransition)
	}
	m.imports[id] = job
	return cloneImport(job), nil
}

func (m *Memory) CreateExportJob(_ context.Context, p CreateExportParams) (models.ExportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	filters := p.Filters
	if filters == nil {
		filters = models.Criteria{}
	}
	selected := append([]string{}, p.SelectedFields...)
	now := m.now()
	job := models.ExportJob{
		ID:             uuid.New().String(),
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
	m.exports[job.ID] = &memoryExport{job: job}
	return job, nil
}

func (m *Memory) GetExportJob(_ context.Context, id string) (models.ExportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exports[id]
	if !ok {
		return models.ExportJob{}, models.ErrNotFound
	}
	return e.job, nil
}

func (m *Memory) StartExport(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.exportFor(id, models.StatusProcessing)
	if err != nil {
		return err
	}
	now := m.now()
	e.job.Status = models.StatusProcessing
	e.job.StartedAt = &now
	return nil
}

func (m *Memory) CompleteExport(_ context.Context, id string, totalRecords int64, artifactRef string, artifactSize int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.exportFor(id, models.StatusCompleted)
	if err != nil {
		return err
	}
	now := m.now()
	e.job.Status = models.StatusCompleted
	e.job.TotalRecords = totalRecords
	e.job.ArtifactRef = artifactRef
	e.job.ArtifactSize = artifactSize
	e.job.CompletedAt = &now
	return nil
}

func (m *Memory) FailExport(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.exportFor(id, models.StatusFailed)
	if err != nil {
		return err
	}
	now := m.now()
	e.job.Status = models.StatusFailed
	e.job.Error = truncateReason(reason)
	e.job.CompletedAt = &now
	return nil
}

func (m *Memory) ListPurgeableExports(_ context.Context, now time.Time, limit int) ([]models.ExportJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ExportJob
	for _, e := range m.exports {
		if e.purged || e.job.Status != models.StatusCompleted || !e.job.ExpiresAt.Before(now) {
			continue
		}
		out = append(out, e.job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkArtifactPurged(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.exports[id]
	if !ok {
		return models.ErrNotFound
	}
	e.purged = true
	return nil
}

func (m *Memory) AppendEvent(_ context.Context, kind models.JobKind, jobID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Event{Kind: kind, JobID: jobID, Event: event, Detail: detail, At: m.now()})
	return nil
}

// Events returns the recorded history of one job in append order.
func (m *Memory) Events(jobID string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out
}

func (m *Memory) importFor(id, to string) (models.ImportJob, error) {
	job, ok := m.imports[id]
	if !ok {
		return models.ImportJob{}, models.ErrNotFound
	}
	if !models.CanTransition(models.KindImport, job.Status, to) {
		return models.ImportJob{}, fmt.Errorf("import %s %s -> %s: %w", id, job.Status, to, models.ErrInvalidTransition)
	}
	return job, nil
}

func (m *Memory) exportFor(id, to string) (*memoryExport, error) {
	e, ok := m.exports[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if !models.CanTransition(models.KindExport, e.job.Status, to) {
		return nil, fmt.Errorf("export %s %s -> %s: %w", id, e.job.Status, to, models.ErrInvalidTransition)
	}
	return e, nil
}

func applyProgress(job *models.ImportJob, p ImportProgress) {
	job.ImportCounters = p.ImportCounters
	job.Errors = append([]models.RowError{}, p.Errors...)
	job.ErrorsTruncated = p.ErrorsTruncated
}

func cloneImport(job models.ImportJob) models.ImportJob {
	job.FieldMapping = append([]models.FieldMap(nil), job.FieldMapping...)
	job.Errors = append([]models.RowError{}, job.Errors...)
	return job
}
