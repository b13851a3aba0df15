package models

import (
	"time"
)

// JobKind names the two families of bulk jobs.
type JobKind string

const (
	KindImport JobKind = "import"
	KindExport JobKind = "export"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	// StatusExpired is never stored; it is derived at read time for exports.
	StatusExpired = "expired"
)

// Record is a single entity record keyed by target field name.
type Record map[string]any

// FileRef points at an uploaded source file.
type FileRef struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// FieldMap maps one source column onto one target field.
type FieldMap struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// ImportOptions are the per-job import flags.
type ImportOptions struct {
	SkipDuplicates bool `json:"skip_duplicates"`
	UpdateExisting bool `json:"update_existing"`
	// NaturalKey overrides the entity schema's natural key when non-empty.
	NaturalKey []string `json:"natural_key,omitempty"`
}

// RowError records a single row that failed to apply.
type RowError struct {
	RowNumber int64  `json:"row_number"`
	Message   string `json:"message"`
}

// ImportCounters are the progress fields checkpointed while an import runs.
type ImportCounters struct {
	TotalRows      int64 `json:"total_rows"`
	ProcessedRows  int64 `json:"processed_rows"`
	SuccessfulRows int64 `json:"successful_rows"`
	FailedRows     int64 `json:"failed_rows"`
	SkippedRows    int64 `json:"skipped_rows"`
}

// Consistent reports whether the counter invariants hold.
func (c ImportCounters) Consistent() bool {
	return c.SuccessfulRows+c.FailedRows+c.SkippedRows == c.ProcessedRows &&
		c.ProcessedRows <= c.TotalRows
}

// ImportJob is the persisted record of one bulk import.
type ImportJob struct {
	ID           string        `json:"id"`
	EntityType   string        `json:"entity_type"`
	SourceFile   FileRef       `json:"source_file"`
	FieldMapping []FieldMap    `json:"field_mapping"`
	Options      ImportOptions `json:"options"`
	Status       string        `json:"status"`
	ImportCounters
	Errors          []RowError `json:"errors"`
	ErrorsTruncated int64      `json:"errors_truncated"`
	CancelRequested bool       `json:"cancel_requested"`
	CreatedBy       string     `json:"created_by"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the import can no longer change.
func (j ImportJob) Terminal() bool {
	return IsTerminal(KindImport, j.Status)
}

// ExportJob is the persisted record of one bulk export.
type ExportJob struct {
	ID             string     `json:"id"`
	EntityType     string     `json:"entity_type"`
	Format         string     `json:"export_format"`
	FileName       string     `json:"file_name"`
	Filters        Criteria   `json:"filters"`
	SelectedFields []string   `json:"selected_fields"`
	Status         string     `json:"status"`
	TotalRecords   int64      `json:"total_records"`
	ArtifactRef    string     `json:"artifact_ref,omitempty"`
	ArtifactSize   int64      `json:"artifact_size"`
	Error          string     `json:"error,omitempty"`
	CreatedBy      string     `json:"created_by"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// ViewAt derives the externally visible state of the export at now. A completed
// export past its expiry reads as expired even though the stored status is
// still completed. Other states are returned unchanged.
func (j ExportJob) ViewAt(now time.Time) string {
	if j.Status == StatusCompleted && now.After(j.ExpiresAt) {
		return StatusExpired
	}
	return j.Status
}

// Snapshot returns a copy whose Status reflects lazy expiry.
func (j ExportJob) Snapshot(now time.Time) ExportJob {
	j.Status = j.ViewAt(now)
	if j.Status == StatusExpired {
		j.ArtifactRef = ""
	}
	return j
}
