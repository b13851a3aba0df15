// Package export serializes entity records into downloadable artifacts.
package export

import (
	"fmt"
	"strings"
	"time"

	"bulk-transfer-engine/internal/models"
)

// Format is a supported artifact format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatJSON Format = "json"
)

// ParseFormat accepts the canonical names and their descriptive aliases.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "csv", "delimited-text", "delimited_text":
		return FormatCSV, nil
	case "xlsx", "spreadsheet", "excel":
		return FormatXLSX, nil
	case "json", "structured-object", "structured_object":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: %q", models.ErrUnsupportedFormat, s)
}

func (f Format) Extension() string {
	return string(f)
}

func (f Format) ContentType() string {
	switch f {
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatJSON:
		return "application/json"
	default:
		return "text/csv"
	}
}

// ArtifactName builds the download file name for an export created at createdAt.
func ArtifactName(entityType string, f Format, createdAt time.Time) string {
	return fmt.Sprintf("%s_export_%s.%s", entityType, createdAt.UTC().Format("20060102T150405Z"), f.Extension())
}

// ArtifactKey scopes the artifact to its job so concurrent exports never collide.
func ArtifactKey(jobID, fileName string) string {
	return "exports/" + jobID + "/" + fileName
}
