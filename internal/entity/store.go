package entity

import (
	"context"

	"bulk-transfer-engine/internal/criteria"
	"bulk-transfer-engine/internal/models"
)

// Store is the entity record store the pipelines call into. Errors are per
// call; callers decide whether they abort anything.
type Store interface {
	Create(ctx context.Context, entityType string, rec models.Record) (models.Record, error)
	Upsert(ctx context.Context, entityType string, rec models.Record, naturalKey []string) (models.Record, error)
	FindOne(ctx context.Context, entityType string, pred *criteria.Predicate) (models.Record, bool, error)
	// FindAll streams matching records to fn in insertion order. A non-nil
	// error from fn stops the scan and is returned.
	FindAll(ctx context.Context, entityType string, pred *criteria.Predicate, fn func(models.Record) error) error
}
