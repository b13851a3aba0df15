package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"bulk-transfer-engine/internal/criteria"
	"bulk-transfer-engine/internal/models"
)

const uniqueViolation = "23505"

// PostgresStore keeps entity records as jsonb rows in entity_records.
type PostgresStore struct {
	pool     *pgxpool.Pool
	registry *Registry
}

// NewPostgresStore wraps an existing pool. The entity_records table is created
// by the job store migrations.
func NewPostgresStore(pool *pgxpool.Pool, registry *Registry) *PostgresStore {
	return &PostgresStore{pool: pool, registry: registry}
}

func (s *PostgresStore) Create(ctx context.Context, entityType string, rec models.Record) (models.Record, error) {
	schema, err := s.registry.Resolve(entityType)
	if err != nil {
		return nil, err
	}
	clean, err := schema.Validate(rec)
	if err != nil {
		return nil, err
	}
	if err := insertRecord(ctx, s.pool, schema, clean); err != nil {
		return nil, err
	}
	return clean, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, entityType string, rec models.Record, naturalKey []string) (models.Record, error) {
	schema, err := s.registry.Resolve(entityType)
	if err != nil {
		return nil, err
	}
	if len(naturalKey) == 0 {
		naturalKey = schema.NaturalKey
	}
	values, ok, err := schema.KeyOf(rec, naturalKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &ValidationError{Field: naturalKey[0], Message: "natural key value is missing"}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	where, args := equalityClause(criteria.Equals(naturalKey, values), 2)
	var (
		id  string
		raw []byte
	)
	err = tx.QueryRow(ctx, `
		SELECT id, data FROM entity_records
		WHERE entity_type = $1 AND `+where+`
		ORDER BY created_at, id
		LIMIT 1
		FOR UPDATE
	`, append([]any{entityType}, args...)...).Scan(&id, &raw)

	var clean models.Record
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		clean, err = schema.Validate(rec)
		if err != nil {
			return nil, err
		}
		if err := insertRecord(ctx, tx, schema, clean); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("lookup by natural key: %w", err)
	default:
		existing := models.Record{}
		if err := json.Unmarshal(raw, &existing); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", id, err)
		}
		for k, v := range rec {
			existing[k] = v
		}
		clean, err = schema.Validate(existing)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(clean)
		if err != nil {
			return nil, fmt.Errorf("encode record: %w", err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE entity_records SET data = $2, natural_key = $3, updated_at = NOW() WHERE id = $1
		`, id, data, naturalKeyOf(schema, clean))
		if err != nil {
			return nil, classify(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return clean, nil
}

func (s *PostgresStore) FindOne(ctx context.Context, entityType string, pred *criteria.Predicate) (models.Record, bool, error) {
	var found models.Record
	err := s.FindAll(ctx, entityType, pred, func(r models.Record) error {
		found = r
		return errStopScan
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return nil, false, err
	}
	return found, found != nil, nil
}

var errStopScan = errors.New("stop scan")

func (s *PostgresStore) FindAll(ctx context.Context, entityType string, pred *criteria.Predicate, fn func(models.Record) error) error {
	schema, err := s.registry.Resolve(entityType)
	if err != nil {
		return err
	}

	query := `SELECT data FROM entity_records WHERE entity_type = $1`
	args := []any{entityType}
	if values, ok := pred.KeyLookup(schema.NaturalKey); ok {
		query += ` AND natural_key = $2`
		args = append(args, JoinKey(values))
	} else if _, ok := pred.Equalities(); ok {
		where, eqArgs := equalityClause(pred, 2)
		query += ` AND ` + where
		args = append(args, eqArgs...)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("scan record: %w", err)
		}
		rec := models.Record{}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		if !pred.Match(rec) {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertRecord(ctx context.Context, db execer, schema Schema, clean models.Record) error {
	data, err := json.Marshal(clean)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = db.Exec(ctx, `
		INSERT INTO entity_records (id, entity_type, natural_key, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
	`, uuid.New().String(), schema.Name, naturalKeyOf(schema, clean), data)
	return classify(err)
}

func naturalKeyOf(schema Schema, rec models.Record) *string {
	values, ok := KeyValues(rec, schema.NaturalKey)
	if !ok {
		return nil
	}
	key := JoinKey(values)
	return &key
}

// equalityClause renders the predicate's equality tests as jsonb text
// comparisons with placeholders starting at $first.
func equalityClause(pred *criteria.Predicate, first int) (string, []any) {
	eq, _ := pred.Equalities()
	fields := make([]string, 0, len(eq))
	for f := range eq {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	args := make([]any, 0, 2*len(fields))
	n := first
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("data->>($%d::text) = $%d", n, n+1))
		args = append(args, f, eq[f])
		n += 2
	}
	if len(parts) == 0 {
		return "TRUE", nil
	}
	return strings.Join(parts, " AND "), args
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, pgErr.Detail)
	}
	return fmt.Errorf("write record: %w", err)
}
