package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"

	"nfvcl.io/nfvcl/internal/blueprint"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
)

// DefaultTimeout bounds every query so a hung connection cannot stall a
// lifecycle operation forever.
const DefaultTimeout = 10 * time.Second

// PostgresStore keeps documents as JSONB rows of the blueprints table, with
// the listing fields duplicated into columns.
type PostgresStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store on pool. The schema is created by the
// embedded migrations.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, timeout: DefaultTimeout}
}

type summaryRow struct {
	ID         string    `db:"id"`
	Type       string    `db:"type"`
	ParentID   string    `db:"parent_id"`
	Corrupted  bool      `db:"corrupted"`
	Protected  bool      `db:"protected"`
	Status     []byte    `db:"status"`
	ModifiedAt time.Time `db:"modified_at"`
}

const upsertBlueprint = `
INSERT INTO blueprints (id, type, parent_id, version, corrupted, protected, document, created_at, modified_at)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)
ON CONFLICT (id) DO UPDATE SET
    type = EXCLUDED.type,
    parent_id = EXCLUDED.parent_id,
    version = EXCLUDED.version,
    corrupted = EXCLUDED.corrupted,
    protected = EXCLUDED.protected,
    document = EXCLUDED.document,
    modified_at = EXCLUDED.modified_at
WHERE blueprints.version < EXCLUDED.version`

func (s *PostgresStore) Upsert(ctx context.Context, doc *blueprint.Document) error {
	raw, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, upsertBlueprint,
		doc.ID, doc.Type, doc.ParentBlueID, doc.Version, doc.Corrupted, doc.Protected,
		string(raw), doc.CreatedAt, doc.ModifiedAt)
	if err != nil {
		return fmt.Errorf("upsert blueprint %s: %w", doc.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var stored int64
		if err := pgxscan.Get(ctx, s.pool, &stored, `SELECT version FROM blueprints WHERE id = $1`, doc.ID); err != nil {
			return fmt.Errorf("upsert blueprint %s: read stored version: %w", doc.ID, err)
		}
		return staleVersion(doc.ID, stored, doc.Version)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*blueprint.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var raw []byte
	err := pgxscan.Get(ctx, s.pool, &raw, `SELECT document FROM blueprints WHERE id = $1`, id)
	if pgxscan.NotFound(err) {
		return nil, apperrors.BlueprintNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get blueprint %s: %w", id, err)
	}
	return decodeDocument(id, raw)
}

func (s *PostgresStore) List(ctx context.Context, typ string) ([]blueprint.Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []summaryRow
	err := pgxscan.Select(ctx, s.pool, &rows, `
SELECT id, type, parent_id, corrupted, protected, document->'status' AS status, modified_at
FROM blueprints
WHERE $1 = '' OR type = $1
ORDER BY id`, typ)
	if err != nil {
		return nil, fmt.Errorf("list blueprints: %w", err)
	}
	out := make([]blueprint.Summary, len(rows))
	for i, r := range rows {
		out[i] = blueprint.Summary{
			ID:           r.ID,
			Type:         r.Type,
			ParentBlueID: r.ParentID,
			Corrupted:    r.Corrupted,
			Protected:    r.Protected,
			ModifiedAt:   r.ModifiedAt,
		}
		if len(r.Status) > 0 {
			if err := json.Unmarshal(r.Status, &out[i].Status); err != nil {
				return nil, fmt.Errorf("decode status of blueprint %s: %w", r.ID, err)
			}
		}
	}
	return out, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM blueprints WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete blueprint %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.BlueprintNotFound(id)
	}
	return nil
}

func (s *PostgresStore) MarkCorrupted(ctx context.Context, id, reason string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
UPDATE blueprints SET
    corrupted = TRUE,
    document = jsonb_set(
        jsonb_set(document, '{corrupted}', 'true'::jsonb),
        '{status}',
        COALESCE(document->'status', '{}'::jsonb) || jsonb_build_object('error', true, 'detail', $2::text)
    )
WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("mark blueprint %s corrupted: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.BlueprintNotFound(id)
	}
	return nil
}
