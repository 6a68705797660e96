package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"

	"nfvcl.io/nfvcl/internal/domain"
	"nfvcl.io/nfvcl/internal/pdu"
	apperrors "nfvcl.io/nfvcl/internal/pkg/errors"
)

// PDUStore keeps the PDU inventory in the pdus table. The lock holder lives
// in its own column so SwapLock is a single conditional update.
type PDUStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

var _ pdu.Store = (*PDUStore)(nil)

// NewPDUStore creates a PDU store on pool.
func NewPDUStore(pool *pgxpool.Pool) *PDUStore {
	return &PDUStore{pool: pool, timeout: DefaultTimeout}
}

type pduRow struct {
	Name     string `db:"name"`
	LockedBy string `db:"locked_by"`
	Document []byte `db:"document"`
}

func (r pduRow) decode() (*domain.PDU, error) {
	var p domain.PDU
	if err := json.Unmarshal(r.Document, &p); err != nil {
		return nil, fmt.Errorf("decode pdu %s: %w", r.Name, err)
	}
	p.Name = r.Name
	p.LockedBy = r.LockedBy
	return &p, nil
}

func (s *PDUStore) List(ctx context.Context) ([]*domain.PDU, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []pduRow
	if err := pgxscan.Select(ctx, s.pool, &rows, `SELECT name, locked_by, document FROM pdus ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list pdus: %w", err)
	}
	out := make([]*domain.PDU, 0, len(rows))
	for _, r := range rows {
		p, err := r.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *PDUStore) Get(ctx context.Context, name string) (*domain.PDU, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row pduRow
	err := pgxscan.Get(ctx, s.pool, &row, `SELECT name, locked_by, document FROM pdus WHERE name = $1`, name)
	if pgxscan.NotFound(err) {
		return nil, apperrors.PDUNotFound(name)
	}
	if err != nil {
		return nil, fmt.Errorf("get pdu %s: %w", name, err)
	}
	return row.decode()
}

func (s *PDUStore) Insert(ctx context.Context, p *domain.PDU) error {
	doc := *p
	doc.LockedBy = ""
	raw, err := json.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encode pdu %s: %w", p.Name, err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
INSERT INTO pdus (name, area, type, locked_by, document)
VALUES ($1, $2, $3, $4, $5::jsonb)
ON CONFLICT (name) DO NOTHING`, p.Name, p.Area, p.Type, p.LockedBy, string(raw))
	if err != nil {
		return fmt.Errorf("insert pdu %s: %w", p.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.PDUExists(p.Name)
	}
	return nil
}

func (s *PDUStore) Delete(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `DELETE FROM pdus WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete pdu %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.PDUNotFound(name)
	}
	return nil
}

func (s *PDUStore) SwapLock(ctx context.Context, name, from, to string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `UPDATE pdus SET locked_by = $3 WHERE name = $1 AND locked_by = $2`, name, from, to)
	if err != nil {
		return fmt.Errorf("swap lock of pdu %s: %w", name, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var holder string
	err = pgxscan.Get(ctx, s.pool, &holder, `SELECT locked_by FROM pdus WHERE name = $1`, name)
	if pgxscan.NotFound(err) {
		return apperrors.PDUNotFound(name)
	}
	if err != nil {
		return fmt.Errorf("swap lock of pdu %s: %w", name, err)
	}
	return apperrors.PDULocked(name, holder)
}
