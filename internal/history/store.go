// Package history stores received calls in PostgreSQL.
package history

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"callbridge/internal/protocol"
)

var ErrDuplicate = errors.New("history: call already stored")

const schema = `
CREATE TABLE IF NOT EXISTS calls (
	id              BIGSERIAL PRIMARY KEY,
	event_id        TEXT NOT NULL UNIQUE,
	number          TEXT NOT NULL DEFAULT '',
	number_complete TEXT NOT NULL DEFAULT '',
	name            TEXT NOT NULL DEFAULT '',
	call_date       TEXT NOT NULL DEFAULT '',
	call_time       TEXT NOT NULL DEFAULT '',
	msn             TEXT NOT NULL DEFAULT '',
	alias           TEXT NOT NULL DEFAULT '',
	service         TEXT NOT NULL DEFAULT '',
	fix             TEXT NOT NULL DEFAULT '',
	area            TEXT NOT NULL DEFAULT '',
	area_code       TEXT NOT NULL DEFAULT '',
	stored_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS calls_number_complete_idx ON calls (number_complete);
`

const selectColumns = `event_id, number, number_complete, name, call_date, call_time,
	msn, alias, service, fix, area, area_code`

// querier is the subset of pgxpool.Pool the store needs.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db querier
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{db: pool}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate calls table: %w", err)
	}
	return nil
}

// InsertCall stores ev and returns its row index. Replaying an event id
// yields ErrDuplicate together with the index of the existing row.
func (s *Store) InsertCall(ctx context.Context, ev protocol.CallEvent) (uint32, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO calls (event_id, number, number_complete, name, call_date, call_time,
			msn, alias, service, fix, area, area_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING id`,
		ev.ID, ev.Number, ev.NumberComplete, ev.Name, ev.Date, ev.Time,
		ev.MSN, ev.Alias, ev.Service, ev.Fix, ev.Area, ev.AreaCode,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := s.db.QueryRow(ctx, `SELECT id FROM calls WHERE event_id = $1`, ev.ID).Scan(&id); err != nil {
			return 0, fmt.Errorf("failed to look up existing call: %w", err)
		}
		return clampIndex(id), ErrDuplicate
	}
	if err != nil {
		return 0, fmt.Errorf("failed to insert call: %w", err)
	}
	return clampIndex(id), nil
}

// ListCalls returns up to count calls, newest first, skipping offset.
func (s *Store) ListCalls(ctx context.Context, offset uint32, count uint16) ([]protocol.CallEvent, error) {
	if count == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+selectColumns+` FROM calls ORDER BY id DESC OFFSET $1 LIMIT $2`,
		int64(offset), int64(count),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	defer rows.Close()

	var calls []protocol.CallEvent
	for rows.Next() {
		var ev protocol.CallEvent
		if err := rows.Scan(&ev.ID, &ev.Number, &ev.NumberComplete, &ev.Name, &ev.Date, &ev.Time,
			&ev.MSN, &ev.Alias, &ev.Service, &ev.Fix, &ev.Area, &ev.AreaCode); err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list calls: %w", err)
	}
	return calls, nil
}

func (s *Store) CountCalls(ctx context.Context) (uint32, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM calls`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count calls: %w", err)
	}
	return clampIndex(n), nil
}

func clampIndex(n int64) uint32 {
	if n > math.MaxUint32 {
		return math.MaxUint32
	}
	if n < 0 {
		return 0
	}
	return uint32(n)
}
