package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"flowcore/pkg/logx"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS flowcore_events (
    seq      BIGSERIAL PRIMARY KEY,
    bus_seq  BIGINT NOT NULL,
    type     TEXT NOT NULL,
    source   TEXT NOT NULL DEFAULT '',
    at       TIMESTAMPTZ NOT NULL,
    data     JSONB
);
CREATE INDEX IF NOT EXISTS flowcore_events_type_seq ON flowcore_events(type, seq);
CREATE TABLE IF NOT EXISTS flowcore_tasks (
    id       TEXT PRIMARY KEY,
    name     TEXT NOT NULL DEFAULT '',
    status   TEXT NOT NULL,
    grp      TEXT NOT NULL DEFAULT '',
    attempts INT NOT NULL DEFAULT 0,
    error    TEXT NOT NULL DEFAULT '',
    updated  TIMESTAMPTZ NOT NULL
);
`

type postgresStore struct {
	db  *pgxpool.Pool
	log logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	if _, err := db.Exec(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate postgres store: %w", err)
	}
	log.Debug("postgres store opened")
	return &postgresStore{db: db, log: log}, nil
}

func (s *postgresStore) Close() error {
	s.db.Close()
	return nil
}

// AppendEvent ...
func (s *postgresStore) AppendEvent(ctx context.Context, e EventRecord) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	var data any
	if len(e.Data) > 0 {
		data = string(e.Data)
	}
	query := `
        INSERT INTO flowcore_events (bus_seq, type, source, at, data)
        VALUES ($1, $2, $3, $4, $5)
    `
	if _, err := s.db.Exec(ctx, query, int64(e.Seq), e.Type, e.Source, e.Time, data); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// RecentEvents ...
func (s *postgresStore) RecentEvents(ctx context.Context, q EventQuery) ([]EventRecord, error) {
	query := `
        SELECT bus_seq, type, source, at, data
        FROM flowcore_events
        WHERE ($1 = '' OR type = $1)
        ORDER BY seq DESC
        LIMIT $2
    `
	rows, err := s.db.Query(ctx, query, q.Type, q.limit())
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			e    EventRecord
			seq  int64
			data []byte
		)
		if err := rows.Scan(&seq, &e.Type, &e.Source, &e.Time, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Seq = uint64(seq)
		e.Data = data
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// PutTask ...
func (s *postgresStore) PutTask(ctx context.Context, t TaskRecord) error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("task id required")
	}
	if t.Updated.IsZero() {
		t.Updated = time.Now()
	}
	query := `
        INSERT INTO flowcore_tasks (id, name, status, grp, attempts, error, updated)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id) DO UPDATE
        SET name = EXCLUDED.name, status = EXCLUDED.status, grp = EXCLUDED.grp,
            attempts = EXCLUDED.attempts, error = EXCLUDED.error, updated = EXCLUDED.updated
    `
	_, err := s.db.Exec(ctx, query, t.ID, t.Name, t.Status, t.Group, t.Attempts, t.Error, t.Updated)
	if err != nil {
		return fmt.Errorf("failed to put task: %w", err)
	}
	return nil
}

// GetTask ...
func (s *postgresStore) GetTask(ctx context.Context, id string) (TaskRecord, bool, error) {
	query := `
        SELECT id, name, status, grp, attempts, error, updated
        FROM flowcore_tasks
        WHERE id = $1
    `
	var t TaskRecord
	err := s.db.QueryRow(ctx, query, strings.TrimSpace(id)).Scan(
		&t.ID, &t.Name, &t.Status, &t.Group, &t.Attempts, &t.Error, &t.Updated,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, fmt.Errorf("failed to get task: %w", err)
	}
	return t, true, nil
}
