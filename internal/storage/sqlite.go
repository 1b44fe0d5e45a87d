//go:build sqlite

package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"flowcore/pkg/logx"
)

//go:embed migrations_sqlite.sql
var sqliteSchema string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; the journal goroutine is the only caller anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite store: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendEvent(ctx context.Context, e EventRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(bus_seq, type, source, at, data) VALUES(?,?,?,?,?)`,
		int64(e.Seq), e.Type, nullStr(e.Source), e.Time.UTC().Format(time.RFC3339Nano), nullStr(string(e.Data)),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *sqliteStore) RecentEvents(ctx context.Context, q EventQuery) ([]EventRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	query := `SELECT bus_seq, type, source, at, data FROM events`
	args := []any{}
	if q.Type != "" {
		query += ` WHERE type = ?`
		args = append(args, q.Type)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, q.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			e         EventRecord
			seq       int64
			src, data sql.NullString
			at        string
		)
		if err := rows.Scan(&seq, &e.Type, &src, &at, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Seq = uint64(seq)
		e.Source = src.String
		e.Time, _ = time.Parse(time.RFC3339Nano, at)
		if data.Valid {
			e.Data = []byte(data.String)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func (s *sqliteStore) PutTask(ctx context.Context, t TaskRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("task id required")
	}
	if t.Updated.IsZero() {
		t.Updated = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, name, status, grp, attempts, err, updated) VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, status=excluded.status, grp=excluded.grp,
		   attempts=excluded.attempts, err=excluded.err, updated=excluded.updated`,
		t.ID, nullStr(t.Name), t.Status, nullStr(t.Group), t.Attempts, nullStr(t.Error),
		t.Updated.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to put task: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (TaskRecord, bool, error) {
	if s == nil || s.db == nil {
		return TaskRecord{}, false, ErrDisabled
	}
	var (
		t               TaskRecord
		name, grp, errS sql.NullString
		updated         string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, grp, attempts, err, updated FROM tasks WHERE id = ?`, strings.TrimSpace(id),
	).Scan(&t.ID, &name, &t.Status, &grp, &t.Attempts, &errS, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, fmt.Errorf("failed to get task: %w", err)
	}
	t.Name, t.Group, t.Error = name.String, grp.String, errS.String
	t.Updated, _ = time.Parse(time.RFC3339Nano, updated)
	return t, true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
