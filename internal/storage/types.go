package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSONL files under Path (used as a prefix)
//   - "sqlite": SQLite database file (build tag "sqlite")
//   - "postgres": DSN is a postgres connection string
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// EventRecord is one journaled event. Data is the JSON payload.
type EventRecord struct {
	Seq    uint64          `json:"seq"`
	Type   string          `json:"type"`
	Source string          `json:"source,omitempty"`
	Time   time.Time       `json:"time"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// TaskRecord is the last known state of a task. Keep it schema-stable.
type TaskRecord struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	Status   string    `json:"status"`
	Group    string    `json:"group,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
	Error    string    `json:"error,omitempty"`
	Updated  time.Time `json:"updated"`
}

// EventQuery narrows RecentEvents. Zero values match everything; Limit <= 0
// means DefaultQueryLimit.
type EventQuery struct {
	Type  string
	Limit int
}

const DefaultQueryLimit = 100

func (q EventQuery) limit() int {
	if q.Limit <= 0 {
		return DefaultQueryLimit
	}
	return q.Limit
}

// Store is the persistence API used by the journal.
type Store interface {
	AppendEvent(ctx context.Context, e EventRecord) error
	// RecentEvents returns matching events, oldest first.
	RecentEvents(ctx context.Context, q EventQuery) ([]EventRecord, error)
	PutTask(ctx context.Context, t TaskRecord) error
	GetTask(ctx context.Context, id string) (TaskRecord, bool, error)
	Close() error
}
