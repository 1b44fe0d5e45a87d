package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"flowcore/pkg/logx"
)

const taskCompactEvery = 1000

// fileStore keeps everything in plain files next to Path.
//
// Files:
//   - <prefix>.events.jsonl        (append-only JSON Lines)
//   - <prefix>.tasks.snapshot.json (periodic snapshot)
//   - <prefix>.tasks.journal.jsonl (append-only journal)
//
// The task journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	eventsPath string
	eventsFile *os.File

	taskSnapshotPath string
	taskJournalFile  *os.File
	tasks            map[string]TaskRecord
	taskWrites       int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	eventsPath := prefix + ".events.jsonl"
	snapPath := prefix + ".tasks.snapshot.json"
	journalPath := prefix + ".tasks.journal.jsonl"

	ef, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	tasks := map[string]TaskRecord{}
	if err := loadTaskSnapshot(snapPath, tasks); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("task snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := replayTaskJournal(journalPath, tasks); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("task journal replay failed", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = ef.Close()
		return nil, err
	}

	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("tasks", len(tasks)))
	return &fileStore{
		log:              log,
		eventsPath:       eventsPath,
		eventsFile:       ef,
		taskSnapshotPath: snapPath,
		taskJournalFile:  jf,
		tasks:            tasks,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.eventsFile != nil {
		errs = append(errs, s.eventsFile.Close())
		s.eventsFile = nil
	}
	if s.taskJournalFile != nil {
		errs = append(errs, s.taskJournalFile.Close())
		s.taskJournalFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendEvent(_ context.Context, e EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.eventsFile).Encode(e)
}

// RecentEvents scans the whole events file, keeping a ring of the newest
// matches. Fine for the journal sizes the file driver is meant for.
func (s *fileStore) RecentEvents(ctx context.Context, q EventQuery) ([]EventRecord, error) {
	s.mu.Lock()
	closed := s.eventsFile == nil
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	f, err := os.Open(s.eventsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	limit := q.limit()
	ring := make([]EventRecord, 0, limit)
	r := bufio.NewReader(f)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			var e EventRecord
			// A torn last line from a crash is skipped.
			if json.Unmarshal(line, &e) == nil && (q.Type == "" || e.Type == q.Type) {
				if len(ring) == limit {
					ring = append(ring[:0], ring[1:]...)
				}
				ring = append(ring, e)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return ring, nil
}

func (s *fileStore) PutTask(_ context.Context, t TaskRecord) error {
	t.ID = strings.TrimSpace(t.ID)
	if t.ID == "" {
		return errors.New("task id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.taskJournalFile == nil {
		return ErrClosed
	}
	s.tasks[t.ID] = t
	if err := json.NewEncoder(s.taskJournalFile).Encode(t); err != nil {
		return err
	}
	s.taskWrites++
	if s.taskWrites%taskCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("task journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetTask(_ context.Context, id string) (TaskRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[strings.TrimSpace(id)]
	return t, ok, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.taskSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.tasks); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.taskSnapshotPath); err != nil {
		return err
	}
	if err := s.taskJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.taskJournalFile.Seek(0, io.SeekEnd)
	return err
}

func loadTaskSnapshot(path string, out map[string]TaskRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]TaskRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	maps.Copy(out, m)
	return nil
}

func replayTaskJournal(path string, out map[string]TaskRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var t TaskRecord
		if err := json.Unmarshal(sc.Bytes(), &t); err != nil || t.ID == "" {
			continue
		}
		out[t.ID] = t
	}
	return sc.Err()
}
