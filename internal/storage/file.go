package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"greenbox/internal/eventbus"
	"greenbox/internal/sensor"
	logx "greenbox/pkg/logx"
)

// fileStore keeps everything in JSON Lines files.
//
// Files:
//   - <prefix>.readings.jsonl      (append-only)
//   - <prefix>.alerts.jsonl        (append-only)
//   - <prefix>.dedup.snapshot.json (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl (append-only journal)
//
// PruneBefore rewrites the readings and alerts files; the dedup journal is
// periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	readingsPath string
	readingsFile *os.File
	alertsPath   string
	alertsFile   *os.File

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli

	dedupWrites int
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
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

	s := &fileStore{
		log:               log,
		readingsPath:      prefix + ".readings.jsonl",
		alertsPath:        prefix + ".alerts.jsonl",
		dedupSnapshotPath: prefix + ".dedup.snapshot.json",
		dedup:             map[string]int64{},
	}
	journalPath := prefix + ".dedup.journal.jsonl"

	var err error
	if s.readingsFile, err = openAppend(s.readingsPath); err != nil {
		return nil, err
	}
	if s.alertsFile, err = openAppend(s.alertsPath); err != nil {
		_ = s.readingsFile.Close()
		return nil, err
	}

	// Load dedup from snapshot + journal.
	_ = loadDedupSnapshot(s.dedupSnapshotPath, s.dedup)
	_ = replayDedupJournal(journalPath, s.dedup)
	pruneExpiredDedup(s.dedup)

	s.dedupJournalFile, err = os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = s.readingsFile.Close()
		_ = s.alertsFile.Close()
		return nil, err
	}
	log.Debug("file store opened", logx.String("prefix", prefix))
	return s, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, f := range []**os.File{&s.readingsFile, &s.alertsFile, &s.dedupJournalFile} {
		if *f != nil {
			errs = append(errs, (*f).Close())
			*f = nil
		}
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendReading(ctx context.Context, r sensor.Reading) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readingsFile == nil {
		return ErrDisabled
	}
	return json.NewEncoder(s.readingsFile).Encode(newReadingRecord(r))
}

func (s *fileStore) AppendAlert(ctx context.Context, a eventbus.Alert, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alertsFile == nil {
		return ErrDisabled
	}
	return json.NewEncoder(s.alertsFile).Encode(newAlertRecord(a, at))
}

func (s *fileStore) ReadingsSince(ctx context.Context, kind sensor.Kind, since time.Time) ([]ReadingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readingsFile == nil {
		return nil, ErrDisabled
	}
	var out []ReadingRecord
	err := scanJSONL(ctx, s.readingsPath, func(r ReadingRecord) bool {
		if (kind == "" || r.Kind == kind) && !r.At.Before(since) {
			out = append(out, r)
		}
		return true
	})
	return out, err
}

func (s *fileStore) AlertsSince(ctx context.Context, since time.Time) ([]AlertRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alertsFile == nil {
		return nil, ErrDisabled
	}
	var out []AlertRecord
	err := scanJSONL(ctx, s.alertsPath, func(r AlertRecord) bool {
		if !r.At.Before(since) {
			out = append(out, r)
		}
		return true
	})
	return out, err
}

func (s *fileStore) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readingsFile == nil || s.alertsFile == nil {
		return 0, ErrDisabled
	}

	n1, f1, err := rewriteJSONL(ctx, s.readingsPath, s.readingsFile, func(r ReadingRecord) bool { return !r.At.Before(t) })
	s.readingsFile = f1
	if err != nil {
		return n1, err
	}
	n2, f2, err := rewriteJSONL(ctx, s.alertsPath, s.alertsFile, func(r AlertRecord) bool { return !r.At.Before(t) })
	s.alertsFile = f2
	return n1 + n2, err
}

// scanJSONL decodes every line of path into T. Undecodable lines are
// skipped so one torn write does not hide the rest of the history.
func scanJSONL[T any](ctx context.Context, path string, fn func(T) bool) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var v T
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			continue
		}
		if !fn(v) {
			break
		}
	}
	return sc.Err()
}

// rewriteJSONL keeps the records of path for which keep returns true. It
// closes the current append handle and returns a fresh one for the new file.
func rewriteJSONL[T any](ctx context.Context, path string, cur *os.File, keep func(T) bool) (int64, *os.File, error) {
	tmp := path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, cur, err
	}
	w := bufio.NewWriter(out)
	enc := json.NewEncoder(w)

	var (
		removed int64
		encErr  error
	)
	err = scanJSONL(ctx, path, func(v T) bool {
		if !keep(v) {
			removed++
			return true
		}
		if encErr = enc.Encode(v); encErr != nil {
			return false
		}
		return true
	})
	if err == nil {
		err = encErr
	}
	if err == nil {
		err = w.Flush()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, cur, err
	}
	if removed == 0 {
		_ = os.Remove(tmp)
		return 0, cur, nil
	}

	_ = cur.Close()
	if err := os.Rename(tmp, path); err != nil {
		f, oerr := openAppend(path)
		if oerr != nil {
			return 0, nil, errors.Join(err, oerr)
		}
		return 0, f, err
	}
	f, err := openAppend(path)
	if err != nil {
		return removed, nil, err
	}
	return removed, f, nil
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return errors.New("dedup journal closed")
	}
	s.dedup[key] = ms

	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	pruneExpiredDedup(s.dedup)

	tmp := s.dedupSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.dedup); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.dedupSnapshotPath); err != nil {
		return err
	}
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.dedupJournalFile.Seek(0, io.SeekEnd)
	return err
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	return scanJSONL(context.Background(), path, func(r dedupRecord) bool {
		if r.Key != "" {
			out[r.Key] = r.Until
		}
		return true
	})
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
