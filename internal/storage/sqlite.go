package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"greenbox/internal/eventbus"
	"greenbox/internal/sensor"
	logx "greenbox/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendReading(ctx context.Context, r sensor.Reading) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	rec := newReadingRecord(r)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO readings(id, at, kind, value) VALUES(?,?,?,?)`,
		rec.ID, rec.At.UnixMilli(), string(rec.Kind), rec.Value,
	)
	return err
}

func (s *sqliteStore) AppendAlert(ctx context.Context, a eventbus.Alert, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	rec := newAlertRecord(a, at)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts(id, at, key, kind, value, lim, message) VALUES(?,?,?,?,?,?,?)`,
		rec.ID, rec.At.UnixMilli(), rec.Key, rec.Kind, rec.Value, rec.Limit, rec.Message,
	)
	return err
}

func (s *sqliteStore) ReadingsSince(ctx context.Context, kind sensor.Kind, since time.Time) ([]ReadingRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT id, at, kind, value FROM readings WHERE at >= ?`
	args := []any{since.UnixMilli()}
	if kind != "" {
		q += ` AND kind = ?`
		args = append(args, string(kind))
	}
	q += ` ORDER BY at, rowid`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReadingRecord
	for rows.Next() {
		var (
			r  ReadingRecord
			ms int64
			k  string
		)
		if err := rows.Scan(&r.ID, &ms, &k, &r.Value); err != nil {
			return nil, err
		}
		r.At = time.UnixMilli(ms).UTC()
		r.Kind = sensor.Kind(k)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AlertsSince(ctx context.Context, since time.Time) ([]AlertRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, key, kind, value, lim, message FROM alerts WHERE at >= ? ORDER BY at, rowid`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AlertRecord
	for rows.Next() {
		var (
			r  AlertRecord
			ms int64
		)
		if err := rows.Scan(&r.ID, &ms, &r.Key, &r.Kind, &r.Value, &r.Limit, &r.Message); err != nil {
			return nil, err
		}
		r.At = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	ms := t.UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, q := range []string{
		`DELETE FROM readings WHERE at < ?`,
		`DELETE FROM alerts WHERE at < ?`,
	} {
		res, err := tx.ExecContext(ctx, q, ms)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpiredDedup(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpiredDedup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli())
	return err
}
