package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tracerelay/internal/domain"
	"tracerelay/internal/logname"
	"tracerelay/internal/storage"

	_ "modernc.org/sqlite"
)

const (
	catalogSchema = `
CREATE TABLE IF NOT EXISTS destination_logs (
	prefix TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	max_size_bytes INTEGER NOT NULL DEFAULT 0,
	overflow_policy TEXT NOT NULL DEFAULT 'overwrite-oldest',
	created_at_utc_ns INTEGER NOT NULL
);
`
	recordsSchema = `
CREATE TABLE IF NOT EXISTS records (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	time_created_utc_ns INTEGER NOT NULL,
	event_id INTEGER NOT NULL,
	provider TEXT NOT NULL,
	level INTEGER NOT NULL,
	level_display TEXT NOT NULL,
	host TEXT NOT NULL,
	process_id INTEGER NOT NULL,
	user_sid TEXT NOT NULL,
	channel TEXT NOT NULL,
	message TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	appended_at_utc_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_time_created ON records(time_created_utc_ns, seq);

CREATE TABLE IF NOT EXISTS log_meta (
	key TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);

INSERT INTO log_meta(key, value) VALUES('size_bytes', 0)
ON CONFLICT(key) DO NOTHING;
`
)

// Store is the durable destination log store. One catalog database maps
// significant prefixes to log configuration; each log keeps its records
// in its own database file named after the prefix.
type Store struct {
	baseDir string

	mu      sync.Mutex
	catalog *sql.DB
	records map[string]*sql.DB
}

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	return &Store{baseDir: baseDir, records: make(map[string]*sql.DB)}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.catalog != nil {
		if err := s.catalog.Close(); err != nil {
			errs = append(errs, err)
		}
		s.catalog = nil
	}
	for _, db := range s.records {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.records = make(map[string]*sql.DB)
	return errors.Join(errs...)
}

func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	db, err := s.catalogDB()
	if err != nil {
		return false, err
	}
	owner, ok, err := catalogOwner(ctx, db, logname.SignificantPrefix(name))
	if err != nil {
		return false, err
	}
	return ok && owner == logname.Canonicalize(name), nil
}

func (s *Store) Create(ctx context.Context, name string) error {
	db, err := s.catalogDB()
	if err != nil {
		return err
	}
	prefix := logname.SignificantPrefix(name)
	canonical := logname.Canonicalize(name)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	owner, ok, err := catalogOwnerTx(ctx, tx, prefix)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("prefix %q already owned by %q: %w", prefix, owner, storage.ErrNameCollision)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO destination_logs(prefix, name, created_at_utc_ns) VALUES(?, ?, ?)`,
		prefix, canonical, time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("create destination log %q: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	// Materialize the records database now so a created-but-empty log is
	// visible on disk before the first append.
	_, err = s.recordsDB(prefix)
	return err
}

func (s *Store) Configure(ctx context.Context, name string, limits storage.Limits) error {
	if limits.MaxSizeBytes < 0 {
		return fmt.Errorf("max size %d: %w", limits.MaxSizeBytes, storage.ErrInvalidLimits)
	}
	if limits.Overflow == "" {
		limits.Overflow = domain.OverwriteOldest
	}
	if _, err := domain.ParseOverflowPolicy(string(limits.Overflow)); err != nil {
		return fmt.Errorf("%v: %w", err, storage.ErrInvalidLimits)
	}

	db, err := s.catalogDB()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `
UPDATE destination_logs SET max_size_bytes=?, overflow_policy=? WHERE prefix=?`,
		limits.MaxSizeBytes, string(limits.Overflow), logname.SignificantPrefix(name))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("configure %q: %w", name, storage.ErrLogNotFound)
	}
	return nil
}

func (s *Store) MostRecentTimestamp(ctx context.Context, name string) (int64, bool, error) {
	prefix := logname.SignificantPrefix(name)
	if _, ok, err := s.lookupLimits(ctx, prefix); err != nil || !ok {
		return 0, false, err
	}
	db, err := s.recordsDB(prefix)
	if err != nil {
		return 0, false, err
	}
	var ts int64
	err = db.QueryRowContext(ctx, `
SELECT time_created_utc_ns FROM records ORDER BY time_created_utc_ns DESC, seq DESC LIMIT 1`).Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return ts, true, nil
}

func (s *Store) Append(ctx context.Context, name string, rec domain.EventRecord) error {
	prefix := logname.SignificantPrefix(name)
	limits, ok, err := s.lookupLimits(ctx, prefix)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("append to %q: %w", name, storage.ErrLogNotFound)
	}

	db, err := s.recordsDB(prefix)
	if err != nil {
		return err
	}
	recSize := storage.RecordSize(rec)
	if limits.MaxSizeBytes > 0 && recSize > limits.MaxSizeBytes {
		return fmt.Errorf("record of %d bytes exceeds log budget %d: %w", recSize, limits.MaxSizeBytes, storage.ErrLogFull)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var size int64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM log_meta WHERE key='size_bytes'`).Scan(&size); err != nil {
		return err
	}
	if limits.MaxSizeBytes > 0 && size+recSize > limits.MaxSizeBytes {
		if limits.Overflow == domain.NeverOverwrite {
			return fmt.Errorf("append to %q: %w", name, storage.ErrLogFull)
		}
		freed, err := evictOldest(ctx, tx, size+recSize-limits.MaxSizeBytes)
		if err != nil {
			return err
		}
		size -= freed
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO records(
	time_created_utc_ns, event_id, provider, level, level_display,
	host, process_id, user_sid, channel, message, size_bytes, appended_at_utc_ns
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TimeCreatedUTCNs, int64(rec.EventID), rec.Provider, int64(rec.Level), rec.LevelDisplay,
		rec.Host, rec.ProcessID, rec.UserSID, rec.Channel, rec.Message, recSize, time.Now().UTC().UnixNano())
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE log_meta SET value=? WHERE key='size_bytes'`, size+recSize); err != nil {
		return err
	}
	return tx.Commit()
}

// evictOldest removes records in seq order until at least need bytes are
// freed, returning the bytes actually freed.
func evictOldest(ctx context.Context, tx *sql.Tx, need int64) (int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT seq, size_bytes FROM records ORDER BY seq ASC`)
	if err != nil {
		return 0, err
	}
	var cutoff uint64
	var freed int64
	for rows.Next() {
		var seq uint64
		var sz int64
		if err := rows.Scan(&seq, &sz); err != nil {
			rows.Close()
			return 0, err
		}
		cutoff = seq
		freed += sz
		if freed >= need {
			break
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()
	if cutoff == 0 {
		return 0, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE seq <= ?`, cutoff); err != nil {
		return 0, err
	}
	return freed, nil
}

func (s *Store) Read(ctx context.Context, name string) ([]storage.StoredRecord, error) {
	prefix := logname.SignificantPrefix(name)
	if _, ok, err := s.lookupLimits(ctx, prefix); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("read %q: %w", name, storage.ErrLogNotFound)
	}
	db, err := s.recordsDB(prefix)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
SELECT seq, size_bytes, time_created_utc_ns, event_id, provider, level, level_display,
	host, process_id, user_sid, channel, message
FROM records ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.StoredRecord
	for rows.Next() {
		var item storage.StoredRecord
		var eventID, level int64
		if err := rows.Scan(
			&item.Seq, &item.SizeBytes, &item.Record.TimeCreatedUTCNs, &eventID, &item.Record.Provider,
			&level, &item.Record.LevelDisplay, &item.Record.Host, &item.Record.ProcessID,
			&item.Record.UserSID, &item.Record.Channel, &item.Record.Message,
		); err != nil {
			return nil, err
		}
		item.Record.EventID = uint32(eventID)
		item.Record.Level = uint8(level)
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Store) lookupLimits(ctx context.Context, prefix string) (storage.Limits, bool, error) {
	db, err := s.catalogDB()
	if err != nil {
		return storage.Limits{}, false, err
	}
	var limits storage.Limits
	var policy string
	err = db.QueryRowContext(ctx, `
SELECT max_size_bytes, overflow_policy FROM destination_logs WHERE prefix=?`, prefix).
		Scan(&limits.MaxSizeBytes, &policy)
	if err == sql.ErrNoRows {
		return storage.Limits{}, false, nil
	}
	if err != nil {
		return storage.Limits{}, false, err
	}
	limits.Overflow = domain.OverflowPolicy(policy)
	return limits, true, nil
}

func (s *Store) catalogDB() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.catalog != nil {
		return s.catalog, nil
	}
	db, err := openSQLite(filepath.Join(s.baseDir, "catalog.db"))
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(catalogSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.catalog = db
	return db, nil
}

func (s *Store) recordsDB(prefix string) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.records[prefix]; ok {
		return db, nil
	}
	db, err := openSQLite(filepath.Join(s.baseDir, fmt.Sprintf("records-%s.db", prefix)))
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(recordsSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.records[prefix] = db
	return db, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func catalogOwner(ctx context.Context, db *sql.DB, prefix string) (string, bool, error) {
	var owner string
	err := db.QueryRowContext(ctx, `SELECT name FROM destination_logs WHERE prefix=?`, prefix).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return owner, true, nil
}

func catalogOwnerTx(ctx context.Context, tx *sql.Tx, prefix string) (string, bool, error) {
	var owner string
	err := tx.QueryRowContext(ctx, `SELECT name FROM destination_logs WHERE prefix=?`, prefix).Scan(&owner)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return owner, true, nil
}
