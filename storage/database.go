package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"chatguard/crypto"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "chatguard.db"
	// DefaultMaintenanceInterval is how often the WAL is truncated and expired audit rows dropped.
	DefaultMaintenanceInterval = 6 * time.Hour
	// DefaultSecurityEventRetention controls automatic security event pruning.
	DefaultSecurityEventRetention = 90 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS preferences (
  name       TEXT PRIMARY KEY,
  value      BLOB NOT NULL,
  updated_at INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS rate_limit_state (
  identity     TEXT NOT NULL,
  action       TEXT NOT NULL,
  window_start INTEGER NOT NULL,
  count        INTEGER NOT NULL DEFAULT 0 CHECK(count >= 0),
  PRIMARY KEY (identity, action)
);
`,
	`
CREATE TABLE IF NOT EXISTS security_events (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type  TEXT NOT NULL,
  identity    TEXT,
  counterpart TEXT,
  details     TEXT NOT NULL,
  severity    TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp   INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_time
ON security_events (timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_type
ON security_events (event_type, timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_security_events_identity
ON security_events (identity, timestamp DESC, id DESC);
`,
}

// Store holds the device-local state: sealed preferences, rate-limit counters and the
// security event log.
type Store struct {
	db     *sql.DB
	sealer *crypto.Sealer
	log    *logrus.Entry

	retention atomic.Int64

	maintenanceStop chan struct{}
	maintenanceWG   sync.WaitGroup
	closeOnce       sync.Once
}

// Open opens (or creates) the database under dataDir and runs migrations.
// Preference values are sealed with a key derived from masterKey.
func Open(dataDir string, masterKey []byte) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, masterKey)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path, migrates it and starts periodic maintenance.
func OpenPath(dbPath string, masterKey []byte) (*Store, error) {
	sealer, err := crypto.NewSealer(masterKey)
	if err != nil {
		return nil, fmt.Errorf("init preference sealing: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &Store{
		db:              db,
		sealer:          sealer,
		log:             logrus.WithField("component", "storage"),
		maintenanceStop: make(chan struct{}),
	}
	store.retention.Store(int64(DefaultSecurityEventRetention))
	for _, step := range []func() error{db.Ping, store.enableWALMode, store.applyMigrations, store.maintain} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	store.startMaintenance(DefaultMaintenanceInterval)

	return store, nil
}

// Close stops maintenance and closes the connection. Further calls are no-ops.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		close(s.maintenanceStop)
		s.maintenanceWG.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
	}
	// PRAGMA does not take bind parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", len(migrations))); err != nil {
		return fmt.Errorf("set schema version %d: %w", len(migrations), err)
	}
	return tx.Commit()
}

func (s *Store) enableWALMode() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("enable WAL mode: journal mode is %q", mode)
	}
	return nil
}

// maintain truncates the WAL and drops audit rows past retention.
func (s *Store) maintain() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}

	pruned, err := s.PruneSecurityEvents(s.retentionCutoff())
	if err != nil {
		return err
	}
	if pruned > 0 {
		s.log.WithField("rows", pruned).Debug("pruned expired security events")
	}
	return nil
}

func (s *Store) startMaintenance(interval time.Duration) {
	s.maintenanceWG.Add(1)
	go func() {
		defer s.maintenanceWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.maintain(); err != nil {
					s.log.WithError(err).Warn("storage maintenance failed")
				}
			case <-s.maintenanceStop:
				return
			}
		}
	}()
}
