package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/transitlive/transit-cache/types"
	"github.com/transitlive/transit-cache/utils"
)

type SQLiteStoreConfig struct {
	Path       string `json:"path"`
	QuotaBytes int64  `json:"quota_bytes"`
}

// SQLiteStore keeps the snapshot as a single row, for deployments that want
// a durable embedded substrate without a document database.
type SQLiteStore struct {
	db    *sql.DB
	quota int64
}

func NewSQLiteStore(ctx context.Context, config interface{}) (types.SnapshotStore, error) {
	cfg := SQLiteStoreConfig{
		Path: "data/transit-cache.db",
	}
	if config != nil {
		if err := utils.UnmarshalConfig(config, &cfg); err != nil {
			return nil, types.WrapError(err, "invalid sqlite store config")
		}
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, types.WrapError(err, "failed to create snapshot directory")
		}
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, types.WrapError(err, "failed to open sqlite database")
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS snapshots (
			id       INTEGER PRIMARY KEY CHECK (id = 1),
			payload  BLOB NOT NULL,
			saved_at INTEGER NOT NULL
		)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, types.WrapError(err, "failed to create snapshots table")
	}

	return &SQLiteStore{
		db:    db,
		quota: cfg.QuotaBytes,
	}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM snapshots WHERE id = 1").Scan(&payload)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, types.ErrSnapshotNotFound
		}
		return nil, types.WrapError(err, "failed to read snapshot row")
	}

	return payload, nil
}

func (s *SQLiteStore) Save(ctx context.Context, data []byte) error {
	if s.quota > 0 && int64(len(data)) > s.quota {
		return types.Errorf(types.ErrStorageQuotaExceeded,
			"snapshot %s over sqlite quota %s",
			utils.FormatBytes(int64(len(data))), utils.FormatBytes(s.quota))
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO snapshots (id, payload, saved_at) VALUES (1, ?, ?)",
		data, time.Now().UnixNano())
	if err != nil {
		return types.WrapError(err, "failed to write snapshot row")
	}

	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM snapshots WHERE id = 1"); err != nil {
		return types.WrapError(err, "failed to delete snapshot row")
	}

	return nil
}

func (s *SQLiteStore) Size(ctx context.Context) (int64, error) {
	var size int64
	err := s.db.QueryRowContext(ctx, "SELECT length(payload) FROM snapshots WHERE id = 1").Scan(&size)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, types.WrapError(err, "failed to read snapshot size")
	}

	return size, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
