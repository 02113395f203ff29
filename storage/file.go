package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/andybalholm/brotli"

	"github.com/transitlive/transit-cache/types"
	"github.com/transitlive/transit-cache/utils"
)

type FileStoreConfig struct {
	Path       string `json:"path"`
	QuotaBytes int64  `json:"quota_bytes"`
	Compress   bool   `json:"compress"`
}

// FileStore keeps the snapshot in a single brotli-compressed file. Writes go
// through a temp file and rename so a crash mid-write never leaves a torn
// snapshot behind.
type FileStore struct {
	path     string
	quota    int64
	compress bool
	mu       sync.Mutex
}

func NewFileStore(ctx context.Context, config interface{}) (types.SnapshotStore, error) {
	cfg := FileStoreConfig{
		Path:     "data/transit-cache.snapshot",
		Compress: true,
	}
	if config != nil {
		if err := utils.UnmarshalConfig(config, &cfg); err != nil {
			return nil, types.WrapError(err, "invalid file store config")
		}
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, types.WrapError(err, "failed to create snapshot directory")
		}
	}

	return &FileStore{
		path:     cfg.Path,
		quota:    cfg.QuotaBytes,
		compress: cfg.Compress,
	}, nil
}

func (s *FileStore) Load(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.ErrSnapshotNotFound
		}
		return nil, types.WrapError(err, "failed to read snapshot file")
	}

	if !s.compress {
		return raw, nil
	}

	decoded, err := io.ReadAll(brotli.NewReader(bytes.NewReader(raw)))
	if err != nil {
		// Snapshots written before compression was enabled are plain JSON.
		if len(raw) > 0 && (raw[0] == '{' || raw[0] == '[') {
			return raw, nil
		}
		return nil, types.Errorf(types.ErrSnapshotCorrupt, "failed to decompress snapshot: %v", err)
	}

	return decoded, nil
}

func (s *FileStore) Save(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := data
	if s.compress {
		var buf bytes.Buffer
		writer := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
		if _, err := writer.Write(data); err != nil {
			return types.WrapError(err, "failed to compress snapshot")
		}
		if err := writer.Close(); err != nil {
			return types.WrapError(err, "failed to finalize compressed snapshot")
		}
		stored = buf.Bytes()
	}

	if s.quota > 0 && int64(len(stored)) > s.quota {
		return types.Errorf(types.ErrStorageQuotaExceeded,
			"snapshot %s over file quota %s",
			utils.FormatBytes(int64(len(stored))), utils.FormatBytes(s.quota))
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, stored, 0o644); err != nil {
		return types.WrapError(err, "failed to write snapshot temp file")
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return types.WrapError(err, "failed to replace snapshot file")
	}

	return nil
}

func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return types.WrapError(err, "failed to remove snapshot file")
	}

	return nil
}

func (s *FileStore) Size(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stat, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, types.WrapError(err, "failed to stat snapshot file")
	}

	return stat.Size(), nil
}

func (s *FileStore) Close() error {
	return nil
}
