package storage

import (
	"context"
	"sync"
	"time"

	"github.com/ostafen/clover"

	"github.com/transitlive/transit-cache/types"
	"github.com/transitlive/transit-cache/utils"
)

const snapshotDocID = "current"

type CloverStoreConfig struct {
	Path       string `json:"path"`
	Collection string `json:"collection"`
	QuotaBytes int64  `json:"quota_bytes"`
}

// CloverStore keeps the snapshot as a single document in an embedded
// document database. An empty path opens an in-memory database, which the
// tests rely on.
type CloverStore struct {
	db         *clover.DB
	collection string
	quota      int64
	mu         sync.Mutex
}

func NewCloverStore(ctx context.Context, config interface{}) (types.SnapshotStore, error) {
	cfg := CloverStoreConfig{
		Collection: "snapshots",
	}
	if config != nil {
		if err := utils.UnmarshalConfig(config, &cfg); err != nil {
			return nil, types.WrapError(err, "invalid clover store config")
		}
	}

	db, err := clover.Open(cfg.Path)
	if err != nil {
		return nil, types.WrapError(err, "failed to open clover database")
	}

	exists, err := db.HasCollection(cfg.Collection)
	if err != nil {
		db.Close()
		return nil, types.WrapError(err, "failed to check collection existence")
	}

	if !exists {
		if err := db.CreateCollection(cfg.Collection); err != nil {
			db.Close()
			return nil, types.WrapError(err, "failed to create collection")
		}
	}

	return &CloverStore{
		db:         db,
		collection: cfg.Collection,
		quota:      cfg.QuotaBytes,
	}, nil
}

func (s *CloverStore) Load(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, err := s.db.Query(s.collection).Where(clover.Field("snapshot_id").Eq(snapshotDocID)).FindAll()
	if err != nil {
		return nil, types.WrapError(err, "failed to query snapshot document")
	}

	if len(docs) == 0 {
		return nil, types.ErrSnapshotNotFound
	}

	payload, ok := docs[0].Get("payload").(string)
	if !ok {
		return nil, types.Errorf(types.ErrSnapshotCorrupt, "snapshot document has no payload")
	}

	return []byte(payload), nil
}

func (s *CloverStore) Save(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quota > 0 && int64(len(data)) > s.quota {
		return types.Errorf(types.ErrStorageQuotaExceeded,
			"snapshot %s over clover quota %s",
			utils.FormatBytes(int64(len(data))), utils.FormatBytes(s.quota))
	}

	if err := s.db.Query(s.collection).Where(clover.Field("snapshot_id").Eq(snapshotDocID)).Delete(); err != nil {
		return types.WrapError(err, "failed to delete previous snapshot document")
	}

	doc := clover.NewDocument()
	doc.Set("snapshot_id", snapshotDocID)
	doc.Set("payload", utils.BytesToString(data))
	doc.Set("size", int64(len(data)))
	doc.Set("saved_at", time.Now().UnixNano())

	if err := s.db.Insert(s.collection, doc); err != nil {
		return types.WrapError(err, "failed to insert snapshot document")
	}

	return nil
}

func (s *CloverStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Query(s.collection).Where(clover.Field("snapshot_id").Eq(snapshotDocID)).Delete(); err != nil {
		return types.WrapError(err, "failed to delete snapshot document")
	}

	return nil
}

func (s *CloverStore) Size(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, err := s.db.Query(s.collection).Where(clover.Field("snapshot_id").Eq(snapshotDocID)).FindAll()
	if err != nil {
		return 0, types.WrapError(err, "failed to query snapshot document")
	}

	if len(docs) == 0 {
		return 0, nil
	}

	size, ok := docs[0].Get("size").(int64)
	if !ok {
		return 0, nil
	}

	return size, nil
}

func (s *CloverStore) Close() error {
	return s.db.Close()
}
