package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/transitlive/transit-cache/types"
	"github.com/transitlive/transit-cache/utils"
)

type nopLogger struct {
	z *zap.Logger
}

func newTestLogger() types.Logger {
	return &nopLogger{z: zap.NewNop()}
}

func (l *nopLogger) Error(msg string, fields ...zap.Field) { l.z.Error(msg, fields...) }
func (l *nopLogger) ErrorWithErrStack(msg string, err error, fields ...zap.Field) {
	l.z.Error(msg, append(fields, zap.Error(err))...)
}
func (l *nopLogger) Warn(msg string, fields ...zap.Field)  { l.z.Warn(msg, fields...) }
func (l *nopLogger) Info(msg string, fields ...zap.Field)  { l.z.Info(msg, fields...) }
func (l *nopLogger) Debug(msg string, fields ...zap.Field) { l.z.Debug(msg, fields...) }
func (l *nopLogger) Log(lvl zapcore.Level, msg string, fields ...zap.Field) {
	l.z.Log(lvl, msg, fields...)
}

// fakeStore is an in-memory SnapshotStore with scriptable Save failures.
type fakeStore struct {
	mu       sync.Mutex
	data     []byte
	hasData  bool
	saves    int
	clears   int
	saveErrs []error
}

func (s *fakeStore) Load(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasData {
		return nil, types.ErrSnapshotNotFound
	}
	return s.data, nil
}

func (s *fakeStore) Save(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.saves++
	if len(s.saveErrs) > 0 {
		err := s.saveErrs[0]
		s.saveErrs = s.saveErrs[1:]
		if err != nil {
			return err
		}
	}

	s.data = append([]byte(nil), data...)
	s.hasData = true
	return nil
}

func (s *fakeStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	s.data = nil
	s.hasData = false
	return nil
}

func (s *fakeStore) Size(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.data)), nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) snapshot(t *testing.T) []*types.CacheEntry {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.True(t, s.hasData, "no snapshot persisted")
	entries, err := decodeSnapshot(s.data)
	require.NoError(t, err)
	return entries
}

// recordingBus captures published events, ignoring subscriptions.
type recordingBus struct {
	mu     sync.Mutex
	events []types.CacheEvent
}

func (b *recordingBus) Subscribe(key string, listener types.EventListener) func() {
	return func() {}
}

func (b *recordingBus) Publish(event types.CacheEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBus) Subscribers(key string) int { return 0 }
func (b *recordingBus) Close()                     {}

func (b *recordingBus) expiredKeys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for _, event := range b.events {
		if event.Type == types.EventExpired {
			keys = append(keys, event.Key)
		}
	}
	return keys
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testStorageConfig() *types.StorageConfig {
	return &types.StorageConfig{
		Enabled:           true,
		Type:              "file",
		SoftLimitBytes:    3 * 1024 * 1024,
		HardLimitBytes:    4 * 1024 * 1024,
		MinimalLimitBytes: 1024 * 1024,
	}
}

func newTestAdapter(t *testing.T, config *types.StorageConfig, store types.SnapshotStore, bus types.EventBus) *PersistenceAdapter {
	t.Helper()

	adapter, err := NewPersistenceAdapter(context.Background(), newTestLogger(), config, bus, store)
	require.NoError(t, err)
	adapter.now = func() time.Time { return testNow }

	require.NoError(t, adapter.Start())
	t.Cleanup(func() {
		if adapter.IsRunning() {
			_ = adapter.Stop()
		}
	})

	return adapter
}

func testEntry(key string, payload string, age time.Duration) *types.CacheEntry {
	stamp := testNow.Add(-age)
	return &types.CacheEntry{
		Key:       key,
		Data:      payload,
		Timestamp: stamp,
		CreatedAt: stamp,
		UpdatedAt: stamp,
		Policy: types.FreshnessPolicy{
			TTL:                  time.Hour,
			MaxAge:               24 * time.Hour,
			StaleWhileRevalidate: true,
		},
		Source: types.SourceNetwork,
		Size:   int64(len(payload)),
	}
}

func TestPersistRestoreRoundTrip(t *testing.T) {
	store := &fakeStore{}
	adapter := newTestAdapter(t, testStorageConfig(), store, nil)

	entries := []*types.CacheEntry{
		testEntry("routes:44", "ballard", time.Minute),
		testEntry("vehicles:2", "pos", time.Second),
	}

	require.NoError(t, adapter.Persist(context.Background(), entries))

	restored, err := adapter.Restore(context.Background())
	require.NoError(t, err)
	require.Len(t, restored, 2)

	byKey := map[string]*types.CacheEntry{}
	for _, entry := range restored {
		byKey[entry.Key] = entry
	}
	assert.Equal(t, "ballard", byKey["routes:44"].Data)
	assert.Equal(t, testNow.Add(-time.Minute), byKey["routes:44"].Timestamp)
}

func TestPersistFiltersExpiredEntries(t *testing.T) {
	store := &fakeStore{}
	adapter := newTestAdapter(t, testStorageConfig(), store, nil)

	entries := []*types.CacheEntry{
		testEntry("routes:44", "ballard", time.Minute),
		testEntry("stale:1", "old", 48 * time.Hour),
	}

	require.NoError(t, adapter.Persist(context.Background(), entries))

	persisted := store.snapshot(t)
	require.Len(t, persisted, 1)
	assert.Equal(t, "routes:44", persisted[0].Key)
}

func TestRestoreMissingSnapshotIsColdStart(t *testing.T) {
	adapter := newTestAdapter(t, testStorageConfig(), &fakeStore{}, nil)

	restored, err := adapter.Restore(context.Background())
	require.NoError(t, err)
	assert.Nil(t, restored)
}

func TestRestoreDropsExpiredEntries(t *testing.T) {
	store := &fakeStore{}
	adapter := newTestAdapter(t, testStorageConfig(), store, nil)

	payload, err := utils.Marshal(types.Snapshot{
		Version: types.SnapshotVersion,
		SavedAt: testNow.Add(-48 * time.Hour),
		Entries: []*types.CacheEntry{
			testEntry("routes:44", "ballard", time.Minute),
			testEntry("stale:1", "old", 48 * time.Hour),
		},
	})
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), payload))

	restored, err := adapter.Restore(context.Background())
	require.NoError(t, err)
	require.Len(t, restored, 1)
	assert.Equal(t, "routes:44", restored[0].Key)
}

func TestRestoreCorruptSnapshotClearsStore(t *testing.T) {
	store := &fakeStore{}
	adapter := newTestAdapter(t, testStorageConfig(), store, nil)

	require.NoError(t, store.Save(context.Background(), []byte("not json at all")))

	_, err := adapter.Restore(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, store.clears, "a corrupt snapshot must be wiped")
}

func TestPersistOverSoftLimitDropsOldestThird(t *testing.T) {
	config := testStorageConfig()
	config.SoftLimitBytes = 2048
	config.HardLimitBytes = 1024 * 1024

	store := &fakeStore{}
	bus := &recordingBus{}
	adapter := newTestAdapter(t, config, store, bus)

	// Ten entries with distinct ages; payload sized to blow past the soft
	// limit so the oldest 30% get dropped.
	entries := make([]*types.CacheEntry, 0, 10)
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("stops:%d", i)
		entries = append(entries, testEntry(key, strings.Repeat("x", 400), time.Duration(10-i)*time.Minute))
	}

	require.NoError(t, adapter.Persist(context.Background(), entries))

	persisted := store.snapshot(t)
	assert.Len(t, persisted, 7)

	kept := map[string]bool{}
	for _, entry := range persisted {
		kept[entry.Key] = true
	}
	assert.False(t, kept["stops:0"], "oldest entries are dropped first")
	assert.False(t, kept["stops:1"])
	assert.False(t, kept["stops:2"])
	assert.True(t, kept["stops:9"], "newest entry always survives")

	assert.ElementsMatch(t, []string{"stops:0", "stops:1", "stops:2"}, bus.expiredKeys())
}

func TestPersistAbortsAtHardCeiling(t *testing.T) {
	config := testStorageConfig()
	config.SoftLimitBytes = 512
	config.HardLimitBytes = 1024

	store := &fakeStore{}
	adapter := newTestAdapter(t, config, store, nil)

	entries := make([]*types.CacheEntry, 0, 10)
	for i := 0; i < 10; i++ {
		entries = append(entries, testEntry(fmt.Sprintf("stops:%d", i), strings.Repeat("x", 400), time.Duration(i)*time.Minute))
	}

	err := adapter.Persist(context.Background(), entries)
	require.Error(t, err)
	assert.True(t, types.IsError(err, types.ErrStorageQuotaExceeded))
	assert.Zero(t, store.saves, "nothing may be written past the hard ceiling")

	info := adapter.Info()
	assert.NotEmpty(t, info.LastError)
}

func TestQuotaErrorTriggersEmergencyCleanup(t *testing.T) {
	config := testStorageConfig()

	store := &fakeStore{saveErrs: []error{types.ErrStorageQuotaExceeded}}
	bus := &recordingBus{}
	adapter := newTestAdapter(t, config, store, bus)

	// 50 entries of increasing size. The emergency pass keeps the smallest
	// min(20, half) entries.
	entries := make([]*types.CacheEntry, 0, 50)
	for i := 0; i < 50; i++ {
		entries = append(entries, testEntry(fmt.Sprintf("stops:%d", i), strings.Repeat("x", (i+1)*10), time.Minute))
	}

	require.NoError(t, adapter.Persist(context.Background(), entries))

	persisted := store.snapshot(t)
	assert.Len(t, persisted, 20)

	for _, entry := range persisted {
		assert.LessOrEqual(t, entry.Size, int64(200), "only the smallest entries survive")
	}
	assert.Len(t, bus.expiredKeys(), 30)

	info := adapter.Info()
	assert.True(t, info.Degraded)
	assert.Equal(t, types.PressureCritical, info.Pressure)
}

func TestEmergencyKeepsAtMostHalf(t *testing.T) {
	store := &fakeStore{saveErrs: []error{types.ErrStorageQuotaExceeded}}
	adapter := newTestAdapter(t, testStorageConfig(), store, nil)

	entries := make([]*types.CacheEntry, 0, 6)
	for i := 0; i < 6; i++ {
		entries = append(entries, testEntry(fmt.Sprintf("stops:%d", i), strings.Repeat("x", (i+1)*10), time.Minute))
	}

	require.NoError(t, adapter.Persist(context.Background(), entries))

	assert.Len(t, store.snapshot(t), 3, "half the entries when fewer than forty exist")
}

func TestEmergencyFailureClearsSnapshot(t *testing.T) {
	store := &fakeStore{saveErrs: []error{
		types.ErrStorageQuotaExceeded,
		types.ErrStorageQuotaExceeded,
	}}
	adapter := newTestAdapter(t, testStorageConfig(), store, nil)

	entries := []*types.CacheEntry{
		testEntry("routes:44", "ballard", time.Minute),
		testEntry("vehicles:2", "pos", time.Second),
	}

	err := adapter.Persist(context.Background(), entries)
	require.Error(t, err)

	assert.Equal(t, 1, store.clears, "the snapshot is cleared when even the minimal write fails")

	info := adapter.Info()
	assert.True(t, info.Degraded)
	assert.Equal(t, types.PressureCritical, info.Pressure)
}

func TestPersistNonQuotaSaveErrorPropagates(t *testing.T) {
	store := &fakeStore{saveErrs: []error{errors.New("disk detached")}}
	adapter := newTestAdapter(t, testStorageConfig(), store, nil)

	err := adapter.Persist(context.Background(), []*types.CacheEntry{
		testEntry("routes:44", "ballard", time.Minute),
	})
	require.Error(t, err)
	assert.Zero(t, store.clears, "non-quota failures never trigger cleanup")
}

func TestClearPersisted(t *testing.T) {
	store := &fakeStore{}
	adapter := newTestAdapter(t, testStorageConfig(), store, nil)

	require.NoError(t, adapter.Persist(context.Background(), []*types.CacheEntry{
		testEntry("routes:44", "ballard", time.Minute),
	}))
	require.NoError(t, adapter.ClearPersisted(context.Background()))

	_, err := store.Load(context.Background())
	assert.True(t, types.IsError(err, types.ErrSnapshotNotFound))
}

func TestInfoPressureLevels(t *testing.T) {
	config := testStorageConfig()
	config.SoftLimitBytes = 1000

	store := &fakeStore{}
	adapter := newTestAdapter(t, config, store, nil)

	assert.Equal(t, types.PressureNone, adapter.Info().Pressure)

	adapter.recordSuccess(850, false)
	assert.Equal(t, types.PressureElevated, adapter.Info().Pressure)

	adapter.recordSuccess(1000, false)
	assert.Equal(t, types.PressureCritical, adapter.Info().Pressure)
}

func TestDecodeSnapshotLegacyMapForm(t *testing.T) {
	raw := []byte(`{
		"version": 1,
		"saved_at": "2025-06-01T11:00:00Z",
		"entries": {
			"routes:44": {"data": "ballard", "timestamp": "2025-06-01T11:00:00Z", "policy": {"ttl": 3600000000000, "max_age": 86400000000000}},
			"stops:12": {"data": "market st", "timestamp": "2025-06-01T11:30:00Z", "policy": {"ttl": 3600000000000, "max_age": 86400000000000}}
		}
	}`)

	entries, err := decodeSnapshot(raw)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	keys := map[string]bool{}
	for _, entry := range entries {
		keys[entry.Key] = true
	}
	assert.True(t, keys["routes:44"], "map keys must be backfilled onto entries")
	assert.True(t, keys["stops:12"])
}

func TestDecodeSnapshotLegacyPairForm(t *testing.T) {
	raw := []byte(`{
		"version": 1,
		"saved_at": "2025-06-01T11:00:00Z",
		"entries": [
			["routes:44", {"data": "ballard", "timestamp": "2025-06-01T11:00:00Z", "policy": {"ttl": 3600000000000, "max_age": 86400000000000}}]
		]
	}`)

	entries, err := decodeSnapshot(raw)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "routes:44", entries[0].Key)
	assert.Equal(t, "ballard", entries[0].Data)
}

func TestDecodeSnapshotEmptyEntries(t *testing.T) {
	entries, err := decodeSnapshot([]byte(`{"version": 1, "saved_at": "2025-06-01T11:00:00Z", "entries": []}`))
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = decodeSnapshot([]byte(`{"version": 1, "saved_at": "2025-06-01T11:00:00Z"}`))
	require.NoError(t, err)
	assert.Empty(t, entries)
}
