package storage

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/transitlive/transit-cache/types"
	"github.com/transitlive/transit-cache/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const (
	// cleanupFraction is the share of oldest entries dropped from the
	// snapshot when it exceeds the soft limit.
	cleanupFraction = 0.30

	// emergencyKeepMax caps how many entries survive an emergency cleanup.
	emergencyKeepMax = 20
)

// PersistenceAdapter mirrors the in-memory cache to a SnapshotStore. Writes
// degrade in three tiers as size limits are hit: direct write, oldest-first
// cleanup, then an emergency minimal write of the smallest entries. If even
// the minimal write fails the persisted snapshot is cleared outright so a
// later load never sees a corrupt or partial snapshot.
type PersistenceAdapter struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger types.Logger
	bus    types.EventBus
	config *types.StorageConfig
	store  types.SnapshotStore

	mu    sync.Mutex
	state atomic.Value

	infoMu      sync.RWMutex
	usedBytes   int64
	lastPersist time.Time
	lastError   string
	degraded    bool

	now func() time.Time
}

func NewPersistenceAdapter(
	ctx context.Context,
	logger types.Logger,
	config *types.StorageConfig,
	bus types.EventBus,
	store types.SnapshotStore,
) (*PersistenceAdapter, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}
	if store == nil {
		return nil, types.ErrStorageNotInitialized
	}

	adapterCtx, cancel := context.WithCancel(ctx)

	a := &PersistenceAdapter{
		ctx:    adapterCtx,
		cancel: cancel,
		logger: logger,
		bus:    bus,
		config: config,
		store:  store,
		now:    time.Now,
	}

	a.state.Store(StateStopped)

	return a, nil
}

func (a *PersistenceAdapter) Start() error {
	if !a.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if a.getState() == StateStarting {
			a.setState(StateRunning)
		}
	}()

	a.logger.Info("Persistence adapter started", zap.String("backend", a.config.Type))
	return nil
}

func (a *PersistenceAdapter) Stop() error {
	if !a.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		a.setState(StateStopped)
		a.cancel()
	}()

	if err := a.store.Close(); err != nil {
		a.logger.Error("Failed to close snapshot store", zap.Error(err))
		return types.WrapError(err, "failed to close snapshot store")
	}

	a.logger.Info("Persistence adapter stopped gracefully")
	return nil
}

func (a *PersistenceAdapter) IsRunning() bool {
	return a.getState() == StateRunning
}

// Restore loads the persisted snapshot, normalizes its entry encoding, and
// drops entries already past MaxAge. A missing snapshot is a cold start, not
// an error; a corrupt one is reported so the caller can log it, after which
// the substrate is wiped.
func (a *PersistenceAdapter) Restore(ctx context.Context) ([]*types.CacheEntry, error) {
	raw, err := a.store.Load(ctx)
	if err != nil {
		if types.IsError(err, types.ErrSnapshotNotFound) {
			return nil, nil
		}
		return nil, types.WrapError(err, "failed to load snapshot")
	}

	entries, err := decodeSnapshot(raw)
	if err != nil {
		a.logger.Error("Persisted snapshot is corrupt, clearing it", zap.Error(err))
		if clearErr := a.store.Clear(ctx); clearErr != nil {
			a.logger.Error("Failed to clear corrupt snapshot", zap.Error(clearErr))
		}
		return nil, types.WrapError(err, "snapshot corrupt")
	}

	now := a.now()
	survivors := make([]*types.CacheEntry, 0, len(entries))
	expired := 0

	for _, entry := range entries {
		if entry == nil || entry.Key == "" {
			continue
		}
		if entry.Expired(now) {
			expired++
			continue
		}
		survivors = append(survivors, entry)
	}

	if expired > 0 {
		a.logger.Debug("Dropped expired entries during restore", zap.Int("expired", expired))
	}

	a.logger.Info("Snapshot restored",
		zap.Int("entries", len(survivors)),
		zap.String("size", utils.FormatBytes(int64(len(raw)))))

	return survivors, nil
}

// Persist writes the entries through the tiered degradation strategy. The
// in-memory cache is never touched; only the persisted mirror shrinks under
// pressure.
func (a *PersistenceAdapter) Persist(ctx context.Context, entries []*types.CacheEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()

	live := make([]*types.CacheEntry, 0, len(entries))
	for _, entry := range entries {
		if entry != nil && !entry.Expired(now) {
			live = append(live, entry)
		}
	}

	payload, err := a.encode(live, now)
	if err != nil {
		a.recordFailure(err)
		return types.WrapError(err, "failed to encode snapshot")
	}

	if a.config.SoftLimitBytes > 0 && int64(len(payload)) > a.config.SoftLimitBytes {
		var dropped []*types.CacheEntry
		live, dropped = dropOldest(live, cleanupFraction)

		a.logger.Warn("Snapshot over soft limit, dropped oldest entries",
			zap.Int("dropped", len(dropped)),
			zap.Int("remaining", len(live)),
			zap.String("size", utils.FormatBytes(int64(len(payload)))))

		a.emitExpired(dropped, now)

		payload, err = a.encode(live, now)
		if err != nil {
			a.recordFailure(err)
			return types.WrapError(err, "failed to encode reduced snapshot")
		}

		if a.config.HardLimitBytes > 0 && int64(len(payload)) > a.config.HardLimitBytes {
			err = types.Errorf(types.ErrStorageQuotaExceeded,
				"snapshot still %s after cleanup, hard ceiling %s",
				utils.FormatBytes(int64(len(payload))),
				utils.FormatBytes(a.config.HardLimitBytes))
			a.recordFailure(err)
			a.logger.Error("Skipping snapshot write", zap.Error(err))
			return err
		}
	}

	if err := a.store.Save(ctx, payload); err != nil {
		if types.IsError(err, types.ErrStorageQuotaExceeded) {
			return a.emergencyPersist(ctx, live, now)
		}
		a.recordFailure(err)
		return types.WrapError(err, "snapshot write failed")
	}

	a.recordSuccess(int64(len(payload)), false)
	return nil
}

// emergencyPersist keeps only the smallest entries, writing a minimal
// snapshot. Under quota pressure the freshest small data is worth more than
// bulky stale data.
func (a *PersistenceAdapter) emergencyPersist(ctx context.Context, entries []*types.CacheEntry, now time.Time) error {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Size < entries[j].Size
	})

	keep := len(entries) / 2
	if keep > emergencyKeepMax {
		keep = emergencyKeepMax
	}

	survivors := entries[:keep]
	dropped := entries[keep:]

	// Trim further until the minimal write fits its size tier.
	payload, err := a.encode(survivors, now)
	for err == nil && a.config.MinimalLimitBytes > 0 && int64(len(payload)) > a.config.MinimalLimitBytes && len(survivors) > 0 {
		dropped = append(dropped, survivors[len(survivors)-1])
		survivors = survivors[:len(survivors)-1]
		payload, err = a.encode(survivors, now)
	}
	if err != nil {
		a.recordFailure(err)
		return types.WrapError(err, "failed to encode emergency snapshot")
	}

	a.logger.Warn("Emergency storage cleanup",
		zap.Int("kept", len(survivors)),
		zap.Int("dropped", len(dropped)),
		zap.String("size", utils.FormatBytes(int64(len(payload)))))

	a.emitExpired(dropped, now)

	if err := a.store.Save(ctx, payload); err != nil {
		a.logger.Error("Emergency snapshot write failed, clearing persisted snapshot", zap.Error(err))

		if clearErr := a.store.Clear(ctx); clearErr != nil {
			a.logger.Error("Failed to clear snapshot store", zap.Error(clearErr))
		}

		a.recordFailure(err)
		a.setDegraded(true)
		return types.WrapError(err, "emergency snapshot write failed")
	}

	a.recordSuccess(int64(len(payload)), true)
	return nil
}

func (a *PersistenceAdapter) ClearPersisted(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.store.Clear(ctx); err != nil {
		a.recordFailure(err)
		return types.WrapError(err, "failed to clear snapshot store")
	}

	a.recordSuccess(0, false)
	return nil
}

func (a *PersistenceAdapter) Info() types.StorageInfo {
	a.infoMu.RLock()
	defer a.infoMu.RUnlock()

	info := types.StorageInfo{
		Backend:      a.config.Type,
		Enabled:      a.config.Enabled,
		UsedBytes:    a.usedBytes,
		SoftLimit:    a.config.SoftLimitBytes,
		HardLimit:    a.config.HardLimitBytes,
		MinimalLimit: a.config.MinimalLimitBytes,
		LastPersist:  a.lastPersist,
		LastError:    a.lastError,
		Degraded:     a.degraded,
	}

	switch {
	case a.degraded:
		info.Pressure = types.PressureCritical
	case info.SoftLimit > 0 && info.UsedBytes >= info.SoftLimit:
		info.Pressure = types.PressureCritical
	case info.SoftLimit > 0 && info.UsedBytes*10 >= info.SoftLimit*8:
		info.Pressure = types.PressureElevated
	default:
		info.Pressure = types.PressureNone
	}

	return info
}

func (a *PersistenceAdapter) encode(entries []*types.CacheEntry, now time.Time) ([]byte, error) {
	return utils.Marshal(types.Snapshot{
		Version: types.SnapshotVersion,
		SavedAt: now,
		Entries: entries,
	})
}

func (a *PersistenceAdapter) emitExpired(dropped []*types.CacheEntry, now time.Time) {
	if a.bus == nil {
		return
	}

	for _, entry := range dropped {
		a.bus.Publish(types.CacheEvent{
			Type:      types.EventExpired,
			Key:       entry.Key,
			Timestamp: now,
		})
	}
}

func (a *PersistenceAdapter) recordSuccess(size int64, degraded bool) {
	a.infoMu.Lock()
	defer a.infoMu.Unlock()

	a.usedBytes = size
	a.lastPersist = a.now()
	a.lastError = ""
	a.degraded = degraded
}

func (a *PersistenceAdapter) recordFailure(err error) {
	a.infoMu.Lock()
	defer a.infoMu.Unlock()

	a.lastError = err.Error()
}

func (a *PersistenceAdapter) setDegraded(degraded bool) {
	a.infoMu.Lock()
	defer a.infoMu.Unlock()

	a.degraded = degraded
}

// dropOldest removes the oldest fraction of entries by Timestamp, returning
// survivors and dropped.
func dropOldest(entries []*types.CacheEntry, fraction float64) ([]*types.CacheEntry, []*types.CacheEntry) {
	if len(entries) == 0 {
		return entries, nil
	}

	sorted := make([]*types.CacheEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	dropCount := int(float64(len(sorted)) * fraction)
	if dropCount < 1 {
		dropCount = 1
	}
	if dropCount > len(sorted) {
		dropCount = len(sorted)
	}

	return sorted[dropCount:], sorted[:dropCount]
}

func (a *PersistenceAdapter) getState() State {
	return a.state.Load().(State)
}

func (a *PersistenceAdapter) setState(newState State) bool {
	currentState := a.getState()
	return a.state.CompareAndSwap(currentState, newState)
}

func (a *PersistenceAdapter) transitionState(from, to State) bool {
	return a.state.CompareAndSwap(from, to)
}
