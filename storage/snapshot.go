package storage

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/transitlive/transit-cache/types"
	"github.com/transitlive/transit-cache/utils"
)

type snapshotEnvelope struct {
	Version int             `json:"version"`
	SavedAt time.Time       `json:"saved_at"`
	Entries json.RawMessage `json:"entries"`
}

// decodeSnapshot accepts the three encodings a persisted snapshot may carry:
// the current array of entries, a key-to-entry map, and the older
// array-of-[key, entry]-pairs form. Entries decoded from the two legacy
// forms get their Key backfilled from the surrounding structure.
func decodeSnapshot(raw []byte) ([]*types.CacheEntry, error) {
	var envelope snapshotEnvelope
	if err := utils.Unmarshal(raw, &envelope); err != nil {
		return nil, types.WrapError(err, "failed to decode snapshot envelope")
	}

	if len(envelope.Entries) == 0 {
		return nil, nil
	}

	trimmed := bytes.TrimLeft(envelope.Entries, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, nil
	}

	switch trimmed[0] {
	case '{':
		return decodeEntryMap(envelope.Entries)
	case '[':
		entries, err := decodeEntryList(envelope.Entries)
		if err == nil {
			return entries, nil
		}
		return decodeEntryPairs(envelope.Entries)
	default:
		return nil, types.Errorf(types.ErrSnapshotCorrupt, "unexpected entries encoding")
	}
}

func decodeEntryList(raw []byte) ([]*types.CacheEntry, error) {
	var entries []*types.CacheEntry
	if err := utils.Unmarshal(raw, &entries); err != nil {
		return nil, types.WrapError(err, "failed to decode entry list")
	}

	for _, entry := range entries {
		if entry != nil && entry.Key == "" {
			return nil, types.Errorf(types.ErrSnapshotCorrupt, "entry without key")
		}
	}

	return entries, nil
}

func decodeEntryMap(raw []byte) ([]*types.CacheEntry, error) {
	var byKey map[string]*types.CacheEntry
	if err := utils.Unmarshal(raw, &byKey); err != nil {
		return nil, types.WrapError(err, "failed to decode entry map")
	}

	entries := make([]*types.CacheEntry, 0, len(byKey))
	for key, entry := range byKey {
		if entry == nil {
			continue
		}
		entry.Key = key
		entries = append(entries, entry)
	}

	return entries, nil
}

func decodeEntryPairs(raw []byte) ([]*types.CacheEntry, error) {
	var pairs [][]json.RawMessage
	if err := utils.Unmarshal(raw, &pairs); err != nil {
		return nil, types.WrapError(err, "failed to decode entry pairs")
	}

	entries := make([]*types.CacheEntry, 0, len(pairs))
	for _, pair := range pairs {
		if len(pair) != 2 {
			return nil, types.Errorf(types.ErrSnapshotCorrupt, "malformed entry pair")
		}

		var key string
		if err := utils.Unmarshal(pair[0], &key); err != nil {
			return nil, types.WrapError(err, "failed to decode pair key")
		}

		var entry *types.CacheEntry
		if err := utils.Unmarshal(pair[1], &entry); err != nil {
			return nil, types.WrapError(err, "failed to decode pair entry")
		}
		if entry == nil {
			continue
		}

		entry.Key = key
		entries = append(entries, entry)
	}

	return entries, nil
}
