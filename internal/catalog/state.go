package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"catalog-curator/internal/models"
)

// StateStore is the settings key-value store plus the subscription fields a
// walk updates.
type StateStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error
	RecordListing(ctx context.Context, subscriptionID int64, total int, at time.Time) error
}

func HeadSnapshotKey(subscriptionID int64) string {
	return fmt.Sprintf("sync:%d:head_snapshot", subscriptionID)
}

func SyncStatusKey(subscriptionID int64) string {
	return fmt.Sprintf("sync:%d:status", subscriptionID)
}

func RemoteTotalKey(subscriptionID int64) string {
	return fmt.Sprintf("sync:%d:remote_total_cached", subscriptionID)
}

// RemoteTotal is the cached remote count from the last complete walk.
type RemoteTotal struct {
	Total int       `json:"total"`
	At    time.Time `json:"at"`
}

// HeadSnapshot loads the persisted head ids. Missing or malformed values read as empty.
func HeadSnapshot(ctx context.Context, st StateStore, subscriptionID int64) []string {
	raw, ok, err := st.GetSetting(ctx, HeadSnapshotKey(subscriptionID))
	if err != nil {
		log.Printf("[catalog] event=head_load_failed sub=%d err=%v", subscriptionID, err)
		return nil
	}
	if !ok {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		log.Printf("[catalog] event=head_malformed sub=%d err=%v", subscriptionID, err)
		return nil
	}
	return ids
}

// SaveHeadSnapshot persists up to size ids from the front of entries.
func SaveHeadSnapshot(ctx context.Context, st StateStore, subscriptionID int64, entries []models.Entry, size int) error {
	n := len(entries)
	if n > size {
		n = size
	}
	ids := make([]string, 0, n)
	for _, e := range entries[:n] {
		ids = append(ids, e.ID)
	}
	return putJSON(ctx, st, HeadSnapshotKey(subscriptionID), ids)
}

// LoadSyncStatus returns the last recorded sync trace, if any.
func LoadSyncStatus(ctx context.Context, st StateStore, subscriptionID int64) (models.SyncStatus, bool, error) {
	raw, ok, err := st.GetSetting(ctx, SyncStatusKey(subscriptionID))
	if err != nil || !ok {
		return models.SyncStatus{}, false, err
	}
	var status models.SyncStatus
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return models.SyncStatus{}, false, fmt.Errorf("decode sync status: %w", err)
	}
	return status, true, nil
}

func saveSyncStatus(ctx context.Context, st StateStore, subscriptionID int64, status models.SyncStatus) {
	if err := putJSON(ctx, st, SyncStatusKey(subscriptionID), status); err != nil {
		log.Printf("[catalog] event=status_save_failed sub=%d err=%v", subscriptionID, err)
	}
}

func putJSON(ctx context.Context, st StateStore, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return st.PutSetting(ctx, key, string(raw))
}
