// Package memstore is an in-memory implementation of the persistence
// contracts, used by tests and dry runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"catalog-curator/internal/models"
	"catalog-curator/internal/store"
)

// Store keeps every table in maps guarded by one mutex.
type Store struct {
	mu sync.Mutex

	videos        map[int64]*models.Video
	byExternal    map[string]int64
	subscriptions map[int64]*models.Subscription
	credentials   map[int64]*models.Credential
	settings      map[string]string
	nextID        int64

	// BatchQueries counts DownloadedPaths calls; SingleQueries counts DownloadedPath calls.
	BatchQueries  int
	SingleQueries int
	// FailBatch, when set, is consulted before each DownloadedPaths call.
	FailBatch func(ids []string) error
	// FailInsert, when set, is consulted before each InsertVideo call.
	FailInsert func(v models.Video) error
	// FixBatches counts ApplyPathFixes calls.
	FixBatches int
}

func New() *Store {
	return &Store{
		videos:        make(map[int64]*models.Video),
		byExternal:    make(map[string]int64),
		subscriptions: make(map[int64]*models.Subscription),
		credentials:   make(map[int64]*models.Credential),
		settings:      make(map[string]string),
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// AddVideo inserts a row directly, bypassing uniqueness reporting. For test setup.
func (s *Store) AddVideo(v models.Video) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.ID = s.id()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	v.UpdatedAt = v.CreatedAt
	s.videos[v.ID] = &v
	s.byExternal[v.ExternalID] = v.ID
	return v.ID
}

// Video returns a copy of the row with the given id.
func (s *Store) Video(id int64) (models.Video, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[id]
	if !ok {
		return models.Video{}, false
	}
	return *v, true
}

// Videos returns copies of all rows ordered by id.
func (s *Store) Videos() []models.Video {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Video, 0, len(s.videos))
	for _, v := range s.videos {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddCredential inserts a credential. For test setup.
func (s *Store) AddCredential(c models.Credential) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.id()
	s.credentials[c.ID] = &c
	return c.ID
}

// Setting returns a raw settings value.
func (s *Store) Setting(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[key]
	return v, ok
}

func matchesScope(v *models.Video, subscriptionID *int64) bool {
	if subscriptionID == nil {
		return true
	}
	return v.SubscriptionID != nil && *v.SubscriptionID == *subscriptionID
}

func (s *Store) DownloadedPaths(ctx context.Context, ids []string, subscriptionID *int64) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BatchQueries++
	if s.FailBatch != nil {
		if err := s.FailBatch(ids); err != nil {
			return nil, err
		}
	}
	out := make(map[string]string)
	for _, id := range ids {
		if vid, ok := s.byExternal[id]; ok {
			v := s.videos[vid]
			if v.Downloaded && matchesScope(v, subscriptionID) {
				out[id] = deref(v.VideoPath)
			}
		}
	}
	return out, nil
}

func (s *Store) DownloadedPath(ctx context.Context, id string, subscriptionID *int64) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SingleQueries++
	vid, ok := s.byExternal[id]
	if !ok {
		return "", false, nil
	}
	v := s.videos[vid]
	if !v.Downloaded || !matchesScope(v, subscriptionID) {
		return "", false, nil
	}
	return deref(v.VideoPath), true, nil
}

func (s *Store) PermanentFailures(ctx context.Context, ids []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool)
	for _, id := range ids {
		if vid, ok := s.byExternal[id]; ok {
			v := s.videos[vid]
			if v.DownloadFailed && !v.Downloaded {
				out[id] = true
			}
		}
	}
	return out, nil
}

func (s *Store) CountVideos(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.videos), nil
}

func (s *Store) VideosWithPath(ctx context.Context, afterID int64, limit int) ([]models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Video
	for _, v := range s.videos {
		if v.VideoPath != nil && v.ID > afterID {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ApplyPathFixes(ctx context.Context, fixes []models.PathFix) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FixBatches++
	for _, f := range fixes {
		v, ok := s.videos[f.ID]
		if !ok {
			continue
		}
		v.VideoPath = f.VideoPath
		v.Downloaded = f.Downloaded
		v.UpdatedAt = time.Now()
	}
	return nil
}

func (s *Store) AssignSubscriptions(ctx context.Context, assignments map[int64]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for videoID, subID := range assignments {
		if v, ok := s.videos[videoID]; ok {
			sid := subID
			v.SubscriptionID = &sid
		}
	}
	return nil
}

func (s *Store) VideoPaths(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, v := range s.videos {
		if v.VideoPath != nil {
			out = append(out, *v.VideoPath)
		}
	}
	return out, nil
}

func (s *Store) FindVideoByExternalID(ctx context.Context, externalID string) (models.Video, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vid, ok := s.byExternal[externalID]; ok {
		return *s.videos[vid], true, nil
	}
	return models.Video{}, false, nil
}

func (s *Store) FindVideoByPath(ctx context.Context, path string) (models.Video, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.videos {
		if v.VideoPath != nil && *v.VideoPath == path {
			return *v, true, nil
		}
	}
	return models.Video{}, false, nil
}

func (s *Store) InsertVideo(ctx context.Context, v models.Video) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailInsert != nil {
		if err := s.FailInsert(v); err != nil {
			return 0, err
		}
	}
	if _, taken := s.byExternal[v.ExternalID]; taken {
		return 0, fmt.Errorf("insert video %s: %w", v.ExternalID, store.ErrDuplicate)
	}
	v.ID = s.id()
	v.CreatedAt = time.Now()
	v.UpdatedAt = v.CreatedAt
	s.videos[v.ID] = &v
	s.byExternal[v.ExternalID] = v.ID
	return v.ID, nil
}

func (s *Store) BackfillVideoPath(ctx context.Context, id int64, videoPath string, sidecarPath *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[id]
	if !ok {
		return fmt.Errorf("video %d: %w", id, store.ErrNotFound)
	}
	if v.VideoPath == nil {
		p := videoPath
		v.VideoPath = &p
	}
	if v.SidecarPath == nil && sidecarPath != nil {
		p := *sidecarPath
		v.SidecarPath = &p
	}
	v.Downloaded = true
	v.UpdatedAt = time.Now()
	return nil
}

func (s *Store) UpsertDownloaded(ctx context.Context, v models.Video) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if vid, ok := s.byExternal[v.ExternalID]; ok {
		row := s.videos[vid]
		subID := row.SubscriptionID
		if subID == nil {
			subID = v.SubscriptionID
		}
		v.ID = row.ID
		v.CreatedAt = row.CreatedAt
		v.FailureCount = row.FailureCount
		v.LastFailureAt = row.LastFailureAt
		v.SubscriptionID = subID
		if v.UploadDate == nil {
			v.UploadDate = row.UploadDate
		}
	} else {
		v.ID = s.id()
		v.CreatedAt = now
	}
	v.Downloaded = true
	v.DownloadFailed = false
	v.FailureReason = ""
	v.DownloadedAt = &now
	v.UpdatedAt = now
	s.videos[v.ID] = &v
	s.byExternal[v.ExternalID] = v.ID
	return v.ID, nil
}

func (s *Store) RecordDownloadFailure(ctx context.Context, f models.DownloadFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := f.At
	if vid, ok := s.byExternal[f.ExternalID]; ok {
		v := s.videos[vid]
		v.DownloadFailed = f.Permanent
		v.FailureReason = f.Reason
		v.FailureCount++
		v.LastFailureAt = &at
		return nil
	}
	v := &models.Video{
		ID:             s.id(),
		ExternalID:     f.ExternalID,
		Title:          f.Title,
		SubscriptionID: f.SubscriptionID,
		DownloadFailed: f.Permanent,
		FailureReason:  f.Reason,
		FailureCount:   1,
		LastFailureAt:  &at,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	s.videos[v.ID] = v
	s.byExternal[v.ExternalID] = v.ID
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, id int64) (models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return models.Subscription{}, fmt.Errorf("subscription %d: %w", id, store.ErrNotFound)
	}
	return *sub, nil
}

func (s *Store) ListSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		out = append(out, *sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateSubscription(ctx context.Context, sub models.Subscription) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub.ID = s.id()
	sub.CreatedAt = time.Now()
	sub.UpdatedAt = sub.CreatedAt
	s.subscriptions[sub.ID] = &sub
	return sub.ID, nil
}

func (s *Store) FindSubscriptionByUploader(ctx context.Context, uploaderID, name string) (models.Subscription, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var byName *models.Subscription
	ids := make([]int64, 0, len(s.subscriptions))
	for id := range s.subscriptions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		sub := s.subscriptions[id]
		if uploaderID != "" && sub.UploaderID == uploaderID {
			return *sub, true, nil
		}
		if byName == nil && name != "" && sub.Name == name {
			byName = sub
		}
	}
	if byName != nil {
		return *byName, true, nil
	}
	return models.Subscription{}, false, nil
}

func (s *Store) RecordListing(ctx context.Context, id int64, total int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return fmt.Errorf("subscription %d: %w", id, store.ErrNotFound)
	}
	sub.ExpectedTotal = total
	sub.ExpectedTotalSyncedAt = &at
	sub.LastCheck = &at
	return nil
}

func (s *Store) RecomputeSubscriptionCounters(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := map[int64]int{}
	downloaded := map[int64]int{}
	for _, v := range s.videos {
		if v.SubscriptionID == nil {
			continue
		}
		total[*v.SubscriptionID]++
		if v.Downloaded {
			downloaded[*v.SubscriptionID]++
		}
	}
	for id, sub := range s.subscriptions {
		sub.TotalVideos = total[id]
		sub.DownloadedVideos = downloaded[id]
	}
	return nil
}

func (s *Store) ActiveCredentials(ctx context.Context) ([]models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Credential
	for _, c := range s.credentials {
		if c.Active {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetCredential(ctx context.Context, id int64) (models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return models.Credential{}, fmt.Errorf("credential %d: %w", id, store.ErrNotFound)
	}
	return *c, nil
}

func (s *Store) RecordCredentialUse(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.credentials[id]; ok {
		c.UsageCount++
		c.LastUsed = &at
	}
	return nil
}

func (s *Store) SaveCredentialFailure(ctx context.Context, id int64, failures int, at time.Time, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.credentials[id]; ok {
		c.FailureCount = failures
		c.LastFailureAt = &at
		c.Active = active
	}
	return nil
}

func (s *Store) ReactivateCredential(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[id]
	if !ok {
		return fmt.Errorf("credential %d: %w", id, store.ErrNotFound)
	}
	c.Active = true
	c.FailureCount = 0
	c.LastFailureAt = nil
	return nil
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[key]
	return v, ok, nil
}

func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
