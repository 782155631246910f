package models

import "time"

// SubscriptionKind selects how a subscription's remote catalog is located.
type SubscriptionKind string

const (
	KindCollection SubscriptionKind = "collection"
	KindUploader   SubscriptionKind = "uploader"
	KindKeyword    SubscriptionKind = "keyword"
)

// Subscription is a tracked remote catalog.
type Subscription struct {
	ID                    int64            `json:"id"`
	Name                  string           `json:"name"`
	Kind                  SubscriptionKind `json:"kind"`
	URL                   string           `json:"url,omitempty"`
	UploaderID            string           `json:"uploader_id,omitempty"`
	Keyword               string           `json:"keyword,omitempty"`
	Active                bool             `json:"active"`
	ExpectedTotal         int              `json:"expected_total"`
	ExpectedTotalSyncedAt *time.Time       `json:"expected_total_synced_at,omitempty"`
	TotalVideos           int              `json:"total_videos"`
	DownloadedVideos      int              `json:"downloaded_videos"`
	LastCheck             *time.Time       `json:"last_check,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// Video is one inventory row. ExternalID is unique across the whole inventory.
type Video struct {
	ID             int64      `json:"id"`
	ExternalID     string     `json:"external_id"`
	Title          string     `json:"title"`
	Uploader       string     `json:"uploader,omitempty"`
	UploaderID     string     `json:"uploader_id,omitempty"`
	Duration       int        `json:"duration"`
	UploadDate     *time.Time `json:"upload_date,omitempty"`
	Description    string     `json:"description,omitempty"`
	VideoPath      *string    `json:"video_path,omitempty"`
	SidecarPath    *string    `json:"sidecar_path,omitempty"`
	ThumbnailPath  *string    `json:"thumbnail_path,omitempty"`
	FileSize       int64      `json:"file_size"`
	Downloaded     bool       `json:"downloaded"`
	DownloadFailed bool       `json:"download_failed"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	FailureCount   int        `json:"failure_count"`
	LastFailureAt  *time.Time `json:"last_failure_at,omitempty"`
	SubscriptionID *int64     `json:"subscription_id,omitempty"`
	DownloadedAt   *time.Time `json:"downloaded_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Credential holds session tokens for the credentialed channel.
type Credential struct {
	ID            int64      `json:"id"`
	Name          string     `json:"name"`
	SessionToken  string     `json:"-"`
	CSRFToken     string     `json:"-"`
	UserID        string     `json:"user_id,omitempty"`
	Active        bool       `json:"active"`
	FailureCount  int        `json:"failure_count"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	UsageCount    int        `json:"usage_count"`
	LastUsed      *time.Time `json:"last_used,omitempty"`
}

// SyncStatus is the per-subscription last-sync trace stored in the settings table.
type SyncStatus struct {
	Status        string    `json:"status"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastSyncTotal int       `json:"last_sync_total,omitempty"`
	HeadSize      int       `json:"head_size,omitempty"`
	Windows       int       `json:"windows,omitempty"`
	FailedWindows int       `json:"failed_windows,omitempty"`
	EarlyStopped  bool      `json:"early_stopped,omitempty"`
	Error         string    `json:"error,omitempty"`
}

const (
	SyncRunning = "running"
	SyncIdle    = "idle"
	SyncFailed  = "failed"
)

// Entry is one remote catalog item as reported by the extractor.
type Entry struct {
	ID         string  `json:"id"`
	Title      string  `json:"title,omitempty"`
	URL        string  `json:"url,omitempty"`
	WebpageURL string  `json:"webpage_url,omitempty"`
	Uploader   string  `json:"uploader,omitempty"`
	UploaderID string  `json:"uploader_id,omitempty"`
	Duration   float64 `json:"duration,omitempty"`
	UploadDate string  `json:"upload_date,omitempty"`
}

// Locator returns the best item URL for the entry.
func (e Entry) Locator() string {
	if e.WebpageURL != "" {
		return e.WebpageURL
	}
	return e.URL
}

// PathFix sets a row's video path and downloaded flag in one update.
type PathFix struct {
	ID         int64
	VideoPath  *string
	Downloaded bool
}

// DownloadFailure records one failed item download.
type DownloadFailure struct {
	ExternalID     string
	Title          string
	SubscriptionID *int64
	Reason         string
	Permanent      bool
	At             time.Time
}
