// Package reconcile keeps the inventory and the download directory in
// agreement in both directions.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"catalog-curator/internal/inventory"
	"catalog-curator/internal/models"
	"catalog-curator/internal/store"
	"catalog-curator/internal/telemetry"
)

// ErrBusy is returned when a pass is already in progress.
var ErrBusy = errors.New("reconcile already running")

// Store is the inventory surface a pass reads and repairs.
type Store interface {
	CountVideos(ctx context.Context) (int, error)
	VideosWithPath(ctx context.Context, afterID int64, limit int) ([]models.Video, error)
	ApplyPathFixes(ctx context.Context, fixes []models.PathFix) error
	AssignSubscriptions(ctx context.Context, assignments map[int64]int64) error
	VideoPaths(ctx context.Context) ([]string, error)
	FindVideoByExternalID(ctx context.Context, externalID string) (models.Video, bool, error)
	FindVideoByPath(ctx context.Context, path string) (models.Video, bool, error)
	InsertVideo(ctx context.Context, v models.Video) (int64, error)
	BackfillVideoPath(ctx context.Context, id int64, videoPath string, sidecarPath *string) error
	ListSubscriptions(ctx context.Context) ([]models.Subscription, error)
	CreateSubscription(ctx context.Context, sub models.Subscription) (int64, error)
	FindSubscriptionByUploader(ctx context.Context, uploaderID, name string) (models.Subscription, bool, error)
	RecomputeSubscriptionCounters(ctx context.Context) error
}

type Options struct {
	BatchSize int
}

// Stats are the counters reported by one pass.
type Stats struct {
	TotalDBRecords int           `json:"total_db_records"`
	FilesFound     int           `json:"files_found"`
	FilesMissing   int           `json:"files_missing"`
	RecordsUpdated int           `json:"records_updated"`
	RecordsCleaned int           `json:"records_cleaned"`
	OrphanFiles    int           `json:"orphan_files"`
	ImportedVideos int           `json:"imported_videos"`
	Duration       time.Duration `json:"duration_ns"`
}

// Reconciler runs consistency passes over one download root. Passes never overlap.
type Reconciler struct {
	store Store
	root  string
	opts  Options
	mu    sync.Mutex

	lastMu sync.Mutex
	last   *Stats
	lastAt time.Time
}

func New(st Store, root string, opts Options) *Reconciler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	return &Reconciler{store: st, root: root, opts: opts}
}

// Last returns the counters of the most recent completed pass.
func (r *Reconciler) Last() (Stats, time.Time, bool) {
	r.lastMu.Lock()
	defer r.lastMu.Unlock()
	if r.last == nil {
		return Stats{}, time.Time{}, false
	}
	return *r.last, r.lastAt, true
}

// Run performs one full pass: import sidecars, re-associate by directory,
// repair rows whose files vanished or reappeared, count files and orphans,
// then recompute subscription counters. Individual row or file failures are
// logged and skipped.
func (r *Reconciler) Run(ctx context.Context) (Stats, error) {
	if !r.mu.TryLock() {
		return Stats{}, ErrBusy
	}
	defer r.mu.Unlock()

	start := time.Now()
	var stats Stats
	log.Printf("[reconcile] event=start root=%s", r.root)

	imported, backfilled := r.importLocal(ctx)
	stats.ImportedVideos = imported
	stats.RecordsUpdated += backfilled
	stats.RecordsUpdated += r.associateByDirectory(ctx)

	total, err := r.store.CountVideos(ctx)
	if err != nil {
		telemetry.ReconcileRuns.WithLabelValues("error").Inc()
		return stats, fmt.Errorf("count inventory: %w", err)
	}
	stats.TotalDBRecords = total

	missing, corrected, err := r.checkFiles(ctx)
	if err != nil {
		telemetry.ReconcileRuns.WithLabelValues("error").Inc()
		return stats, err
	}
	stats.FilesMissing = missing
	stats.RecordsCleaned = missing
	stats.RecordsUpdated += corrected

	found, orphans := r.scanDisk(ctx)
	stats.FilesFound = found
	stats.OrphanFiles = orphans
	telemetry.OrphanFiles.Set(float64(orphans))

	if err := r.store.RecomputeSubscriptionCounters(ctx); err != nil {
		log.Printf("[reconcile] event=recompute_failed err=%v", err)
	}

	stats.Duration = time.Since(start)
	telemetry.ReconcileRuns.WithLabelValues("ok").Inc()
	log.Printf("[reconcile] event=done total=%d found=%d missing=%d updated=%d cleaned=%d orphans=%d imported=%d elapsed=%s",
		stats.TotalDBRecords, stats.FilesFound, stats.FilesMissing, stats.RecordsUpdated,
		stats.RecordsCleaned, stats.OrphanFiles, stats.ImportedVideos, stats.Duration.Round(time.Millisecond))

	r.lastMu.Lock()
	snapshot := stats
	r.last = &snapshot
	r.lastAt = time.Now()
	r.lastMu.Unlock()
	return stats, nil
}

// checkFiles pages through rows with a recorded path and applies one batch
// of fixes per page.
func (r *Reconciler) checkFiles(ctx context.Context) (missing, corrected int, err error) {
	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return missing, corrected, err
		}
		page, err := r.store.VideosWithPath(ctx, afterID, r.opts.BatchSize)
		if err != nil {
			return missing, corrected, fmt.Errorf("load inventory page after %d: %w", afterID, err)
		}
		if len(page) == 0 {
			return missing, corrected, nil
		}
		afterID = page[len(page)-1].ID

		var fixes []models.PathFix
		var gone, back int
		for _, v := range page {
			if v.VideoPath == nil {
				continue
			}
			if fileExists(*v.VideoPath) {
				if !v.Downloaded {
					fixes = append(fixes, models.PathFix{ID: v.ID, VideoPath: v.VideoPath, Downloaded: true})
					back++
				}
				continue
			}
			fixes = append(fixes, models.PathFix{ID: v.ID, VideoPath: nil, Downloaded: false})
			gone++
		}
		if len(fixes) == 0 {
			continue
		}
		if err := r.store.ApplyPathFixes(ctx, fixes); err != nil {
			log.Printf("[reconcile] event=batch_failed after=%d fixes=%d err=%v", afterID, len(fixes), err)
			continue
		}
		missing += gone
		corrected += back
		telemetry.ReconcileChanges.WithLabelValues("cleaned").Add(float64(gone))
		telemetry.ReconcileChanges.WithLabelValues("corrected").Add(float64(back))
	}
}

// importLocal creates rows for sidecar-described media missing from the
// inventory, or backfills the path of a row that already has the id.
func (r *Reconciler) importLocal(ctx context.Context) (imported, backfilled int) {
	local, err := inventory.ScanSidecars(r.root)
	if err != nil {
		log.Printf("[reconcile] event=scan_failed root=%s err=%v", r.root, err)
		return 0, 0
	}
	if len(local) == 0 {
		return 0, 0
	}
	known, err := r.knownPaths(ctx)
	if err != nil {
		log.Printf("[reconcile] event=import_skipped err=%v", err)
		return 0, 0
	}

	subs := make(map[string]*int64)
	for _, lv := range local {
		if ctx.Err() != nil {
			break
		}
		resolved := resolvePath(lv.MediaPath)
		if known[resolved] {
			continue
		}
		id := lv.Metadata.ExternalID()
		sidecar := lv.SidecarPath

		existing, ok, err := r.store.FindVideoByExternalID(ctx, id)
		if err != nil {
			log.Printf("[reconcile] event=lookup_failed id=%s err=%v", id, err)
			continue
		}
		if !ok {
			existing, ok, err = r.store.FindVideoByPath(ctx, lv.MediaPath)
			if err != nil {
				log.Printf("[reconcile] event=lookup_failed path=%q err=%v", lv.MediaPath, err)
				continue
			}
		}
		if ok {
			if existing.VideoPath == nil || !existing.Downloaded {
				if err := r.store.BackfillVideoPath(ctx, existing.ID, lv.MediaPath, &sidecar); err != nil {
					log.Printf("[reconcile] event=backfill_failed id=%s err=%v", id, err)
					continue
				}
				backfilled++
				telemetry.ReconcileChanges.WithLabelValues("backfilled").Inc()
			}
			known[resolved] = true
			continue
		}

		v := videoFromSidecar(lv)
		v.SubscriptionID = r.subscriptionFor(ctx, lv.Metadata, subs)
		if _, err := r.store.InsertVideo(ctx, v); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				telemetry.ReconcileChanges.WithLabelValues("conflict").Inc()
				log.Printf("[reconcile] event=import_conflict id=%s", id)
			} else {
				log.Printf("[reconcile] event=import_failed id=%s err=%v", id, err)
			}
			continue
		}
		imported++
		known[resolved] = true
		telemetry.ReconcileChanges.WithLabelValues("imported").Inc()
		if imported%100 == 0 {
			log.Printf("[reconcile] event=import_progress imported=%d", imported)
		}
	}
	return imported, backfilled
}

func videoFromSidecar(lv inventory.LocalVideo) models.Video {
	m := lv.Metadata
	media := lv.MediaPath
	sidecar := lv.SidecarPath
	v := models.Video{
		ExternalID:  m.ExternalID(),
		Title:       m.Title,
		Description: m.Description,
		Duration:    int(m.Duration),
		UploadDate:  m.ParsedUploadDate(),
		Uploader:    m.Uploader,
		UploaderID:  m.UploaderID,
		VideoPath:   &media,
		SidecarPath: &sidecar,
		Downloaded:  true,
	}
	if info, err := os.Stat(media); err == nil {
		v.FileSize = info.Size()
		mod := info.ModTime()
		v.DownloadedAt = &mod
	}
	return v
}

// subscriptionFor finds or creates an uploader subscription from sidecar
// identity. Results are cached per pass.
func (r *Reconciler) subscriptionFor(ctx context.Context, m inventory.Metadata, cache map[string]*int64) *int64 {
	uploaderID := m.UploaderID
	if uploaderID == "" {
		uploaderID = m.ChannelID
	}
	if uploaderID == "" && m.Uploader == "" {
		return nil
	}
	key := uploaderID + "\x00" + m.Uploader
	if sid, ok := cache[key]; ok {
		return sid
	}

	sub, ok, err := r.store.FindSubscriptionByUploader(ctx, uploaderID, m.Uploader)
	if err != nil {
		log.Printf("[reconcile] event=subscription_lookup_failed uploader=%q err=%v", m.Uploader, err)
		return nil
	}
	var id int64
	if ok {
		id = sub.ID
	} else {
		name := m.Uploader
		if name == "" {
			name = "uploader_" + uploaderID
		}
		created := models.Subscription{Name: name, Kind: models.KindUploader, UploaderID: uploaderID, Active: true}
		if uploaderID != "" {
			created.URL = fmt.Sprintf("https://space.bilibili.com/%s/video", uploaderID)
		}
		id, err = r.store.CreateSubscription(ctx, created)
		if err != nil {
			log.Printf("[reconcile] event=subscription_create_failed uploader=%q err=%v", m.Uploader, err)
			return nil
		}
		log.Printf("[reconcile] event=subscription_created id=%d name=%q", id, name)
	}
	cache[key] = &id
	return &id
}

// associateByDirectory assigns rows to the collection subscription whose
// download directory is the first directory under the root.
func (r *Reconciler) associateByDirectory(ctx context.Context) int {
	subs, err := r.store.ListSubscriptions(ctx)
	if err != nil {
		log.Printf("[reconcile] event=associate_skipped err=%v", err)
		return 0
	}
	byName := make(map[string]int64)
	for _, s := range subs {
		if s.Kind == models.KindCollection {
			byName[inventory.SubscriptionDirName(s)] = s.ID
		}
	}
	if len(byName) == 0 {
		return 0
	}
	root := resolvePath(r.root)

	updated := 0
	var afterID int64
	for ctx.Err() == nil {
		page, err := r.store.VideosWithPath(ctx, afterID, r.opts.BatchSize)
		if err != nil {
			log.Printf("[reconcile] event=associate_page_failed after=%d err=%v", afterID, err)
			return updated
		}
		if len(page) == 0 {
			break
		}
		afterID = page[len(page)-1].ID

		assign := make(map[int64]int64)
		for _, v := range page {
			dir := firstSegment(root, resolvePath(*v.VideoPath))
			sid, ok := byName[dir]
			if !ok || (v.SubscriptionID != nil && *v.SubscriptionID == sid) {
				continue
			}
			assign[v.ID] = sid
		}
		if len(assign) == 0 {
			continue
		}
		if err := r.store.AssignSubscriptions(ctx, assign); err != nil {
			log.Printf("[reconcile] event=associate_failed rows=%d err=%v", len(assign), err)
			continue
		}
		updated += len(assign)
		telemetry.ReconcileChanges.WithLabelValues("associated").Add(float64(len(assign)))
	}
	if updated > 0 {
		log.Printf("[reconcile] event=associated rows=%d", updated)
	}
	return updated
}

// scanDisk counts media files under the root and those no row points at.
func (r *Reconciler) scanDisk(ctx context.Context) (found, orphans int) {
	known, err := r.knownPaths(ctx)
	if err != nil {
		log.Printf("[reconcile] event=orphan_check_skipped err=%v", err)
		known = nil
	}
	walkErr := filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !inventory.IsMediaFile(path) {
			return nil
		}
		found++
		if known != nil && !known[resolvePath(path)] {
			orphans++
		}
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, context.Canceled) {
		log.Printf("[reconcile] event=scan_failed root=%s err=%v", r.root, walkErr)
	}
	return found, orphans
}

func (r *Reconciler) knownPaths(ctx context.Context) (map[string]bool, error) {
	paths, err := r.store.VideoPaths(ctx)
	if err != nil {
		return nil, fmt.Errorf("load inventory paths: %w", err)
	}
	known := make(map[string]bool, len(paths))
	for _, p := range paths {
		known[resolvePath(p)] = true
	}
	return known, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// resolvePath returns an absolute, symlink-free path when possible.
func resolvePath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

func firstSegment(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[0]
}
