package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"catalog-curator/internal/models"
)

const videoColumns = `id, external_id, title, uploader, uploader_id, duration, upload_date, description,
	video_path, sidecar_path, thumbnail_path, file_size, downloaded, download_failed, failure_reason,
	failure_count, last_failure_at, subscription_id, downloaded_at, created_at, updated_at`

func scanVideo(row pgx.Row) (models.Video, error) {
	var v models.Video
	var uploadDate, lastFailure, downloadedAt pgtype.Timestamptz
	var videoPath, sidecarPath, thumbPath pgtype.Text
	var subID pgtype.Int8
	err := row.Scan(&v.ID, &v.ExternalID, &v.Title, &v.Uploader, &v.UploaderID, &v.Duration, &uploadDate, &v.Description,
		&videoPath, &sidecarPath, &thumbPath, &v.FileSize, &v.Downloaded, &v.DownloadFailed, &v.FailureReason,
		&v.FailureCount, &lastFailure, &subID, &downloadedAt, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return models.Video{}, err
	}
	v.UploadDate = timePtr(uploadDate)
	v.LastFailureAt = timePtr(lastFailure)
	v.DownloadedAt = timePtr(downloadedAt)
	v.VideoPath = textPtr(videoPath)
	v.SidecarPath = textPtr(sidecarPath)
	v.ThumbnailPath = textPtr(thumbPath)
	v.SubscriptionID = int64Ptr(subID)
	return v, nil
}

// DownloadedPaths returns external_id -> video_path for the ids that are
// downloaded, optionally restricted to one subscription. One query per call.
func (s *Store) DownloadedPaths(ctx context.Context, ids []string, subscriptionID *int64) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT external_id, COALESCE(video_path, '')
		FROM videos
		WHERE external_id = ANY($1) AND downloaded = TRUE
		  AND ($2::BIGINT IS NULL OR subscription_id = $2)
	`, ids, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("query downloaded batch: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var id, path string
		if err := rows.Scan(&id, &path); err != nil {
			return nil, fmt.Errorf("scan downloaded batch: %w", err)
		}
		out[id] = path
	}
	return out, rows.Err()
}

// DownloadedPath is the single-id form of DownloadedPaths.
func (s *Store) DownloadedPath(ctx context.Context, id string, subscriptionID *int64) (string, bool, error) {
	var path string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(video_path, '') FROM videos
		WHERE external_id = $1 AND downloaded = TRUE
		  AND ($2::BIGINT IS NULL OR subscription_id = $2)
	`, id, subscriptionID).Scan(&path)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query downloaded id: %w", err)
	}
	return path, true, nil
}

// PermanentFailures returns the subset of ids whose last download failed permanently.
func (s *Store) PermanentFailures(ctx context.Context, ids []string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT external_id FROM videos
		WHERE external_id = ANY($1) AND download_failed = TRUE AND downloaded = FALSE
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("query permanent failures: %w", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan permanent failure: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (s *Store) CountVideos(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM videos`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count videos: %w", err)
	}
	return n, nil
}

// VideosWithPath pages through rows that have a recorded path, by id.
func (s *Store) VideosWithPath(ctx context.Context, afterID int64, limit int) ([]models.Video, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+videoColumns+` FROM videos
		WHERE video_path IS NOT NULL AND id > $1
		ORDER BY id
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query videos page: %w", err)
	}
	defer rows.Close()
	var out []models.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ApplyPathFixes writes one batch of path corrections in a single transaction.
func (s *Store) ApplyPathFixes(ctx context.Context, fixes []models.PathFix) error {
	if len(fixes) == 0 {
		return nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	batch := &pgx.Batch{}
	for _, f := range fixes {
		batch.Queue(`
			UPDATE videos SET video_path = $2, downloaded = $3, updated_at = NOW()
			WHERE id = $1
		`, f.ID, f.VideoPath, f.Downloaded)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("apply path fixes: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// AssignSubscriptions sets subscription_id for each video id in one transaction.
func (s *Store) AssignSubscriptions(ctx context.Context, assignments map[int64]int64) error {
	if len(assignments) == 0 {
		return nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	batch := &pgx.Batch{}
	for videoID, subID := range assignments {
		batch.Queue(`UPDATE videos SET subscription_id = $2, updated_at = NOW() WHERE id = $1`, videoID, subID)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("assign subscriptions: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// VideoPaths lists every recorded video path.
func (s *Store) VideoPaths(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT video_path FROM videos WHERE video_path IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("query video paths: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan video path: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) FindVideoByExternalID(ctx context.Context, externalID string) (models.Video, bool, error) {
	v, err := scanVideo(s.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE external_id = $1`, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, false, nil
	}
	if err != nil {
		return models.Video{}, false, fmt.Errorf("find video by id: %w", err)
	}
	return v, true, nil
}

func (s *Store) FindVideoByPath(ctx context.Context, path string) (models.Video, bool, error) {
	v, err := scanVideo(s.pool.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE video_path = $1 LIMIT 1`, path))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Video{}, false, nil
	}
	if err != nil {
		return models.Video{}, false, fmt.Errorf("find video by path: %w", err)
	}
	return v, true, nil
}

// InsertVideo creates a row. A taken external_id yields ErrDuplicate and
// leaves nothing behind.
func (s *Store) InsertVideo(ctx context.Context, v models.Video) (int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO videos (external_id, title, uploader, uploader_id, duration, upload_date, description,
			video_path, sidecar_path, thumbnail_path, file_size, downloaded, subscription_id, downloaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`, v.ExternalID, v.Title, v.Uploader, v.UploaderID, v.Duration, v.UploadDate, v.Description,
		v.VideoPath, v.SidecarPath, v.ThumbnailPath, v.FileSize, v.Downloaded, v.SubscriptionID, v.DownloadedAt).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("insert video %s: %w", v.ExternalID, ErrDuplicate)
		}
		return 0, fmt.Errorf("insert video: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// BackfillVideoPath fills a missing path on an existing row and marks it downloaded.
func (s *Store) BackfillVideoPath(ctx context.Context, id int64, videoPath string, sidecarPath *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE videos
		SET video_path = COALESCE(video_path, $2),
		    sidecar_path = COALESCE(sidecar_path, $3),
		    downloaded = TRUE,
		    updated_at = NOW()
		WHERE id = $1
	`, id, videoPath, sidecarPath)
	if err != nil {
		return fmt.Errorf("backfill video path: %w", err)
	}
	return nil
}

// UpsertDownloaded records a completed download, clearing failure state.
func (s *Store) UpsertDownloaded(ctx context.Context, v models.Video) (int64, error) {
	now := time.Now().UTC()
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO videos (external_id, title, uploader, uploader_id, duration, upload_date, description,
			video_path, sidecar_path, thumbnail_path, file_size, downloaded, subscription_id, downloaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, TRUE, $12, $13)
		ON CONFLICT (external_id) DO UPDATE SET
			title = EXCLUDED.title,
			uploader = EXCLUDED.uploader,
			uploader_id = EXCLUDED.uploader_id,
			duration = EXCLUDED.duration,
			upload_date = COALESCE(EXCLUDED.upload_date, videos.upload_date),
			description = EXCLUDED.description,
			video_path = EXCLUDED.video_path,
			sidecar_path = EXCLUDED.sidecar_path,
			thumbnail_path = EXCLUDED.thumbnail_path,
			file_size = EXCLUDED.file_size,
			downloaded = TRUE,
			download_failed = FALSE,
			failure_reason = '',
			subscription_id = COALESCE(videos.subscription_id, EXCLUDED.subscription_id),
			downloaded_at = EXCLUDED.downloaded_at,
			updated_at = NOW()
		RETURNING id
	`, v.ExternalID, v.Title, v.Uploader, v.UploaderID, v.Duration, v.UploadDate, v.Description,
		v.VideoPath, v.SidecarPath, v.ThumbnailPath, v.FileSize, v.SubscriptionID, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert downloaded video: %w", err)
	}
	return id, nil
}

// RecordDownloadFailure creates or updates the row's failure tracking fields.
func (s *Store) RecordDownloadFailure(ctx context.Context, f models.DownloadFailure) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO videos (external_id, title, subscription_id, download_failed, failure_reason, failure_count, last_failure_at)
		VALUES ($1, $2, $3, $4, $5, 1, $6)
		ON CONFLICT (external_id) DO UPDATE SET
			download_failed = EXCLUDED.download_failed,
			failure_reason = EXCLUDED.failure_reason,
			failure_count = videos.failure_count + 1,
			last_failure_at = EXCLUDED.last_failure_at,
			updated_at = NOW()
	`, f.ExternalID, f.Title, f.SubscriptionID, f.Permanent, f.Reason, f.At)
	if err != nil {
		return fmt.Errorf("record download failure: %w", err)
	}
	return nil
}
