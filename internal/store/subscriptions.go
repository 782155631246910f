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

const subscriptionColumns = `id, name, kind, url, uploader_id, keyword, active, expected_total, expected_total_synced_at,
	total_videos, downloaded_videos, last_check, created_at, updated_at`

func scanSubscription(row pgx.Row) (models.Subscription, error) {
	var sub models.Subscription
	var synced, lastCheck pgtype.Timestamptz
	err := row.Scan(&sub.ID, &sub.Name, &sub.Kind, &sub.URL, &sub.UploaderID, &sub.Keyword, &sub.Active,
		&sub.ExpectedTotal, &synced, &sub.TotalVideos, &sub.DownloadedVideos, &lastCheck, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return models.Subscription{}, err
	}
	sub.ExpectedTotalSyncedAt = timePtr(synced)
	sub.LastCheck = timePtr(lastCheck)
	return sub, nil
}

func (s *Store) GetSubscription(ctx context.Context, id int64) (models.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Subscription{}, fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (s *Store) ListSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()
	var out []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) CreateSubscription(ctx context.Context, sub models.Subscription) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO subscriptions (name, kind, url, uploader_id, keyword, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, sub.Name, sub.Kind, sub.URL, sub.UploaderID, sub.Keyword, sub.Active).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert subscription: %w", err)
	}
	return id, nil
}

// FindSubscriptionByUploader matches an uploader subscription by uploader id
// first, then by name.
func (s *Store) FindSubscriptionByUploader(ctx context.Context, uploaderID, name string) (models.Subscription, bool, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE ($1 <> '' AND uploader_id = $1) OR ($2 <> '' AND name = $2)
		ORDER BY (uploader_id = $1) DESC, id
		LIMIT 1
	`, uploaderID, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Subscription{}, false, nil
	}
	if err != nil {
		return models.Subscription{}, false, fmt.Errorf("find subscription by uploader: %w", err)
	}
	return sub, true, nil
}

// RecordListing stores the remote total observed by a successful walk.
func (s *Store) RecordListing(ctx context.Context, id int64, total int, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET expected_total = $2, expected_total_synced_at = $3, last_check = $3, updated_at = NOW()
		WHERE id = $1
	`, id, total, at)
	if err != nil {
		return fmt.Errorf("record listing: %w", err)
	}
	return nil
}

// RecomputeSubscriptionCounters derives total/downloaded counts from video rows.
func (s *Store) RecomputeSubscriptionCounters(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subscriptions s SET
			total_videos = (SELECT COUNT(*) FROM videos v WHERE v.subscription_id = s.id),
			downloaded_videos = (SELECT COUNT(*) FROM videos v WHERE v.subscription_id = s.id AND v.downloaded),
			updated_at = NOW()
	`)
	if err != nil {
		return fmt.Errorf("recompute subscription counters: %w", err)
	}
	return nil
}
