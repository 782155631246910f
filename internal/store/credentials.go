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

const credentialColumns = `id, name, session_token, csrf_token, user_id, active, failure_count, last_failure_at, usage_count, last_used`

func scanCredential(row pgx.Row) (models.Credential, error) {
	var c models.Credential
	var lastFailure, lastUsed pgtype.Timestamptz
	err := row.Scan(&c.ID, &c.Name, &c.SessionToken, &c.CSRFToken, &c.UserID, &c.Active,
		&c.FailureCount, &lastFailure, &c.UsageCount, &lastUsed)
	if err != nil {
		return models.Credential{}, err
	}
	c.LastFailureAt = timePtr(lastFailure)
	c.LastUsed = timePtr(lastUsed)
	return c, nil
}

func (s *Store) ActiveCredentials(ctx context.Context) ([]models.Credential, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE active = TRUE ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()
	var out []models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetCredential(ctx context.Context, id int64) (models.Credential, error) {
	c, err := scanCredential(s.pool.QueryRow(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Credential{}, fmt.Errorf("credential %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Credential{}, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

func (s *Store) CreateCredential(ctx context.Context, c models.Credential) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO credentials (name, session_token, csrf_token, user_id, active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, c.Name, c.SessionToken, c.CSRFToken, c.UserID, c.Active).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert credential: %w", err)
	}
	return id, nil
}

func (s *Store) RecordCredentialUse(ctx context.Context, id int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE credentials SET usage_count = usage_count + 1, last_used = $2 WHERE id = $1
	`, id, at)
	return err
}

func (s *Store) SaveCredentialFailure(ctx context.Context, id int64, failures int, at time.Time, active bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE credentials SET failure_count = $2, last_failure_at = $3, active = $4 WHERE id = $1
	`, id, failures, at, active)
	return err
}

func (s *Store) ReactivateCredential(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE credentials SET active = TRUE, failure_count = 0, last_failure_at = NULL WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("reactivate credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credential %d: %w", id, ErrNotFound)
	}
	return nil
}
