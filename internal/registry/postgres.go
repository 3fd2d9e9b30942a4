package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"media-ingest-pipeline/internal/models"
)

// ErrNotFound is returned when an asset or job row does not exist.
var ErrNotFound = errors.New("registry: not found")

// Store is the durable record of assets and their thumbnail jobs.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateAsset inserts a fresh asset row in pending_upload.
func (s *Store) CreateAsset(ctx context.Context, a models.Asset) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO assets (id, owner_id, original_key, content_type, status, variants, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, '{}'::jsonb, $6, $6)
	`, a.ID, a.OwnerID, a.OriginalKey, a.ContentType, models.StatusPendingUpload, now)
	if err != nil {
		return fmt.Errorf("insert asset: %w", err)
	}
	return nil
}

// GetAsset fetches an asset by id.
func (s *Store) GetAsset(ctx context.Context, id string) (models.Asset, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, original_key, content_type, status, variants, last_error, created_at, updated_at
		FROM assets WHERE id = $1
	`, id)

	var a models.Asset
	var variantsJSON []byte
	var lastErr pgtype.Text
	if err := row.Scan(&a.ID, &a.OwnerID, &a.OriginalKey, &a.ContentType, &a.Status, &variantsJSON, &lastErr, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Asset{}, ErrNotFound
		}
		return models.Asset{}, fmt.Errorf("scan asset: %w", err)
	}
	if err := json.Unmarshal(variantsJSON, &a.Variants); err != nil {
		return models.Asset{}, fmt.Errorf("unmarshal variants: %w", err)
	}
	a.LastError = textPtr(lastErr)
	return a, nil
}

// EnqueueIfPending atomically moves a pending_upload asset through uploaded to
// queued and inserts its job. The conditional status update is the idempotency
// mechanism: a duplicate completion call loses the race, gets zero rows, and
// no second job is created.
func (s *Store) EnqueueIfPending(ctx context.Context, assetID string, maxAttempts int) (models.Job, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE assets SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4
	`, assetID, models.StatusQueued, now, models.StatusPendingUpload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("transition asset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Job{}, false, nil
	}

	id := uuid.New().String()
	insTag, err := tx.Exec(ctx, `
		INSERT INTO jobs (id, asset_id, status, attempt, max_attempts, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5, $5, $5)
		ON CONFLICT (asset_id) WHERE status IN ('queued', 'leased') DO NOTHING
	`, id, assetID, models.JobQueued, maxAttempts, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	if insTag.RowsAffected() == 0 {
		// Active job already present; the asset transition stands.
		if err := tx.Commit(ctx); err != nil {
			return models.Job{}, false, fmt.Errorf("commit: %w", err)
		}
		return models.Job{}, false, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:          id,
		AssetID:     assetID,
		Status:      models.JobQueued,
		Attempt:     0,
		MaxAttempts: maxAttempts,
		NextRunAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, true, nil
}

// ActiveJobForAsset returns the asset's queued or leased job, if one exists.
// The partial unique index on jobs guarantees at most one such row.
func (s *Store) ActiveJobForAsset(ctx context.Context, assetID string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, asset_id, status, attempt, max_attempts, lease_owner, lease_expires_at, next_run_at, last_error, created_at, updated_at
		FROM jobs WHERE asset_id = $1 AND status IN ('queued', 'leased')
	`, assetID)

	var j models.Job
	var owner, lastErr pgtype.Text
	var expires pgtype.Timestamptz
	if err := row.Scan(&j.ID, &j.AssetID, &j.Status, &j.Attempt, &j.MaxAttempts, &owner, &expires, &j.NextRunAt, &lastErr, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, false, nil
		}
		return models.Job{}, false, fmt.Errorf("scan active job: %w", err)
	}
	j.LeaseOwner = textPtr(owner)
	if expires.Valid {
		t := expires.Time
		j.LeaseExpiresAt = &t
	}
	j.LastError = textPtr(lastErr)
	return j, true, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, asset_id, status, attempt, max_attempts, lease_owner, lease_expires_at, next_run_at, last_error, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var j models.Job
	var owner, lastErr pgtype.Text
	var expires pgtype.Timestamptz
	if err := row.Scan(&j.ID, &j.AssetID, &j.Status, &j.Attempt, &j.MaxAttempts, &owner, &expires, &j.NextRunAt, &lastErr, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	j.LeaseOwner = textPtr(owner)
	if expires.Valid {
		t := expires.Time
		j.LeaseExpiresAt = &t
	}
	j.LastError = textPtr(lastErr)
	return j, nil
}

// LeaseJob records a successful claim: bumps the attempt counter and stores
// the lease owner and deadline. Returns the post-claim job row.
func (s *Store) LeaseJob(ctx context.Context, id, workerID string, expiresAt time.Time) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, attempt = attempt + 1, lease_owner = $3, lease_expires_at = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING id, asset_id, status, attempt, max_attempts, lease_owner, lease_expires_at, next_run_at, last_error, created_at, updated_at
	`, id, models.JobLeased, workerID, expiresAt)

	var j models.Job
	var owner, lastErr pgtype.Text
	var expires pgtype.Timestamptz
	if err := row.Scan(&j.ID, &j.AssetID, &j.Status, &j.Attempt, &j.MaxAttempts, &owner, &expires, &j.NextRunAt, &lastErr, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("lease job: %w", err)
	}
	j.LeaseOwner = textPtr(owner)
	if expires.Valid {
		t := expires.Time
		j.LeaseExpiresAt = &t
	}
	j.LastError = textPtr(lastErr)
	return j, nil
}

// MarkProcessing flags the asset as being transformed.
func (s *Store) MarkProcessing(ctx context.Context, assetID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE assets SET status = $2, updated_at = NOW() WHERE id = $1
	`, assetID, models.StatusProcessing)
	return err
}

// SetVariantsReady stores the rendered variant map and marks the asset ready.
func (s *Store) SetVariantsReady(ctx context.Context, assetID string, variants map[string]models.Variant) error {
	payload, err := json.Marshal(variants)
	if err != nil {
		return fmt.Errorf("marshal variants: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE assets SET status = $2, variants = $3, last_error = NULL, updated_at = NOW() WHERE id = $1
	`, assetID, models.StatusReady, payload)
	return err
}

// MarkAssetFailed records a terminal failure reason on the asset.
func (s *Store) MarkAssetFailed(ctx context.Context, assetID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE assets SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, assetID, models.StatusFailed, reason)
	return err
}

// RescheduleJob returns a failed job to the queued state with a backoff
// deadline and clears its lease.
func (s *Store) RescheduleJob(ctx context.Context, id string, nextRun time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, lease_owner = NULL, lease_expires_at = NULL, next_run_at = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.JobQueued, nextRun, lastErr)
	return err
}

// DeadLetterJob parks a job for inspection; it is never claimable again.
func (s *Store) DeadLetterJob(ctx context.Context, id, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, lease_owner = NULL, lease_expires_at = NULL, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, models.JobDeadLetter, lastErr)
	return err
}

// DeleteJob removes a job row after terminal success.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	return err
}

// ReleaseLease requeues a leased job and clears its ownership. Used both when
// a worker's lease expires and when a worker hands a job back on shutdown. The
// attempt counter is untouched; the next claim increments it.
func (s *Store) ReleaseLease(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, lease_owner = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.JobQueued, models.JobLeased)
	return err
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, assetID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (asset_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, assetID, event, detail)
	return err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
