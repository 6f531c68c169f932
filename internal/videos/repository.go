package videos

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reelhouse/backend/internal/models"
)

const videoColumns = `id, title, COALESCE(remote_asset_id,''), processing_status, duration_seconds, thumbnail_url, error_reason, is_published, min_tier, created_at, updated_at`

// Repository handles video asset persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a videos repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new video row (status uploading, no remote asset yet).
func (r *Repository) Create(ctx context.Context, v *models.VideoAsset) error {
	const q = `INSERT INTO videos (id, title, remote_asset_id, processing_status, is_published, min_tier)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`
	return r.pool.QueryRow(ctx, q, v.Title, nullIfEmpty(v.RemoteAssetID), v.ProcessingStatus, v.IsPublished, v.MinTier).
		Scan(&v.ID, &v.CreatedAt, &v.UpdatedAt)
}

// GetByID returns a video by ID, or nil when no row exists.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.VideoAsset, error) {
	q := `SELECT ` + videoColumns + ` FROM videos WHERE id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, q, id))
}

// GetByRemoteAssetID returns a video by the host-assigned asset id, or nil.
func (r *Repository) GetByRemoteAssetID(ctx context.Context, remoteAssetID string) (*models.VideoAsset, error) {
	q := `SELECT ` + videoColumns + ` FROM videos WHERE remote_asset_id = $1`
	return r.scanOne(r.pool.QueryRow(ctx, q, remoteAssetID))
}

// List returns all videos, newest first.
func (r *Repository) List(ctx context.Context) ([]models.VideoAsset, error) {
	q := `SELECT ` + videoColumns + ` FROM videos ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAll(rows)
}

// ListByStatus returns all videos in any of the given statuses, oldest first.
// Seeds the engine's watch set on startup.
func (r *Repository) ListByStatus(ctx context.Context, statuses ...models.ProcessingStatus) ([]models.VideoAsset, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	q := `SELECT ` + videoColumns + ` FROM videos WHERE processing_status = ANY($1) ORDER BY created_at ASC`
	vals := make([]string, len(statuses))
	for i, s := range statuses {
		vals[i] = string(s)
	}
	rows, err := r.pool.Query(ctx, q, vals)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAll(rows)
}

// UpdateFields applies a partial update. Fields left nil are never clobbered.
// Concurrent calls for the same row resolve last-write-wins, which is
// acceptable because reconciliation is idempotent.
func (r *Repository) UpdateFields(ctx context.Context, id uuid.UUID, upd models.VideoUpdate) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{id}
	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.RemoteAssetID != nil {
		add("remote_asset_id", *upd.RemoteAssetID)
	}
	if upd.ProcessingStatus != nil {
		add("processing_status", *upd.ProcessingStatus)
	}
	if upd.DurationSeconds != nil {
		add("duration_seconds", *upd.DurationSeconds)
	}
	if upd.ThumbnailURL != nil {
		add("thumbnail_url", *upd.ThumbnailURL)
	}
	if upd.ErrorReason != nil {
		add("error_reason", nullIfEmpty(*upd.ErrorReason))
	}
	if upd.IsPublished != nil {
		add("is_published", *upd.IsPublished)
	}
	q := `UPDATE videos SET ` + strings.Join(sets, ", ") + ` WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Delete removes a video row.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id)
	return err
}

func (r *Repository) scanOne(row pgx.Row) (*models.VideoAsset, error) {
	var v models.VideoAsset
	err := row.Scan(&v.ID, &v.Title, &v.RemoteAssetID, &v.ProcessingStatus, &v.DurationSeconds,
		&v.ThumbnailURL, &v.ErrorReason, &v.IsPublished, &v.MinTier, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &v, nil
}

func scanAll(rows pgx.Rows) ([]models.VideoAsset, error) {
	var list []models.VideoAsset
	for rows.Next() {
		var v models.VideoAsset
		if err := rows.Scan(&v.ID, &v.Title, &v.RemoteAssetID, &v.ProcessingStatus, &v.DurationSeconds,
			&v.ThumbnailURL, &v.ErrorReason, &v.IsPublished, &v.MinTier, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, v)
	}
	return list, rows.Err()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
