package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"threatsync/internal/models"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// StatusRepository stores per-source sync status.
type StatusRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStatusRepository creates a new status repository
func NewStatusRepository(db *sqlx.DB, logger *zap.Logger) *StatusRepository {
	return &StatusRepository{db: db, logger: logger}
}

// IsSourceEnabled reports whether a source may sync. Sources without a
// row are enabled.
func (r *StatusRepository) IsSourceEnabled(ctx context.Context, source models.Source) (bool, error) {
	var enabled bool
	query := r.db.Rebind(`SELECT enabled FROM source_sync_status WHERE source_type = ?`)
	if err := r.db.GetContext(ctx, &enabled, query, string(source)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, nil
		}
		return false, fmt.Errorf("failed to get source status: %w", err)
	}
	return enabled, nil
}

// SetSourceEnabled turns a source on or off.
func (r *StatusRepository) SetSourceEnabled(ctx context.Context, source models.Source, enabled bool) error {
	query := r.db.Rebind(`INSERT INTO source_sync_status (source_type, enabled)
		VALUES (?, ?)
		ON CONFLICT (source_type) DO UPDATE SET enabled = excluded.enabled`)
	if _, err := r.db.ExecContext(ctx, query, string(source), enabled); err != nil {
		return fmt.Errorf("failed to set source enabled: %w", err)
	}

	r.logger.Info("Source toggled",
		zap.String("source", string(source)),
		zap.Bool("enabled", enabled))
	return nil
}

// RecordSyncResult stores the outcome of one sync attempt. itemsStored is
// added to the cumulative count.
func (r *StatusRepository) RecordSyncResult(ctx context.Context, source models.Source, result models.SyncResult, syncErr string, itemsStored int, at time.Time) error {
	query := r.db.Rebind(`INSERT INTO source_sync_status
		(source_type, enabled, last_sync_at, last_status, last_error, items_stored)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_type) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			last_status = excluded.last_status,
			last_error = excluded.last_error,
			items_stored = source_sync_status.items_stored + excluded.items_stored`)

	_, err := r.db.ExecContext(ctx, query,
		string(source), true, at.UTC(), string(result), nullString(syncErr), itemsStored)
	if err != nil {
		return fmt.Errorf("failed to record sync result: %w", err)
	}
	return nil
}

// ListStatus returns every persisted source status.
func (r *StatusRepository) ListStatus(ctx context.Context) ([]models.SourceSyncStatus, error) {
	var out []models.SourceSyncStatus
	err := r.db.SelectContext(ctx, &out, `SELECT source_type, enabled, last_sync_at, last_status,
		last_error, items_stored FROM source_sync_status ORDER BY source_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to list source status: %w", err)
	}
	return out, nil
}
