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

// ThreatRepository stores threats and their classifications.
type ThreatRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewThreatRepository creates a new threat repository
func NewThreatRepository(db *sqlx.DB, logger *zap.Logger) *ThreatRepository {
	return &ThreatRepository{db: db, logger: logger, now: time.Now}
}

// FindByExternalReference returns nil, nil when no threat has ref.
func (r *ThreatRepository) FindByExternalReference(ctx context.Context, ref string) (*models.StoredThreat, error) {
	var t models.StoredThreat
	query := r.db.Rebind(`SELECT id, external_reference, created_at, updated_at
		FROM threats WHERE external_reference = ?`)
	if err := r.db.GetContext(ctx, &t, query, ref); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get threat by reference: %w", err)
	}
	return &t, nil
}

// ListExternalReferences returns every stored reference.
func (r *ThreatRepository) ListExternalReferences(ctx context.Context) ([]string, error) {
	var refs []string
	err := r.db.SelectContext(ctx, &refs,
		`SELECT external_reference FROM threats WHERE external_reference IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to list external references: %w", err)
	}
	return refs, nil
}

// SaveClassified writes a threat and its classification in one
// transaction. existingID zero inserts a new threat; otherwise the stored
// row is refreshed, its age reset and its classification replaced.
func (r *ThreatRepository) SaveClassified(ctx context.Context, t models.CanonicalThreat, c models.Classification, existingID int64) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := r.now().UTC()
	if t.Status == "" {
		t.Status = models.StatusPendingAI
	}

	id := existingID
	if existingID == 0 {
		query := tx.Rebind(`INSERT INTO threats
			(title, description, category, source, date_observed, impact_level,
			 external_reference, status, origin_user, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`)
		err = tx.QueryRowxContext(ctx, query,
			t.Title, t.Description, t.Category, string(t.Source), t.DateObserved.UTC(), string(t.ImpactLevel),
			nullString(t.ExternalReference), string(t.Status), nullInt64(t.OriginUser), now, now,
		).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("failed to insert threat: %w", err)
		}
	} else {
		query := tx.Rebind(`UPDATE threats SET
			title = ?, description = ?, category = ?, date_observed = ?, impact_level = ?,
			status = ?, created_at = ?, updated_at = ?
			WHERE id = ?`)
		res, err := tx.ExecContext(ctx, query,
			t.Title, t.Description, t.Category, t.DateObserved.UTC(), string(t.ImpactLevel),
			string(t.Status), now, now, existingID)
		if err != nil {
			return 0, fmt.Errorf("failed to refresh threat %d: %w", existingID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return 0, fmt.Errorf("threat %d not found", existingID)
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM classifications WHERE threat_id = ?`), existingID); err != nil {
			return 0, fmt.Errorf("failed to delete previous classification: %w", err)
		}
	}

	classifiedAt := c.ClassifiedAt
	if classifiedAt.IsZero() {
		classifiedAt = now
	}

	query := tx.Rebind(`INSERT INTO classifications
		(threat_id, tier, confidence, reasoning, recommended_actions, next_steps, keywords,
		 bio_sector_relevance, provider, model, fallback, classified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = tx.ExecContext(ctx, query,
		id, string(c.Tier), c.Confidence, c.Reasoning, c.RecommendedActions, c.NextSteps, c.Keywords,
		c.BioSectorRelevance, c.Provider, c.Model, c.Fallback, classifiedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to insert classification: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.logger.Debug("Threat saved",
		zap.Int64("id", id),
		zap.String("reference", t.ExternalReference),
		zap.Bool("refreshed", existingID != 0))

	return id, nil
}

// FindClassification returns the active classification of a threat.
func (r *ThreatRepository) FindClassification(ctx context.Context, threatID int64) (*models.Classification, error) {
	var c models.Classification
	query := r.db.Rebind(`SELECT id, threat_id, tier, confidence, reasoning, recommended_actions,
		next_steps, keywords, bio_sector_relevance, provider, model, fallback, classified_at
		FROM classifications WHERE threat_id = ?`)
	if err := r.db.GetContext(ctx, &c, query, threatID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get classification: %w", err)
	}
	return &c, nil
}

// CountThreats returns the number of stored threats.
func (r *ThreatRepository) CountThreats(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM threats`); err != nil {
		return 0, fmt.Errorf("failed to count threats: %w", err)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
