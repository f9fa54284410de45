// Package dedup decides whether a candidate threat is new, a duplicate or a
// stale record due for refresh.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"threatsync/internal/models"

	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"
)

// Action is the outcome of a dedup decision.
type Action string

const (
	ActionNew    Action = "new"
	ActionSkip   Action = "skip"
	ActionUpdate Action = "update"
)

// Decision carries the action and, for updates, the stored record's ID.
type Decision struct {
	Action     Action
	ExistingID int64
}

// Store is the lookup side of the threat repository.
type Store interface {
	FindByExternalReference(ctx context.Context, ref string) (*models.StoredThreat, error)
	ListExternalReferences(ctx context.Context) ([]string, error)
}

// Config controls the refresh window and the bloom fast path.
type Config struct {
	RefreshAfter  time.Duration // Default 30 days
	BloomEnabled  bool
	BloomCapacity uint
}

// Deduplicator applies the dedup policy against the store.
type Deduplicator struct {
	store        Store
	refreshAfter time.Duration
	logger       *zap.Logger
	now          func() time.Time

	mu     sync.Mutex
	filter *bloom.BloomFilter // Nil when disabled or not yet seeded
}

// New creates a Deduplicator. Call Seed to enable the bloom fast path.
func New(store Store, cfg Config, logger *zap.Logger) *Deduplicator {
	if cfg.RefreshAfter <= 0 {
		cfg.RefreshAfter = 30 * 24 * time.Hour
	}
	d := &Deduplicator{
		store:        store,
		refreshAfter: cfg.RefreshAfter,
		logger:       logger,
		now:          time.Now,
	}
	if cfg.BloomEnabled {
		if cfg.BloomCapacity == 0 {
			cfg.BloomCapacity = 100000
		}
		d.filter = bloom.NewWithEstimates(cfg.BloomCapacity, 0.001)
	}
	return d
}

// Seed loads every stored reference into the bloom filter.
func (d *Deduplicator) Seed(ctx context.Context) error {
	if d.filter == nil {
		return nil
	}

	refs, err := d.store.ListExternalReferences(ctx)
	if err != nil {
		return fmt.Errorf("failed to list external references: %w", err)
	}

	d.mu.Lock()
	for _, ref := range refs {
		d.filter.AddString(ref)
	}
	d.mu.Unlock()

	d.logger.Info("Dedup filter seeded", zap.Int("references", len(refs)))
	return nil
}

// Remember records a reference that has just been persisted.
func (d *Deduplicator) Remember(ref string) {
	if d.filter == nil || ref == "" {
		return
	}
	d.mu.Lock()
	d.filter.AddString(ref)
	d.mu.Unlock()
}

func (d *Deduplicator) mayExist(ref string) bool {
	if d.filter == nil {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.filter.TestString(ref)
}

// Decide applies the policy: no reference skips, an unknown reference is
// new, a record younger than the refresh window is a duplicate and an
// older one is updated in place.
func (d *Deduplicator) Decide(ctx context.Context, candidate models.CanonicalThreat) (Decision, error) {
	ref := candidate.ExternalReference
	if ref == "" {
		return Decision{Action: ActionSkip}, nil
	}

	if !d.mayExist(ref) {
		return Decision{Action: ActionNew}, nil
	}

	existing, err := d.store.FindByExternalReference(ctx, ref)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to look up %s: %w", ref, err)
	}
	if existing == nil {
		return Decision{Action: ActionNew}, nil
	}

	if AgeInDays(existing.CreatedAt, d.now()) >= d.refreshDays() {
		return Decision{Action: ActionUpdate, ExistingID: existing.ID}, nil
	}
	return Decision{Action: ActionSkip, ExistingID: existing.ID}, nil
}

func (d *Deduplicator) refreshDays() int {
	days := int(d.refreshAfter / (24 * time.Hour))
	if days < 1 {
		days = 1
	}
	return days
}

// AgeInDays is the number of whole days between created and now.
func AgeInDays(created, now time.Time) int {
	if now.Before(created) {
		return 0
	}
	return int(now.Sub(created) / (24 * time.Hour))
}
