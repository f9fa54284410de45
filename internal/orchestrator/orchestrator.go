// Package orchestrator runs the sync pipeline: fetch, normalize, filter,
// deduplicate, classify, gate and persist.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"threatsync/internal/dedup"
	"threatsync/internal/feeds"
	"threatsync/internal/metrics"
	"threatsync/internal/models"
	"threatsync/internal/normalize"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

var (
	// ErrStopped is returned for cycles requested after Stop.
	ErrStopped = errors.New("scheduler is stopped")
	// ErrCycleInProgress is returned when a cycle is already running and
	// cycles are serialized.
	ErrCycleInProgress = errors.New("sync cycle already in progress")
	// ErrUnknownSource is returned for source names outside the known set.
	ErrUnknownSource = errors.New("unknown source")
)

const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// Normalizer maps payloads to canonical records.
type Normalizer interface {
	Normalize(payload feeds.Payload) []models.CanonicalThreat
}

// Deduplicator decides what to do with a candidate.
type Deduplicator interface {
	Decide(ctx context.Context, candidate models.CanonicalThreat) (dedup.Decision, error)
	Remember(ref string)
}

// Classifier never fails; it falls back instead.
type Classifier interface {
	Classify(ctx context.Context, t models.CanonicalThreat) models.Classification
}

// ThreatStore persists classified threats.
type ThreatStore interface {
	SaveClassified(ctx context.Context, t models.CanonicalThreat, c models.Classification, existingID int64) (int64, error)
}

// StatusStore persists per-source sync status.
type StatusStore interface {
	IsSourceEnabled(ctx context.Context, source models.Source) (bool, error)
	SetSourceEnabled(ctx context.Context, source models.Source, enabled bool) error
	RecordSyncResult(ctx context.Context, source models.Source, result models.SyncResult, syncErr string, itemsStored int, at time.Time) error
	ListStatus(ctx context.Context) ([]models.SourceSyncStatus, error)
}

// Config controls scheduling and the per-item policy.
type Config struct {
	Interval      time.Duration
	ClassifyDelay time.Duration // Pause between successive classifications in a cycle
	MinConfidence int           // Gate threshold; High tier always passes
	RunOnStart    bool
	CycleTimeout  time.Duration
	MaxItems      map[models.Source]int // Zero or missing means uncapped
	// SerializeCycles refuses a cycle while another one runs. Off by
	// default: manual and scheduled cycles may overlap.
	SerializeCycles bool
}

// Orchestrator owns the scheduler loop and runs sync cycles.
type Orchestrator struct {
	sources    []feeds.Source
	normalizer Normalizer
	dedup      Deduplicator
	classifier Classifier
	threats    ThreatStore
	status     StatusStore
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
	busy    map[models.Source]int // Cycles currently syncing each source

	inCycle atomic.Bool
	active  atomic.Int32
}

// NewOrchestrator creates a new orchestrator. Sources are processed in
// the given order.
func NewOrchestrator(
	sources []feeds.Source,
	normalizer Normalizer,
	deduplicator Deduplicator,
	classifier Classifier,
	threats ThreatStore,
	status StatusStore,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 2 * time.Hour
	}

	for _, s := range sources {
		metrics.SetAvailable(string(s.Name()), s.Available())
	}

	return &Orchestrator{
		sources:    sources,
		normalizer: normalizer,
		dedup:      deduplicator,
		classifier: classifier,
		threats:    threats,
		status:     status,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		sleep:      sleepCtx,
		busy:       make(map[models.Source]int, len(sources)),
	}
}

// Start launches the scheduler loop. The loop ends when ctx is done or
// Stop is called. Calling Start on a running scheduler does nothing.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	o.running = true
	o.stopped = false
	o.cancel = cancel
	o.done = make(chan struct{})

	go o.loop(loopCtx, o.done)

	o.logger.Info("Scheduler started",
		zap.Duration("interval", o.cfg.Interval),
		zap.Bool("run_on_start", o.cfg.RunOnStart))
}

// Stop stops the loop and refuses further cycles until Start. A cycle in
// flight runs to completion. Stop is idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped && !o.running {
		return
	}
	o.stopped = true
	if o.running {
		o.cancel()
		o.running = false
	}

	o.logger.Info("Scheduler stopped")
}

// Wait blocks until the loop goroutine has exited, including a cycle that
// was in flight when Stop was called.
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Running reports whether the scheduler loop is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Orchestrator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	if o.cfg.RunOnStart {
		o.runScheduled(ctx)
	}

	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.mu.Lock()
			if o.done == done {
				o.running = false
			}
			o.mu.Unlock()
			o.logger.Info("Scheduler loop exited")
			return
		case <-ticker.C:
			o.runScheduled(ctx)
		}
	}
}

func (o *Orchestrator) runScheduled(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	_, err := o.runCycle(ctx, TriggerScheduled)
	switch {
	case errors.Is(err, ErrCycleInProgress):
		o.logger.Warn("Skipping scheduled cycle, previous cycle still running")
	case errors.Is(err, ErrStopped):
		o.logger.Debug("Scheduled cycle refused, scheduler stopped")
	case err != nil:
		o.logger.Warn("Scheduled cycle finished with errors", zap.Error(err))
	}
}

// SyncNow runs one cycle across all enabled sources and returns its report.
// The returned error aggregates per-source failures; the report is still
// valid in that case.
func (o *Orchestrator) SyncNow(ctx context.Context) (*CycleReport, error) {
	return o.runCycle(ctx, TriggerManual)
}

func (o *Orchestrator) runCycle(ctx context.Context, trigger string) (*CycleReport, error) {
	o.mu.Lock()
	stopped := o.stopped
	o.mu.Unlock()
	if stopped {
		return nil, ErrStopped
	}

	if o.cfg.SerializeCycles {
		if !o.inCycle.CompareAndSwap(false, true) {
			return nil, ErrCycleInProgress
		}
		defer o.inCycle.Store(false)
	}
	concurrent := o.active.Add(1) - 1
	defer o.active.Add(-1)

	// Stopping the scheduler or a caller going away must not cut a cycle
	// in half.
	cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CycleTimeout)
	defer cancel()

	report := &CycleReport{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartedAt: o.now().UTC(),
	}
	logger := o.logger.With(zap.String("cycle_id", report.ID), zap.String("trigger", trigger))
	logger.Info("Sync cycle started", zap.Int("sources", len(o.sources)))
	if concurrent > 0 {
		// Both cycles may do the same work and race on status writes.
		logger.Warn("Sync cycle overlaps with a running cycle",
			zap.Int32("running_cycles", concurrent))
	}

	var errs *multierror.Error
	st := &cycleState{}
	for _, src := range o.sources {
		sr, err := o.syncSource(cycleCtx, src, st, logger)
		report.Sources = append(report.Sources, sr)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", src.Name(), err))
		}
	}

	report.FinishedAt = o.now().UTC()
	duration := report.FinishedAt.Sub(report.StartedAt)
	metrics.CycleDuration.Observe(duration.Seconds())

	result := "success"
	if errs.ErrorOrNil() != nil {
		result = "partial"
	}
	metrics.Cycles.WithLabelValues(trigger, result).Inc()

	logger.Info("Sync cycle finished",
		zap.Int("stored", report.Stored()),
		zap.Duration("duration", duration),
		zap.String("result", result))

	return report, errs.ErrorOrNil()
}

// cycleState is shared by all sources of one cycle.
type cycleState struct {
	classified int
}

func (o *Orchestrator) syncSource(ctx context.Context, src feeds.Source, st *cycleState, logger *zap.Logger) (report SourceReport, err error) {
	name := src.Name()
	report = SourceReport{Source: name}
	logger = logger.With(zap.String("source", string(name)))
	start := time.Now()
	defer func() { report.Duration = time.Since(start) }()

	enabled, err := o.status.IsSourceEnabled(ctx, name)
	if err != nil {
		logger.Error("Failed to read source status", zap.Error(err))
		metrics.SourceSyncs.WithLabelValues(string(name), string(models.SyncFailed), feeds.CategoryUnknown).Inc()
		report.Result = models.SyncFailed
		report.Error = err.Error()
		o.recordResult(ctx, name, models.SyncFailed, err.Error(), 0, logger)
		return report, err
	}
	if !enabled {
		logger.Info("Source disabled, skipping")
		report.Skipped = true
		return report, nil
	}

	o.enter(name)
	defer o.leave(name)

	payload, err := src.Fetch(ctx)
	metrics.SetAvailable(string(name), src.Available())
	if err != nil {
		category := feeds.Category(err)
		logger.Error("Fetch failed", zap.String("category", category), zap.Error(err))
		metrics.SourceSyncs.WithLabelValues(string(name), string(models.SyncFailed), category).Inc()

		report.Result = models.SyncFailed
		report.Error = err.Error()
		o.recordResult(ctx, name, models.SyncFailed, err.Error(), 0, logger)
		return report, err
	}

	records := o.normalizer.Normalize(payload)
	report.Fetched = len(records)

	relevant := normalize.FilterRelevant(records)
	report.Irrelevant = len(records) - len(relevant)

	if limit := o.cfg.MaxItems[name]; limit > 0 && len(relevant) > limit {
		report.Capped = len(relevant) - limit
		relevant = relevant[:limit]
	}

	logger.Info("Processing items",
		zap.Int("fetched", report.Fetched),
		zap.Int("relevant", len(relevant)),
		zap.Int("capped", report.Capped))

	for _, item := range relevant {
		outcome := o.processItem(ctx, item, st, &report, logger)
		metrics.Items.WithLabelValues(string(name), outcome).Inc()
	}

	metrics.Items.WithLabelValues(string(name), metrics.OutcomeFetched).Add(float64(report.Fetched))
	metrics.Items.WithLabelValues(string(name), metrics.OutcomeIrrelevant).Add(float64(report.Irrelevant))
	metrics.Items.WithLabelValues(string(name), metrics.OutcomeCapped).Add(float64(report.Capped))
	metrics.Items.WithLabelValues(string(name), metrics.OutcomeStored).Add(float64(report.Stored))
	metrics.SourceSyncs.WithLabelValues(string(name), string(models.SyncSuccess), "").Inc()

	report.Result = models.SyncSuccess
	o.recordResult(ctx, name, models.SyncSuccess, "", report.Stored, logger)

	logger.Info("Source synced",
		zap.Int("stored", report.Stored),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("gated", report.Gated),
		zap.Int("failed", report.Failed))

	return report, nil
}

// processItem runs one record through dedup, classification, gate and
// persistence. Failures are counted, never propagated.
func (o *Orchestrator) processItem(ctx context.Context, t models.CanonicalThreat, st *cycleState, report *SourceReport, logger *zap.Logger) (outcome string) {
	logger = logger.With(zap.String("reference", t.ExternalReference), zap.String("title", t.Title))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered from panic while processing item", zap.Any("panic", r))
			report.Failed++
			outcome = metrics.OutcomeFailed
		}
	}()

	decision, err := o.dedup.Decide(ctx, t)
	if err != nil {
		logger.Error("Dedup lookup failed", zap.Error(err))
		report.Failed++
		return metrics.OutcomeFailed
	}
	if decision.Action == dedup.ActionSkip {
		report.Duplicates++
		return metrics.OutcomeDuplicate
	}

	if st.classified > 0 && o.cfg.ClassifyDelay > 0 {
		if err := o.sleep(ctx, o.cfg.ClassifyDelay); err != nil {
			logger.Warn("Classification delay interrupted", zap.Error(err))
			report.Failed++
			return metrics.OutcomeFailed
		}
	}
	st.classified++

	c := o.classifier.Classify(ctx, t)
	if c.Fallback {
		report.Fallbacks++
	}

	if !PassesGate(c, o.cfg.MinConfidence) {
		logger.Info("Classification below confidence gate",
			zap.String("tier", string(c.Tier)),
			zap.Int("confidence", c.Confidence))
		report.Gated++
		return metrics.OutcomeGated
	}

	id, err := o.threats.SaveClassified(ctx, t, c, decision.ExistingID)
	if err != nil {
		logger.Error("Failed to persist threat", zap.Error(err))
		report.Failed++
		return metrics.OutcomeFailed
	}
	o.dedup.Remember(t.ExternalReference)

	report.Stored++
	if decision.Action == dedup.ActionUpdate {
		report.Updated++
		logger.Info("Threat refreshed", zap.Int64("id", id), zap.String("tier", string(c.Tier)))
		return metrics.OutcomeUpdated
	}
	report.New++
	logger.Info("Threat stored", zap.Int64("id", id), zap.String("tier", string(c.Tier)))
	return metrics.OutcomeNew
}

func (o *Orchestrator) recordResult(ctx context.Context, source models.Source, result models.SyncResult, syncErr string, stored int, logger *zap.Logger) {
	if err := o.status.RecordSyncResult(ctx, source, result, syncErr, stored, o.now()); err != nil {
		logger.Error("Failed to record sync result", zap.Error(err))
	}
}

// PassesGate keeps a classification when it is confident enough or High.
func PassesGate(c models.Classification, minConfidence int) bool {
	return c.Confidence >= minConfidence || c.Tier == models.TierHigh
}

func (o *Orchestrator) enter(source models.Source) {
	o.mu.Lock()
	o.busy[source]++
	o.mu.Unlock()
}

func (o *Orchestrator) leave(source models.Source) {
	o.mu.Lock()
	o.busy[source]--
	o.mu.Unlock()
}

// state must be called with o.mu held.
func (o *Orchestrator) state(source models.Source) models.SourceState {
	if o.busy[source] > 0 {
		return models.StateRunning
	}
	return models.StateIdle
}

// Status returns the persisted status of every source merged with the live
// scheduler state and adapter availability.
func (o *Orchestrator) Status(ctx context.Context) ([]models.SourceSyncStatus, error) {
	persisted, err := o.status.ListStatus(ctx)
	if err != nil {
		return nil, err
	}

	byName := make(map[models.Source]models.SourceSyncStatus, len(persisted))
	for _, s := range persisted {
		byName[s.Source] = s
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]models.SourceSyncStatus, 0, len(o.sources))
	for _, src := range o.sources {
		s, ok := byName[src.Name()]
		if !ok {
			s = models.SourceSyncStatus{Source: src.Name(), Enabled: true}
		}
		s.State = o.state(src.Name())
		s.Available = src.Available()
		out = append(out, s)
		delete(byName, src.Name())
	}

	// Sources with history that are no longer configured.
	for _, name := range models.Sources {
		if s, ok := byName[name]; ok {
			s.State = models.StateIdle
			out = append(out, s)
		}
	}

	return out, nil
}

// SetSourceEnabled enables or disables a source for future cycles.
func (o *Orchestrator) SetSourceEnabled(ctx context.Context, source models.Source, enabled bool) error {
	if !source.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	return o.status.SetSourceEnabled(ctx, source, enabled)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
