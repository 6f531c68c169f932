// Package reconcile converges local video records with the stream host's
// reported processing state.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reelhouse/backend/internal/models"
	"github.com/reelhouse/backend/internal/stream"
)

// Human-readable error reasons written to the record for operator display.
// The never-completed reason is distinct from transcoding failures so an
// operator can tell "upload never arrived" from "the host rejected it".
const (
	ReasonNeverUploaded       = "asset never completed upload"
	ReasonTranscodingFailed   = "transcoding failed"
	ReasonRetryCeilingReached = "gave up after repeated gateway failures"
)

// ErrNoRemoteAsset is returned when a video without a remote asset id is
// handed to the engine; such records have nothing to reconcile against.
var ErrNoRemoteAsset = errors.New("reconcile: video has no remote asset id")

// Outcome is the result class of a single reconciliation attempt.
type Outcome string

const (
	// OutcomeUnchanged: remote state matches local state, no write.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeInProgress: forward transition within the transitional states.
	OutcomeInProgress Outcome = "in_progress"
	// OutcomeReady: asset reached ready; duration and thumbnail persisted.
	OutcomeReady Outcome = "ready"
	// OutcomeFailed: asset reached error.
	OutcomeFailed Outcome = "failed"
	// OutcomeRetryLater: transient gateway failure, local state untouched.
	OutcomeRetryLater Outcome = "retry_later"
	// OutcomeStale: snapshot implied a backward transition; logged and ignored.
	OutcomeStale Outcome = "stale"
)

// Result reports one reconciliation attempt for UI display.
type Result struct {
	Outcome Outcome                 `json:"outcome"`
	Before  models.ProcessingStatus `json:"before"`
	After   models.ProcessingStatus `json:"after"`
}

// Event is emitted on every status change the engine applies.
type Event struct {
	VideoID       uuid.UUID               `json:"video_id"`
	RemoteAssetID string                  `json:"remote_asset_id"`
	Status        models.ProcessingStatus `json:"status"`
	Outcome       Outcome                 `json:"outcome"`
	ErrorReason   string                  `json:"error_reason,omitempty"`
}

// Gateway is the slice of the stream host client the engine needs.
type Gateway interface {
	FetchAssetStatus(ctx context.Context, remoteAssetID string) (stream.StatusSnapshot, error)
	FetchAssetDetails(ctx context.Context, remoteAssetID string) (stream.AssetDetails, error)
	ThumbnailURL(remoteAssetID string) string
}

// Store is the persistence boundary the engine writes through.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.VideoAsset, error)
	UpdateFields(ctx context.Context, id uuid.UUID, upd models.VideoUpdate) error
	ListByStatus(ctx context.Context, statuses ...models.ProcessingStatus) ([]models.VideoAsset, error)
}

// Config tunes the engine's polling loop.
type Config struct {
	// Interval between polling ticks.
	Interval time.Duration
	// GracePeriod after creation during which a remote not-found is treated
	// as "not yet uploaded" rather than an error.
	GracePeriod time.Duration
	// MaxTransientFailures escalates a record to error after this many
	// consecutive transient gateway failures. 0 keeps retrying indefinitely.
	MaxTransientFailures int
	// Concurrency bounds parallel reconciliations per tick.
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 30 * time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Engine owns the watch set of transitional videos and a timer loop that
// polls the stream host for each of them. The webhook endpoint and the
// admin sync endpoint feed the same apply path concurrently; that is safe
// because transitions are idempotent and monotonic.
type Engine struct {
	gw     Gateway
	store  Store
	cfg    Config
	logger *zap.Logger
	notify func(Event)

	mu      sync.Mutex
	watched map[uuid.UUID]*watchEntry
}

type watchEntry struct {
	inFlight       bool
	transientFails int
}

// NewEngine creates a reconciliation engine.
func NewEngine(gw Gateway, store Store, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		gw:      gw,
		store:   store,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		watched: make(map[uuid.UUID]*watchEntry),
	}
}

// SetNotify installs a hook called on every applied status change. Must be
// set before Start.
func (e *Engine) SetNotify(fn func(Event)) { e.notify = fn }

// Watch adds a video to the polling loop. Resets any failure count.
func (e *Engine) Watch(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.watched[id] = &watchEntry{}
}

// Unwatch removes a video from the polling loop.
func (e *Engine) Unwatch(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.watched, id)
}

// Watching reports whether the loop currently tracks the video.
func (e *Engine) Watching(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.watched[id]
	return ok
}

// Start seeds the watch set from the store and runs the polling loop until
// ctx is cancelled. The watch set is in-memory only; restarts recover it
// from this query.
func (e *Engine) Start(ctx context.Context) {
	if err := e.loadWatchSet(ctx); err != nil {
		e.logger.Error("load watch set", zap.Error(err))
	}

	e.logger.Info("reconciliation engine started",
		zap.Duration("interval", e.cfg.Interval),
		zap.Int("watched", e.watchCount()))

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("reconciliation engine stopping")
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) loadWatchSet(ctx context.Context) error {
	assets, err := e.store.ListByStatus(ctx, models.StatusUploading, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("list transitional videos: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range assets {
		if a.RemoteAssetID == "" {
			// Slot issued but never persisted a remote id; nothing to poll.
			continue
		}
		if _, ok := e.watched[a.ID]; !ok {
			e.watched[a.ID] = &watchEntry{}
		}
	}
	return nil
}

func (e *Engine) watchCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.watched)
}

// tick reconciles every watched video once, with bounded concurrency.
// Single-flight per video: an id still in flight from a slow previous tick
// is skipped, never overlapped.
func (e *Engine) tick(ctx context.Context) {
	ids := e.claim()
	if len(ids) == 0 {
		return
	}

	sem := make(chan struct{}, e.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(id uuid.UUID) {
			defer wg.Done()
			defer func() { <-sem }()
			defer e.release(id)

			attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.Interval)
			defer cancel()
			if _, err := e.Reconcile(attemptCtx, id); err != nil {
				e.logger.Warn("reconcile attempt failed", zap.String("video_id", id.String()), zap.Error(err))
			}
		}(id)
	}
	wg.Wait()
}

func (e *Engine) claim() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(e.watched))
	for id, entry := range e.watched {
		if entry.inFlight {
			continue
		}
		entry.inFlight = true
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) release(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entry, ok := e.watched[id]; ok {
		entry.inFlight = false
	}
}

// Reconcile performs a single reconciliation attempt for one video: fetch the
// host's status, map it, and apply the transition. It never retries
// internally; transient failures leave local state untouched and are retried
// by the next tick, webhook, or admin sync.
func (e *Engine) Reconcile(ctx context.Context, id uuid.UUID) (Result, error) {
	asset, err := e.store.GetByID(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("load video: %w", err)
	}
	if asset == nil {
		e.Unwatch(id)
		return Result{}, fmt.Errorf("video %s not found", id)
	}
	if asset.RemoteAssetID == "" {
		e.Unwatch(id)
		return Result{}, ErrNoRemoteAsset
	}
	if asset.ProcessingStatus.IsTerminal() {
		// Terminal records only leave their state via the explicit retry
		// action, never via steady-state reconciliation.
		e.Unwatch(id)
		return Result{Outcome: OutcomeUnchanged, Before: asset.ProcessingStatus, After: asset.ProcessingStatus}, nil
	}

	snap, err := e.gw.FetchAssetStatus(ctx, asset.RemoteAssetID)
	if err != nil {
		switch {
		case stream.IsNotFound(err):
			return e.handleNotFound(ctx, asset)
		default:
			return e.handleTransient(ctx, asset, err)
		}
	}

	e.resetFailures(asset.ID)
	return e.ApplySnapshot(ctx, asset, snap)
}

// handleNotFound applies the grace-period policy: a host that has never heard
// of the asset shortly after slot creation just means the browser upload has
// not finished; past the grace period it never will.
func (e *Engine) handleNotFound(ctx context.Context, asset *models.VideoAsset) (Result, error) {
	if time.Since(asset.CreatedAt) < e.cfg.GracePeriod {
		return Result{Outcome: OutcomeRetryLater, Before: asset.ProcessingStatus, After: asset.ProcessingStatus}, nil
	}
	return e.writeError(ctx, asset, ReasonNeverUploaded)
}

func (e *Engine) handleTransient(ctx context.Context, asset *models.VideoAsset, cause error) (Result, error) {
	fails := e.bumpFailures(asset.ID)
	if e.cfg.MaxTransientFailures > 0 && fails >= e.cfg.MaxTransientFailures {
		e.logger.Warn("retry ceiling exceeded",
			zap.String("video_id", asset.ID.String()),
			zap.Int("attempts", fails),
			zap.Error(cause))
		return e.writeError(ctx, asset, ReasonRetryCeilingReached)
	}
	e.logger.Debug("transient gateway failure, will retry",
		zap.String("video_id", asset.ID.String()),
		zap.Int("consecutive_failures", fails),
		zap.Error(cause))
	return Result{Outcome: OutcomeRetryLater, Before: asset.ProcessingStatus, After: asset.ProcessingStatus}, nil
}

// ApplySnapshot applies one remote status snapshot to the local record. This
// is the single transition path shared by the polling loop, the webhook
// endpoint, and the admin sync trigger. Applying the same snapshot twice is a
// no-op the second time.
func (e *Engine) ApplySnapshot(ctx context.Context, asset *models.VideoAsset, snap stream.StatusSnapshot) (Result, error) {
	mapped := stream.MapRemoteState(snap.RawState)
	current := asset.ProcessingStatus

	if mapped == current {
		if current.IsTerminal() {
			e.Unwatch(asset.ID)
		}
		return Result{Outcome: OutcomeUnchanged, Before: current, After: current}, nil
	}

	if isBackward(current, mapped) {
		// Hosts occasionally replay stale transitional states after ready.
		e.logger.Warn("stale transition ignored",
			zap.String("video_id", asset.ID.String()),
			zap.String("remote_asset_id", asset.RemoteAssetID),
			zap.String("current", string(current)),
			zap.String("reported", string(mapped)),
			zap.String("raw_state", snap.RawState))
		return Result{Outcome: OutcomeStale, Before: current, After: current}, nil
	}

	switch mapped {
	case models.StatusReady:
		return e.writeReady(ctx, asset, snap)
	case models.StatusError:
		reason := snap.ErrorReason
		if reason == "" {
			reason = ReasonTranscodingFailed
		}
		return e.writeError(ctx, asset, reason)
	default:
		status := mapped
		if err := e.store.UpdateFields(ctx, asset.ID, models.VideoUpdate{ProcessingStatus: &status}); err != nil {
			return Result{}, fmt.Errorf("update status: %w", err)
		}
		e.emit(Event{VideoID: asset.ID, RemoteAssetID: asset.RemoteAssetID, Status: status, Outcome: OutcomeInProgress})
		return Result{Outcome: OutcomeInProgress, Before: current, After: status}, nil
	}
}

// writeReady persists the terminal success state: status, duration, derived
// thumbnail URL, and the auto-publish side effect. Publishing happens only on
// the transition into ready, so an operator who unpublishes after the first
// ready is never overridden by a late duplicate snapshot.
func (e *Engine) writeReady(ctx context.Context, asset *models.VideoAsset, snap stream.StatusSnapshot) (Result, error) {
	duration := snap.DurationSeconds
	if duration == nil {
		details, err := e.gw.FetchAssetDetails(ctx, asset.RemoteAssetID)
		if err != nil {
			if stream.IsTransient(err) {
				return Result{Outcome: OutcomeRetryLater, Before: asset.ProcessingStatus, After: asset.ProcessingStatus}, nil
			}
			return Result{}, fmt.Errorf("fetch asset details: %w", err)
		}
		duration = details.DurationSeconds
	}

	status := models.StatusReady
	published := true
	thumbnail := e.gw.ThumbnailURL(asset.RemoteAssetID)
	clearReason := ""
	upd := models.VideoUpdate{
		ProcessingStatus: &status,
		ThumbnailURL:     &thumbnail,
		IsPublished:      &published,
		ErrorReason:      &clearReason,
	}
	if duration != nil {
		upd.DurationSeconds = duration
	}
	if err := e.store.UpdateFields(ctx, asset.ID, upd); err != nil {
		return Result{}, fmt.Errorf("update ready: %w", err)
	}

	e.Unwatch(asset.ID)
	e.logger.Info("video ready",
		zap.String("video_id", asset.ID.String()),
		zap.String("remote_asset_id", asset.RemoteAssetID))
	e.emit(Event{VideoID: asset.ID, RemoteAssetID: asset.RemoteAssetID, Status: status, Outcome: OutcomeReady})
	return Result{Outcome: OutcomeReady, Before: asset.ProcessingStatus, After: status}, nil
}

func (e *Engine) writeError(ctx context.Context, asset *models.VideoAsset, reason string) (Result, error) {
	status := models.StatusError
	if err := e.store.UpdateFields(ctx, asset.ID, models.VideoUpdate{
		ProcessingStatus: &status,
		ErrorReason:      &reason,
	}); err != nil {
		return Result{}, fmt.Errorf("update error: %w", err)
	}

	e.Unwatch(asset.ID)
	e.logger.Warn("video failed",
		zap.String("video_id", asset.ID.String()),
		zap.String("remote_asset_id", asset.RemoteAssetID),
		zap.String("reason", reason))
	e.emit(Event{VideoID: asset.ID, RemoteAssetID: asset.RemoteAssetID, Status: status, Outcome: OutcomeFailed, ErrorReason: reason})
	return Result{Outcome: OutcomeFailed, Before: asset.ProcessingStatus, After: status}, nil
}

// isBackward reports whether moving current → next would regress the state
// machine. Terminal states are sinks; processing never returns to uploading.
func isBackward(current, next models.ProcessingStatus) bool {
	if current.IsTerminal() {
		return true
	}
	return current == models.StatusProcessing && next == models.StatusUploading
}

func (e *Engine) bumpFailures(id uuid.UUID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.watched[id]
	if !ok {
		return 1
	}
	entry.transientFails++
	return entry.transientFails
}

func (e *Engine) resetFailures(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if entry, ok := e.watched[id]; ok {
		entry.transientFails = 0
	}
}

func (e *Engine) emit(ev Event) {
	if e.notify != nil {
		e.notify(ev)
	}
}
