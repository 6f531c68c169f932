package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reelhouse/backend/internal/models"
	"github.com/reelhouse/backend/internal/stream"
)

// fakeStore is an in-memory Store that applies partial updates the way the
// real repository does, so repeated applications can be asserted against.
type fakeStore struct {
	mu      sync.Mutex
	assets  map[uuid.UUID]*models.VideoAsset
	updates []models.VideoUpdate
}

func newFakeStore(assets ...*models.VideoAsset) *fakeStore {
	s := &fakeStore{assets: make(map[uuid.UUID]*models.VideoAsset)}
	for _, a := range assets {
		s.assets[a.ID] = a
	}
	return s
}

func (s *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*models.VideoAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) UpdateFields(_ context.Context, id uuid.UUID, upd models.VideoUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, upd)
	a := s.assets[id]
	if upd.RemoteAssetID != nil {
		a.RemoteAssetID = *upd.RemoteAssetID
	}
	if upd.ProcessingStatus != nil {
		a.ProcessingStatus = *upd.ProcessingStatus
	}
	if upd.DurationSeconds != nil {
		a.DurationSeconds = upd.DurationSeconds
	}
	if upd.ThumbnailURL != nil {
		a.ThumbnailURL = upd.ThumbnailURL
	}
	if upd.ErrorReason != nil {
		a.ErrorReason = upd.ErrorReason
	}
	if upd.IsPublished != nil {
		a.IsPublished = *upd.IsPublished
	}
	return nil
}

func (s *fakeStore) ListByStatus(_ context.Context, statuses ...models.ProcessingStatus) ([]models.VideoAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.VideoAsset
	for _, a := range s.assets {
		for _, st := range statuses {
			if a.ProcessingStatus == st {
				out = append(out, *a)
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

// fakeGateway serves canned responses keyed by remote asset id.
type fakeGateway struct {
	mu        sync.Mutex
	snapshots map[string]stream.StatusSnapshot
	statusErr map[string]error
	details   map[string]stream.AssetDetails
	calls     int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		snapshots: make(map[string]stream.StatusSnapshot),
		statusErr: make(map[string]error),
		details:   make(map[string]stream.AssetDetails),
	}
}

func (g *fakeGateway) FetchAssetStatus(_ context.Context, remoteAssetID string) (stream.StatusSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if err, ok := g.statusErr[remoteAssetID]; ok {
		return stream.StatusSnapshot{}, err
	}
	return g.snapshots[remoteAssetID], nil
}

func (g *fakeGateway) FetchAssetDetails(_ context.Context, remoteAssetID string) (stream.AssetDetails, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.details[remoteAssetID], nil
}

func (g *fakeGateway) ThumbnailURL(remoteAssetID string) string {
	return "https://stream.example.com/" + remoteAssetID + "/thumbnails/thumbnail.jpg"
}

func transientGatewayErr() error {
	return &stream.GatewayError{Kind: stream.KindTransient, StatusCode: 503}
}

func notFoundGatewayErr() error {
	return &stream.GatewayError{Kind: stream.KindNotFound, StatusCode: 404}
}

func newTestAsset(status models.ProcessingStatus) *models.VideoAsset {
	return &models.VideoAsset{
		ID:               uuid.New(),
		Title:            "launch keynote",
		RemoteAssetID:    "ra-" + uuid.NewString()[:8],
		ProcessingStatus: status,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
}

func newTestEngine(gw Gateway, store Store, cfg Config) *Engine {
	return NewEngine(gw, store, cfg, zap.NewNop())
}

func floatPtr(f float64) *float64 { return &f }

func TestReconcileForwardProgressThenReady(t *testing.T) {
	asset := newTestAsset(models.StatusUploading)
	store := newFakeStore(asset)
	gw := newFakeGateway()
	engine := newTestEngine(gw, store, Config{})
	engine.Watch(asset.ID)

	var events []Event
	engine.SetNotify(func(ev Event) { events = append(events, ev) })

	gw.snapshots[asset.RemoteAssetID] = stream.StatusSnapshot{
		RemoteAssetID: asset.RemoteAssetID,
		RawState:      stream.RemoteStateInProgress,
		PctComplete:   40,
	}
	res, err := engine.Reconcile(context.Background(), asset.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInProgress, res.Outcome)
	assert.Equal(t, models.StatusUploading, res.Before)
	assert.Equal(t, models.StatusProcessing, res.After)
	assert.True(t, engine.Watching(asset.ID))

	gw.snapshots[asset.RemoteAssetID] = stream.StatusSnapshot{
		RemoteAssetID:   asset.RemoteAssetID,
		RawState:        stream.RemoteStateReady,
		DurationSeconds: floatPtr(125),
		ReadyToStream:   true,
	}
	res, err = engine.Reconcile(context.Background(), asset.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, res.Outcome)
	assert.Equal(t, models.StatusReady, res.After)
	assert.False(t, engine.Watching(asset.ID), "terminal videos leave the watch set")

	got, _ := store.GetByID(context.Background(), asset.ID)
	assert.Equal(t, models.StatusReady, got.ProcessingStatus)
	require.NotNil(t, got.DurationSeconds)
	assert.Equal(t, 125.0, *got.DurationSeconds)
	require.NotNil(t, got.ThumbnailURL)
	assert.Contains(t, *got.ThumbnailURL, asset.RemoteAssetID)
	assert.True(t, got.IsPublished, "reaching ready publishes the video")

	require.Len(t, events, 2)
	assert.Equal(t, OutcomeInProgress, events[0].Outcome)
	assert.Equal(t, OutcomeReady, events[1].Outcome)
}

func TestReconcileReadyFetchesDurationFromDetails(t *testing.T) {
	asset := newTestAsset(models.StatusProcessing)
	store := newFakeStore(asset)
	gw := newFakeGateway()
	gw.snapshots[asset.RemoteAssetID] = stream.StatusSnapshot{
		RemoteAssetID: asset.RemoteAssetID,
		RawState:      stream.RemoteStateReady,
	}
	gw.details[asset.RemoteAssetID] = stream.AssetDetails{
		RemoteAssetID:   asset.RemoteAssetID,
		DurationSeconds: floatPtr(62.5),
	}
	engine := newTestEngine(gw, store, Config{})
	engine.Watch(asset.ID)

	res, err := engine.Reconcile(context.Background(), asset.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, res.Outcome)

	got, _ := store.GetByID(context.Background(), asset.ID)
	require.NotNil(t, got.DurationSeconds)
	assert.Equal(t, 62.5, *got.DurationSeconds)
}

func TestReconcileTransientFailureLeavesRecordUntouched(t *testing.T) {
	asset := newTestAsset(models.StatusProcessing)
	store := newFakeStore(asset)
	gw := newFakeGateway()
	gw.statusErr[asset.RemoteAssetID] = transientGatewayErr()
	engine := newTestEngine(gw, store, Config{})
	engine.Watch(asset.ID)

	res, err := engine.Reconcile(context.Background(), asset.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetryLater, res.Outcome)
	assert.Equal(t, models.StatusProcessing, res.After)
	assert.Zero(t, store.updateCount(), "transient failures must not write")
	assert.True(t, engine.Watching(asset.ID))
}

func TestReconcileTransientCeilingEscalatesToError(t *testing.T) {
	asset := newTestAsset(models.StatusProcessing)
	store := newFakeStore(asset)
	gw := newFakeGateway()
	gw.statusErr[asset.RemoteAssetID] = transientGatewayErr()
	engine := newTestEngine(gw, store, Config{MaxTransientFailures: 3})
	engine.Watch(asset.ID)

	for i := 0; i < 2; i++ {
		res, err := engine.Reconcile(context.Background(), asset.ID)
		require.NoError(t, err)
		assert.Equal(t, OutcomeRetryLater, res.Outcome)
	}

	res, err := engine.Reconcile(context.Background(), asset.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.False(t, engine.Watching(asset.ID))

	got, _ := store.GetByID(context.Background(), asset.ID)
	assert.Equal(t, models.StatusError, got.ProcessingStatus)
	require.NotNil(t, got.ErrorReason)
	assert.Equal(t, ReasonRetryCeilingReached, *got.ErrorReason)
}

func TestReconcileSuccessResetsFailureCount(t *testing.T) {
	asset := newTestAsset(models.StatusProcessing)
	store := newFakeStore(asset)
	gw := newFakeGateway()
	engine := newTestEngine(gw, store, Config{MaxTransientFailures: 2})
	engine.Watch(asset.ID)

	gw.statusErr[asset.RemoteAssetID] = transientGatewayErr()
	res, err := engine.Reconcile(context.Background(), asset.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetryLater, res.Outcome)

	delete(gw.statusErr, asset.RemoteAssetID)
	gw.snapshots[asset.RemoteAssetID] = stream.StatusSnapshot{
		RemoteAssetID: asset.RemoteAssetID,
		RawState:      stream.RemoteStateInProgress,
	}
	_, err = engine.Reconcile(context.Background(), asset.ID)
	require.NoError(t, err)

	// One more transient failure must not hit the ceiling of 2, because the
	// success in between reset the count.
	gw.statusErr[asset.RemoteAssetID] = transientGatewayErr()
	res, err = engine.Reconcile(context.Background(), asset.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetryLater, res.Outcome)
	got, _ := store.GetByID(context.Background(), asset.ID)
	assert.Equal(t, models.StatusProcessing, got.ProcessingStatus)
}

func TestReconcileRemoteErrorWritesReason(t *testing.T) {
	asset := newTestAsset(models.StatusProcessing)
	store := newFakeStore(asset)
	gw := newFakeGateway()
	gw.snapshots[asset.RemoteAssetID] = stream.StatusSnapshot{
		RemoteAssetID: asset.RemoteAssetID,
		RawState:      stream.RemoteStateError,
		ErrorReason:   "invalid codec",
	}
	engine := newTestEngine(gw, store, Config{})
	engine.Watch(asset.ID)

	var events []Event
	engine.SetNotify(func(ev Event) { events = append(events, ev) })

	res, err := engine.Reconcile(context.Background(), asset.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, models.StatusError, res.After)
	assert.False(t, engine.Watching(asset.ID))

	got, _ := store.GetByID(context.Background(), asset.ID)
	require.NotNil(t, got.ErrorReason)
	assert.Equal(t, "invalid codec", *got.ErrorReason)
	assert.False(t, got.IsPublished)

	require.Len(t, events, 1)
	assert.Equal(t, "invalid codec", events[0].ErrorReason)
}

func TestReconcileRemoteErrorWithoutReasonUsesDefault(t *testing.T) {
	asset := newTestAsset(models.StatusProcessing)
	store := newFakeStore(asset)
	gw := newFakeGateway()
	gw.snapshots[asset.RemoteAssetID] = stream.StatusSnapshot{
		RemoteAssetID: asset.RemoteAssetID,
		RawState:      stream.RemoteStateError,
	}
	engine := newTestEngine(gw, store, Config{})
	engine.Watch(asset.ID)

	_, err := engine.Reconcile(context.Background(), asset.ID)
	require.NoError(t, err)
	got, _ := store.GetByID(context.Background(), asset.ID)
	require.NotNil(t, got.ErrorReason)
	assert.Equal(t, ReasonTranscodingFailed, *got.ErrorReason)
}

func TestReconcileNotFoundWithinGraceRetries(t *testing.T) {
	asset := newTestAsset(models.StatusUploading)
	store := newFakeStore(asset)
	gw := newFakeGateway()
	gw.statusErr[asset.RemoteAssetID] = notFoundGatewayErr()
	engine := newTestEngine(gw, store, Config{GracePeriod: time.Hour})
	engine.Watch(asset.ID)

	res, err := engine.Reconcile(context.Background(), asset.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetryLater, res.Outcome)
	assert.Zero(t, store.updateCount())
	assert.True(t, engine.Watching(asset.ID))
}

func TestReconcileNotFoundPastGraceFails(t *testing.T) {
	asset := newTestAsset(models.StatusUploading)
	asset.CreatedAt = time.Now().Add(-2 * time.Hour)
	store := newFakeStore(asset)
	gw := newFakeGateway()
	gw.statusErr[asset.RemoteAssetID] = notFoundGatewayErr()
	engine := newTestEngine(gw, store, Config{GracePeriod: time.Hour})
	engine.Watch(asset.ID)

	res, err := engine.Reconcile(context.Background(), asset.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.False(t, engine.Watching(asset.ID))

	got, _ := store.GetByID(context.Background(), asset.ID)
	assert.Equal(t, models.StatusError, got.ProcessingStatus)
	require.NotNil(t, got.ErrorReason)
	assert.Equal(t, ReasonNeverUploaded, *got.ErrorReason)
}

func TestApplySnapshotStaleTransitionIgnored(t *testing.T) {
	asset := newTestAsset(models.StatusReady)
	store := newFakeStore(asset)
	gw := newFakeGateway()
	engine := newTestEngine(gw, store, Config{})

	res, err := engine.ApplySnapshot(context.Background(), asset, stream.StatusSnapshot{
		RemoteAssetID: asset.RemoteAssetID,
		RawState:      stream.RemoteStateInProgress,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, res.Outcome)
	assert.Equal(t, models.StatusReady, res.After)
	assert.Zero(t, store.updateCount(), "stale snapshots must not mutate the record")
}

func TestApplySnapshotProcessingNeverRegressesToUploading(t *testing.T) {
	asset := newTestAsset(models.StatusProcessing)
	store := newFakeStore(asset)
	engine := newTestEngine(newFakeGateway(), store, Config{})

	res, err := engine.ApplySnapshot(context.Background(), asset, stream.StatusSnapshot{
		RemoteAssetID: asset.RemoteAssetID,
		RawState:      stream.RemoteStateDownloading,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, res.Outcome)
	assert.Zero(t, store.updateCount())
}

func TestApplySnapshotLateReadyDoesNotRepublish(t *testing.T) {
	asset := newTestAsset(models.StatusReady)
	asset.IsPublished = false // operator unpublished after the first ready
	store := newFakeStore(asset)
	engine := newTestEngine(newFakeGateway(), store, Config{})

	res, err := engine.ApplySnapshot(context.Background(), asset, stream.StatusSnapshot{
		RemoteAssetID: asset.RemoteAssetID,
		RawState:      stream.RemoteStateReady,
		ReadyToStream: true,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, res.Outcome)

	got, _ := store.GetByID(context.Background(), asset.ID)
	assert.False(t, got.IsPublished, "a duplicate ready must not override the operator")
}

func TestApplySnapshotIdempotent(t *testing.T) {
	asset := newTestAsset(models.StatusProcessing)
	store := newFakeStore(asset)
	gw := newFakeGateway()
	engine := newTestEngine(gw, store, Config{})
	engine.Watch(asset.ID)

	snap := stream.StatusSnapshot{
		RemoteAssetID:   asset.RemoteAssetID,
		RawState:        stream.RemoteStateReady,
		DurationSeconds: floatPtr(90),
		ReadyToStream:   true,
	}
	res, err := engine.ApplySnapshot(context.Background(), asset, snap)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReady, res.Outcome)
	writes := store.updateCount()

	current, _ := store.GetByID(context.Background(), asset.ID)
	res, err = engine.ApplySnapshot(context.Background(), current, snap)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, res.Outcome)
	assert.Equal(t, writes, store.updateCount(), "re-applying the same snapshot must not write")
}

func TestReconcileTerminalRecordIsUnwatchedWithoutGatewayCall(t *testing.T) {
	asset := newTestAsset(models.StatusError)
	store := newFakeStore(asset)
	gw := newFakeGateway()
	engine := newTestEngine(gw, store, Config{})
	engine.Watch(asset.ID)

	res, err := engine.Reconcile(context.Background(), asset.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, res.Outcome)
	assert.False(t, engine.Watching(asset.ID))
	assert.Zero(t, gw.calls, "terminal records must not hit the gateway")
}

func TestReconcileMissingRemoteAssetID(t *testing.T) {
	asset := newTestAsset(models.StatusUploading)
	asset.RemoteAssetID = ""
	store := newFakeStore(asset)
	engine := newTestEngine(newFakeGateway(), store, Config{})
	engine.Watch(asset.ID)

	_, err := engine.Reconcile(context.Background(), asset.ID)
	assert.ErrorIs(t, err, ErrNoRemoteAsset)
	assert.False(t, engine.Watching(asset.ID))
}

func TestReconcileUnknownVideoUnwatches(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(newFakeGateway(), store, Config{})
	id := uuid.New()
	engine.Watch(id)

	_, err := engine.Reconcile(context.Background(), id)
	assert.Error(t, err)
	assert.False(t, engine.Watching(id))
}

func TestStartSeedsWatchSetFromStore(t *testing.T) {
	uploading := newTestAsset(models.StatusUploading)
	processing := newTestAsset(models.StatusProcessing)
	ready := newTestAsset(models.StatusReady)
	slotOnly := newTestAsset(models.StatusUploading)
	slotOnly.RemoteAssetID = ""
	store := newFakeStore(uploading, processing, ready, slotOnly)
	engine := newTestEngine(newFakeGateway(), store, Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	engine.Start(ctx)

	assert.True(t, engine.Watching(uploading.ID))
	assert.True(t, engine.Watching(processing.ID))
	assert.False(t, engine.Watching(ready.ID), "terminal videos are not seeded")
	assert.False(t, engine.Watching(slotOnly.ID), "videos without a remote id have nothing to poll")
}
