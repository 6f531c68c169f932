package videos

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/reelhouse/backend/internal/access"
	"github.com/reelhouse/backend/internal/middleware"
	"github.com/reelhouse/backend/internal/models"
	"github.com/reelhouse/backend/internal/reconcile"
	"github.com/reelhouse/backend/internal/stream"
	"github.com/reelhouse/backend/pkg/response"
)

// Gateway is the slice of the stream host client the handlers need.
type Gateway interface {
	RequestUploadSlot(ctx context.Context, constraints stream.UploadConstraints) (stream.UploadSlot, error)
	RetryAsset(ctx context.Context, remoteAssetID string) error
	DeleteAsset(ctx context.Context, remoteAssetID string) error
	PlaybackURL(remoteAssetID string, format stream.PlaybackFormat, ttl time.Duration) (string, error)
}

// HandlerConfig tunes the video endpoints.
type HandlerConfig struct {
	// MaxDurationSeconds bound requested upload slots.
	MaxDurationSeconds int
	// ThumbnailTimestampPct is forwarded to the host at slot creation.
	ThumbnailTimestampPct float64
	// AllowedOrigins restricts where the direct upload may come from.
	AllowedOrigins []string
	// SyncCooldown is the minimum gap between admin-triggered syncs per video.
	SyncCooldown time.Duration
}

// Handler handles video asset HTTP endpoints.
type Handler struct {
	repo    *Repository
	gateway Gateway
	engine  *reconcile.Engine
	rdb     *goredis.Client // optional: sync cooldown; nil disables
	cfg     HandlerConfig
	logger  *zap.Logger
}

// NewHandler creates a videos handler.
func NewHandler(repo *Repository, gateway Gateway, engine *reconcile.Engine, rdb *goredis.Client, cfg HandlerConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxDurationSeconds <= 0 {
		cfg.MaxDurationSeconds = 3600
	}
	if cfg.SyncCooldown <= 0 {
		cfg.SyncCooldown = 5 * time.Second
	}
	return &Handler{repo: repo, gateway: gateway, engine: engine, rdb: rdb, cfg: cfg, logger: logger}
}

type createVideoRequest struct {
	Title   string `json:"title" binding:"required"`
	MinTier int    `json:"min_tier"`
}

// Create handles POST /videos: insert the local row, request an upload slot
// from the host, persist the assigned remote asset id, and start watching.
// The admin browser pushes the bytes directly to the returned upload URL.
func (h *Handler) Create(c *gin.Context) {
	var req createVideoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	video := &models.VideoAsset{
		Title:            req.Title,
		ProcessingStatus: models.StatusUploading,
		MinTier:          req.MinTier,
	}
	if err := h.repo.Create(c.Request.Context(), video); err != nil {
		h.logger.Error("create video failed", zap.Error(err))
		response.Internal(c, "failed to create video")
		return
	}

	slot, err := h.gateway.RequestUploadSlot(c.Request.Context(), stream.UploadConstraints{
		MaxDurationSeconds:    h.cfg.MaxDurationSeconds,
		RequireSignedURLs:     true,
		ThumbnailTimestampPct: h.cfg.ThumbnailTimestampPct,
		AllowedOrigins:        h.cfg.AllowedOrigins,
		Name:                  req.Title,
	})
	if err != nil {
		h.logger.Error("request upload slot failed", zap.Error(err), zap.String("video_id", video.ID.String()))
		// The row stays in uploading with no remote id; it is never watched
		// and the admin can delete or recreate it.
		response.Internal(c, "failed to request upload slot")
		return
	}

	if err := h.repo.UpdateFields(c.Request.Context(), video.ID, models.VideoUpdate{RemoteAssetID: &slot.RemoteAssetID}); err != nil {
		h.logger.Error("persist remote asset id failed", zap.Error(err), zap.String("video_id", video.ID.String()))
		response.Internal(c, "failed to persist upload slot")
		return
	}
	video.RemoteAssetID = slot.RemoteAssetID
	h.engine.Watch(video.ID)

	h.logger.Info("upload slot issued",
		zap.String("video_id", video.ID.String()),
		zap.String("remote_asset_id", slot.RemoteAssetID))
	response.Created(c, gin.H{"video": video, "upload_url": slot.UploadURL})
}

// List handles GET /videos.
func (h *Handler) List(c *gin.Context) {
	list, err := h.repo.List(c.Request.Context())
	if err != nil {
		h.logger.Error("list videos failed", zap.Error(err))
		response.Internal(c, "failed to list videos")
		return
	}
	response.OK(c, list)
}

// GetByID handles GET /videos/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid video id")
		return
	}
	video, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("get video failed", zap.Error(err), zap.String("video_id", id.String()))
		response.Internal(c, "failed to load video")
		return
	}
	if video == nil {
		response.NotFound(c, "video not found")
		return
	}
	response.OK(c, video)
}

// Sync handles POST /videos/:id/sync, the admin-browser poll trigger for a
// record observed stuck in a transitional state. One reconcile attempt;
// redundant alongside the engine's own loop by design.
func (h *Handler) Sync(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid video id")
		return
	}

	if !h.acquireSyncSlot(c.Request.Context(), id) {
		response.TooManyRequests(c, "sync already requested recently")
		return
	}

	result, err := h.engine.Reconcile(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("sync reconcile failed", zap.Error(err), zap.String("video_id", id.String()))
		response.Internal(c, "sync failed")
		return
	}
	if result.After.IsTransitional() {
		// Keep the server-side loop covering this record too.
		h.engine.Watch(id)
	}
	response.OK(c, result)
}

// Retry handles POST /videos/:id/retry, the explicit error → uploading edge.
func (h *Handler) Retry(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid video id")
		return
	}
	video, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load video")
		return
	}
	if video == nil {
		response.NotFound(c, "video not found")
		return
	}
	if video.ProcessingStatus != models.StatusError {
		response.Conflict(c, "only failed videos can be retried")
		return
	}
	if video.RemoteAssetID == "" {
		response.Conflict(c, "video has no remote asset to retry")
		return
	}

	// Best-effort nudge; the host may ignore it, reconciliation observes the
	// outcome either way.
	if err := h.gateway.RetryAsset(c.Request.Context(), video.RemoteAssetID); err != nil {
		h.logger.Warn("reprocess nudge failed", zap.Error(err), zap.String("video_id", id.String()))
	}

	status := models.StatusUploading
	clearReason := ""
	if err := h.repo.UpdateFields(c.Request.Context(), id, models.VideoUpdate{
		ProcessingStatus: &status,
		ErrorReason:      &clearReason,
	}); err != nil {
		h.logger.Error("retry status reset failed", zap.Error(err), zap.String("video_id", id.String()))
		response.Internal(c, "failed to reset video status")
		return
	}
	h.engine.Watch(id)

	h.logger.Info("video retry requested", zap.String("video_id", id.String()))
	video.ProcessingStatus = status
	video.ErrorReason = nil
	response.OK(c, video)
}

// PlaybackURL handles GET /videos/:id/playback-url?format=streaming|download.
// The caller's subscription tier (from auth claims) gates access and sets the
// token TTL.
func (h *Handler) PlaybackURL(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid video id")
		return
	}
	video, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load video")
		return
	}
	if video == nil {
		response.NotFound(c, "video not found")
		return
	}
	if video.ProcessingStatus != models.StatusReady {
		response.Conflict(c, "video is not ready for playback")
		return
	}

	tier := access.ParseTier(c.GetString(middleware.ContextUserTier))
	if !access.CanAccess(tier, video.MinTier) {
		response.Forbidden(c, "subscription tier does not include this video")
		return
	}

	format := stream.PlaybackFormat(c.DefaultQuery("format", string(stream.FormatStreaming)))
	url, err := h.gateway.PlaybackURL(video.RemoteAssetID, format, access.PlaybackTTL(tier))
	if err != nil {
		h.logger.Error("playback url failed", zap.Error(err), zap.String("video_id", id.String()))
		response.BadRequest(c, "failed to build playback URL")
		return
	}
	response.OK(c, gin.H{"url": url, "expires_in_seconds": int(access.PlaybackTTL(tier).Seconds())})
}

// Delete handles DELETE /videos/:id: remove the remote asset, then the row.
func (h *Handler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid video id")
		return
	}
	video, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load video")
		return
	}
	if video == nil {
		response.NotFound(c, "video not found")
		return
	}

	if video.RemoteAssetID != "" {
		if err := h.gateway.DeleteAsset(c.Request.Context(), video.RemoteAssetID); err != nil && !stream.IsNotFound(err) {
			h.logger.Error("delete remote asset failed", zap.Error(err), zap.String("video_id", id.String()))
			response.Internal(c, "failed to delete remote asset")
			return
		}
	}
	if err := h.repo.Delete(c.Request.Context(), id); err != nil {
		h.logger.Error("delete video failed", zap.Error(err), zap.String("video_id", id.String()))
		response.Internal(c, "failed to delete video")
		return
	}
	h.engine.Unwatch(id)
	response.NoContent(c)
}

// acquireSyncSlot rate-limits admin sync per video via a short-lived Redis
// key. Redis unavailable or unconfigured fails open.
func (h *Handler) acquireSyncSlot(ctx context.Context, id uuid.UUID) bool {
	if h.rdb == nil {
		return true
	}
	ok, err := h.rdb.SetNX(ctx, "videos:sync-cooldown:"+id.String(), 1, h.cfg.SyncCooldown).Result()
	if err != nil {
		h.logger.Warn("sync cooldown check failed", zap.Error(err))
		return true
	}
	return ok
}
