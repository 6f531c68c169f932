package videos

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/reelhouse/backend/internal/models"
	"github.com/reelhouse/backend/internal/reconcile"
	"github.com/reelhouse/backend/internal/stream"
	"github.com/reelhouse/backend/pkg/response"
)

// AssetLookup resolves a webhook's remote asset id to the local record.
type AssetLookup interface {
	GetByRemoteAssetID(ctx context.Context, remoteAssetID string) (*models.VideoAsset, error)
}

// signatureHeader carries "time=<unix>,sig1=<hex hmac-sha256>" computed over
// "<unix>.<raw body>" with the shared webhook secret.
const (
	signatureHeader  = "Webhook-Signature"
	signatureMaxSkew = 5 * time.Minute
)

// StatusWebhookPayload is the push notification body from the stream host.
type StatusWebhookPayload struct {
	UID           string `json:"uid"`
	ReadyToStream bool   `json:"readyToStream"`
	Status        struct {
		State           string      `json:"state"`
		PctComplete     json.Number `json:"pctComplete"`
		ErrorReasonCode string      `json:"errorReasonCode"`
		ErrorReasonText string      `json:"errorReasonText"`
	} `json:"status"`
	Meta     map[string]any `json:"meta"`
	Duration *float64       `json:"duration"`
}

// WebhookHandler ingests asynchronous status notifications from the stream
// host and feeds them through the same transition path as polling.
type WebhookHandler struct {
	repo   AssetLookup
	engine *reconcile.Engine
	secret []byte
	logger *zap.Logger
}

// NewWebhookHandler creates a webhook handler. An empty secret disables
// signature verification (local development only).
func NewWebhookHandler(repo AssetLookup, engine *reconcile.Engine, secret string, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookHandler{repo: repo, engine: engine, secret: []byte(secret), logger: logger}
}

// StreamStatus handles POST /webhooks/stream. The host does not retry on our
// 4xx/5xx, so every logical no-op (unknown asset, stale state) still gets a
// 200; only a bad signature or a malformed body shape is rejected.
func (h *WebhookHandler) StreamStatus(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		response.BadRequest(c, "read body: "+err.Error())
		return
	}

	if len(h.secret) > 0 {
		if !h.verifySignature(c.GetHeader(signatureHeader), raw) {
			h.logger.Warn("webhook signature rejected")
			response.Unauthorized(c, "invalid webhook signature")
			return
		}
	} else {
		h.logger.Warn("webhook signature verification disabled (no secret configured)")
	}

	var body StatusWebhookPayload
	if err := json.Unmarshal(raw, &body); err != nil {
		response.BadRequest(c, "invalid payload: "+err.Error())
		return
	}
	if body.UID == "" {
		response.BadRequest(c, "uid required")
		return
	}

	asset, err := h.repo.GetByRemoteAssetID(c.Request.Context(), body.UID)
	if err != nil {
		h.logger.Error("webhook asset lookup failed", zap.Error(err), zap.String("uid", body.UID))
		// Acknowledge anyway; the next poll covers this notification.
		c.JSON(http.StatusOK, gin.H{"success": true, "handled": false})
		return
	}
	if asset == nil {
		// The asset may have been created moments ago and the row not yet
		// carry its remote id; dropping the notification is fine because
		// polling is a redundant path.
		h.logger.Info("webhook for unknown asset acknowledged", zap.String("uid", body.UID))
		c.JSON(http.StatusOK, gin.H{"success": true, "handled": false})
		return
	}

	pct, _ := body.Status.PctComplete.Float64()
	snap := stream.StatusSnapshot{
		RemoteAssetID:   body.UID,
		RawState:        body.Status.State,
		PctComplete:     pct,
		ErrorReason:     body.Status.ErrorReasonText,
		DurationSeconds: body.Duration,
		ReadyToStream:   body.ReadyToStream,
	}
	result, err := h.engine.ApplySnapshot(c.Request.Context(), asset, snap)
	if err != nil {
		h.logger.Error("webhook apply failed", zap.Error(err), zap.String("video_id", asset.ID.String()))
		c.JSON(http.StatusOK, gin.H{"success": true, "handled": false})
		return
	}

	h.logger.Info("stream webhook processed",
		zap.String("video_id", asset.ID.String()),
		zap.String("uid", body.UID),
		zap.String("outcome", string(result.Outcome)),
		zap.String("status", string(result.After)))
	c.JSON(http.StatusOK, gin.H{"success": true, "handled": true, "outcome": result.Outcome})
}

// verifySignature checks the HMAC header against the raw body. Constant-time
// compare; timestamps outside the skew window are rejected to blunt replays.
func (h *WebhookHandler) verifySignature(header string, body []byte) bool {
	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "time":
			ts = v
		case "sig1":
			sig = v
		}
	}
	if ts == "" || sig == "" {
		return false
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	if skew := time.Since(time.Unix(unix, 0)); skew > signatureMaxSkew || skew < -signatureMaxSkew {
		return false
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	expected, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(mac.Sum(nil), expected)
}
