package models

import (
	"time"

	"github.com/google/uuid"
)

// ProcessingStatus is the lifecycle of a video on the external stream host.
type ProcessingStatus string

const (
	// StatusUploading: upload slot issued, bytes not yet fully received by the host.
	StatusUploading ProcessingStatus = "uploading"
	// StatusProcessing: host has the bytes and is transcoding.
	StatusProcessing ProcessingStatus = "processing"
	// StatusReady: transcoding finished, playable.
	StatusReady ProcessingStatus = "ready"
	// StatusError: upload or transcoding failed; leaves this state only via an explicit retry.
	StatusError ProcessingStatus = "error"
)

// IsValid reports whether s is a known processing status.
func (s ProcessingStatus) IsValid() bool {
	switch s {
	case StatusUploading, StatusProcessing, StatusReady, StatusError:
		return true
	}
	return false
}

// IsTransitional reports whether s is a non-terminal state the reconciler watches.
func (s ProcessingStatus) IsTransitional() bool {
	return s == StatusUploading || s == StatusProcessing
}

// IsTerminal reports whether s is a sink state for steady-state reconciliation.
func (s ProcessingStatus) IsTerminal() bool {
	return s == StatusReady || s == StatusError
}

// VideoAsset is a video row. ProcessingStatus, DurationSeconds, ThumbnailURL
// and ErrorReason are owned by the reconciliation engine; IsPublished belongs
// to the content-editing workflow except for the auto-publish-on-ready edge.
type VideoAsset struct {
	ID               uuid.UUID        `json:"id"`
	Title            string           `json:"title"`
	RemoteAssetID    string           `json:"remote_asset_id,omitempty"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	DurationSeconds  *float64         `json:"duration_seconds,omitempty"`
	ThumbnailURL     *string          `json:"thumbnail_url,omitempty"`
	ErrorReason      *string          `json:"error_reason,omitempty"`
	IsPublished      bool             `json:"is_published"`
	MinTier          int              `json:"min_tier"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// VideoUpdate is a partial update of a video row: only non-nil fields are
// written, and updated_at is bumped on every call.
type VideoUpdate struct {
	RemoteAssetID    *string
	ProcessingStatus *ProcessingStatus
	DurationSeconds  *float64
	ThumbnailURL     *string
	ErrorReason      *string
	IsPublished      *bool
}

