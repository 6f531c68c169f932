package stream

import "github.com/reelhouse/backend/internal/models"

// Remote state vocabulary reported by the stream host. The host adds new
// states without notice, so MapRemoteState fails open for anything unlisted.
const (
	RemoteStatePendingUpload = "pending-upload"
	RemoteStateDownloading   = "downloading"
	RemoteStateQueued        = "queued"
	RemoteStateInProgress    = "in-progress"
	RemoteStateReady         = "ready"
	RemoteStateError         = "error"
)

// MapRemoteState translates the host's raw state into the local lifecycle.
// Unrecognized states map to processing: an unknown state must never be
// treated as terminal.
func MapRemoteState(raw string) models.ProcessingStatus {
	switch raw {
	case RemoteStatePendingUpload, RemoteStateDownloading:
		return models.StatusUploading
	case RemoteStateQueued, RemoteStateInProgress:
		return models.StatusProcessing
	case RemoteStateReady:
		return models.StatusReady
	case RemoteStateError:
		return models.StatusError
	default:
		return models.StatusProcessing
	}
}
