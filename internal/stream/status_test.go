package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/reelhouse/backend/internal/models"
)

func TestMapRemoteState(t *testing.T) {
	tests := []struct {
		raw  string
		want models.ProcessingStatus
	}{
		{RemoteStatePendingUpload, models.StatusUploading},
		{RemoteStateDownloading, models.StatusUploading},
		{RemoteStateQueued, models.StatusProcessing},
		{RemoteStateInProgress, models.StatusProcessing},
		{RemoteStateReady, models.StatusReady},
		{RemoteStateError, models.StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, MapRemoteState(tt.raw))
		})
	}
}

func TestMapRemoteStateUnrecognizedFailsOpen(t *testing.T) {
	// New vendor states must never be interpreted as terminal.
	for _, raw := range []string{"live-input-connected", "READY", "", "unknown"} {
		assert.Equal(t, models.StatusProcessing, MapRemoteState(raw), "raw state %q", raw)
	}
}

func TestMapRemoteStateAlwaysValid(t *testing.T) {
	for _, raw := range []string{RemoteStatePendingUpload, RemoteStateDownloading, RemoteStateQueued, RemoteStateInProgress, RemoteStateReady, RemoteStateError, "whatever"} {
		assert.True(t, MapRemoteState(raw).IsValid())
	}
}
