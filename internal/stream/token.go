package stream

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PlaybackFormat selects the delivery URL shape.
type PlaybackFormat string

const (
	// FormatStreaming is the HLS manifest.
	FormatStreaming PlaybackFormat = "streaming"
	// FormatDownload is the progressive MP4.
	FormatDownload PlaybackFormat = "download"
)

// PlaybackURL builds a tokenized delivery URL for the asset. The token TTL is
// a cost-control courtesy tied to subscription tier, not a security boundary
// on its own.
func (c *Client) PlaybackURL(remoteAssetID string, format PlaybackFormat, ttl time.Duration) (string, error) {
	if c.deliveryHost == "" {
		return "", errors.New("stream: delivery host not configured")
	}
	token, err := c.signPlaybackToken(remoteAssetID, ttl)
	if err != nil {
		return "", err
	}
	switch format {
	case FormatDownload:
		return fmt.Sprintf("https://%s/%s/downloads/default.mp4?token=%s", c.deliveryHost, remoteAssetID, token), nil
	case FormatStreaming, "":
		return fmt.Sprintf("https://%s/%s/manifest/video.m3u8?token=%s", c.deliveryHost, remoteAssetID, token), nil
	default:
		return "", fmt.Errorf("stream: unknown playback format %q", format)
	}
}

func (c *Client) signPlaybackToken(remoteAssetID string, ttl time.Duration) (string, error) {
	if len(c.signingKey) == 0 {
		return "", errors.New("stream: signing key not configured")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   remoteAssetID,
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	if c.signingKeyID != "" {
		token.Header["kid"] = c.signingKeyID
	}
	signed, err := token.SignedString(c.signingKey)
	if err != nil {
		return "", fmt.Errorf("stream: sign playback token: %w", err)
	}
	return signed, nil
}
