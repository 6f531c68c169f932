package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL     = "https://api.streamhost.example/client/v4"
	defaultHTTPTimeout = 15 * time.Second
)

// Config describes the stream host API client configuration.
type Config struct {
	APIToken     string
	AccountID    string
	BaseURL      string // API base, without trailing slash
	DeliveryHost string // playback/thumbnail host, e.g. watch.reelhouse.example
	SigningKey   string // shared key for playback URL tokens
	SigningKeyID string
	HTTPClient   *http.Client
}

// Client wraps the stream host's HTTP API: upload slots, asset status and
// metadata, playback URLs, delete and reprocess.
type Client struct {
	apiToken     string
	accountID    string
	baseURL      string
	deliveryHost string
	signingKey   []byte
	signingKeyID string
	http         *http.Client
}

// NewClient creates a Client from the supplied configuration.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIToken) == "" {
		return nil, errors.New("stream: api token is required")
	}
	if strings.TrimSpace(cfg.AccountID) == "" {
		return nil, errors.New("stream: account id is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Client{
		apiToken:     cfg.APIToken,
		accountID:    cfg.AccountID,
		baseURL:      base,
		deliveryHost: strings.TrimSpace(cfg.DeliveryHost),
		signingKey:   []byte(cfg.SigningKey),
		signingKeyID: cfg.SigningKeyID,
		http:         httpClient,
	}, nil
}

// UploadConstraints bound a requested upload slot. Only Name is forwarded out
// of the free-form metadata; the host drops arbitrary keys.
type UploadConstraints struct {
	MaxDurationSeconds    int
	RequireSignedURLs     bool
	ThumbnailTimestampPct float64
	AllowedOrigins        []string
	Name                  string
}

// UploadSlot is a one-time direct-upload target issued by the host.
type UploadSlot struct {
	RemoteAssetID string
	UploadURL     string
}

// StatusSnapshot is the host's view of an asset at one point in time. It is
// ephemeral: produced per reconciliation attempt, never persisted.
type StatusSnapshot struct {
	RemoteAssetID   string
	RawState        string
	PctComplete     float64
	ErrorReason     string
	DurationSeconds *float64 // only meaningful once the host reports ready
	ReadyToStream   bool
}

// AssetDetails is asset metadata fetched once the host reports ready.
type AssetDetails struct {
	RemoteAssetID   string
	DurationSeconds *float64
	ReadyToStream   bool
}

// envelope is the host's standard response wrapper.
type envelope struct {
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
	Result json.RawMessage `json:"result"`
}

type assetResult struct {
	UID    string `json:"uid"`
	Status struct {
		State           string      `json:"state"`
		PctComplete     json.Number `json:"pctComplete"`
		ErrorReasonCode string      `json:"errorReasonCode"`
		ErrorReasonText string      `json:"errorReasonText"`
	} `json:"status"`
	Duration      *float64 `json:"duration"`
	ReadyToStream bool     `json:"readyToStream"`
}

// RequestUploadSlot asks the host for a direct-upload URL and the asset id it
// will be known by.
func (c *Client) RequestUploadSlot(ctx context.Context, constraints UploadConstraints) (UploadSlot, error) {
	body := map[string]any{
		"maxDurationSeconds": constraints.MaxDurationSeconds,
	}
	if constraints.RequireSignedURLs {
		body["requireSignedURLs"] = true
	}
	if constraints.ThumbnailTimestampPct > 0 {
		body["thumbnailTimestampPct"] = constraints.ThumbnailTimestampPct
	}
	if len(constraints.AllowedOrigins) > 0 {
		body["allowedOrigins"] = constraints.AllowedOrigins
	}
	if constraints.Name != "" {
		body["meta"] = map[string]string{"name": constraints.Name}
	}

	var result struct {
		UID       string `json:"uid"`
		UploadURL string `json:"uploadURL"`
	}
	if err := c.do(ctx, http.MethodPost, c.streamPath("direct_upload"), body, &result); err != nil {
		return UploadSlot{}, err
	}
	if result.UID == "" || result.UploadURL == "" {
		return UploadSlot{}, &GatewayError{Kind: KindValidation, Message: "upload slot response missing uid or uploadURL"}
	}
	return UploadSlot{RemoteAssetID: result.UID, UploadURL: result.UploadURL}, nil
}

// FetchAssetStatus returns the host's current view of the asset. A not-found
// error means the host has no record of it, which for a recently created slot
// usually means the upload never completed.
func (c *Client) FetchAssetStatus(ctx context.Context, remoteAssetID string) (StatusSnapshot, error) {
	var result assetResult
	if err := c.do(ctx, http.MethodGet, c.streamPath(remoteAssetID), nil, &result); err != nil {
		return StatusSnapshot{}, err
	}
	pct, _ := result.Status.PctComplete.Float64()
	return StatusSnapshot{
		RemoteAssetID:   remoteAssetID,
		RawState:        result.Status.State,
		PctComplete:     pct,
		ErrorReason:     result.Status.ErrorReasonText,
		DurationSeconds: result.Duration,
		ReadyToStream:   result.ReadyToStream,
	}, nil
}

// FetchAssetDetails returns asset metadata (duration, ready flag).
func (c *Client) FetchAssetDetails(ctx context.Context, remoteAssetID string) (AssetDetails, error) {
	var result assetResult
	if err := c.do(ctx, http.MethodGet, c.streamPath(remoteAssetID), nil, &result); err != nil {
		return AssetDetails{}, err
	}
	return AssetDetails{
		RemoteAssetID:   remoteAssetID,
		DurationSeconds: result.Duration,
		ReadyToStream:   result.ReadyToStream,
	}, nil
}

// DeleteAsset removes the asset from the host.
func (c *Client) DeleteAsset(ctx context.Context, remoteAssetID string) error {
	return c.do(ctx, http.MethodDelete, c.streamPath(remoteAssetID), nil, nil)
}

// RetryAsset nudges the host to reprocess a failed asset. Best-effort: the
// host may not support a true reprocess trigger, so the caller must re-poll
// to observe any effect.
func (c *Client) RetryAsset(ctx context.Context, remoteAssetID string) error {
	return c.do(ctx, http.MethodPost, c.streamPath(remoteAssetID, "reprocess"), nil, nil)
}

// ThumbnailURL derives the asset's thumbnail URL from the delivery host
// template. No fetch is involved.
func (c *Client) ThumbnailURL(remoteAssetID string) string {
	return fmt.Sprintf("https://%s/%s/thumbnails/thumbnail.jpg", c.deliveryHost, remoteAssetID)
}

func (c *Client) streamPath(parts ...string) string {
	return c.baseURL + "/accounts/" + c.accountID + "/stream/" + strings.Join(parts, "/")
}

// do performs one API call and decodes the result envelope. Failures are
// classified so callers can decide between retrying, giving up, and fixing
// the request.
func (c *Client) do(ctx context.Context, method, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("stream: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("stream: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transientErr(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transientErr(err)
	}

	if resp.StatusCode >= 400 {
		return c.classify(resp.StatusCode, raw)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return transientErr(fmt.Errorf("decode response: %w", err))
	}
	if !env.Success {
		ge := &GatewayError{Kind: KindValidation, StatusCode: resp.StatusCode}
		if len(env.Errors) > 0 {
			ge.Code = env.Errors[0].Code
			ge.Message = env.Errors[0].Message
		}
		return ge
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return transientErr(fmt.Errorf("decode result: %w", err))
		}
	}
	return nil
}

func (c *Client) classify(status int, raw []byte) error {
	var env envelope
	_ = json.Unmarshal(raw, &env)
	ge := &GatewayError{StatusCode: status}
	if len(env.Errors) > 0 {
		ge.Code = env.Errors[0].Code
		ge.Message = env.Errors[0].Message
	}
	switch {
	case status == http.StatusNotFound:
		ge.Kind = KindNotFound
	case status == http.StatusTooManyRequests || status >= 500:
		ge.Kind = KindTransient
	default:
		ge.Kind = KindValidation
	}
	return ge
}
