// Package worker runs background jobs: archiving ready videos' MP4 masters
// from the stream host into our own S3 bucket.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/reelhouse/backend/internal/models"
	"github.com/reelhouse/backend/internal/stream"
	"github.com/reelhouse/backend/internal/videos"
	"github.com/reelhouse/backend/pkg/queue"
	"github.com/reelhouse/backend/pkg/storage"
)

// downloadTokenTTL covers one archive attempt against the delivery host.
const downloadTokenTTL = time.Hour

// DownloadURLBuilder builds a tokenized MP4 download URL for an asset.
type DownloadURLBuilder interface {
	PlaybackURL(remoteAssetID string, format stream.PlaybackFormat, ttl time.Duration) (string, error)
}

// Archiver processes archive jobs: download the MP4 master from the stream
// host, stream it to S3.
type Archiver struct {
	repo    *videos.Repository
	gateway DownloadURLBuilder
	s3      *storage.S3
	queue   *queue.Queue
	logger  *zap.Logger
}

// NewArchiver creates an archive job processor.
func NewArchiver(repo *videos.Repository, gateway DownloadURLBuilder, s3 *storage.S3, q *queue.Queue, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{repo: repo, gateway: gateway, s3: s3, queue: q, logger: logger}
}

// Process executes one archive job.
func (a *Archiver) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeVideoArchive {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.VideoArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	video, err := a.repo.GetByID(ctx, payload.VideoID)
	if err != nil {
		return fmt.Errorf("load video: %w", err)
	}
	if video == nil {
		a.logger.Info("video deleted before archive, skipping", zap.String("video_id", payload.VideoID.String()))
		return nil
	}
	if video.ProcessingStatus != models.StatusReady {
		// The record regressed via an operator retry; the next ready
		// transition re-enqueues.
		a.logger.Info("video no longer ready, skipping archive", zap.String("video_id", video.ID.String()))
		return nil
	}

	key := storage.ArchiveKey(video.ID.String())
	if _, err := a.s3.HeadObject(ctx, a.s3.ArchiveBucket(), key); err == nil {
		a.logger.Info("archive already present", zap.String("video_id", video.ID.String()), zap.String("s3_key", key))
		return nil
	}

	url, err := a.gateway.PlaybackURL(payload.RemoteAssetID, stream.FormatDownload, downloadTokenTTL)
	if err != nil {
		return fmt.Errorf("build download url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download status: %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	if _, err := a.s3.Upload(ctx, a.s3.ArchiveBucket(), key, contentType, resp.Body, resp.ContentLength); err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}

	a.logger.Info("video archived",
		zap.String("video_id", video.ID.String()),
		zap.String("s3_key", key),
		zap.Int64("bytes", resp.ContentLength))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error. Returns when
// ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("archive worker stopping")
			return
		default:
		}

		job, err := a.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		a.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := a.Process(ctx, job); err != nil {
			a.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := a.queue.Retry(ctx, job); reErr != nil {
				a.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
		}
	}
}
