package use_case

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/trunov/mp3hub/internal/blob"
	"github.com/trunov/mp3hub/internal/entities"
)

var (
	ErrUnauthorized = errors.New("not authorized")
	ErrBadFileCount = errors.New("exactly one file is required")
	ErrMissingParam = errors.New("missing parameter")
	ErrEmptyFile    = errors.New("uploaded file is empty")
)

type Enqueuer interface {
	EnqueueConvert(ctx context.Context, videoFID string) error
}

// Upload is one file part of an upload request.
type Upload struct {
	Name string
	Body io.Reader
}

type Download struct {
	Data        []byte
	ContentType string
	Filename    string
}

type useCase struct {
	videos blob.Store
	mp3s   blob.Store
	queue  Enqueuer
	logger *zap.Logger
}

func New(videos, mp3s blob.Store, queue Enqueuer, logger *zap.Logger) *useCase {
	return &useCase{
		videos: videos,
		mp3s:   mp3s,
		queue:  queue,
		logger: logger,
	}
}

// Upload stores the video and enqueues its conversion. It succeeds only once
// the job is on the queue.
func (c *useCase) Upload(ctx context.Context, claims entities.Claims, files []Upload) (string, error) {
	if !claims.Admin {
		return "", ErrUnauthorized
	}
	if len(files) != 1 {
		return "", fmt.Errorf("%w: got %d", ErrBadFileCount, len(files))
	}

	data, err := io.ReadAll(files[0].Body)
	if err != nil {
		return "", fmt.Errorf("read upload %q: %w", files[0].Name, err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: %q", ErrEmptyFile, files[0].Name)
	}

	videoFID, err := c.videos.Put(ctx, data, mimetype.Detect(data).String())
	if err != nil {
		return "", fmt.Errorf("store video: %w", err)
	}

	log := c.logger.With(zap.String("video_fid", videoFID), zap.String("username", claims.Username))
	if err := c.queue.EnqueueConvert(ctx, videoFID); err != nil {
		// nothing references the blob now, drop it
		if derr := c.videos.Delete(context.WithoutCancel(ctx), videoFID); derr != nil {
			log.Warn("orphaned video blob after failed enqueue", zap.Error(derr))
		}
		return "", fmt.Errorf("enqueue %s: %w", videoFID, err)
	}

	log.Info("video queued for conversion", zap.String("filename", files[0].Name), zap.Int("bytes", len(data)))
	return videoFID, nil
}

func (c *useCase) Download(ctx context.Context, claims entities.Claims, fid string) (Download, error) {
	if !claims.Admin {
		return Download{}, ErrUnauthorized
	}
	if fid == "" {
		return Download{}, fmt.Errorf("%w: fid", ErrMissingParam)
	}

	data, err := c.mp3s.Get(ctx, fid)
	if err != nil {
		return Download{}, fmt.Errorf("fetch mp3: %w", err)
	}

	return Download{
		Data:        data,
		ContentType: mimetype.Detect(data).String(),
		Filename:    fid + ".mp3",
	}, nil
}
