package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trunov/mp3hub/internal/blob"
	"github.com/trunov/mp3hub/internal/broker"
	"github.com/trunov/mp3hub/internal/metrics"
)

// Outcome is the terminal decision for one delivery.
type Outcome int

const (
	Ack Outcome = iota
	Requeue
	Reject
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Converter turns video bytes into mp3 bytes.
type Converter interface {
	Extract(ctx context.Context, video []byte) ([]byte, error)
}

// CompletionCache remembers which mp3 blob a video was converted to.
type CompletionCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Store(ctx context.Context, key, value string, ttl time.Duration) error
}

type WorkerConfig struct {
	Workers        int
	Prefetch       int
	Consumer       string
	ExtractTimeout time.Duration
	DedupTTL       time.Duration
	// ReconnectDelay is the first wait before reopening a lost consumer;
	// it doubles up to a minute.
	ReconnectDelay time.Duration
}

type Worker struct {
	broker   broker.Broker
	producer *Producer
	videos   blob.Store
	mp3s     blob.Store
	conv     Converter
	dedup    CompletionCache
	cfg      WorkerConfig
	logger   *zap.Logger
}

type WorkerOption func(*Worker)

// WithCompletionCache skips conversion of videos that already completed.
func WithCompletionCache(c CompletionCache) WorkerOption {
	return func(w *Worker) { w.dedup = c }
}

func NewWorker(b broker.Broker, producer *Producer, videos, mp3s blob.Store, conv Converter,
	cfg WorkerConfig, logger *zap.Logger, opts ...WorkerOption) *Worker {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 1
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "converter"
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	w := &Worker{
		broker:   b,
		producer: producer,
		videos:   videos,
		mp3s:     mp3s,
		conv:     conv,
		cfg:      cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start declares both queues and runs cfg.Workers independent consume loops
// until ctx is done.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.broker.Declare(ctx, w.producer.VideoQueue(), w.producer.MP3Queue()); err != nil {
		return fmt.Errorf("declare queues: %w", err)
	}

	w.logger.Info("starting converter",
		zap.String("queue", w.producer.VideoQueue()),
		zap.Int("workers", w.cfg.Workers),
		zap.Int("prefetch", w.cfg.Prefetch),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			w.run(gctx, id)
			return nil
		})
	}
	err := g.Wait()
	w.logger.Info("converter stopped")
	return err
}

// run keeps one consumer open, reopening it with backoff when the
// connection drops.
func (w *Worker) run(ctx context.Context, id int) {
	log := w.logger.With(zap.Int("worker", id))
	delay := w.cfg.ReconnectDelay

	for {
		c, err := w.broker.Consume(ctx, w.producer.VideoQueue(), broker.ConsumeOptions{
			Prefetch: w.cfg.Prefetch,
			Consumer: fmt.Sprintf("%s-%d", w.cfg.Consumer, id),
		})
		if err == nil {
			delay = w.cfg.ReconnectDelay
			err = w.loop(ctx, c)
			_ = c.Close()
		}
		if ctx.Err() != nil {
			return
		}

		log.Warn("consumer lost, reconnecting", zap.Error(err), zap.Duration("backoff", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay *= 2; delay > time.Minute {
			delay = time.Minute
		}
	}
}

// loop is the receive -> handle -> settle cycle. Per-message failures never
// leave it; only a broken consumer does.
func (w *Worker) loop(ctx context.Context, c broker.Consumer) error {
	for {
		d, err := c.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		outcome := w.Handle(ctx, d)
		if err := w.settle(ctx, c, d, outcome); err != nil {
			return err
		}
	}
}

func (w *Worker) settle(ctx context.Context, c broker.Consumer, d broker.Delivery, outcome Outcome) error {
	// the decision is final even when shutdown has begun
	sctx := context.WithoutCancel(ctx)

	var err error
	switch outcome {
	case Ack:
		err = c.Ack(sctx, d.Tag)
	case Requeue:
		err = c.Nack(sctx, d.Tag, true)
	default:
		err = c.Nack(sctx, d.Tag, false)
	}
	if err != nil {
		return fmt.Errorf("settle %s as %s: %w", d.Tag, outcome, err)
	}
	metrics.Deliveries.WithLabelValues(outcome.String()).Inc()
	return nil
}

// Handle runs one delivery through fetch, extract, store and publish and
// returns how it must be settled.
func (w *Worker) Handle(ctx context.Context, d broker.Delivery) Outcome {
	log := w.logger.With(zap.String("delivery_tag", d.Tag), zap.Bool("redelivered", d.Redelivered))

	job, err := DecodeVideoJob(d.Body)
	if err != nil {
		log.Error("rejecting malformed job", zap.Error(err), zap.ByteString("body", truncate(d.Body, 256)))
		sentry.CaptureException(err)
		return Reject
	}
	log = log.With(zap.String("video_fid", job.VideoFID))

	if w.dedup != nil {
		mp3FID, ok, err := w.dedup.Get(ctx, job.VideoFID)
		switch {
		case err != nil:
			log.Warn("dedup lookup failed, converting anyway", zap.Error(err))
		case ok:
			log.Info("video already converted, acknowledging", zap.String("mp3_fid", mp3FID))
			return Ack
		}
	}

	video, err := w.videos.Get(ctx, job.VideoFID)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			log.Error("video blob missing, rejecting", zap.Error(err))
			sentry.CaptureException(err)
			return Reject
		}
		log.Warn("fetching video failed", zap.Error(err))
		return Requeue
	}

	if len(video) == 0 {
		// no attempt can ever convert nothing
		log.Error("video blob is empty, rejecting")
		sentry.CaptureException(fmt.Errorf("%w: video %s is empty", ErrPermanent, job.VideoFID))
		return Reject
	}

	audio, err := w.extract(ctx, video)
	if err != nil {
		log.Warn("extraction failed, requeueing", zap.Error(err))
		return Requeue
	}

	// Past this point the work is done; finish it even during shutdown so
	// the blob and the completion message stay consistent.
	cctx := context.WithoutCancel(ctx)

	mp3FID, err := w.mp3s.Put(cctx, audio, "audio/mpeg")
	if err != nil {
		log.Warn("storing mp3 failed", zap.Error(err))
		return Requeue
	}
	log = log.With(zap.String("mp3_fid", mp3FID))

	done, err := job.Complete(mp3FID)
	if err != nil {
		w.compensate(cctx, log, mp3FID)
		return Reject
	}

	if err := w.producer.PublishCompletion(cctx, done); err != nil {
		log.Warn("completion publish failed, deleting mp3", zap.Error(err))
		w.compensate(cctx, log, mp3FID)
		return Requeue
	}

	if w.dedup != nil {
		if err := w.dedup.Store(cctx, job.VideoFID, mp3FID, w.cfg.DedupTTL); err != nil {
			log.Warn("recording completion failed", zap.Error(err))
		}
	}

	log.Info("conversion completed")
	return Ack
}

func (w *Worker) extract(ctx context.Context, video []byte) ([]byte, error) {
	if w.cfg.ExtractTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.ExtractTimeout)
		defer cancel()
	}

	start := time.Now()
	audio, err := w.conv.Extract(ctx, video)
	metrics.ExtractDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		// a converter that ignored the deadline does not get to commit
		return nil, ctx.Err()
	}
	return audio, nil
}

// compensate removes an mp3 blob no completion message refers to.
func (w *Worker) compensate(ctx context.Context, log *zap.Logger, mp3FID string) {
	if err := w.mp3s.Delete(ctx, mp3FID); err != nil {
		log.Error("compensating delete failed, mp3 blob orphaned", zap.Error(err))
		sentry.CaptureException(fmt.Errorf("compensating delete of %s: %w", mp3FID, err))
		metrics.CompensatingDeletes.WithLabelValues("failed").Inc()
		return
	}
	metrics.CompensatingDeletes.WithLabelValues("deleted").Inc()
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
