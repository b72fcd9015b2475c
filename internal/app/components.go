package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/trunov/mp3hub/internal/auth"
	"github.com/trunov/mp3hub/internal/blob"
	"github.com/trunov/mp3hub/internal/broker"
	"github.com/trunov/mp3hub/internal/cache"
	mp3_converter "github.com/trunov/mp3hub/internal/mp3-converter"
	"github.com/trunov/mp3hub/internal/queue"
	"github.com/trunov/mp3hub/internal/repository/storage"
	"github.com/trunov/mp3hub/internal/transport/handler"
	"github.com/trunov/mp3hub/internal/transport/router"
	use_case "github.com/trunov/mp3hub/internal/use-case"
)

func (a *App) newBroker(ctx context.Context) (broker.Broker, error) {
	bc := a.cfg.Broker
	log := a.logger.Named("broker")

	var b broker.Broker
	switch bc.Driver {
	case "amqp":
		amqpBroker, err := broker.DialAMQP(bc.URL, bc.DeadLetterSuffix, log)
		if err != nil {
			return nil, err
		}
		b = amqpBroker
	case "redis":
		h, err := a.redisHolder(ctx)
		if err != nil {
			return nil, err
		}
		b = broker.NewRedisStreams(h, broker.RedisOptions{
			Group:            bc.Group,
			BlockTimeout:     bc.BlockTimeout.Std(),
			ClaimMinIdle:     bc.ClaimMinIdle.Std(),
			MaxLen:           bc.MaxLen,
			DeadLetterSuffix: bc.DeadLetterSuffix,
		}, log)
	case "memory":
		b = broker.NewMemory(bc.DeadLetterSuffix)
	default:
		return nil, fmt.Errorf("unknown broker driver %q", bc.Driver)
	}
	a.onClose(b.Close)

	// both sides declare before use
	if err := b.Declare(ctx, bc.VideoQueue, bc.MP3Queue); err != nil {
		return nil, fmt.Errorf("declare queues: %w", err)
	}
	log.Info("broker ready", zap.String("driver", bc.Driver),
		zap.String("video_queue", bc.VideoQueue), zap.String("mp3_queue", bc.MP3Queue))
	return b, nil
}

// newBlobStores returns the video and the mp3 store, two namespaces on one
// backend.
func (a *App) newBlobStores(ctx context.Context) (blob.Store, blob.Store, error) {
	bc := a.cfg.Blob
	log := a.logger.Named("blob")

	switch bc.Driver {
	case "s3":
		client, err := blob.NewS3Client(ctx, bc.S3)
		if err != nil {
			return nil, nil, err
		}
		videos := blob.NewS3(client, bc.S3.VideoBucket, "", bc.MaxRetries, bc.RetryBaseDelay.Std(), log)
		mp3s := blob.NewS3(client, bc.S3.MP3Bucket, "", bc.MaxRetries, bc.RetryBaseDelay.Std(), log)
		return videos, mp3s, nil
	case "pebble":
		db, err := blob.OpenPebble(bc.PebbleDir)
		if err != nil {
			return nil, nil, err
		}
		a.onClose(db.Close)
		return blob.NewPebble(db, "videos/"), blob.NewPebble(db, "mp3s/"), nil
	case "memory":
		return blob.NewMemory(), blob.NewMemory(), nil
	default:
		return nil, nil, fmt.Errorf("unknown blob driver %q", bc.Driver)
	}
}

func (a *App) newAuthService(ctx context.Context) (*auth.Service, error) {
	repo, err := storage.New(ctx, a.cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	a.onClose(func() error { repo.Close(); return nil })

	if err := repo.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	issuer, err := auth.NewIssuer(a.cfg.Auth.JWTSecret, a.cfg.Auth.TokenTTL.Std())
	if err != nil {
		return nil, err
	}
	return auth.NewService(repo, issuer, a.logger.Named("auth")), nil
}

func (a *App) gatewayRouter(b broker.Broker, videos, mp3s blob.Store, authn auth.Authenticator) http.Handler {
	log := a.logger.Named("gateway")
	producer := queue.NewProducer(b, a.cfg.Broker.VideoQueue, a.cfg.Broker.MP3Queue)
	uc := use_case.New(videos, mp3s, producer, log)
	h := handler.New(uc, authn, a.cfg, log)
	return router.NewRouter(h)
}

func (a *App) newWorker(ctx context.Context, b broker.Broker, videos, mp3s blob.Store) (*queue.Worker, error) {
	cc := a.cfg.Converter
	log := a.logger.Named("converter")

	conv := mp3_converter.New(
		mp3_converter.WithFFmpegPath(cc.FFmpegPath),
		mp3_converter.WithBitrate(cc.Bitrate),
	)
	if err := conv.VerifyInstalled(ctx); err != nil {
		// every delivery will be requeued until ffmpeg shows up
		log.Error("ffmpeg unavailable", zap.Error(err))
	}

	var opts []queue.WorkerOption
	if cc.Dedup {
		h, err := a.redisHolder(ctx)
		if err != nil {
			return nil, fmt.Errorf("dedup cache: %w", err)
		}
		opts = append(opts, queue.WithCompletionCache(cache.NewCache("mp3hub:converted", h)))
	}

	producer := queue.NewProducer(b, a.cfg.Broker.VideoQueue, a.cfg.Broker.MP3Queue)
	return queue.NewWorker(b, producer, videos, mp3s, conv, queue.WorkerConfig{
		Workers:        cc.Workers,
		Prefetch:       a.cfg.Broker.Prefetch,
		Consumer:       a.cfg.Broker.Consumer,
		ExtractTimeout: cc.ExtractTimeout.Std(),
		DedupTTL:       cc.DedupTTL.Std(),
	}, log, opts...), nil
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	return mux
}
