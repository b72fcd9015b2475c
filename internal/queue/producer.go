package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/trunov/mp3hub/internal/broker"
)

type Producer struct {
	pub        broker.Publisher
	videoQueue string
	mp3Queue   string
}

func NewProducer(pub broker.Publisher, videoQueue, mp3Queue string) *Producer {
	return &Producer{pub: pub, videoQueue: videoQueue, mp3Queue: mp3Queue}
}

func (p *Producer) VideoQueue() string { return p.videoQueue }

func (p *Producer) MP3Queue() string { return p.mp3Queue }

// EnqueueConvert publishes {"video_fid"} to the video queue. The blob must
// already be written.
func (p *Producer) EnqueueConvert(ctx context.Context, videoFID string) error {
	return p.publish(ctx, p.videoQueue, Job{VideoFID: videoFID})
}

// PublishCompletion publishes a job that carries its mp3 blob.
func (p *Producer) PublishCompletion(ctx context.Context, job Job) error {
	if job.MP3FID == "" {
		return fmt.Errorf("publish completion for %s: missing mp3_fid", job.VideoFID)
	}
	return p.publish(ctx, p.mp3Queue, job)
}

func (p *Producer) publish(ctx context.Context, queue string, job Job) error {
	if err := validate.Struct(job); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := p.pub.Publish(ctx, queue, raw); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}
