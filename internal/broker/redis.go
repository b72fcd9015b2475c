package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ClientSource hands out the current client; redisholder swaps it on reconnect.
type ClientSource interface {
	Get() redis.UniversalClient
}

type RedisOptions struct {
	Group            string
	BlockTimeout     time.Duration
	ClaimMinIdle     time.Duration
	MaxLen           int64
	DeadLetterSuffix string
}

// RedisStreams maps each queue onto a stream read through one consumer
// group. An entry stays in the group's pending entries list (PEL) until it
// is XACKed, which is what makes acknowledgment manual.
type RedisStreams struct {
	src    ClientSource
	opts   RedisOptions
	logger *zap.Logger
}

func NewRedisStreams(src ClientSource, opts RedisOptions, logger *zap.Logger) *RedisStreams {
	if opts.Group == "" {
		opts.Group = "converter"
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = 5 * time.Second
	}
	if opts.ClaimMinIdle <= 0 {
		opts.ClaimMinIdle = 5 * time.Minute
	}
	return &RedisStreams{src: src, opts: opts, logger: logger}
}

func (r *RedisStreams) Declare(ctx context.Context, queues ...string) error {
	for _, name := range queues {
		streams := []string{name}
		if r.opts.DeadLetterSuffix != "" {
			streams = append(streams, name+r.opts.DeadLetterSuffix)
		}
		for _, stream := range streams {
			// MKSTREAM so the group can exist before the first entry
			err := r.src.Get().XGroupCreateMkStream(ctx, stream, r.opts.Group, "0").Err()
			if err != nil && !isBusyGroup(err) {
				return fmt.Errorf("declare %s: %w", stream, err)
			}
		}
	}
	return nil
}

// Publish appends to the stream. Durability is whatever AOF/RDB the Redis
// deployment is configured with.
func (r *RedisStreams) Publish(ctx context.Context, queue string, body []byte) error {
	if err := r.add(ctx, r.src.Get(), queue, string(body), 0); err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	return nil
}

func (r *RedisStreams) add(ctx context.Context, c redis.Cmdable, stream, payload string, attempt int) error {
	return c.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: r.opts.MaxLen,
		Approx: r.opts.MaxLen > 0,
		Values: map[string]any{
			"payload": payload,
			"attempt": attempt,
		},
	}).Err()
}

func (r *RedisStreams) Consume(_ context.Context, queue string, opts ConsumeOptions) (Consumer, error) {
	name := opts.Consumer
	if name == "" {
		name = "consumer-" + uuid.NewString()
	}
	prefetch := opts.Prefetch
	if prefetch < 1 {
		prefetch = 1
	}

	ctx, stop := context.WithCancel(context.Background())
	c := &redisConsumer{
		r:        r,
		stream:   queue,
		name:     name,
		prefetch: prefetch,
		inflight: make(map[string]redis.XMessage),
		logger:   r.logger.With(zap.String("stream", queue), zap.String("consumer", name)),
		stop:     stop,
		done:     make(chan struct{}),
	}
	go c.keepAlive(ctx)
	return c, nil
}

// Close is a no-op: the client belongs to the redisholder.
func (r *RedisStreams) Close() error { return nil }

func isBusyGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "BUSYGROUP")
}

type redisConsumer struct {
	r        *RedisStreams
	stream   string
	name     string
	prefetch int

	lastClaim time.Time
	logger    *zap.Logger

	// buf and inflight are read by keepAlive too
	mu       sync.Mutex
	buf      []redis.XMessage
	inflight map[string]redis.XMessage

	stop context.CancelFunc
	done chan struct{}
}

func (c *redisConsumer) Receive(ctx context.Context) (Delivery, error) {
	for {
		if d, ok := c.next(ctx); ok {
			return d, nil
		}
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}

		if time.Since(c.lastClaim) >= c.r.opts.ClaimMinIdle {
			c.lastClaim = time.Now()
			if c.adopt(c.autoClaim(ctx)) > 0 {
				continue
			}
		}

		c.mu.Lock()
		count := c.prefetch - len(c.inflight) - len(c.buf)
		c.mu.Unlock()
		if count < 1 {
			count = 1
		}
		// XREADGROUP with ">" only returns entries never delivered to this
		// group and adds them to the PEL under this consumer until XACK.
		streams, err := c.r.src.Get().XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.r.opts.Group,
			Consumer: c.name,
			Streams:  []string{c.stream, ">"},
			Count:    int64(count),
			Block:    c.r.opts.BlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return Delivery{}, ctx.Err()
			}
			return Delivery{}, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		c.mu.Lock()
		for _, s := range streams {
			c.buf = append(c.buf, s.Messages...)
		}
		c.mu.Unlock()
	}
}

// next moves the oldest buffered entry into inflight.
func (c *redisConsumer) next(ctx context.Context) (Delivery, bool) {
	var stale []string
	defer func() {
		if len(stale) > 0 {
			// trimmed or deleted entries have nothing left to deliver
			_ = c.r.src.Get().XAck(ctx, c.stream, c.r.opts.Group, stale...).Err()
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.buf) > 0 {
		m := c.buf[0]
		c.buf = c.buf[1:]
		payload, ok := m.Values["payload"].(string)
		if !ok {
			stale = append(stale, m.ID)
			continue
		}
		c.inflight[m.ID] = m
		return Delivery{
			Body:        []byte(payload),
			Tag:         m.ID,
			Redelivered: c.field(m, "attempt") > 0 || c.field(m, "claimed") > 0,
		}, true
	}
	return Delivery{}, false
}

// autoClaim takes over entries other consumers of the group received but
// never acknowledged, e.g. because the process died mid-job. Live consumers
// keep their entries fresh through keepAlive, so only entries of dead ones
// go idle for longer than ClaimMinIdle.
func (c *redisConsumer) autoClaim(ctx context.Context) []redis.XMessage {
	msgs, _, err := c.r.src.Get().XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.r.opts.Group,
		Consumer: c.name,
		MinIdle:  c.r.opts.ClaimMinIdle,
		Start:    "0-0",
		Count:    int64(c.prefetch),
	}).Result()
	if err != nil {
		c.logger.Debug("auto-claim failed", zap.Error(err))
		return nil
	}
	for i := range msgs {
		if msgs[i].Values != nil {
			msgs[i].Values["claimed"] = 1
		}
	}
	return msgs
}

// adopt buffers claimed entries this consumer does not already hold and
// returns how many were added.
func (c *redisConsumer) adopt(msgs []redis.XMessage) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	held := make(map[string]bool, len(c.buf)+len(c.inflight))
	for _, m := range c.buf {
		held[m.ID] = true
	}
	for id := range c.inflight {
		held[id] = true
	}
	n := 0
	for _, m := range msgs {
		if held[m.ID] {
			continue
		}
		held[m.ID] = true
		c.buf = append(c.buf, m)
		n++
	}
	if n > 0 {
		c.logger.Info("adopted idle pending entries", zap.Int("count", n))
	}
	return n
}

// heldIDs lists the entries this consumer owns in the PEL: buffered ones and
// delivered but unsettled ones.
func (c *redisConsumer) heldIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.buf)+len(c.inflight))
	for _, m := range c.buf {
		ids = append(ids, m.ID)
	}
	for id := range c.inflight {
		ids = append(ids, id)
	}
	return ids
}

func (c *redisConsumer) keepAliveInterval() time.Duration {
	d := c.r.opts.ClaimMinIdle / 3
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

// keepAlive re-claims held entries to this consumer with XCLAIM JUSTID,
// which resets their idle time, so a slow conversion is never mistaken for
// a dead consumer by another consumer's autoClaim.
func (c *redisConsumer) keepAlive(ctx context.Context) {
	defer close(c.done)
	t := time.NewTicker(c.keepAliveInterval())
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		ids := c.heldIDs()
		if len(ids) == 0 {
			continue
		}
		err := c.r.src.Get().XClaimJustID(ctx, &redis.XClaimArgs{
			Stream:   c.stream,
			Group:    c.r.opts.Group,
			Consumer: c.name,
			Messages: ids,
		}).Err()
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("refreshing pending entries failed", zap.Error(err), zap.Int("count", len(ids)))
		}
	}
}

func (c *redisConsumer) lookup(tag string) (redis.XMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.inflight[tag]
	return m, ok
}

func (c *redisConsumer) settled(tag string) {
	c.mu.Lock()
	delete(c.inflight, tag)
	c.mu.Unlock()
}

func (c *redisConsumer) Ack(ctx context.Context, tag string) error {
	if _, ok := c.lookup(tag); !ok {
		return fmt.Errorf("ack %s: %w", tag, ErrUnknownTag)
	}
	if err := c.r.src.Get().XAck(ctx, c.stream, c.r.opts.Group, tag).Err(); err != nil {
		return fmt.Errorf("%w: xack %s: %v", ErrConnectionLost, tag, err)
	}
	c.settled(tag)
	return nil
}

// Nack re-adds the payload as a new entry and acks the old one. Streams have
// no in-place requeue; the MULTI keeps the pair atomic.
func (c *redisConsumer) Nack(ctx context.Context, tag string, requeue bool) error {
	m, ok := c.lookup(tag)
	if !ok {
		return fmt.Errorf("nack %s: %w", tag, ErrUnknownTag)
	}
	payload, _ := m.Values["payload"].(string)
	attempt := c.field(m, "attempt")
	rc := c.r.src.Get()

	var err error
	switch {
	case requeue:
		_, err = rc.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if err := c.r.add(ctx, p, c.stream, payload, attempt+1); err != nil {
				return err
			}
			return p.XAck(ctx, c.stream, c.r.opts.Group, tag).Err()
		})
	case c.r.opts.DeadLetterSuffix != "":
		// the dead-letter stream may hash to another cluster slot, so no MULTI
		if err = c.r.add(ctx, rc, c.stream+c.r.opts.DeadLetterSuffix, payload, attempt); err == nil {
			err = rc.XAck(ctx, c.stream, c.r.opts.Group, tag).Err()
		}
	default:
		err = rc.XAck(ctx, c.stream, c.r.opts.Group, tag).Err()
	}
	if err != nil {
		return fmt.Errorf("%w: nack %s: %v", ErrConnectionLost, tag, err)
	}
	c.settled(tag)
	return nil
}

// Close stops the keep-alive and leaves unacked entries in the PEL;
// XAUTOCLAIM hands them to another consumer once they have been idle long
// enough.
func (c *redisConsumer) Close() error {
	c.stop()
	<-c.done
	c.mu.Lock()
	c.buf = nil
	c.mu.Unlock()
	return nil
}

// field reads a counter written by add or autoClaim; absent means zero.
func (c *redisConsumer) field(m redis.XMessage, key string) int {
	n, err := streamInt(m.Values[key])
	if err != nil {
		c.logger.Warn("ignoring malformed stream field",
			zap.String("entry", m.ID), zap.String("field", key), zap.Error(err))
		return 0
	}
	return n
}

func streamInt(v any) (int, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case string:
		return strconv.Atoi(t)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
