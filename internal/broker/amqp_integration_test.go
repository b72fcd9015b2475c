package broker

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// newTestAMQP gives every test its own queue so runs never see each other's
// messages.
func newTestAMQP(t *testing.T) (*AMQP, string) {
	t.Helper()
	url := os.Getenv("MP3HUB_TEST_AMQP_URL")
	if url == "" {
		t.Skip("MP3HUB_TEST_AMQP_URL not set")
	}
	a, err := DialAMQP(url, ".dead", zap.NewNop())
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}

	queue := "mp3hub-test-" + uuid.NewString()
	t.Cleanup(func() {
		if ch, err := a.conn.Channel(); err == nil {
			_, _ = ch.QueueDelete(queue, false, false, false)
			_, _ = ch.QueueDelete(queue+".dead", false, false, false)
			_ = ch.Close()
		}
		_ = a.Close()
	})

	if err := a.Declare(context.Background(), queue); err != nil {
		t.Fatal(err)
	}
	// redeclaring with the same arguments is allowed
	if err := a.Declare(context.Background(), queue); err != nil {
		t.Fatalf("redeclare: %v", err)
	}
	return a, queue
}

func TestAMQPPublishConfirmedAndAcked(t *testing.T) {
	a, queue := newTestAMQP(t)
	ctx := context.Background()

	if err := a.Publish(ctx, queue, []byte(`{"video_fid":"v1"}`)); err != nil {
		t.Fatal(err)
	}
	c, err := a.Consume(ctx, queue, ConsumeOptions{Prefetch: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	d := receive(t, c)
	if string(d.Body) != `{"video_fid":"v1"}` || d.Redelivered {
		t.Fatalf("delivery = %+v", d)
	}
	if err := c.Ack(ctx, d.Tag); err != nil {
		t.Fatal(err)
	}
}

func TestAMQPPrefetchBoundsUnacked(t *testing.T) {
	a, queue := newTestAMQP(t)
	ctx := context.Background()

	for _, body := range []string{"one", "two"} {
		if err := a.Publish(ctx, queue, []byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	c, _ := a.Consume(ctx, queue, ConsumeOptions{Prefetch: 1})
	defer c.Close()

	first := receive(t, c)
	wctx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	if _, err := c.Receive(wctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second delivery while one is unacked: %v", err)
	}

	if err := c.Ack(ctx, first.Tag); err != nil {
		t.Fatal(err)
	}
	if second := receive(t, c); string(second.Body) != "two" {
		t.Fatalf("second = %q", second.Body)
	}
}

func TestAMQPNackRequeueRedelivers(t *testing.T) {
	a, queue := newTestAMQP(t)
	ctx := context.Background()

	_ = a.Publish(ctx, queue, []byte("job"))
	c, _ := a.Consume(ctx, queue, ConsumeOptions{Prefetch: 1})
	defer c.Close()

	first := receive(t, c)
	if err := c.Nack(ctx, first.Tag, true); err != nil {
		t.Fatal(err)
	}
	again := receive(t, c)
	if string(again.Body) != "job" || !again.Redelivered {
		t.Fatalf("redelivery = %+v", again)
	}
	_ = c.Ack(ctx, again.Tag)
}

func TestAMQPRejectRoutesToDeadLetterQueue(t *testing.T) {
	a, queue := newTestAMQP(t)
	ctx := context.Background()

	_ = a.Publish(ctx, queue, []byte("{bad"))
	c, _ := a.Consume(ctx, queue, ConsumeOptions{Prefetch: 1})
	defer c.Close()
	d := receive(t, c)
	if err := c.Nack(ctx, d.Tag, false); err != nil {
		t.Fatal(err)
	}

	dead, err := a.Consume(ctx, queue+".dead", ConsumeOptions{Prefetch: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer dead.Close()
	if got := receive(t, dead); string(got.Body) != "{bad" {
		t.Fatalf("dead letter = %q", got.Body)
	}
}

func TestAMQPClosedConsumerRedelivers(t *testing.T) {
	a, queue := newTestAMQP(t)
	ctx := context.Background()

	_ = a.Publish(ctx, queue, []byte("job"))
	c, _ := a.Consume(ctx, queue, ConsumeOptions{Prefetch: 1})
	_ = receive(t, c)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	next, _ := a.Consume(ctx, queue, ConsumeOptions{Prefetch: 1})
	defer next.Close()
	if d := receive(t, next); !d.Redelivered {
		t.Fatalf("delivery after consumer close = %+v", d)
	}
}
