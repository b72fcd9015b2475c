package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/trunov/mp3hub/internal/blob"
	"github.com/trunov/mp3hub/internal/broker"
	"github.com/trunov/mp3hub/internal/config"
)

func testConfig() *config.Config {
	cfg := config.NewConfig()
	cfg.Server.Port = 8080
	cfg.Broker = config.BrokerConfig{Driver: "memory", VideoQueue: "video", MP3Queue: "mp3", DeadLetterSuffix: ".dead", Prefetch: 1}
	cfg.Blob = config.BlobConfig{Driver: "memory"}
	cfg.Converter = config.ConverterConfig{Workers: 1}
	return cfg
}

func TestRunStopsOnCancel(t *testing.T) {
	a := newApp(testConfig(), zap.NewNop())
	a.serve("test", "127.0.0.1:0", metricsHandler())

	started := make(chan struct{})
	a.runners = append(a.runners, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()

	<-started
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunReturnsRunnerError(t *testing.T) {
	a := newApp(testConfig(), zap.NewNop())
	boom := errors.New("boom")
	a.runners = append(a.runners, func(context.Context) error { return boom })
	a.runners = append(a.runners, func(ctx context.Context) error { <-ctx.Done(); return nil })

	if err := a.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Run = %v", err)
	}
}

func TestCloseReverseOrder(t *testing.T) {
	a := newApp(testConfig(), zap.NewNop())
	var order []string
	for _, name := range []string{"db", "broker", "redis"} {
		a.onClose(func() error { order = append(order, name); return nil })
	}
	failing := errors.New("close failed")
	a.onClose(func() error { return failing })

	if err := a.Close(); !errors.Is(err, failing) {
		t.Fatalf("Close = %v", err)
	}
	if strings.Join(order, ",") != "redis,broker,db" {
		t.Fatalf("order = %v", order)
	}
}

func TestRequireSharedDrivers(t *testing.T) {
	cfg := testConfig()
	if err := requireSharedDrivers(cfg); err == nil {
		t.Fatal("memory broker accepted")
	}
	cfg.Broker.Driver = "amqp"
	if err := requireSharedDrivers(cfg); err == nil {
		t.Fatal("memory blobs accepted")
	}
	cfg.Blob.Driver = "pebble"
	if err := requireSharedDrivers(cfg); err == nil {
		t.Fatal("pebble blobs accepted")
	}
	cfg.Blob.Driver = "s3"
	if err := requireSharedDrivers(cfg); err != nil {
		t.Fatal(err)
	}
}

func TestSplitProcessesRejectLocalDrivers(t *testing.T) {
	ctx := context.Background()
	if _, err := NewGateway(ctx, testConfig(), zap.NewNop()); err == nil {
		t.Fatal("gateway started on the memory broker")
	}
	if _, err := NewConverter(ctx, testConfig(), zap.NewNop()); err == nil {
		t.Fatal("converter started on the memory broker")
	}
}

func TestNewBrokerDeclaresQueues(t *testing.T) {
	a := newApp(testConfig(), zap.NewNop())
	defer a.Close()

	b, err := a.newBroker(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, q := range []string{"video", "mp3", "video.dead"} {
		if err := b.Publish(context.Background(), q, []byte("{}")); err != nil {
			t.Fatalf("queue %s not declared: %v", q, err)
		}
	}
	if _, ok := b.(*broker.Memory); !ok {
		t.Fatalf("broker = %T", b)
	}
}

func TestNewBlobStoresPebble(t *testing.T) {
	cfg := testConfig()
	cfg.Blob = config.BlobConfig{Driver: "pebble", PebbleDir: t.TempDir()}
	a := newApp(cfg, zap.NewNop())

	videos, mp3s, err := a.newBlobStores(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	id, err := videos.Put(ctx, []byte("frames"), "video/mp4")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mp3s.Get(ctx, id); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("stores share a namespace: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestUnknownDrivers(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Driver = "kafka"
	cfg.Blob.Driver = "ftp"
	a := newApp(cfg, zap.NewNop())

	if _, err := a.newBroker(context.Background()); err == nil {
		t.Fatal("unknown broker driver accepted")
	}
	if _, _, err := a.newBlobStores(context.Background()); err == nil {
		t.Fatal("unknown blob driver accepted")
	}
}
