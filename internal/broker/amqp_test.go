package broker

import (
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestParseTag(t *testing.T) {
	if got, err := parseTag("42"); err != nil || got != 42 {
		t.Fatalf("parseTag(42) = %d, %v", got, err)
	}
	if _, err := parseTag("1-0"); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("stream id as amqp tag: %v", err)
	}
}

func TestChannelErr(t *testing.T) {
	if channelErr(nil) != nil {
		t.Fatal("nil should stay nil")
	}
	if err := channelErr(amqp.ErrClosed); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("closed channel = %v", err)
	}
	other := errors.New("precondition failed")
	if err := channelErr(other); !errors.Is(err, other) || errors.Is(err, ErrConnectionLost) {
		t.Fatalf("other = %v", err)
	}
}

func TestQueueArgs(t *testing.T) {
	a := &AMQP{deadLetterSuffix: ".dead"}
	args := a.queueArgs("video")
	if args["x-dead-letter-exchange"] != "" || args["x-dead-letter-routing-key"] != "video.dead" {
		t.Fatalf("args = %v", args)
	}
	if (&AMQP{}).queueArgs("video") != nil {
		t.Fatal("no suffix should mean no dead-letter args")
	}
}
