package bus

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dabamos/openadms-node/internal/config"
)

func TestDecodeEnvelopeObjectForm(t *testing.T) {
	var env Envelope
	err := decodeEnvelope([]byte(`{"header":{"type":"observation","from":"p"},"payload":{"id":"x"}}`), &env)
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	if env.Header["type"] != "observation" {
		t.Errorf("header.type = %v, want observation", env.Header["type"])
	}
	if env.Payload["id"] != "x" {
		t.Errorf("payload.id = %v, want x", env.Payload["id"])
	}
}

func TestDecodeEnvelopeLegacyArrayForm(t *testing.T) {
	var env Envelope
	err := decodeEnvelope([]byte(`[{"type":"observation"},{"id":"y"}]`), &env)
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	if env.Header["type"] != "observation" {
		t.Errorf("header.type = %v, want observation", env.Header["type"])
	}
	if env.Payload["id"] != "y" {
		t.Errorf("payload.id = %v, want y", env.Payload["id"])
	}
}

func TestDecodeEnvelopeMalformedDropped(t *testing.T) {
	var env Envelope
	if err := decodeEnvelope([]byte(`not json`), &env); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestTopicPrependsProjectRoot(t *testing.T) {
	c := New(config.MQTTConfig{Host: "localhost", Port: 1883}, "myproject", nil)
	if got := c.Topic("preProcessor"); got != "myproject/preProcessor" {
		t.Errorf("Topic = %q, want myproject/preProcessor", got)
	}
}

// A reconnecting client must retry forever rather than give up once
// backoff's default 15-minute elapsed-time cap is hit.
func TestNewDisablesBackoffElapsedTimeCap(t *testing.T) {
	c := New(config.MQTTConfig{Host: "localhost", Port: 1883}, "myproject", nil)
	eb, ok := c.backoff.(*backoff.ExponentialBackOff)
	if !ok {
		t.Fatalf("backoff = %T, want *backoff.ExponentialBackOff", c.backoff)
	}
	if eb.MaxElapsedTime != 0 {
		t.Errorf("MaxElapsedTime = %v, want 0 (no give-up deadline)", eb.MaxElapsedTime)
	}
}

// OnConnectError's handler reads NextBackOff() and actually sleeps out the
// returned duration (spec §4.D "bounded backoff" shaping the reconnect
// delay, not just logging it) — exercised here directly against the
// client's backoff policy rather than through a real broker dial.
func TestBackoffNextBackOffGrowsAndRespectsMaxInterval(t *testing.T) {
	c := New(config.MQTTConfig{Host: "localhost", Port: 1883}, "myproject", nil)
	eb := c.backoff.(*backoff.ExponentialBackOff)
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxInterval = 40 * time.Millisecond
	eb.Reset()

	first := c.backoff.NextBackOff()
	if first <= 0 {
		t.Fatalf("first backoff = %v, want > 0", first)
	}

	var last time.Duration
	for i := 0; i < 20; i++ {
		last = c.backoff.NextBackOff()
		if last == backoff.Stop {
			t.Fatal("backoff must never signal Stop with MaxElapsedTime disabled")
		}
	}
	if last > eb.MaxInterval+eb.MaxInterval/2 {
		t.Errorf("backoff grew past MaxInterval: got %v, want <= ~%v", last, eb.MaxInterval)
	}
}
