// Package bus implements the message bus client described in spec §4.D:
// a thin wrapper around an MQTT 3.1.1 broker connection that binds each
// worker to a topic under a project-scoped namespace, decodes the
// {header,payload} envelope, and hands inbound messages to a single
// downlink callback.
package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/dabamos/openadms-node/internal/config"
)

// Envelope is the canonical wire message, spec §3/§6:
// {"header":{"type":"...","from":"..."},"payload":{...}}.
type Envelope struct {
	Header  map[string]any `json:"header"`
	Payload map[string]any `json:"payload"`
}

// Downlink is invoked with the decoded envelope for every inbound
// message, once per topic subscription.
type Downlink func(topic string, env Envelope)

// Client wraps an autopaho connection, binding every publish/subscribe
// call to the project's topic root.
type Client struct {
	cfg         config.MQTTConfig
	projectRoot string
	logger      *slog.Logger

	mu       sync.RWMutex
	cm       *autopaho.ConnectionManager
	downlink Downlink
	topics   []string
	backoff  backoff.BackOff
}

// New creates a Client bound to projectRoot (the MQTT topic prefix
// shared by every worker on this node, spec §3 "Topic space").
func New(cfg config.MQTTConfig, projectRoot string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	b := backoff.NewExponentialBackOff()
	// A reconnecting worker must keep trying indefinitely rather than
	// give up after backoff's default 15-minute elapsed-time cap; the
	// "bounded" part of spec §4.D's policy is MaxInterval, not a
	// give-up deadline.
	b.MaxElapsedTime = 0
	return &Client{
		cfg:         cfg,
		projectRoot: projectRoot,
		logger:      logger.With("component", "bus"),
		backoff:     b,
	}
}

// SetDownlink registers the callback invoked for every inbound message,
// per spec §4.D. Must be called before Connect.
func (c *Client) SetDownlink(fn Downlink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.downlink = fn
}

// Topic prepends the project root to a worker-name tail, per spec §3.
func (c *Client) Topic(tail string) string {
	return c.projectRoot + "/" + tail
}

// Connect establishes the broker connection, non-blocking beyond the
// initial await: on unexpected disconnect autopaho reconnects
// asynchronously with bounded backoff (spec §4.D "reconnect policy"),
// and every (re-)connect resubscribes to the topics passed to Subscribe.
func (c *Client) Connect(ctx context.Context) error {
	brokerURL, err := url.Parse(fmt.Sprintf("mqtt://%s:%d", c.cfg.Host, c.cfg.Port))
	if err != nil {
		return fmt.Errorf("bus: parse broker url: %w", err)
	}
	if c.cfg.TLS {
		brokerURL.Scheme = "mqtts"
	}

	clientID := c.cfg.ClientID
	if clientID == "" {
		clientID = c.projectRoot
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       uint16(c.cfg.KeepAlive),
		ConnectUsername: c.cfg.User,
		ConnectPassword: []byte(c.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("bus connected", "host", c.cfg.Host, "port", c.cfg.Port)
			c.backoff.Reset()
			resubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			c.resubscribe(resubCtx, cm)
		},
		// autopaho calls OnConnectError synchronously from its own retry
		// loop and waits for it to return before attempting the next
		// connection, so blocking here for d actually shapes the
		// reconnect delay rather than just describing it in a log line.
		OnConnectError: func(err error) {
			d := c.backoff.NextBackOff()
			c.logger.Warn("bus connect error, backing off", "error", err, "backoff", d)
			select {
			case <-time.After(d):
			case <-ctx.Done():
			}
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("bus: connect: %w", err)
	}
	cm.AddOnPublishReceived(c.onPublishReceived)

	c.mu.Lock()
	c.cm = cm
	c.mu.Unlock()

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		c.logger.Warn("bus initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

func (c *Client) onPublishReceived(pr autopaho.PublishReceived) (bool, error) {
	c.mu.RLock()
	dl := c.downlink
	c.mu.RUnlock()
	if dl == nil {
		return true, nil
	}

	var env Envelope
	if err := decodeEnvelope(pr.Packet.Payload, &env); err != nil {
		c.logger.Error("bus: malformed message dropped", "topic", pr.Packet.Topic, "error", err)
		return true, nil
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("bus: downlink handler panicked", "topic", pr.Packet.Topic, "panic", r)
			}
		}()
		dl(pr.Packet.Topic, env)
	}()
	return true, nil
}

// decodeEnvelope accepts both the canonical {header,payload} object and
// the legacy two-element [header, payload] array, per spec §6 ("the
// array form must be tolerated on input for compatibility but is not
// emitted").
func decodeEnvelope(raw []byte, env *Envelope) error {
	var obj Envelope
	if err := json.Unmarshal(raw, &obj); err == nil && (obj.Header != nil || obj.Payload != nil) {
		*env = obj
		return nil
	}

	var arr [2]map[string]any
	if err := json.Unmarshal(raw, &arr); err != nil {
		return fmt.Errorf("not a {header,payload} object or [header,payload] array: %w", err)
	}
	env.Header = arr[0]
	env.Payload = arr[1]
	return nil
}

// Subscribe registers tail (a worker name) as a topic this client
// listens on. At least one subscription is expected per client (spec
// §4.D). Safe to call before or after Connect.
func (c *Client) Subscribe(ctx context.Context, tail string) error {
	c.mu.Lock()
	c.topics = append(c.topics, tail)
	cm := c.cm
	c.mu.Unlock()

	if cm == nil {
		return nil // resubscribed automatically once Connect's OnConnectionUp fires
	}
	_, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: c.Topic(tail), QoS: 0}},
	})
	return err
}

func (c *Client) resubscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	c.mu.RLock()
	topics := append([]string(nil), c.topics...)
	c.mu.RUnlock()
	if len(topics) == 0 {
		return
	}

	opts := make([]paho.SubscribeOptions, len(topics))
	for i, t := range topics {
		opts[i] = paho.SubscribeOptions{Topic: c.Topic(t), QoS: 0}
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		c.logger.Error("bus: resubscribe failed", "error", err, "topics", topics)
	} else {
		c.logger.Info("bus: subscribed", "topics", topics)
	}
}

// Publish sends payload (marshaled as the envelope's payload object) to
// tail, fire-and-forget, per spec §4.D. retain=true is expected for
// status messages.
func (c *Client) Publish(ctx context.Context, tail string, header, payload map[string]any, retain bool) error {
	c.mu.RLock()
	cm := c.cm
	c.mu.RUnlock()
	if cm == nil {
		return fmt.Errorf("bus: not connected")
	}

	buf, err := json.Marshal(Envelope{Header: header, Payload: payload})
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}

	_, err = cm.Publish(ctx, &paho.Publish{
		Topic:   c.Topic(tail),
		Payload: buf,
		QoS:     0,
		Retain:  retain,
	})
	return err
}

// Disconnect closes the broker connection.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.RLock()
	cm := c.cm
	c.mu.RUnlock()
	if cm == nil {
		return nil
	}
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (c *Client) AwaitConnection(ctx context.Context) error {
	c.mu.RLock()
	cm := c.cm
	c.mu.RUnlock()
	if cm == nil {
		return fmt.Errorf("bus: not connected")
	}
	return cm.AwaitConnection(ctx)
}
