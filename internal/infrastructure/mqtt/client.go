// Package mqtt publishes device events to an MQTT broker.
//
// The client announces itself on <prefix>/system/status (retained), with a
// Last Will so subscribers see the manager go offline if it crashes.
package mqtt

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/infrastructure/config"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 500 // milliseconds
	keepAlive         = 60 * time.Second
	maxReconnect      = 30 * time.Second
	maxQoS            = 2
	maxPayloadSize    = 1 << 20
)

// Client wraps a paho client for fire-and-forget event publishing.
type Client struct {
	client   pahomqtt.Client
	clientID string
	prefix   string
	logger   *zap.Logger

	connMu    sync.RWMutex
	connected bool
}

// Connect dials the broker and publishes the online status.
func Connect(cfg config.MQTTConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		clientID: clientID(cfg.ClientID),
		prefix:   strings.TrimSuffix(cfg.TopicPrefix, "/"),
		logger:   logger,
	}

	opts := c.options(cfg)
	c.client = pahomqtt.NewClient(opts)

	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	c.setConnected(true)

	return c, nil
}

func (c *Client) options(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(c.clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(maxReconnect)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetWill(c.StatusTopic(), string(c.statusPayload("offline", "unexpected_disconnect")), 1, true)

	opts.SetOnConnectHandler(func(pc pahomqtt.Client) {
		c.setConnected(true)
		pc.Publish(c.StatusTopic(), 1, true, c.statusPayload("online", ""))
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.setConnected(false)
		c.logger.Warn("MQTT connection lost", zap.Error(err))
	})
	return opts
}

// clientID makes the configured ID unique per process so two managers on
// one broker do not kick each other off.
func clientID(base string) string {
	if base == "" {
		base = "mobile-device-manager"
	}
	return base + "-" + uuid.NewString()[:8]
}

// Topic joins parts under the configured prefix.
func (c *Client) Topic(parts ...string) string {
	return joinTopic(c.prefix, parts...)
}

// StatusTopic is the retained online/offline topic.
func (c *Client) StatusTopic() string {
	return c.Topic("system", "status")
}

func joinTopic(prefix string, parts ...string) string {
	all := make([]string, 0, len(parts)+1)
	if prefix != "" {
		all = append(all, prefix)
	}
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			all = append(all, p)
		}
	}
	return strings.Join(all, "/")
}

type statusMessage struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

func (c *Client) statusPayload(status, reason string) []byte {
	b, _ := sonic.Marshal(statusMessage{
		Status:    status,
		ClientID:  c.clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return b
}

// Publish sends payload to topic and waits for the broker acknowledgment.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// PublishJSON encodes v with sonic and publishes it.
func (c *Client) PublishJSON(topic string, v any, qos byte, retained bool) error {
	b, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encoding payload: %w", ErrPublishFailed, err)
	}
	return c.Publish(topic, b, qos, retained)
}

// IsConnected reports the last known connection state.
func (c *Client) IsConnected() bool {
	if c == nil || c.client == nil {
		return false
	}
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client.IsConnected()
}

func (c *Client) setConnected(v bool) {
	c.connMu.Lock()
	c.connected = v
	c.connMu.Unlock()
}

// Close publishes a graceful offline status and disconnects.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	if c.IsConnected() {
		token := c.client.Publish(c.StatusTopic(), 1, true, c.statusPayload("offline", "graceful_shutdown"))
		token.WaitTimeout(publishTimeout)
	}
	c.client.Disconnect(disconnectQuiesce)
	c.setConnected(false)
	return nil
}
