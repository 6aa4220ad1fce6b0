package bridge

import (
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/neakasa/neakasa-go/internal/log"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	disconnectQuiesce = 1000 // milliseconds
	keepAlive         = 60 * time.Second
	maxReconnect      = 2 * time.Minute
)

var ErrConnectionFailed = errors.New("mqtt connection failed")

// Config describes the broker connection.
type Config struct {
	// Broker is the broker URL, such as tcp://localhost:1883.
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
	Prefix   string `yaml:"prefix"`
}

// clientID returns the configured client id, or a random one.
func (c Config) clientID() string {
	if c.ClientID != "" {
		return c.ClientID
	}
	return "neakasa-bridge-" + uuid.NewString()[:8]
}

// Client is a paho-backed Transport. Subscriptions are restored after reconnecting.
type Client struct {
	client pahomqtt.Client
	topics Topics
	qos    byte

	lock          sync.Mutex
	subscriptions map[string]MessageHandler
}

// Dial connects to the broker. The bridge status topic is set to "online" on every connection and
// to "offline" by the broker's last will.
func Dial(config Config) (*Client, error) {
	c := &Client{
		topics:        Topics{Prefix: config.Prefix},
		qos:           config.QoS,
		subscriptions: make(map[string]MessageHandler),
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.clientID())
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(maxReconnect)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetWill(c.topics.Status(), PayloadOffline, 1, true)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.onConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warning("Lost connection to MQTT broker: %s", err)
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return c, nil
}

func (c *Client) onConnect() {
	log.Info("Connected to MQTT broker")
	c.client.Publish(c.topics.Status(), 1, true, PayloadOnline)

	c.lock.Lock()
	defer c.lock.Unlock()
	for topic, handler := range c.subscriptions {
		c.client.Subscribe(topic, c.qos, wrap(handler))
	}
}

func wrap(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			log.Warning("Failed to handle message on %s: %s", msg.Topic(), err)
		}
	}
}

func wait(token pahomqtt.Token) error {
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt operation timed out after %v", publishTimeout)
	}
	return token.Error()
}

func (c *Client) Publish(topic string, retained bool, payload []byte) error {
	return wait(c.client.Publish(topic, c.qos, retained, payload))
}

func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	c.lock.Lock()
	c.subscriptions[topic] = handler
	c.lock.Unlock()
	return wait(c.client.Subscribe(topic, c.qos, wrap(handler)))
}

// Close publishes the offline status and disconnects.
func (c *Client) Close() error {
	if c.client.IsConnected() {
		c.client.Publish(c.topics.Status(), 1, true, PayloadOffline).WaitTimeout(publishTimeout)
	}
	c.client.Disconnect(disconnectQuiesce)
	return nil
}
