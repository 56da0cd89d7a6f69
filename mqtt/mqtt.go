// Package mqtt mirrors station activity to an MQTT broker and accepts
// remote commands.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// Presence payloads, published retained on Topics.Presence.
const (
	presenceOnline  = "online"
	presenceOffline = "offline"
)

// Client wraps the paho client. It remembers subscriptions and renews
// them on every reconnect, and keeps a retained presence message with
// the broker through a last will.
type Client struct {
	client   paho.Client
	clientID string
	topics   Topics
	qos      byte
	enabled  bool
	handlers Handlers

	mu   sync.Mutex
	subs []string
}

// Config holds MQTT connection settings.
type Config struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
	QoS        byte   `yaml:"qos"`

	// WipeSecret is the base64 HMAC key of remote wipe requests. Empty
	// disables remote wipe.
	WipeSecret string `yaml:"wipe_secret"`

	PingInterval time.Duration `yaml:"ping_interval"`
}

// Handlers holds callback functions for MQTT events. All of them run on
// paho goroutines.
type Handlers struct {
	OnConnect    func()
	OnDisconnect func()
	OnMessage    func(topic string, payload []byte)
}

// New creates a client for node clientID. Returns a disabled no-op
// client if host is empty.
func New(cfg Config, clientID string, handlers Handlers) (*Client, error) {
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid qos %d", cfg.QoS)
	}
	c := &Client{
		clientID: clientID,
		topics:   NewTopics(clientID),
		qos:      cfg.QoS,
		handlers: handlers,
	}

	if cfg.Host == "" {
		log.Info("MQTT disabled (no host configured)")
		return c, nil
	}
	c.enabled = true

	broker, secure := brokerURL(cfg)
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetKeepAlive(60*time.Second).
		SetWill(c.topics.Presence(), presenceOffline, c.qos, true).
		SetConnectionLostHandler(c.handleConnectionLost).
		SetOnConnectHandler(c.handleConnect).
		SetDefaultPublishHandler(c.handleMessage)

	if secure {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("build TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	} else {
		log.Warn("MQTT using non-TLS connection")
	}

	c.client = paho.NewClient(opts)

	paho.ERROR = log.StandardLogger().WithField("mqtt", "error")
	paho.CRITICAL = log.StandardLogger().WithField("mqtt", "critical")
	paho.WARN = log.StandardLogger().WithField("mqtt", "warn")

	return c, nil
}

// brokerURL returns the broker address and whether it needs TLS. Any
// certificate setting selects TLS and its default port.
func brokerURL(cfg Config) (string, bool) {
	secure := cfg.CACert != "" || cfg.ClientCert != ""
	scheme, port := "tcp", 1883
	if secure {
		scheme, port = "ssl", 8883
	}
	if cfg.Port != 0 {
		port = cfg.Port
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, port), secure
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CACert != "" {
		pem, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", cfg.CACert)
		}
		tlsConfig.RootCAs = pool
	}

	switch {
	case cfg.ClientCert != "" && cfg.ClientKey != "":
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	case cfg.ClientCert != "" || cfg.ClientKey != "":
		return nil, errors.New("client_cert and client_key must be set together")
	}

	return tlsConfig, nil
}

// Connect connects to the broker and blocks until the first attempt
// completes. A disabled client reports connected right away.
func (c *Client) Connect() error {
	if !c.enabled {
		if c.handlers.OnConnect != nil {
			c.handlers.OnConnect()
		}
		return nil
	}

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect: %w", token.Error())
	}
	return nil
}

// Disconnect marks the node offline and disconnects. No-op if disabled.
func (c *Client) Disconnect() {
	if !c.enabled || !c.client.IsConnected() {
		return
	}
	c.client.Publish(c.topics.Presence(), c.qos, true, presenceOffline).WaitTimeout(time.Second)
	c.client.Disconnect(250)
}

// Subscribe registers topic. The subscription is made now if connected
// and again after every reconnect. No-op if disabled.
func (c *Client) Subscribe(topic string) error {
	if !c.enabled {
		return nil
	}

	c.mu.Lock()
	known := false
	for _, t := range c.subs {
		if t == topic {
			known = true
			break
		}
	}
	if !known {
		c.subs = append(c.subs, topic)
	}
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		return nil
	}
	return c.subscribe(topic)
}

func (c *Client) subscribe(topic string) error {
	if token := c.client.Subscribe(topic, c.qos, nil); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", topic, token.Error())
	}
	return nil
}

// Publish publishes a message to a topic. No-op if disabled.
func (c *Client) Publish(topic string, payload []byte) {
	if !c.enabled {
		return
	}
	c.client.Publish(topic, c.qos, false, payload)
}

// IsEnabled returns whether MQTT is enabled.
func (c *Client) IsEnabled() bool {
	return c.enabled
}

func (c *Client) handleConnect(client paho.Client) {
	log.WithField("node", c.clientID).Info("MQTT connection established")

	c.mu.Lock()
	subs := append([]string(nil), c.subs...)
	c.mu.Unlock()
	for _, topic := range subs {
		if err := c.subscribe(topic); err != nil {
			log.Errorf("MQTT resubscribe: %v", err)
		}
	}
	client.Publish(c.topics.Presence(), c.qos, true, presenceOnline)

	if c.handlers.OnConnect != nil {
		c.handlers.OnConnect()
	}
}

func (c *Client) handleConnectionLost(client paho.Client, err error) {
	log.Warnf("MQTT connection lost: %v", err)
	if c.handlers.OnDisconnect != nil {
		c.handlers.OnDisconnect()
	}
}

func (c *Client) handleMessage(client paho.Client, msg paho.Message) {
	if c.handlers.OnMessage != nil {
		c.handlers.OnMessage(msg.Topic(), msg.Payload())
	}
}
