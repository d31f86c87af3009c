package mqttingest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// RouteFunc accepts one raw broker message. A nil return means the message
// has been durably handed off and the broker delivery may be acknowledged; a
// non-nil return leaves it unacknowledged so the broker redelivers it.
type RouteFunc func(ctx context.Context, topic string, payload []byte, receivedAt time.Time) error

// Client owns exactly one long-lived session to the MQTT broker. Connection
// failures are recovered locally with bounded backoff and surfaced only as
// connectivity state; invalid TLS material is the one fatal construction error.
type Client struct {
	cfg    *ClientConfig
	route  RouteFunc
	logger zerolog.Logger
	tlsCfg *tls.Config

	pahoClient mqtt.Client
	state      *stateTracker

	stopOnce sync.Once
	startCtx context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewClient validates the configuration, including TLS material when the
// broker URL requires it, and prepares the client. It does not connect until
// Start is called.
func NewClient(cfg *ClientConfig, route RouteFunc, logger zerolog.Logger) (*Client, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("MQTT broker URL is required")
	}
	if route == nil {
		return nil, errors.New("route function is required")
	}
	if cfg.QoS == 0 {
		cfg.QoS = 1
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("at least one subscription topic is required")
	}

	componentLogger := logger.With().Str("component", "MqttClient").Logger()

	var tlsCfg *tls.Config
	if needsTLS(cfg.BrokerURL) {
		var err error
		tlsCfg, err = newTLSConfig(cfg)
		if err != nil {
			// Invalid TLS material is fatal; the connection is never retried
			// with relaxed validation.
			return nil, fmt.Errorf("invalid TLS configuration: %w", err)
		}
	}

	return &Client{
		cfg:    cfg,
		route:  route,
		logger: componentLogger,
		tlsCfg: tlsCfg,
		state:  newStateTracker(componentLogger),
	}, nil
}

// State returns the current connection state.
func (c *Client) State() ConnectionState { return c.state.get() }

// StateChanges returns a channel receiving connection state transitions.
func (c *Client) StateChanges() <-chan ConnectionState { return c.state.watch() }

// Start launches the connection-management goroutine and returns immediately.
// It never reports connection failures; those are retried with exponential
// backoff and jitter until the context is cancelled.
func (c *Client) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.startCtx = runCtx
	c.cancel = cancel

	opts := c.createMqttOptions(runCtx)
	c.pahoClient = mqtt.NewClient(opts)

	c.wg.Add(1)
	go c.connectLoop(runCtx)
	return nil
}

// connectLoop drives the initial connection, retrying with bounded backoff
// and jitter. Once connected, the Paho client's auto-reconnect takes over
// for in-session drops.
func (c *Client) connectLoop(ctx context.Context) {
	defer c.wg.Done()
	for attempt := 1; ; attempt++ {
		c.state.set(StateConnecting)
		token := c.pahoClient.Connect()
		if token.WaitTimeout(c.cfg.ConnectTimeout) && token.Error() == nil {
			// The OnConnect handler moves the state to connected.
			return
		}

		delay := reconnectBackoff(attempt, c.cfg.ReconnectWaitMin, c.cfg.ReconnectWaitMax)
		c.logger.Warn().
			AnErr("error", token.Error()).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("Failed to connect to MQTT broker, retrying.")
		c.state.set(StateDisconnected)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// reconnectBackoff returns the delay before the given (1-based) attempt:
// exponential from min, capped at max, with up to 20% positive jitter that
// never pushes the result past the ceiling.
func reconnectBackoff(attempt int, min, max time.Duration) time.Duration {
	if min <= 0 {
		min = time.Second
	}
	if max < min {
		max = min
	}
	backoff := min
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= max {
			backoff = max
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(backoff)/5 + 1))
	if backoff+jitter > max {
		return max
	}
	return backoff + jitter
}

func (c *Client) createMqttOptions(ctx context.Context) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL)
	// Stable identity + durable session so the broker resumes QoS 1
	// deliveries that were queued or unacknowledged across a reconnect.
	opts.SetClientID(c.cfg.ClientID)
	opts.SetCleanSession(false)
	opts.SetUsername(c.cfg.Username)
	opts.SetPassword(c.cfg.Password)
	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(c.cfg.ReconnectWaitMax)
	opts.SetOrderMatters(false)
	// Deliveries are acknowledged manually, only after the router has handed
	// the message off durably.
	opts.SetAutoAckDisabled(true)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.logger.Info().Str("broker", c.cfg.BrokerURL).Str("client_id", c.cfg.ClientID).Msg("Connected to MQTT broker.")
		c.state.set(StateConnected)
		c.subscribeAll(ctx, client)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Error().Err(err).Msg("Lost MQTT connection, auto-reconnect engaged.")
		c.state.set(StateDegraded)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		c.state.set(StateDegraded)
	})

	if c.tlsCfg != nil {
		opts.SetTLSConfig(c.tlsCfg)
	}
	return opts
}

// subscribeAll (re-)establishes every configured subscription. It runs on
// each successful connect, so subscriptions survive reconnects transparently.
func (c *Client) subscribeAll(ctx context.Context, client mqtt.Client) {
	filters := make(map[string]byte, len(c.cfg.Topics))
	for _, topic := range c.cfg.Topics {
		filters[topic] = c.cfg.QoS
	}
	token := client.SubscribeMultiple(filters, c.handleIncomingMessage(ctx))
	go func() {
		if token.WaitTimeout(10*time.Second) && token.Error() != nil {
			c.logger.Error().Err(token.Error()).Strs("topics", c.cfg.Topics).Msg("Failed to subscribe to MQTT topics.")
			c.state.set(StateDegraded)
			return
		}
		c.logger.Info().Strs("topics", c.cfg.Topics).Msg("Subscribed to MQTT topics.")
	}()
}

// handleIncomingMessage hands each raw message to the router and acks only
// on acceptance. A rejected message stays unacknowledged; with QoS 1 and a
// durable session the broker redelivers it.
func (c *Client) handleIncomingMessage(ctx context.Context) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		receivedAt := time.Now().UTC()
		payloadCopy := make([]byte, len(msg.Payload()))
		copy(payloadCopy, msg.Payload())

		if err := c.route(ctx, msg.Topic(), payloadCopy, receivedAt); err != nil {
			c.logger.Error().Err(err).Str("topic", msg.Topic()).Msg("Router rejected message, leaving it unacknowledged.")
			return
		}
		msg.Ack()
	}
}

// Stop tears the session down. Subscriptions end with the session; the
// durable server-side session retains undelivered QoS 1 messages.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("Stopping MQTT client...")
		if c.cancel != nil {
			c.cancel()
		}
		c.wg.Wait()
		if c.pahoClient != nil && c.pahoClient.IsConnected() {
			c.pahoClient.Disconnect(500)
		}
		c.state.set(StateDisconnected)
		c.logger.Info().Msg("MQTT client stopped.")
	})
}

func needsTLS(brokerURL string) bool {
	lower := strings.ToLower(brokerURL)
	return strings.HasPrefix(lower, "tls://") || strings.HasPrefix(lower, "ssl://") || strings.HasPrefix(lower, "mqtts://")
}

// newTLSConfig builds the TLS configuration, validating the CA bundle and,
// when mutual TLS is configured, the client certificate pair.
func newTLSConfig(cfg *ClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}
	if cfg.ClientCertFile != "" || cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
