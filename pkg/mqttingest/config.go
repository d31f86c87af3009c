// Package mqttingest owns the single long-lived session to the MQTT broker.
// It subscribes to the bike topic patterns, hands raw messages to the router,
// and acknowledges a delivery only after the router has accepted it.
package mqttingest

import (
	"fmt"
	"os"
	"time"

	"github.com/illmade-knight/go-bike-ingestion/pkg/envelope"
	"github.com/rs/zerolog/log"
)

// ClientConfig holds all necessary configuration for the Paho MQTT client.
type ClientConfig struct {
	// BrokerURL is the full URL of the MQTT broker to connect to.
	// Example: "tls://mqtt.example.com:8883"
	BrokerURL string
	// ClientID identifies this session to the broker. It must stay stable
	// across reconnects and restarts so the broker can resume queued QoS 1
	// deliveries; the session is opened with clean-session off.
	ClientID string
	// Topics are the subscription patterns. Defaults to the bike wildcard
	// patterns, one per message category.
	Topics []string
	// QoS is the subscription quality of service. At-least-once (1) is the
	// default; QoS 0 would allow silent loss.
	QoS byte
	// Username for authenticating with the MQTT broker.
	Username string
	// Password for authenticating with the MQTT broker.
	Password string
	// KeepAlive is the interval between keep-alive pings.
	KeepAlive time.Duration
	// ConnectTimeout is the timeout for a single connection attempt.
	ConnectTimeout time.Duration
	// ReconnectWaitMin is the first reconnect backoff delay.
	ReconnectWaitMin time.Duration
	// ReconnectWaitMax is the ceiling reconnect delays never exceed.
	ReconnectWaitMax time.Duration
	// CACertFile is an optional path to a CA certificate for verifying the
	// broker. ClientCertFile/ClientKeyFile enable mutual TLS.
	CACertFile     string
	ClientCertFile string
	ClientKeyFile  string
	// InsecureSkipVerify skips TLS certificate verification. Not for production.
	InsecureSkipVerify bool
}

// Env variable names for operational MQTT settings.
const (
	EnvBrokerURL             = "MQTT_BROKER_URL"
	EnvClientID              = "MQTT_CLIENT_ID"
	EnvUsername              = "MQTT_USERNAME"
	EnvPassword              = "MQTT_PASSWORD"
	EnvCACertFile            = "MQTT_CA_CERT_FILE"
	EnvClientCertFile        = "MQTT_CLIENT_CERT_FILE"
	EnvClientKeyFile         = "MQTT_CLIENT_KEY_FILE"
	EnvSkipVerify            = "MQTT_INSECURE_SKIP_VERIFY"
	EnvKeepAliveSeconds      = "MQTT_KEEP_ALIVE_SECONDS"
	EnvConnectTimeoutSeconds = "MQTT_CONNECT_TIMEOUT_SECONDS"
)

// LoadClientConfigWithEnv loads MQTT configuration from environment
// variables, with sensible defaults for the operational settings.
func LoadClientConfigWithEnv() *ClientConfig {
	cfg := &ClientConfig{
		BrokerURL:        os.Getenv(EnvBrokerURL),
		ClientID:         os.Getenv(EnvClientID),
		Username:         os.Getenv(EnvUsername),
		Password:         os.Getenv(EnvPassword),
		CACertFile:       os.Getenv(EnvCACertFile),
		ClientCertFile:   os.Getenv(EnvClientCertFile),
		ClientKeyFile:    os.Getenv(EnvClientKeyFile),
		Topics:           envelope.WildcardTopics(),
		QoS:              1,
		KeepAlive:        60 * time.Second,
		ConnectTimeout:   10 * time.Second,
		ReconnectWaitMin: 1 * time.Second,
		ReconnectWaitMax: 120 * time.Second,
	}
	if cfg.ClientID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "local"
		}
		cfg.ClientID = fmt.Sprintf("bike-ingestion-%s", host)
	}
	if skipVerify := os.Getenv(EnvSkipVerify); skipVerify == "true" {
		cfg.InsecureSkipVerify = true
	}
	if ka := os.Getenv(EnvKeepAliveSeconds); ka != "" {
		if s, err := time.ParseDuration(ka + "s"); err == nil {
			cfg.KeepAlive = s
		} else {
			log.Printf("mqttingest: error parsing keep-alive seconds: %s, using default", err)
		}
	}
	if ct := os.Getenv(EnvConnectTimeoutSeconds); ct != "" {
		if s, err := time.ParseDuration(ct + "s"); err == nil {
			cfg.ConnectTimeout = s
		} else {
			log.Printf("mqttingest: error parsing connect timeout seconds: %s, using default", err)
		}
	}
	return cfg
}
